// Command fb runs and administers a fieldbook process: the HTTP server,
// backups, folder reconciliation, the discovery index and the edit lock.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/fieldbook/fieldbook/internal/config"
	"github.com/fieldbook/fieldbook/internal/coordinator"
	"github.com/fieldbook/fieldbook/internal/logging"
)

var (
	envFile string
	loader  = config.NewLoader()

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fb",
	Short: "fieldbook: shared-folder records with an edit lock and daily backups",
	Long: `fb serves and maintains a fieldbook installation whose primary store
lives on a synced shared folder.

Configuration comes from the environment, optionally seeded from a dotenv
file (--env-file, default .env). ONEDRIVE_PATH and DATABASE_PATH are
required.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loader.Load(envFile)
		if err != nil {
			return err
		}
		logger = logging.New(os.Stderr, cfg.LogLevel)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "server", Title: "Server:"},
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to read before the environment")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("device", "", "device name written to the change log")
	mustBind(config.KeyLogLevel, rootCmd.PersistentFlags().Lookup("log-level"))
	mustBind(config.KeyDeviceName, rootCmd.PersistentFlags().Lookup("device"))
}

func mustBind(key string, flag *pflag.Flag) {
	if err := loader.Bind(key, flag); err != nil {
		panic(err)
	}
}

// openCoordinator builds a coordinator for a one-shot command. The upload
// watcher is never started.
func openCoordinator(ctx context.Context, opts ...coordinator.Option) (*coordinator.Coordinator, error) {
	opts = append([]coordinator.Option{coordinator.WithWatch(false)}, opts...)
	return coordinator.New(ctx, cfg, logger, opts...)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
