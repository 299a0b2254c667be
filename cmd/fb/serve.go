package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldbook/fieldbook/internal/config"
	"github.com/fieldbook/fieldbook/internal/connectivity"
	"github.com/fieldbook/fieldbook/internal/coordinator"
	"github.com/fieldbook/fieldbook/internal/dashboard"
	"github.com/fieldbook/fieldbook/internal/lock"
	"github.com/fieldbook/fieldbook/internal/logging"
	"github.com/fieldbook/fieldbook/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the HTTP server, heartbeat and background tasks",
	Long: `Start a fieldbook process.

At startup the primary store is probed; when it cannot be reached the newest
local snapshot is served read-only until the process is restarted. While
running, the process:
  - answers HTTP requests (see /status and /ws for live events)
  - takes the daily backup on the first dashboard request of the day
  - probes the primary store every HEARTBEAT_INTERVAL
  - reconciles changed customer folders when WATCH_UPLOADS is set

Only one serve process may run per instance directory.

Example usage:
  fb serve
  fb serve --addr 0.0.0.0:5000 --watch`,
	Run: func(cmd *cobra.Command, args []string) {
		inst, err := lock.AcquireInstance(filepath.Join(cfg.InstanceDir, "serve.lock"))
		if errors.Is(err, lock.ErrInstanceRunning) {
			fatalf("another fb serve is already running for %s", cfg.InstanceDir)
		}
		if err != nil {
			fatalf("%v", err)
		}
		defer inst.Release()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		coord, err := openCoordinator(ctx, coordinator.WithWatch(cfg.WatchUploads))
		if err != nil {
			fatalf("failed to start: %v", err)
		}
		defer coord.Close()

		if coord.Mode() == connectivity.Offline {
			fmt.Printf("%s Primary store unreachable, serving read-only snapshot %s\n",
				ui.RenderWarn("⚠"), coord.Status(ctx).StorePath)
		}

		server := dashboard.NewServer(coord, &dashboard.Config{
			Addr:   cfg.ListenAddr,
			Logger: logging.Component(logger, "http"),
		})
		if err := server.Start(); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s fieldbook listening on http://%s\n", ui.RenderPass("✓"), server.Addr())
		fmt.Printf("   Events: ws://%s/ws\n", server.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		runErr := coord.Run(ctx)

		fmt.Println("\nShutting down...")
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
		if runErr != nil {
			fatalf("%v", runErr)
		}
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default LISTEN_ADDR or 127.0.0.1:5000)")
	serveCmd.Flags().Bool("watch", false, "reconcile customer folders as files change")
	mustBind(config.KeyListenAddr, serveCmd.Flags().Lookup("addr"))
	mustBind(config.KeyWatchUploads, serveCmd.Flags().Lookup("watch"))
	rootCmd.AddCommand(serveCmd)
}
