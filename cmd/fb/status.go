package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fieldbook/fieldbook/internal/connectivity"
	"github.com/fieldbook/fieldbook/internal/coordinator"
	"github.com/fieldbook/fieldbook/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "server",
	Short:   "Show store, lock, backup and index status",
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")

		ctx := context.Background()
		coord, err := openCoordinator(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer coord.Close()

		st := coord.Status(ctx)
		switch format {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(st); err != nil {
				coord.Close()
				fatalf("%v", err)
			}
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(st); err != nil {
				coord.Close()
				fatalf("%v", err)
			}
			_ = enc.Close()
		case "text":
			printStatus(st)
		default:
			coord.Close()
			fatalf("unknown format %q (text, json, yaml)", format)
		}
	},
}

func printStatus(st *coordinator.Status) {
	mode := ui.RenderPass(string(st.Mode))
	if st.Mode == connectivity.Offline {
		mode = ui.RenderWarn(string(st.Mode) + " (read-only snapshot)")
	}
	fmt.Println(ui.RenderField("Device:", st.Device))
	fmt.Println(ui.RenderField("User:", st.Holder))
	fmt.Println(ui.RenderField("Mode:", mode))
	fmt.Println(ui.RenderField("Store:", st.StorePath))

	reach := ui.RenderPass("reachable")
	if !st.Heartbeat.Reachable {
		reach = ui.RenderFail("unreachable")
	}
	fmt.Println(ui.RenderField("Primary:", reach))
	fmt.Println()

	printLockStatus(st.Lock)
	fmt.Println()

	fmt.Println(ui.RenderField("Shared:", formatLast(st.Backups.Shared)))
	fmt.Println(ui.RenderField("Local:", formatLast(st.Backups.Local)))
	fmt.Println()

	fmt.Println(ui.RenderField("New today:", fmt.Sprint(st.NewFilesToday)))
	fmt.Println(ui.RenderField("Indexed:", fmt.Sprint(st.IndexedFiles)))
}

func init() {
	statusCmd.Flags().String("format", "text", "output format: text, json or yaml")
	rootCmd.AddCommand(statusCmd)
}
