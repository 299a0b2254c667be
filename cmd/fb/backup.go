package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/fieldbook/fieldbook/internal/backup"
	"github.com/fieldbook/fieldbook/internal/coordinator"
	"github.com/fieldbook/fieldbook/internal/ui"
)

var backupCmd = &cobra.Command{
	Use:     "backup",
	GroupID: "maint",
	Short:   "Create and inspect store snapshots",
}

var backupRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Take a snapshot now, in both destinations",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		coord, err := openCoordinator(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer coord.Close()

		snap, err := coord.ManualBackup(ctx)
		if errors.Is(err, coordinator.ErrOffline) {
			fatalf("primary store unreachable, nothing to back up")
		}
		if snap == nil {
			fatalf("backup failed: %v", err)
		}

		fmt.Printf("%s %s (%d bytes)\n", ui.RenderAccent("Snapshot"), snap.Name, snap.Size)
		printDestination(backup.Shared, snap.SharedPath, snap.SharedErr)
		printDestination(backup.Local, snap.LocalPath, snap.LocalErr)
		if err != nil {
			coord.Close()
			os.Exit(1)
		}
	},
}

func printDestination(dest, path string, err error) {
	if err != nil {
		fmt.Printf("  %s %-6s %v\n", ui.RenderFail("✗"), dest, err)
		return
	}
	fmt.Printf("  %s %-6s %s\n", ui.RenderPass("✓"), dest, path)
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots in a destination",
	Long: `List snapshots in the shared or local destination, oldest first.

--since accepts a date or a phrase such as "yesterday" or "last monday".

Example usage:
  fb backup list
  fb backup list --dest local --since "3 days ago"`,
	Run: func(cmd *cobra.Command, args []string) {
		dest, _ := cmd.Flags().GetString("dest")
		sinceText, _ := cmd.Flags().GetString("since")

		var since time.Time
		if sinceText != "" {
			t, err := parseSince(sinceText, time.Now())
			if err != nil {
				fatalf("%v", err)
			}
			since = t
		}

		ctx := context.Background()
		coord, err := openCoordinator(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer coord.Close()

		entries, err := coord.ListBackups(dest)
		if err != nil {
			coord.Close()
			fatalf("failed to list %s backups: %v", dest, err)
		}
		entries = filterSince(entries, since)

		if len(entries) == 0 {
			fmt.Println(ui.RenderMuted("No snapshots."))
			return
		}
		for _, e := range entries {
			stamp := "unknown time"
			if !e.Time.IsZero() {
				stamp = e.Time.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%s  %s  %s\n", stamp, e.Name, ui.RenderMuted(fmt.Sprintf("%d bytes", e.Size)))
		}
	},
}

// parseSince reads an absolute date or a natural-language phrase relative
// to base.
func parseSince(text string, base time.Time) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "2006-01-02 15:04", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, text, time.Local); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, base)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", text)
	}
	return r.Time, nil
}

// filterSince keeps entries stamped at or after since. Unstamped entries
// are dropped when since is set.
func filterSince(entries []backup.Entry, since time.Time) []backup.Entry {
	if since.IsZero() {
		return entries
	}
	out := entries[:0]
	for _, e := range entries {
		if !e.Time.IsZero() && !e.Time.Before(since) {
			out = append(out, e)
		}
	}
	return out
}

var backupStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the newest snapshot in each destination",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		coord, err := openCoordinator(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer coord.Close()

		times := coord.LastBackups()
		fmt.Println(ui.RenderField("Shared:", formatLast(times.Shared)))
		fmt.Println(ui.RenderField("Local:", formatLast(times.Local)))
	},
}

func formatLast(t *time.Time) string {
	if t == nil {
		return ui.RenderWarn("never")
	}
	age := time.Since(*t).Round(time.Minute)
	return fmt.Sprintf("%s %s", t.Format("2006-01-02 15:04:05"), ui.RenderMuted("("+strings.TrimSuffix(age.String(), "0s")+" ago)"))
}

func init() {
	backupListCmd.Flags().String("dest", backup.Shared, "destination to list (shared or local)")
	backupListCmd.Flags().String("since", "", "only snapshots taken at or after this time")

	backupCmd.AddCommand(backupRunCmd, backupListCmd, backupStatusCmd)
	rootCmd.AddCommand(backupCmd)
}
