package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fieldbook/fieldbook/internal/store"
	"github.com/fieldbook/fieldbook/internal/sync"
	"github.com/fieldbook/fieldbook/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync [customer-id]",
	GroupID: "data",
	Short:   "Reconcile upload folders with document records",
	Long: `Bring document records in line with the files under the upload root.

With a customer id only that customer's folder is reconciled. With --all the
General folder and every customer are reconciled; a failure for one customer
does not stop the others. Empty directories and junk files are pruned.

Example usage:
  fb sync 42
  fb sync --all`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) == 1) {
			fatalf("pass either a customer id or --all")
		}

		ctx := context.Background()
		coord, err := openCoordinator(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer coord.Close()

		if !all {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				fatalf("invalid customer id %q", args[0])
			}
			report, err := coord.SyncCustomer(ctx, id)
			if err != nil {
				coord.Close()
				fatalf("%v", syncError(err))
			}
			printReport(report)
			return
		}

		summary, err := coord.SyncAll(ctx)
		if err != nil {
			coord.Close()
			fatalf("%v", syncError(err))
		}
		for _, r := range summary.Reports {
			printReport(r)
		}
		if len(summary.Failed) > 0 {
			scopes := make([]string, 0, len(summary.Failed))
			for scope := range summary.Failed {
				scopes = append(scopes, scope)
			}
			sort.Strings(scopes)
			for _, scope := range scopes {
				fmt.Printf("%s %s: %v\n", ui.RenderFail("✗"), scope, summary.Failed[scope])
			}
			coord.Close()
			os.Exit(1)
		}
	},
}

func syncError(err error) error {
	if errors.Is(err, store.ErrReadOnly) {
		return errors.New("serving a read-only snapshot, nothing can be written")
	}
	return err
}

func printReport(r *sync.Report) {
	mark := ui.RenderMuted("=")
	if r.Changed() {
		mark = ui.RenderPass("✓")
	}
	fmt.Printf("%s %s %s\n", mark, ui.RenderAccent(r.Scope),
		ui.RenderMuted(fmt.Sprintf("+%d -%d pruned %d", len(r.Inserted), len(r.Deleted), len(r.Pruned))))
	if err := r.Skipped.ErrorOrNil(); err != nil {
		fmt.Printf("  %s %v\n", ui.RenderWarn("⚠"), err)
	}
}

var indexCmd = &cobra.Command{
	Use:     "index",
	GroupID: "data",
	Short:   "Rebuild or search the discovery file index",
	Long: `Rebuild the file index from the discovery root.

With --search, the existing index is queried by file name instead.

Example usage:
  fb index
  fb index --search invoice`,
	Run: func(cmd *cobra.Command, args []string) {
		term, _ := cmd.Flags().GetString("search")
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := context.Background()
		coord, err := openCoordinator(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer coord.Close()

		if term != "" {
			entries, err := coord.Store().SearchFileIndex(ctx, term, limit)
			if err != nil {
				coord.Close()
				fatalf("%v", err)
			}
			if len(entries) == 0 {
				fmt.Println(ui.RenderMuted("No matches."))
				return
			}
			for _, e := range entries {
				fmt.Printf("%s  %s\n", e.RelativePath, ui.RenderMuted(e.ParentFolder))
			}
			return
		}

		n, err := coord.RebuildIndex(ctx)
		if err != nil {
			coord.Close()
			fatalf("%v", syncError(err))
		}
		fmt.Printf("%s Indexed %d files\n", ui.RenderPass("✓"), n)
	},
}

func init() {
	syncCmd.Flags().Bool("all", false, "reconcile General and every customer")
	indexCmd.Flags().String("search", "", "search indexed file names instead of rebuilding")
	indexCmd.Flags().Int("limit", 50, "maximum search results")

	rootCmd.AddCommand(syncCmd, indexCmd)
}
