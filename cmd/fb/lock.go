package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/fieldbook/fieldbook/internal/lock"
	"github.com/fieldbook/fieldbook/internal/ui"
)

var lockCmd = &cobra.Command{
	Use:     "lock",
	GroupID: "maint",
	Short:   "Inspect and clear the shared edit lock",
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show who holds the edit lock",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		coord, err := openCoordinator(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer coord.Close()

		st, err := coord.LockStatus(ctx)
		if err != nil {
			coord.Close()
			fatalf("failed to read lock: %v", err)
		}
		printLockStatus(st)
	},
}

func printLockStatus(st lock.Status) {
	if !st.Locked {
		fmt.Println(ui.RenderField("Lock:", ui.RenderPass("free")))
		return
	}
	state := ui.RenderWarn("held")
	if st.Expired {
		state = ui.RenderMuted("expired")
	}
	fmt.Println(ui.RenderField("Lock:", state))
	fmt.Println(ui.RenderField("Holder:", st.Holder))
	if st.Since != nil {
		fmt.Println(ui.RenderField("Since:", fmt.Sprintf("%s (%s ago)",
			st.Since.Format("2006-01-02 15:04:05"), time.Since(*st.Since).Round(time.Second))))
	}
	if st.Token != 0 {
		fmt.Println(ui.RenderField("Token:", fmt.Sprint(st.Token)))
	}
	fmt.Println(ui.RenderField("Timeout:", st.Timeout.String()))
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release a lock held under your own name",
	Long: `Release the edit lock when it is held under your user name, for example
after a browser tab was closed mid-edit. Use "fb lock break" for anyone
else's lock.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		coord, err := openCoordinator(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer coord.Close()

		err = coord.ReleaseOwn(ctx)
		if errors.Is(err, lock.ErrNotOwner) {
			coord.Close()
			fatalf("the lock is not held by %s; use 'fb lock break' to clear it", coord.Holder())
		}
		if err != nil {
			coord.Close()
			fatalf("%v", err)
		}
		fmt.Printf("%s Lock released\n", ui.RenderPass("✓"))
	},
}

var lockBreakCmd = &cobra.Command{
	Use:   "break",
	Short: "Remove the edit lock regardless of holder",
	Long: `Remove the edit lock regardless of who holds it. The break is recorded in
the change log. Whoever was editing loses their lock without notice, so
confirm with them first.`,
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")

		ctx := context.Background()
		coord, err := openCoordinator(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer coord.Close()

		st, err := coord.LockStatus(ctx)
		if err != nil {
			coord.Close()
			fatalf("failed to read lock: %v", err)
		}
		if !st.Locked {
			fmt.Println(ui.RenderMuted("Lock is already free."))
			return
		}

		if !yes {
			if !ui.IsInteractive() {
				coord.Close()
				fatalf("refusing to break %s's lock without --yes", st.Holder)
			}
			confirmed := false
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Break the lock held by %s?", st.Holder)).
				Description(st.Raw).
				Affirmative("Break it").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil || !confirmed {
				fmt.Println("Cancelled.")
				return
			}
		}

		if err := coord.BreakLock(ctx); err != nil {
			coord.Close()
			fatalf("%v", err)
		}
		fmt.Printf("%s Lock held by %s broken\n", ui.RenderWarn("⚠"), st.Holder)
	},
}

func init() {
	lockBreakCmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")

	lockCmd.AddCommand(lockStatusCmd, lockReleaseCmd, lockBreakCmd)
	rootCmd.AddCommand(lockCmd)
}
