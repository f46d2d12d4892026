package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/polycycle/sleepsync/internal/migrate"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "data",
	Short:   "Run a consistency pass over the store",
	Long: `Reconcile the legacy and current schedule shapes, purge soft-deleted
records and print a consistency report.

The pass is idempotent: running it again on a consistent store writes
nothing. With --cleanup it also removes orphaned sleep blocks and clears
sleep entry references to missing blocks.

Examples:
  sleepsync migrate --dry-run
  sleepsync migrate --cleanup --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		cleanup, _ := cmd.Flags().GetBool("cleanup")
		format, _ := cmd.Flags().GetString("format")

		repo := openRepository(nil)
		defer repo.Close()

		result, err := migrate.New(repo, logger, nil).Run(cmd.Context(), migrate.Options{DryRun: dryRun, Cleanup: cleanup})
		if err != nil {
			return fmt.Errorf("consistency pass failed: %w", err)
		}

		if done, err := encode(os.Stdout, format, result); done {
			return err
		}
		printResult(result, dryRun)
		return nil
	},
}

func printResult(r *migrate.Result, dryRun bool) {
	title := "Consistency pass"
	if dryRun {
		title += " (dry run)"
	}
	fmt.Printf("\n%s\n", renderAccent(title))
	line(os.Stdout, "Scanned", fmt.Sprintf("%d legacy, %d current", r.ScannedLegacy, r.ScannedCurrent))
	line(os.Stdout, "Synthesized", fmt.Sprintf("%d current, %d legacy", r.CurrentSynthesized, r.LegacySynthesized))
	line(os.Stdout, "Legacy active fixed", r.LegacyActiveFixed)
	line(os.Stdout, "Purged", r.Purged)
	line(os.Stdout, "Orphans removed", r.OrphansRemoved)
	line(os.Stdout, "Dangling refs cleared", r.DanglingCleared)
	line(os.Stdout, "Writes", r.Writes)
	for _, e := range r.Errors {
		fmt.Printf("  %s %s\n", renderWarn("⚠"), e)
	}

	rep := r.Report
	fmt.Printf("\n%s\n", renderAccent("Report"))
	line(os.Stdout, "Schedules", fmt.Sprintf("%d (%d active)", rep.TotalSchedules, rep.ActiveSchedules))
	line(os.Stdout, "Legacy schedules", fmt.Sprintf("%d (%d active)", rep.TotalLegacySchedules, rep.ActiveLegacySchedules))
	if !rep.HasIssues() {
		fmt.Printf("\n%s no issues\n\n", renderPass("✓"))
		return
	}
	fmt.Println()
	for _, issue := range rep.Issues {
		fmt.Printf("  %s %s\n", renderFail("✗"), issue)
	}
	fmt.Println()
}

func init() {
	migrateCmd.Flags().Bool("dry-run", false, "scan and validate without writing")
	migrateCmd.Flags().Bool("cleanup", false, "remove orphaned blocks and clear dangling entry references")
	migrateCmd.Flags().String("format", formatText, "output format: text, json or yaml")
	rootCmd.AddCommand(migrateCmd)
}
