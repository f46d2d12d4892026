package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/polycycle/sleepsync/internal/loadtest"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "setup",
	Short:   "Measure store latency under concurrent access",
	Long: `Seed a scratch database and measure query latency with concurrent
readers, then run writers against readers and check that every owner still
has at most one active schedule. The configured database is not touched.

Examples:
  sleepsync bench
  sleepsync bench --owners 200 --readers 50 --format json`,
	Annotations: map[string]string{"skipConfig": "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		owners, _ := cmd.Flags().GetInt("owners")
		entries, _ := cmd.Flags().GetInt("entries")
		readers, _ := cmd.Flags().GetInt("readers")
		queries, _ := cmd.Flags().GetInt("queries")
		writers, _ := cmd.Flags().GetInt("writers")
		duration, _ := cmd.Flags().GetDuration("duration")
		format, _ := cmd.Flags().GetString("format")
		ctx := cmd.Context()

		dir, err := os.MkdirTemp("", "sleepsync-bench-")
		if err != nil {
			return fmt.Errorf("failed to create scratch dir: %w", err)
		}
		defer os.RemoveAll(dir)

		start := time.Now()
		f, err := loadtest.Seed(ctx, filepath.Join(dir, "bench.db"), owners, entries)
		if err != nil {
			return err
		}
		defer f.Close()
		seeded := time.Since(start)

		stats, err := f.RunConcurrentQueries(ctx, readers, queries)
		if err != nil {
			return err
		}
		writeErr := f.VerifyConcurrentWrites(ctx, writers, readers, duration)

		if done, err := encode(os.Stdout, format, struct {
			Seeded      string                 `json:"seeded" yaml:"seeded"`
			Latency     *loadtest.LatencyStats `json:"latency" yaml:"latency"`
			WritesValid bool                   `json:"writes_valid" yaml:"writes_valid"`
		}{seeded.String(), stats, writeErr == nil}); done {
			if err != nil {
				return err
			}
			return writeErr
		}

		fmt.Printf("\n%s\n", renderAccent("Store benchmark"))
		line(os.Stdout, "Seeded", fmt.Sprintf("%d owners, %d entries in %v", owners, len(f.EntryIDs), seeded.Round(time.Millisecond)))
		line(os.Stdout, "Readers", fmt.Sprintf("%d x %d queries", readers, queries))
		fmt.Println()
		stats.Print(os.Stdout)
		fmt.Println()
		if writeErr != nil {
			fmt.Printf("%s concurrent writes: %v\n\n", renderFail("✗"), writeErr)
			return writeErr
		}
		fmt.Printf("%s concurrent writes kept one active schedule per owner\n\n", renderPass("✓"))
		return nil
	},
}

func init() {
	benchCmd.Flags().Int("owners", 50, "owners to seed")
	benchCmd.Flags().Int("entries", 30, "finished sleep entries per owner")
	benchCmd.Flags().Int("readers", 20, "concurrent readers")
	benchCmd.Flags().Int("queries", 50, "queries per reader")
	benchCmd.Flags().Int("writers", 4, "concurrent writers")
	benchCmd.Flags().Duration("duration", 2*time.Second, "length of the concurrent write run")
	benchCmd.Flags().String("format", formatText, "output format: text, json or yaml")
	rootCmd.AddCommand(benchCmd)
}
