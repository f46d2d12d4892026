// Command sleepsync keeps a polyphasic sleep schedule in step between a host
// and a companion device.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/polycycle/sleepsync/internal/config"
	"github.com/polycycle/sleepsync/internal/logging"
	"github.com/polycycle/sleepsync/internal/metrics"
	"github.com/polycycle/sleepsync/internal/repository"
)

var (
	configPath string
	logLevel   string
	dbPath     string

	cfg    *config.Config
	logger *zap.SugaredLogger
)

var rootCmd = &cobra.Command{
	Use:   "sleepsync",
	Short: "Cross-device sync for polyphasic sleep schedules",
	Long: `sleepsync stores schedules, sleep blocks and sleep entries in a local
SQLite database and keeps a host and a companion device in agreement.

Settings come from sleepsync.toml, a .env file and SLEEPSYNC_* environment
variables. Run 'sleepsync config init' to write a starting config.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations["skipConfig"] == "true" {
			return nil
		}
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			c.Log.Level = logLevel
		}
		if cmd.Flags().Changed("db") {
			c.DB.Path = dbPath
		}
		l, err := logging.New(c.LoggingOptions())
		if err != nil {
			return err
		}
		cfg, logger = c, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./sleepsync.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides db.path)")
}

// openRepository opens the configured store. When the store cannot be
// opened the repository runs on its in-memory fallback and reports itself
// unhealthy.
func openRepository(rec metrics.Recorder) *repository.Repository {
	repo, _ := repository.Open(cfg.DB.Path, repository.Options{
		Logger:             logger,
		Metrics:            rec,
		ReactivationPolicy: cfg.ReactivationPolicy(),
		UndoWindow:         cfg.Adaptation.UndoWindow,
	})
	return repo
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
