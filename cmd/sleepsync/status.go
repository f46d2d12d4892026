package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/polycycle/sleepsync/internal/adaptation"
	"github.com/polycycle/sleepsync/internal/repository"
	"github.com/polycycle/sleepsync/internal/store"
)

// statusReport is the output of `sleepsync status`.
type statusReport struct {
	Role         string          `json:"role" yaml:"role"`
	OwnerID      string          `json:"owner_id" yaml:"owner_id"`
	Transport    string          `json:"transport" yaml:"transport"`
	Store        string          `json:"store" yaml:"store"`
	StoreHealthy bool            `json:"store_healthy" yaml:"store_healthy"`
	LastSync     *time.Time      `json:"last_sync,omitempty" yaml:"last_sync,omitempty"`
	Counts       *store.Counts   `json:"counts" yaml:"counts"`
	Active       *activeSchedule `json:"active_schedule,omitempty" yaml:"active_schedule,omitempty"`
	ReminderLead string          `json:"reminder_lead" yaml:"reminder_lead"`
}

type activeSchedule struct {
	ID       string              `json:"id" yaml:"id"`
	Name     string              `json:"name" yaml:"name"`
	Blocks   int                 `json:"blocks" yaml:"blocks"`
	Progress adaptation.Progress `json:"progress" yaml:"progress"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show store, sync and adaptation status",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		ctx := cmd.Context()

		repo := openRepository(nil)
		defer repo.Close()

		counts, err := repo.Counts(ctx)
		if err != nil {
			return err
		}
		rep := statusReport{
			Role:         cfg.Role,
			OwnerID:      cfg.OwnerID,
			Transport:    cfg.Transport.Kind,
			Store:        repo.StorePath(),
			StoreHealthy: repo.Healthy(),
			Counts:       counts,
		}
		if at, ok, err := repo.LastSync(ctx); err != nil {
			return err
		} else if ok {
			rep.LastSync = &at
		}
		lead, err := repo.ReminderLead(ctx, cfg.OwnerID)
		if err != nil {
			return err
		}
		rep.ReminderLead = lead.String()

		s, err := repo.ActiveSchedule(ctx, cfg.OwnerID)
		switch {
		case err == nil:
			progress, err := repo.AdaptationProgress(ctx, s.ID, time.Now().UTC())
			if err != nil {
				return err
			}
			rep.Active = &activeSchedule{ID: s.ID, Name: s.Name, Blocks: len(s.Blocks), Progress: progress}
		case !errors.Is(err, repository.ErrEntityNotFound):
			return err
		}

		if done, err := encode(os.Stdout, format, rep); done {
			return err
		}
		printStatus(rep)
		return nil
	},
}

func printStatus(r statusReport) {
	fmt.Printf("\n%s\n", renderAccent("sleepsync "+r.Role))
	line(os.Stdout, "Owner", r.OwnerID)
	line(os.Stdout, "Transport", r.Transport)
	loc := r.Store
	if r.StoreHealthy {
		loc = renderPass("✓") + " " + loc
	} else {
		loc = renderFail("✗") + " " + loc + " (fallback)"
	}
	line(os.Stdout, "Store", loc)
	if r.LastSync != nil {
		line(os.Stdout, "Last sync", r.LastSync.Local().Format(time.RFC1123))
	} else {
		line(os.Stdout, "Last sync", "never")
	}
	pending := fmt.Sprint(r.Counts.PendingChanges)
	if r.Counts.PendingChanges > 0 {
		pending = renderWarn(pending)
	}
	line(os.Stdout, "Pending changes", pending)
	line(os.Stdout, "Schedules", fmt.Sprintf("%d current, %d legacy", r.Counts.Schedules, r.Counts.LegacySchedules))
	line(os.Stdout, "Sleep entries", r.Counts.Entries)
	line(os.Stdout, "Reminder lead", r.ReminderLead)

	if r.Active == nil {
		line(os.Stdout, "Active schedule", "none")
		fmt.Println()
		return
	}
	p := r.Active.Progress
	line(os.Stdout, "Active schedule", fmt.Sprintf("%s (%d blocks)", r.Active.Name, r.Active.Blocks))
	phase := fmt.Sprintf("%d, day %d of %d, %.0f%%", p.Phase, p.Day, p.TotalDays, p.Percent)
	if p.Completed {
		phase = renderPass("adapted") + " (" + phase + ")"
	}
	line(os.Stdout, "Adaptation", phase)
	fmt.Println()
}

func init() {
	statusCmd.Flags().String("format", formatText, "output format: text, json or yaml")
	rootCmd.AddCommand(statusCmd)
}
