package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/polycycle/sleepsync/internal/channel"
	"github.com/polycycle/sleepsync/internal/repository"
	"github.com/polycycle/sleepsync/internal/schema"
	"github.com/polycycle/sleepsync/internal/syncer"
)

var phaseCmd = &cobra.Command{
	Use:     "phase [schedule-id]",
	GroupID: "data",
	Short:   "Show or change a schedule's adaptation phase",
	Long: `Show the adaptation progress of a schedule, by default the owner's
active one.

Phases advance with the days since activation: 28-day schedules (Uberman,
Dymaxion, Tesla, SPAMAYL) end at phase 5, all others at phase 4 after 21
days. Changes made here are queued for the peer and delivered by the
running daemon.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		ctx := cmd.Context()

		repo := openRepository(nil)
		defer repo.Close()

		s, err := scheduleArg(ctx, repo, args)
		if err != nil {
			return err
		}
		p, err := repo.AdaptationProgress(ctx, s.ID, time.Now().UTC())
		if err != nil {
			return err
		}
		if done, err := encode(os.Stdout, format, p); done {
			return err
		}

		fmt.Printf("\n%s\n", renderAccent(s.Name))
		line(os.Stdout, "Class", p.Class)
		line(os.Stdout, "Stored phase", s.Phase())
		line(os.Stdout, "Computed phase", p.Phase)
		line(os.Stdout, "Day", fmt.Sprintf("%d of %d", p.Day, p.TotalDays))
		line(os.Stdout, "Progress", fmt.Sprintf("%.0f%%", p.Percent))
		if p.Completed {
			fmt.Printf("\n%s adapted\n", renderPass("✓"))
		}
		fmt.Println()
		return nil
	},
}

var phaseSetCmd = &cobra.Command{
	Use:   "set <schedule-id> <phase>",
	Short: "Move a schedule forward to a phase",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		phase, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid phase %q: %w", args[1], err)
		}
		return mutateSchedule(cmd.Context(), args[0], func(ctx context.Context, repo *repository.Repository) (string, error) {
			changed, err := repo.UpdateAdaptationPhase(ctx, args[0], phase)
			if err != nil {
				return "", err
			}
			if !changed {
				return fmt.Sprintf("already at phase %d", phase), nil
			}
			return fmt.Sprintf("moved to phase %d", phase), nil
		})
	},
}

var phaseResetCmd = &cobra.Command{
	Use:   "reset <schedule-id>",
	Short: "Reset a schedule to phase 0 and restart its adaptation clock",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutateSchedule(cmd.Context(), args[0], func(ctx context.Context, repo *repository.Repository) (string, error) {
			return "reset to phase 0", repo.ResetAdaptationPhase(ctx, args[0])
		})
	},
}

var phaseUndoCmd = &cobra.Command{
	Use:   "undo <schedule-id>",
	Short: "Undo the last phase change if it is recent enough",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutateSchedule(cmd.Context(), args[0], func(ctx context.Context, repo *repository.Repository) (string, error) {
			return "last phase change undone", repo.UndoAdaptationPhase(ctx, args[0])
		})
	},
}

var phaseActivateCmd = &cobra.Command{
	Use:   "activate <schedule-id>",
	Short: "Make a schedule the owner's active schedule",
	Long: `Make a schedule the owner's active schedule, deactivating any other.

Whether the adaptation phase restarts depends on
adaptation.reactivation_policy: "always" resets on every activation,
"start-over" only with --start-over or on first activation.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		startOver, _ := cmd.Flags().GetBool("start-over")
		return mutateSchedule(cmd.Context(), args[0], func(ctx context.Context, repo *repository.Repository) (string, error) {
			s, err := repo.ActivateSchedule(ctx, args[0], repository.ActivateOptions{StartOver: startOver})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("activated at phase %d", s.Phase()), nil
		})
	},
}

// scheduleArg resolves the optional schedule id argument, defaulting to the
// owner's active schedule.
func scheduleArg(ctx context.Context, repo *repository.Repository, args []string) (*schema.Schedule, error) {
	if len(args) == 1 {
		return repo.GetSchedule(ctx, args[0])
	}
	return repo.ActiveSchedule(ctx, cfg.OwnerID)
}

// mutateSchedule applies fn and queues the resulting schedule for the peer.
func mutateSchedule(ctx context.Context, id string, fn func(context.Context, *repository.Repository) (string, error)) error {
	repo := openRepository(nil)
	defer repo.Close()

	msg, err := fn(ctx, repo)
	if err != nil {
		return err
	}
	s, err := repo.GetSchedule(ctx, id)
	if err != nil {
		return err
	}

	outbox := syncer.NewOutbox(repo, syncer.Detached, cfg.RetryPolicy(), syncer.Options{Logger: logger})
	if _, err := outbox.Publish(ctx, channel.ScheduleUpdate{Schedule: s}, schema.OpUpdate); err != nil {
		return err
	}
	fmt.Printf("%s %s: %s (queued for %s)\n", renderPass("✓"), s.Name, msg, cfg.Peer())
	return nil
}

func init() {
	phaseCmd.Flags().String("format", formatText, "output format: text, json or yaml")
	phaseActivateCmd.Flags().Bool("start-over", false, "restart adaptation from phase 0")
	phaseCmd.AddCommand(phaseSetCmd, phaseResetCmd, phaseUndoCmd, phaseActivateCmd)
	rootCmd.AddCommand(phaseCmd)
}
