package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/polycycle/sleepsync/internal/channel"
	"github.com/polycycle/sleepsync/internal/schema"
	"github.com/polycycle/sleepsync/internal/syncer"
)

var logCmd = &cobra.Command{
	Use:     "log",
	GroupID: "data",
	Short:   "Record a sleep session",
	Long: `Record a sleep session for the configured owner and queue it for the
peer. Times accept RFC 3339 or natural language relative to now.

Examples:
  sleepsync log --start "yesterday 11pm" --end "today at 6:30am" --rating 4
  sleepsync log --start "20 minutes ago"                # still asleep
  sleepsync log --start 2026-03-01T13:00:00Z --end 2026-03-01T13:20:00Z --emoji 😴`,
	RunE: func(cmd *cobra.Command, args []string) error {
		startRaw, _ := cmd.Flags().GetString("start")
		endRaw, _ := cmd.Flags().GetString("end")
		rating, _ := cmd.Flags().GetInt("rating")
		emoji, _ := cmd.Flags().GetString("emoji")
		blockID, _ := cmd.Flags().GetString("block")
		ctx := cmd.Context()

		now := time.Now()
		startedAt, err := parseWhen(startRaw, now)
		if err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
		var endedAt time.Time
		if endRaw != "" {
			if endedAt, err = parseWhen(endRaw, now); err != nil {
				return fmt.Errorf("invalid --end: %w", err)
			}
			if !endedAt.After(startedAt) {
				return errors.New("--end must be after --start")
			}
		}
		if rating != 0 && endRaw == "" {
			return errors.New("--rating needs --end")
		}
		if emoji != "" && rating == 0 {
			return errors.New("--emoji needs --rating")
		}

		repo := openRepository(nil)
		defer repo.Close()
		outbox := syncer.NewOutbox(repo, syncer.Detached, cfg.RetryPolicy(), syncer.Options{Logger: logger})

		e := schema.NewSleepEntry(cfg.OwnerID, startedAt.UTC())
		if blockID != "" {
			e.BlockID = &blockID
		}
		if _, err := repo.StartEntry(ctx, e); err != nil {
			return err
		}
		if _, err := outbox.Publish(ctx, channel.SleepStarted{
			EntryID: e.ID, OwnerID: e.OwnerID, StartedAt: e.StartedAt, BlockID: e.BlockID,
		}, schema.OpCreate); err != nil {
			return err
		}

		if endRaw != "" {
			if e, err = repo.FinishEntry(ctx, e.ID, endedAt.UTC()); err != nil {
				return err
			}
			if _, err := outbox.Publish(ctx, channel.SleepEnded{
				EntryID: e.ID, OwnerID: e.OwnerID, StartedAt: e.StartedAt, EndedAt: *e.EndedAt, BlockID: e.BlockID,
			}, schema.OpUpdate); err != nil {
				return err
			}
			if s, err := repo.ActiveSchedule(ctx, cfg.OwnerID); err == nil {
				if _, _, err := repo.RefreshAdaptationPhase(ctx, s.ID, now.UTC()); err != nil {
					logger.Warnw("phase refresh failed", "schedule", s.ID, "error", err)
				}
			}
		}

		if rating != 0 {
			if err := repo.RateEntry(ctx, e.ID, rating, emoji); err != nil {
				return err
			}
			if _, err := outbox.Publish(ctx, channel.QualityRated{EntryID: e.ID, Rating: rating, Emoji: emoji}, schema.OpUpdate); err != nil {
				return err
			}
		}

		desc := "started " + e.StartedAt.Local().Format("Mon 15:04")
		if e.EndedAt != nil {
			desc += fmt.Sprintf(", %d min", e.DurationMinutes)
		}
		fmt.Printf("%s entry %s %s (queued for %s)\n", renderPass("✓"), e.ID, desc, cfg.Peer())
		return nil
	},
}

var naturalTime = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseWhen accepts RFC 3339 or a natural-language time relative to base.
func parseWhen(s string, base time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "now") {
		return base, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	r, err := naturalTime.Parse(s, base)
	if err != nil {
		return time.Time{}, err
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("no time found in %q", s)
	}
	return r.Time, nil
}

func init() {
	logCmd.Flags().String("start", "now", "when the sleep started")
	logCmd.Flags().String("end", "", "when the sleep ended (omit while still asleep)")
	logCmd.Flags().Int("rating", 0, "quality rating 1-5")
	logCmd.Flags().String("emoji", "", "quality marker")
	logCmd.Flags().String("block", "", "id of the scheduled block this sleep belongs to")
	rootCmd.AddCommand(logCmd)
}
