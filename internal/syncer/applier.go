package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/polycycle/sleepsync/internal/channel"
	"github.com/polycycle/sleepsync/internal/logging"
	"github.com/polycycle/sleepsync/internal/metrics"
	"github.com/polycycle/sleepsync/internal/repository"
	"github.com/polycycle/sleepsync/internal/schema"
)

// Options configure an Applier or an Outbox.
type Options struct {
	Logger  *zap.SugaredLogger
	Metrics metrics.Recorder
	// Now overrides the clock (tests)
	Now func() time.Time
}

func (o Options) clock() func() time.Time {
	if o.Now != nil {
		return o.Now
	}
	return func() time.Time { return time.Now().UTC() }
}

// applier implements the Applier interface.
type applier struct {
	repo    *repository.Repository
	replier Replier
	logger  *zap.SugaredLogger
	metrics metrics.Recorder
	now     func() time.Time
}

// NewApplier creates an Applier writing through repo.
//
// replier answers syncRequest envelopes; pass nil on a side that never
// serves requests. If opts.Logger is nil, the default logger is used.
//
// Example:
//
//	sess := channel.NewSession(transport, channel.SessionOptions{Logger: logger})
//	applier := syncer.NewApplier(repo, sess, syncer.Options{Logger: logger})
//	applier.Register(sess)
func NewApplier(repo *repository.Repository, replier Replier, opts Options) Applier {
	return &applier{
		repo:    repo,
		replier: replier,
		logger:  logging.Named(opts.Logger, "applier"),
		metrics: metrics.OrNoop(opts.Metrics),
		now:     opts.clock(),
	}
}

// Register implements Applier.Register.
func (a *applier) Register(r Registrar) {
	for _, kind := range channel.Kinds {
		if kind == channel.KindSyncResponse {
			continue
		}
		r.Handle(kind, a.Apply)
	}
}

// Apply implements Applier.Apply.
func (a *applier) Apply(ctx context.Context, env channel.Envelope) error {
	seen, err := a.repo.MessageSeen(ctx, env.ID)
	if err != nil {
		return fmt.Errorf("failed to check message ledger: %w", err)
	}
	if seen {
		a.metrics.IncMessageDuplicate(string(env.Kind))
		a.logger.Debugw("already applied", "id", env.ID, "kind", env.Kind)
		return nil
	}

	p, err := env.Payload()
	if err != nil {
		return err
	}
	if err := a.apply(ctx, env, p); err != nil {
		return fmt.Errorf("failed to apply %s %s: %w", env.Kind, env.ID, err)
	}

	if _, err := a.repo.MarkMessageProcessed(ctx, env.ID, string(env.Kind)); err != nil {
		return fmt.Errorf("failed to record message %s: %w", env.ID, err)
	}
	a.metrics.IncMessageApplied(string(env.Kind))
	if err := a.repo.SetLastSync(ctx, a.now()); err != nil {
		a.logger.Warnw("failed to record last sync", "error", err)
	}
	return nil
}

func (a *applier) apply(ctx context.Context, env channel.Envelope, p channel.Payload) error {
	switch v := p.(type) {
	case channel.SleepStarted:
		if _, err := a.repo.StartEntry(ctx, a.entry(env, v.EntryID, v.OwnerID, v.StartedAt, v.BlockID)); err != nil {
			return err
		}
		return a.applyParkedRating(ctx, v.EntryID)

	case channel.SleepEnded:
		if _, err := a.repo.StartEntry(ctx, a.entry(env, v.EntryID, v.OwnerID, v.StartedAt, v.BlockID)); err != nil {
			return err
		}
		e, err := a.repo.FinishEntry(ctx, v.EntryID, v.EndedAt)
		if err != nil {
			return err
		}
		a.logger.Infow("sleep session recorded", "entry", e.ID, "minutes", e.DurationMinutes)
		if err := a.applyParkedRating(ctx, v.EntryID); err != nil {
			return err
		}
		return a.refreshPhase(ctx, v.OwnerID)

	case channel.QualityRated:
		applied, err := a.repo.RateRemoteEntry(ctx, v.EntryID, v.Rating, v.Emoji)
		if err == nil && !applied {
			a.logger.Infow("rating arrived before its entry, parked", "entry", v.EntryID)
		}
		return err

	case channel.ScheduleUpdate:
		written, err := a.repo.ApplyRemoteSchedule(ctx, v.Schedule)
		if err != nil {
			return err
		}
		if !written {
			a.logger.Debugw("stale schedule ignored", "schedule", v.Schedule.ID)
		}
		return nil

	case channel.PreferencesUpdate:
		_, err := a.repo.ApplyRemotePreferences(ctx, &schema.Preferences{
			OwnerID:             v.OwnerID,
			ReminderLeadMinutes: v.ReminderLeadMinutes,
			UpdatedAt:           v.UpdatedAt,
		})
		return err

	case channel.SyncRequest:
		return a.answer(ctx, env, v)

	default:
		return fmt.Errorf("%w: %s", channel.ErrNoHandler, env.Kind)
	}
}

// entry builds the record for a remotely started session. The envelope
// time stamps it so that both peers create identical rows.
func (a *applier) entry(env channel.Envelope, id, owner string, started time.Time, block *string) *schema.SleepEntry {
	stamp := env.Timestamp
	if stamp.IsZero() {
		stamp = a.now()
	}
	return &schema.SleepEntry{
		ID:        id,
		SyncID:    id,
		OwnerID:   owner,
		Date:      started.Format(schema.DateLayout),
		BlockID:   block,
		StartedAt: started,
		CreatedAt: stamp,
		UpdatedAt: stamp,
	}
}

func (a *applier) applyParkedRating(ctx context.Context, entryID string) error {
	applied, err := a.repo.ApplyParkedRating(ctx, entryID)
	if err != nil {
		return err
	}
	if applied {
		a.logger.Infow("parked rating applied", "entry", entryID)
	}
	return nil
}

// refreshPhase advances the owner's active schedule after a session ended.
func (a *applier) refreshPhase(ctx context.Context, owner string) error {
	s, err := a.repo.ActiveSchedule(ctx, owner)
	if errors.Is(err, repository.ErrEntityNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	phase, changed, err := a.repo.RefreshAdaptationPhase(ctx, s.ID, a.now())
	if err != nil {
		return err
	}
	if changed {
		a.logger.Infow("adaptation phase advanced", "schedule", s.ID, "phase", phase)
	}
	return nil
}

func (a *applier) answer(ctx context.Context, req channel.Envelope, p channel.SyncRequest) error {
	if a.replier == nil {
		a.logger.Debugw("sync request ignored, no replier", "id", req.ID)
		return nil
	}

	resp := channel.SyncResponse{OwnerID: p.OwnerID}
	s, err := a.repo.ActiveSchedule(ctx, p.OwnerID)
	switch {
	case err == nil:
		resp.Schedule = s
	case !errors.Is(err, repository.ErrEntityNotFound):
		return err
	}
	lead, err := a.repo.ReminderLead(ctx, p.OwnerID)
	if err != nil {
		return err
	}
	resp.ReminderLeadMinutes = int(lead / time.Minute)
	if resp.PendingChanges, err = a.repo.PendingCount(ctx); err != nil {
		return err
	}

	if sent, err := a.replier.Reply(ctx, req, resp); err != nil {
		return err
	} else if !sent {
		a.logger.Infow("sync response dropped, peer unreachable", "request", req.ID)
	}
	return nil
}
