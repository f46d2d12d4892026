package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/polycycle/sleepsync/internal/channel"
	"github.com/polycycle/sleepsync/internal/logging"
	"github.com/polycycle/sleepsync/internal/metrics"
	"github.com/polycycle/sleepsync/internal/repository"
	"github.com/polycycle/sleepsync/internal/retry"
	"github.com/polycycle/sleepsync/internal/schema"
)

// ErrNotPublishable is returned for payloads that are not entity changes.
var ErrNotPublishable = errors.New("payload is not an entity change")

// FlushResult summarizes one Flush.
type FlushResult struct {
	Delivered int
	Failed    int
	Deferred  int
	Exhausted int
	Remaining int
}

// Outbox publishes local changes to the peer.
//
// A change goes out best effort first. If the peer is unreachable it is
// queued as a PendingChange and handed to the transport's durable context,
// so the peer sees the latest value per key even if it was not running.
// Flush redelivers queued changes once the peer is back.
type Outbox struct {
	repo    *repository.Repository
	sender  Sender
	policy  retry.Policy
	logger  *zap.SugaredLogger
	metrics metrics.Recorder
	now     func() time.Time

	// flushing serializes Flush calls
	flushing sync.Mutex
}

// NewOutbox creates an Outbox sending through sender.
func NewOutbox(repo *repository.Repository, sender Sender, policy retry.Policy, opts Options) *Outbox {
	return &Outbox{
		repo:    repo,
		sender:  sender,
		policy:  policy,
		logger:  logging.Named(opts.Logger, "outbox"),
		metrics: metrics.OrNoop(opts.Metrics),
		now:     opts.clock(),
	}
}

// target names the entity a payload changes.
func target(p channel.Payload) (entity, id string, err error) {
	switch v := p.(type) {
	case channel.SleepStarted:
		return schema.EntitySleepEntry, v.EntryID, nil
	case channel.SleepEnded:
		return schema.EntitySleepEntry, v.EntryID, nil
	case channel.QualityRated:
		return schema.EntitySleepEntry, v.EntryID, nil
	case channel.ScheduleUpdate:
		if v.Schedule == nil {
			return "", "", fmt.Errorf("%w: schedule update without schedule", ErrNotPublishable)
		}
		return schema.EntitySchedule, v.Schedule.ID, nil
	case channel.PreferencesUpdate:
		return schema.EntityPreferences, v.OwnerID, nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrNotPublishable, p.Kind())
}

// Publish sends p to the peer. It reports whether the live send succeeded;
// false means the change was queued and replicated as durable context.
//
// Example:
//
//	sent, err := outbox.Publish(ctx, channel.SleepStarted{...}, schema.OpCreate)
func (o *Outbox) Publish(ctx context.Context, p channel.Payload, op schema.ChangeOp) (bool, error) {
	entity, id, err := target(p)
	if err != nil {
		return false, err
	}

	env := channel.NewEnvelope(p)
	sent, err := o.sender.Send(ctx, env)
	if err != nil {
		return false, fmt.Errorf("failed to send %s: %w", env.Kind, err)
	}
	if sent {
		return true, nil
	}

	data, err := channel.Marshal(env)
	if err != nil {
		return false, err
	}
	if err := o.repo.QueuePendingChange(ctx, schema.NewPendingChange(entity, id, op, data)); err != nil {
		return false, err
	}
	if err := o.sender.ReplicateContext(ctx, channel.ContextKey(p), env); err != nil {
		// The pending change still carries it.
		o.logger.Warnw("failed to replicate context", "kind", env.Kind, "entity", id, "error", err)
	}
	o.logger.Debugw("change queued for redelivery", "kind", env.Kind, "entity", id)
	return false, nil
}

// Flush redelivers queued changes in creation order. It stops at the first
// change that cannot be delivered, so later changes never overtake earlier
// ones. Changes that exhaust the retry policy are logged and removed.
func (o *Outbox) Flush(ctx context.Context) (FlushResult, error) {
	o.flushing.Lock()
	defer o.flushing.Unlock()

	var res FlushResult
	if !o.sender.Reachable() {
		n, err := o.repo.PendingCount(ctx)
		res.Remaining = n
		return res, err
	}

	pending, err := repository.Fetch(ctx, o.repo, repository.PendingChanges{})
	if err != nil {
		return res, err
	}

	for i, p := range pending {
		if err := ctx.Err(); err != nil {
			res.Remaining = len(pending) - i
			return res, err
		}
		if o.policy.Exhausted(p.Attempts) {
			o.metrics.IncFlushExhausted()
			o.logger.Errorw("giving up on pending change",
				"id", p.ID, "entity", p.TargetEntity, "target", p.TargetID,
				"attempts", p.Attempts, "last_error", p.LastError)
			if err := o.repo.AckPendingChange(ctx, p.ID); err != nil {
				return res, err
			}
			res.Exhausted++
			continue
		}
		if !o.policy.Due(p.Attempts, p.LastAttemptAt, o.now()) {
			res.Deferred++
			res.Remaining = len(pending) - i
			return res, nil
		}

		env, err := channel.Unmarshal(p.Payload)
		if err != nil {
			o.logger.Errorw("dropping undecodable pending change", "id", p.ID, "error", err)
			if err := o.repo.AckPendingChange(ctx, p.ID); err != nil {
				return res, err
			}
			res.Exhausted++
			continue
		}

		delivered, sendErr := o.redeliver(ctx, env)
		if delivered {
			if err := o.repo.AckPendingChange(ctx, p.ID); err != nil {
				return res, err
			}
			res.Delivered++
			continue
		}

		if p.Attempts > 0 {
			o.metrics.IncFlushRetry()
		}
		if err := o.repo.RecordPendingAttempt(ctx, p, o.now(), sendErr); err != nil {
			return res, err
		}
		res.Failed++
		res.Remaining = len(pending) - i
		return res, nil
	}
	return res, nil
}

func (o *Outbox) redeliver(ctx context.Context, env channel.Envelope) (bool, error) {
	sent, err := o.sender.Send(ctx, env)
	if err != nil {
		return false, err
	}
	if !sent {
		return false, channel.ErrPeerUnreachable
	}
	return true, nil
}

// Detached is a Sender for a process without a peer link, such as a
// one-shot CLI command. Every change it is given stays queued for the
// daemon to flush.
var Detached Sender = detached{}

type detached struct{}

func (detached) Send(context.Context, channel.Envelope) (bool, error) { return false, nil }
func (detached) ReplicateContext(context.Context, string, channel.Envelope) error {
	return nil
}
func (detached) Reachable() bool { return false }
