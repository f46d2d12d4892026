package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/polycycle/sleepsync/internal/schema"
	"github.com/polycycle/sleepsync/internal/store"
)

const (
	entityMessage   = "processed_message"
	entitySyncState = "sync_state"

	// StateLastSync holds the time of the last successful exchange with
	// the peer, RFC 3339.
	StateLastSync = "last_sync"
)

// QueuePendingChange records work the peer has not confirmed.
func (r *Repository) QueuePendingChange(ctx context.Context, p *schema.PendingChange) error {
	err := r.write(ctx, ErrSaveFailed, schema.EntityPendingChange, p.ID, func(tx *store.Tx) error {
		return tx.UpsertPendingChange(ctx, p)
	})
	if err != nil {
		return err
	}
	r.refreshPendingGauge(ctx)
	return nil
}

// RecordPendingAttempt stores the attempt counter and outcome of a delivery
// attempt.
func (r *Repository) RecordPendingAttempt(ctx context.Context, p *schema.PendingChange, at time.Time, attemptErr error) error {
	p.RecordAttempt(at, attemptErr)
	return r.write(ctx, ErrUpdateFailed, schema.EntityPendingChange, p.ID, func(tx *store.Tx) error {
		return tx.UpsertPendingChange(ctx, p)
	})
}

// AckPendingChange removes a change the peer has acknowledged.
func (r *Repository) AckPendingChange(ctx context.Context, id string) error {
	err := r.write(ctx, ErrDeleteFailed, schema.EntityPendingChange, id, func(tx *store.Tx) error {
		return tx.DeletePendingChange(ctx, id)
	})
	if err != nil {
		return err
	}
	r.refreshPendingGauge(ctx)
	return nil
}

// PendingCount returns the number of unacknowledged changes.
func (r *Repository) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := r.read(ctx, schema.EntityPendingChange, "", func(db *store.DB) error {
		var err error
		n, err = db.CountPendingChanges(ctx)
		return err
	})
	return n, err
}

func (r *Repository) refreshPendingGauge(ctx context.Context) {
	n, err := r.PendingCount(ctx)
	if err != nil {
		r.logger.Warnw("failed to count pending changes", "error", err)
		return
	}
	r.metrics.SetPendingChanges(n)
}

// MessageSeen reports whether a message id has already been applied.
func (r *Repository) MessageSeen(ctx context.Context, messageID string) (bool, error) {
	var seen bool
	err := r.read(ctx, entityMessage, messageID, func(db *store.DB) error {
		var err error
		seen, err = db.IsProcessed(ctx, messageID)
		return err
	})
	return seen, err
}

// MarkMessageProcessed records messageID as applied. It reports false when
// the id had already been recorded.
func (r *Repository) MarkMessageProcessed(ctx context.Context, messageID, kind string) (bool, error) {
	var fresh bool
	err := r.write(ctx, ErrSaveFailed, entityMessage, messageID, func(tx *store.Tx) error {
		var err error
		fresh, err = tx.MarkProcessed(ctx, messageID, kind, r.now())
		return err
	})
	return fresh, err
}

// PruneProcessedMessages forgets message ids older than maxAge.
func (r *Repository) PruneProcessedMessages(ctx context.Context, maxAge time.Duration) (int64, error) {
	var n int64
	cutoff := r.now().Add(-maxAge)
	err := r.write(ctx, ErrDeleteFailed, entityMessage, "", func(tx *store.Tx) error {
		var err error
		n, err = tx.PruneProcessed(ctx, cutoff)
		return err
	})
	return n, err
}

// State returns a sync bookkeeping value. ok is false when unset.
func (r *Repository) State(ctx context.Context, key string) (value string, ok bool, err error) {
	err = r.read(ctx, entitySyncState, key, func(db *store.DB) error {
		var err error
		value, ok, err = db.GetState(ctx, key)
		return err
	})
	return value, ok, err
}

// SetState stores a sync bookkeeping value.
func (r *Repository) SetState(ctx context.Context, key, value string) error {
	return r.write(ctx, ErrSaveFailed, entitySyncState, key, func(tx *store.Tx) error {
		return tx.SetState(ctx, key, value, r.now())
	})
}

// LastSync returns the time of the last successful exchange with the peer.
// ok is false when the peers never synced.
func (r *Repository) LastSync(ctx context.Context) (time.Time, bool, error) {
	v, ok, err := r.State(ctx, StateLastSync)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, newError(ErrFetchFailed, entitySyncState, StateLastSync, fmt.Errorf("failed to parse %q: %w", v, err))
	}
	return t, true, nil
}

// SetLastSync records a successful exchange with the peer at t.
func (r *Repository) SetLastSync(ctx context.Context, t time.Time) error {
	return r.SetState(ctx, StateLastSync, t.UTC().Format(time.RFC3339Nano))
}
