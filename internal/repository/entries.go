package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/polycycle/sleepsync/internal/schema"
	"github.com/polycycle/sleepsync/internal/store"
)

// GetEntry returns a sleep entry, including soft-deleted ones.
func (r *Repository) GetEntry(ctx context.Context, id string) (*schema.SleepEntry, error) {
	var e *schema.SleepEntry
	err := r.read(ctx, schema.EntitySleepEntry, id, func(db *store.DB) error {
		var err error
		e, err = db.GetEntry(ctx, id)
		return err
	})
	return e, err
}

// StartEntry records an open sleep session. Starting an id that already
// exists leaves the stored entry untouched and reports false.
func (r *Repository) StartEntry(ctx context.Context, e *schema.SleepEntry) (bool, error) {
	created := false
	err := r.write(ctx, ErrSaveFailed, schema.EntitySleepEntry, e.ID, func(tx *store.Tx) error {
		_, err := tx.GetEntry(ctx, e.ID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := tx.UpsertEntry(ctx, e); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// FinishEntry closes the session id at endedAt. Closing an entry again with
// the same end time is a no-op.
func (r *Repository) FinishEntry(ctx context.Context, id string, endedAt time.Time) (*schema.SleepEntry, error) {
	var e *schema.SleepEntry
	err := r.write(ctx, ErrUpdateFailed, schema.EntitySleepEntry, id, func(tx *store.Tx) error {
		var err error
		if e, err = tx.GetEntry(ctx, id); err != nil {
			return err
		}
		if e.EndedAt != nil && e.EndedAt.Equal(endedAt) {
			return nil
		}
		e.Finish(endedAt)
		e.UpdatedAt = r.now()
		return tx.UpsertEntry(ctx, e)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// RateEntry attaches a 1-5 rating and quality marker to an entry.
func (r *Repository) RateEntry(ctx context.Context, id string, rating int, emoji string) error {
	return r.write(ctx, ErrUpdateFailed, schema.EntitySleepEntry, id, func(tx *store.Tx) error {
		e, err := tx.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		if e.Rating == rating && e.Emoji == emoji {
			return nil
		}
		if err := e.Rate(rating, emoji); err != nil {
			return err
		}
		e.UpdatedAt = r.now()
		return tx.UpsertEntry(ctx, e)
	})
}

// SaveEntry creates or replaces e.
func (r *Repository) SaveEntry(ctx context.Context, e *schema.SleepEntry) error {
	return r.write(ctx, ErrSaveFailed, schema.EntitySleepEntry, e.ID, func(tx *store.Tx) error {
		return tx.UpsertEntry(ctx, e)
	})
}

// ApplyRemoteEntry upserts an entry received from the peer, keyed by id.
// A copy no newer than the stored one is ignored. It reports whether
// anything was written.
func (r *Repository) ApplyRemoteEntry(ctx context.Context, e *schema.SleepEntry) (bool, error) {
	written := false
	err := r.write(ctx, ErrSaveFailed, schema.EntitySleepEntry, e.ID, func(tx *store.Tx) error {
		existing, err := tx.GetEntry(ctx, e.ID)
		switch {
		case err == nil:
			if !e.UpdatedAt.After(existing.UpdatedAt) {
				return nil
			}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		if err := tx.UpsertEntry(ctx, e); err != nil {
			return err
		}
		written = true
		return nil
	})
	return written, err
}

// SoftDeleteEntry hides an entry from listings without removing it.
func (r *Repository) SoftDeleteEntry(ctx context.Context, id string) error {
	return r.write(ctx, ErrDeleteFailed, schema.EntitySleepEntry, id, func(tx *store.Tx) error {
		e, err := tx.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		e.IsDeleted = true
		e.UpdatedAt = r.now()
		return tx.UpsertEntry(ctx, e)
	})
}

// DeleteEntry physically removes an entry. It is only called on explicit
// user request.
func (r *Repository) DeleteEntry(ctx context.Context, id string) error {
	return r.write(ctx, ErrDeleteFailed, schema.EntitySleepEntry, id, func(tx *store.Tx) error {
		if _, err := tx.GetEntry(ctx, id); err != nil {
			return err
		}
		return tx.DeleteEntry(ctx, id)
	})
}

// parkedRatingPrefix keys ratings that arrived before their entry.
const parkedRatingPrefix = "parked_rating:"

type parkedRating struct {
	Rating int    `json:"rating"`
	Emoji  string `json:"emoji"`
}

// RateRemoteEntry applies a rating received from the peer. The peer may
// deliver a rating ahead of the session it rates; in that case the rating
// is parked and ApplyParkedRating attaches it once the entry arrives. It
// reports whether the rating was applied now.
func (r *Repository) RateRemoteEntry(ctx context.Context, id string, rating int, emoji string) (bool, error) {
	err := r.RateEntry(ctx, id, rating, emoji)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, ErrEntityNotFound) {
		return false, err
	}
	if rating < schema.MinRating || rating > schema.MaxRating {
		return false, newError(ErrUpdateFailed, schema.EntitySleepEntry, id, fmt.Errorf("rating %d out of range", rating))
	}
	data, err := json.Marshal(parkedRating{Rating: rating, Emoji: emoji})
	if err != nil {
		return false, newError(ErrSaveFailed, entitySyncState, id, err)
	}
	if err := r.SetState(ctx, parkedRatingPrefix+id, string(data)); err != nil {
		return false, err
	}
	r.logger.Debugw("rating parked until its entry arrives", "entry", id)
	return false, nil
}

// ApplyParkedRating attaches a rating parked by RateRemoteEntry to entry
// id, if there is one. It reports whether a rating was applied.
func (r *Repository) ApplyParkedRating(ctx context.Context, id string) (bool, error) {
	applied := false
	key := parkedRatingPrefix + id
	err := r.write(ctx, ErrUpdateFailed, schema.EntitySleepEntry, id, func(tx *store.Tx) error {
		v, ok, err := tx.GetState(ctx, key)
		if err != nil || !ok {
			return err
		}
		var p parkedRating
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return fmt.Errorf("failed to decode parked rating: %w", err)
		}
		e, err := tx.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		if e.Rating != p.Rating || e.Emoji != p.Emoji {
			if err := e.Rate(p.Rating, p.Emoji); err != nil {
				return err
			}
			e.UpdatedAt = r.now()
			if err := tx.UpsertEntry(ctx, e); err != nil {
				return err
			}
		}
		applied = true
		return tx.DeleteState(ctx, key)
	})
	return applied, err
}
