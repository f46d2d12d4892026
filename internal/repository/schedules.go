package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/polycycle/sleepsync/internal/schema"
	"github.com/polycycle/sleepsync/internal/store"
)

// ActivateOptions tune ActivateSchedule.
type ActivateOptions struct {
	// StartOver requests a phase reset under the start-over policy.
	StartOver bool
}

// GetSchedule returns a live schedule with its blocks.
func (r *Repository) GetSchedule(ctx context.Context, id string) (*schema.Schedule, error) {
	var s *schema.Schedule
	err := r.read(ctx, schema.EntitySchedule, id, func(db *store.DB) error {
		var err error
		s, err = db.GetSchedule(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.IsDeleted {
		return nil, newError(ErrEntityNotFound, schema.EntitySchedule, id, nil)
	}
	return s, nil
}

// ActiveSchedule returns owner's active schedule, or ErrEntityNotFound.
func (r *Repository) ActiveSchedule(ctx context.Context, ownerID string) (*schema.Schedule, error) {
	list, err := Fetch(ctx, r, Schedules{OwnerID: ownerID, ActiveOnly: true, WithBlocks: true})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, newError(ErrEntityNotFound, schema.EntitySchedule, "", fmt.Errorf("owner %s has no active schedule", ownerID))
	}
	return list[0], nil
}

// SaveSchedule writes s and its blocks, creating or replacing them.
// Activation flags are not touched here; use ActivateSchedule.
func (r *Repository) SaveSchedule(ctx context.Context, s *schema.Schedule) error {
	return r.write(ctx, ErrSaveFailed, schema.EntitySchedule, s.ID, func(tx *store.Tx) error {
		existing, err := tx.GetSchedule(ctx, s.ID)
		switch {
		case err == nil:
			s.IsActive = existing.IsActive
		case errors.Is(err, store.ErrNotFound):
			s.IsActive = false
		default:
			return err
		}
		return writeScheduleTree(ctx, tx, s)
	})
}

// writeScheduleTree upserts s and its blocks, attaching every block to s.
func writeScheduleTree(ctx context.Context, tx *store.Tx, s *schema.Schedule) error {
	if err := tx.UpsertSchedule(ctx, s); err != nil {
		return err
	}
	for i := range s.Blocks {
		b := &s.Blocks[i]
		if b.IsOrphaned() {
			id := s.ID
			b.ScheduleID = &id
		}
		if err := tx.UpsertBlock(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// ActivateSchedule makes id the owner's only active schedule.
//
// Every other active schedule of the owner is deactivated in the same
// transaction, and the legacy twins are kept in step. Whether the phase is
// reset follows the repository's ReactivationPolicy. After the write the
// one-active-per-owner invariant is re-checked.
func (r *Repository) ActivateSchedule(ctx context.Context, id string, opts ActivateOptions) (*schema.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s *schema.Schedule
	now := r.now()
	err := r.writeLocked(ctx, ErrUpdateFailed, schema.EntitySchedule, id, func(tx *store.Tx) error {
		var err error
		if s, err = tx.GetSchedule(ctx, id); err != nil {
			return err
		}
		if s.IsDeleted {
			return store.ErrNotFound
		}

		if _, err := tx.DeactivateOwnerSchedules(ctx, s.OwnerID, s.ID, now); err != nil {
			return err
		}

		if r.shouldReset(s, opts) {
			if err := snapshotUndo(ctx, tx, s, now); err != nil {
				return err
			}
			s.SetPhase(0)
			s.ActivatedAt = &now
		}
		s.IsActive = true
		s.UpdatedAt = now
		if err := tx.UpsertSchedule(ctx, s); err != nil {
			return err
		}
		if err := tx.MirrorLegacyActive(ctx, s.OwnerID, s.ID, now); err != nil {
			return err
		}

		n, err := tx.ActiveCount(ctx, s.OwnerID)
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("owner %s has %d active schedules after activation", s.OwnerID, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Infow("schedule activated", "id", s.ID, "owner", s.OwnerID, "phase", s.Phase(), "policy", r.policy)
	return s, nil
}

func (r *Repository) shouldReset(s *schema.Schedule, opts ActivateOptions) bool {
	if s.ActivatedAt == nil || s.AdaptationPhase == nil {
		return true
	}
	if r.policy == ResetAlways {
		return true
	}
	return opts.StartOver
}

// DeactivateSchedule clears the active flag without touching the phase.
func (r *Repository) DeactivateSchedule(ctx context.Context, id string) error {
	now := r.now()
	return r.write(ctx, ErrUpdateFailed, schema.EntitySchedule, id, func(tx *store.Tx) error {
		s, err := tx.GetSchedule(ctx, id)
		if err != nil {
			return err
		}
		if !s.IsActive {
			return nil
		}
		s.IsActive = false
		s.UpdatedAt = now
		if err := tx.UpsertSchedule(ctx, s); err != nil {
			return err
		}
		return tx.MirrorLegacyActive(ctx, s.OwnerID, "", now)
	})
}

// SoftDeleteSchedule flags the schedule, its blocks and its legacy twin as
// deleted. The cleanup pass removes them physically.
func (r *Repository) SoftDeleteSchedule(ctx context.Context, id string) error {
	now := r.now()
	return r.write(ctx, ErrDeleteFailed, schema.EntitySchedule, id, func(tx *store.Tx) error {
		s, err := tx.GetSchedule(ctx, id)
		if err != nil {
			return err
		}
		s.IsDeleted = true
		s.IsActive = false
		s.UpdatedAt = now
		for i := range s.Blocks {
			s.Blocks[i].IsDeleted = true
			s.Blocks[i].UpdatedAt = now
		}
		if err := writeScheduleTree(ctx, tx, s); err != nil {
			return err
		}

		twin, err := tx.GetLegacySchedule(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		twin.IsDeleted = true
		twin.IsActive = false
		twin.UpdatedAt = now
		return tx.UpsertLegacySchedule(ctx, twin)
	})
}

// ApplyRemoteSchedule stores a schedule received from the peer using
// last-write-wins on UpdatedAt. An older copy is ignored. When the remote
// copy is active the owner's other schedules are deactivated. It reports
// whether anything was written.
func (r *Repository) ApplyRemoteSchedule(ctx context.Context, s *schema.Schedule) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	written := false
	err := r.writeLocked(ctx, ErrSaveFailed, schema.EntitySchedule, s.ID, func(tx *store.Tx) error {
		existing, err := tx.GetSchedule(ctx, s.ID)
		switch {
		case err == nil:
			if !s.UpdatedAt.After(existing.UpdatedAt) {
				return nil
			}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		if s.IsActive && !s.IsDeleted {
			if _, err := tx.DeactivateOwnerSchedules(ctx, s.OwnerID, s.ID, s.UpdatedAt); err != nil {
				return err
			}
		}
		if err := writeScheduleTree(ctx, tx, s); err != nil {
			return err
		}
		if s.IsActive && !s.IsDeleted {
			if err := tx.MirrorLegacyActive(ctx, s.OwnerID, s.ID, s.UpdatedAt); err != nil {
				return err
			}
		}
		written = true
		return nil
	})
	return written, err
}

// CheckActiveInvariant returns an error when owner has more than one active
// schedule.
func (r *Repository) CheckActiveInvariant(ctx context.Context, ownerID string) error {
	var n int
	err := r.read(ctx, schema.EntitySchedule, "", func(db *store.DB) error {
		var err error
		n, err = db.ActiveCount(ctx, ownerID)
		return err
	})
	if err != nil {
		return err
	}
	if n > 1 {
		return fmt.Errorf("owner %s has %d active schedules", ownerID, n)
	}
	return nil
}
