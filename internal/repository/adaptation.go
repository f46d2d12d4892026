package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/polycycle/sleepsync/internal/adaptation"
	"github.com/polycycle/sleepsync/internal/schema"
	"github.com/polycycle/sleepsync/internal/store"
)

func snapshotUndo(ctx context.Context, tx *store.Tx, s *schema.Schedule, at time.Time) error {
	return tx.SaveUndo(ctx, store.PhaseUndo{
		ScheduleID:          s.ID,
		PreviousPhase:       s.AdaptationPhase,
		PreviousActivatedAt: s.ActivatedAt,
		RecordedAt:          at,
	})
}

// liveSchedule loads id inside tx, treating soft-deleted rows as missing.
func liveSchedule(ctx context.Context, tx *store.Tx, id string) (*schema.Schedule, error) {
	s, err := tx.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.IsDeleted {
		return nil, store.ErrNotFound
	}
	return s, nil
}

// UpdateAdaptationPhase moves the schedule to phase. Equal phases are a
// no-op; a lower phase or one past the terminal phase fails with
// ErrPhaseNotReachable. It reports whether a write happened.
func (r *Repository) UpdateAdaptationPhase(ctx context.Context, id string, phase int) (bool, error) {
	now := r.now()
	changed := false
	err := r.write(ctx, ErrUpdateFailed, schema.EntitySchedule, id, func(tx *store.Tx) error {
		s, err := liveSchedule(ctx, tx, id)
		if err != nil {
			return err
		}

		current := s.Phase()
		if phase == current && s.AdaptationPhase != nil {
			return nil
		}
		if !adaptation.CanTransition(adaptation.ClassOf(s.Name), current, phase) {
			return newError(ErrPhaseNotReachable, schema.EntitySchedule, id,
				fmt.Errorf("cannot move from phase %d to %d", current, phase))
		}

		if err := snapshotUndo(ctx, tx, s, now); err != nil {
			return err
		}
		s.SetPhase(phase)
		s.UpdatedAt = now
		if err := tx.UpsertSchedule(ctx, s); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if changed {
		r.logger.Infow("adaptation phase updated", "id", id, "phase", phase)
	}
	return changed, err
}

// ResetAdaptationPhase sets the phase to 0 and re-stamps the activation time.
func (r *Repository) ResetAdaptationPhase(ctx context.Context, id string) error {
	now := r.now()
	return r.write(ctx, ErrUpdateFailed, schema.EntitySchedule, id, func(tx *store.Tx) error {
		s, err := liveSchedule(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := snapshotUndo(ctx, tx, s, now); err != nil {
			return err
		}
		s.SetPhase(0)
		s.ActivatedAt = &now
		s.UpdatedAt = now
		return tx.UpsertSchedule(ctx, s)
	})
}

// UndoAdaptationPhase restores the phase and activation time saved before
// the most recent phase write. The snapshot is consumed.
func (r *Repository) UndoAdaptationPhase(ctx context.Context, id string) error {
	now := r.now()
	return r.write(ctx, ErrUpdateFailed, schema.EntitySchedule, id, func(tx *store.Tx) error {
		s, err := liveSchedule(ctx, tx, id)
		if err != nil {
			return err
		}

		u, err := tx.GetUndo(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return newError(ErrNoUndoDataAvailable, schema.EntitySchedule, id, nil)
		}
		if err != nil {
			return err
		}
		if now.Sub(u.RecordedAt) > r.undoWindow {
			return newError(ErrUndoExpired, schema.EntitySchedule, id,
				fmt.Errorf("snapshot recorded %s ago, window is %s", now.Sub(u.RecordedAt).Round(time.Second), r.undoWindow))
		}

		s.AdaptationPhase = u.PreviousPhase
		s.ActivatedAt = u.PreviousActivatedAt
		s.UpdatedAt = now
		if err := tx.UpsertSchedule(ctx, s); err != nil {
			return err
		}
		return tx.DeleteUndo(ctx, id)
	})
}

// RefreshAdaptationPhase recomputes the phase from the activation time and
// advances the stored phase when the computed one is higher. Inactive
// schedules and schedules never activated are left alone. It returns the
// stored phase after the call and whether it changed.
func (r *Repository) RefreshAdaptationPhase(ctx context.Context, id string, now time.Time) (int, bool, error) {
	s, err := r.GetSchedule(ctx, id)
	if err != nil {
		return 0, false, err
	}
	if !s.IsActive || s.ActivatedAt == nil {
		return s.Phase(), false, nil
	}

	computed := adaptation.PhaseAt(s.Name, *s.ActivatedAt, now)
	if computed <= s.Phase() {
		return s.Phase(), false, nil
	}
	changed, err := r.UpdateAdaptationPhase(ctx, id, computed)
	if err != nil {
		return s.Phase(), false, err
	}
	return computed, changed, nil
}

// RefreshActivePhases runs RefreshAdaptationPhase for every active schedule.
// It returns the number of schedules whose phase advanced.
func (r *Repository) RefreshActivePhases(ctx context.Context, now time.Time) (int, error) {
	active, err := Fetch(ctx, r, Schedules{ActiveOnly: true})
	if err != nil {
		return 0, err
	}
	advanced := 0
	for _, s := range active {
		_, changed, err := r.RefreshAdaptationPhase(ctx, s.ID, now)
		if err != nil {
			return advanced, err
		}
		if changed {
			advanced++
		}
	}
	return advanced, nil
}

// AdaptationProgress derives display progress for a schedule. A schedule
// that was never activated reports day 0.
func (r *Repository) AdaptationProgress(ctx context.Context, id string, now time.Time) (adaptation.Progress, error) {
	s, err := r.GetSchedule(ctx, id)
	if err != nil {
		return adaptation.Progress{}, err
	}
	if s.ActivatedAt == nil {
		return adaptation.ProgressAt(adaptation.ClassOf(s.Name), 0), nil
	}
	return adaptation.Calculate(s.Name, *s.ActivatedAt, now), nil
}
