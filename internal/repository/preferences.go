package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/polycycle/sleepsync/internal/schema"
	"github.com/polycycle/sleepsync/internal/store"
)

const entityPreferences = schema.EntityPreferences
const entityAnswers = "onboarding_answers"

// Preferences returns owner's stored preferences, or ErrEntityNotFound.
func (r *Repository) Preferences(ctx context.Context, ownerID string) (*schema.Preferences, error) {
	var p *schema.Preferences
	err := r.read(ctx, entityPreferences, ownerID, func(db *store.DB) error {
		var err error
		p, err = db.GetPreferences(ctx, ownerID)
		return err
	})
	return p, err
}

// ReminderLead returns how long before a block the owner wants a reminder.
// Owners who never set one get schema.DefaultReminderLead.
func (r *Repository) ReminderLead(ctx context.Context, ownerID string) (time.Duration, error) {
	p, err := r.Preferences(ctx, ownerID)
	if errors.Is(err, ErrEntityNotFound) {
		return schema.DefaultReminderLead, nil
	}
	if err != nil {
		return 0, err
	}
	return p.ReminderLead(), nil
}

// SetReminderLead stores the reminder lead time for owner.
func (r *Repository) SetReminderLead(ctx context.Context, ownerID string, lead time.Duration) (*schema.Preferences, error) {
	p := &schema.Preferences{
		OwnerID:             ownerID,
		ReminderLeadMinutes: int(lead / time.Minute),
		UpdatedAt:           r.now(),
	}
	err := r.write(ctx, ErrSaveFailed, entityPreferences, ownerID, func(tx *store.Tx) error {
		return tx.UpsertPreferences(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ApplyRemotePreferences stores preferences received from the peer when they
// are newer than the local copy. It reports whether anything was written.
func (r *Repository) ApplyRemotePreferences(ctx context.Context, p *schema.Preferences) (bool, error) {
	written := false
	err := r.write(ctx, ErrSaveFailed, entityPreferences, p.OwnerID, func(tx *store.Tx) error {
		existing, err := tx.GetPreferences(ctx, p.OwnerID)
		switch {
		case err == nil:
			if !p.UpdatedAt.After(existing.UpdatedAt) {
				return nil
			}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		if err := tx.UpsertPreferences(ctx, p); err != nil {
			return err
		}
		written = true
		return nil
	})
	return written, err
}

// RecordAnswers stores a new set of onboarding answers for owner.
func (r *Repository) RecordAnswers(ctx context.Context, ownerID string, answers map[string]string) (*schema.OnboardingAnswers, error) {
	if len(answers) == 0 {
		return nil, newError(ErrSaveFailed, entityAnswers, "", fmt.Errorf("no answers for owner %s", ownerID))
	}
	a := &schema.OnboardingAnswers{
		ID:         schema.NewID(),
		OwnerID:    ownerID,
		Answers:    answers,
		RecordedAt: r.now(),
	}
	err := r.write(ctx, ErrSaveFailed, entityAnswers, a.ID, func(tx *store.Tx) error {
		return tx.InsertAnswers(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// MostRecentAnswers returns owner's latest onboarding answers, or
// ErrEntityNotFound.
func (r *Repository) MostRecentAnswers(ctx context.Context, ownerID string) (*schema.OnboardingAnswers, error) {
	var a *schema.OnboardingAnswers
	err := r.read(ctx, entityAnswers, ownerID, func(db *store.DB) error {
		var err error
		a, err = db.LatestAnswers(ctx, ownerID)
		return err
	})
	return a, err
}
