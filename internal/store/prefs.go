package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/polycycle/sleepsync/internal/schema"
)

// PhaseUndo is the snapshot taken before an adaptation phase write.
type PhaseUndo struct {
	ScheduleID          string
	PreviousPhase       *int
	PreviousActivatedAt *time.Time
	RecordedAt          time.Time
}

// UpsertPreferences stores an owner's preferences.
func (tx *Tx) UpsertPreferences(ctx context.Context, p *schema.Preferences) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := tx.tx.ExecContext(ctx, `
	INSERT INTO preferences (owner_id, reminder_lead_minutes, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(owner_id) DO UPDATE SET
		reminder_lead_minutes = excluded.reminder_lead_minutes,
		updated_at = excluded.updated_at`,
		p.OwnerID, p.ReminderLeadMinutes, formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert preferences for %s: %w", p.OwnerID, err)
	}
	return nil
}

// GetPreferences returns an owner's preferences or ErrNotFound.
func (r reads) GetPreferences(ctx context.Context, ownerID string) (*schema.Preferences, error) {
	var p schema.Preferences
	var updatedAt string
	err := r.q.QueryRowContext(ctx, `
	SELECT owner_id, reminder_lead_minutes, updated_at FROM preferences WHERE owner_id = ?`, ownerID,
	).Scan(&p.OwnerID, &p.ReminderLeadMinutes, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("preferences for %s: %w", ownerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preferences for %s: %w", ownerID, err)
	}
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// InsertAnswers appends a set of onboarding answers.
func (tx *Tx) InsertAnswers(ctx context.Context, a *schema.OnboardingAnswers) error {
	if err := a.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(a.Answers)
	if err != nil {
		return fmt.Errorf("failed to marshal answers: %w", err)
	}
	_, err = tx.tx.ExecContext(ctx, `
	INSERT INTO onboarding_answers (id, owner_id, answers, recorded_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`,
		a.ID, a.OwnerID, string(data), formatTime(a.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert onboarding answers %s: %w", a.ID, err)
	}
	return nil
}

// LatestAnswers returns the most recently recorded answers for owner or
// ErrNotFound.
func (r reads) LatestAnswers(ctx context.Context, ownerID string) (*schema.OnboardingAnswers, error) {
	var a schema.OnboardingAnswers
	var data, recordedAt string
	err := r.q.QueryRowContext(ctx, `
	SELECT id, owner_id, answers, recorded_at FROM onboarding_answers
	WHERE owner_id = ? ORDER BY recorded_at DESC, id DESC LIMIT 1`, ownerID,
	).Scan(&a.ID, &a.OwnerID, &data, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("answers for %s: %w", ownerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get answers for %s: %w", ownerID, err)
	}
	if err := json.Unmarshal([]byte(data), &a.Answers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal answers %s: %w", a.ID, err)
	}
	a.RecordedAt = parseTime(recordedAt)
	return &a, nil
}

// SaveUndo replaces the undo snapshot for a schedule.
func (tx *Tx) SaveUndo(ctx context.Context, u PhaseUndo) error {
	_, err := tx.tx.ExecContext(ctx, `
	INSERT INTO phase_undo (schedule_id, previous_phase, previous_activated_at, recorded_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(schedule_id) DO UPDATE SET
		previous_phase = excluded.previous_phase,
		previous_activated_at = excluded.previous_activated_at,
		recorded_at = excluded.recorded_at`,
		u.ScheduleID, intToNullInt(u.PreviousPhase), timeToNullString(u.PreviousActivatedAt), formatTime(u.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save undo for %s: %w", u.ScheduleID, err)
	}
	return nil
}

// DeleteUndo drops the undo snapshot for a schedule.
func (tx *Tx) DeleteUndo(ctx context.Context, scheduleID string) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM phase_undo WHERE schedule_id = ?`, scheduleID); err != nil {
		return fmt.Errorf("failed to delete undo for %s: %w", scheduleID, err)
	}
	return nil
}

// GetUndo returns the undo snapshot for a schedule or ErrNotFound.
func (r reads) GetUndo(ctx context.Context, scheduleID string) (*PhaseUndo, error) {
	u := PhaseUndo{ScheduleID: scheduleID}
	var phase sql.NullInt64
	var activatedAt sql.NullString
	var recordedAt string
	err := r.q.QueryRowContext(ctx, `
	SELECT previous_phase, previous_activated_at, recorded_at FROM phase_undo WHERE schedule_id = ?`, scheduleID,
	).Scan(&phase, &activatedAt, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("undo for %s: %w", scheduleID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get undo for %s: %w", scheduleID, err)
	}
	u.PreviousPhase = nullIntToInt(phase)
	u.PreviousActivatedAt = nullStringToTime(activatedAt)
	u.RecordedAt = parseTime(recordedAt)
	return &u, nil
}
