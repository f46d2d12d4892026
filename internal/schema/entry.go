package schema

import (
	"fmt"
	"time"
)

// DateLayout is the calendar-date format of SleepEntry.Date.
const DateLayout = "2006-01-02"

// Rating bounds. A zero rating means the entry has not been rated yet.
const (
	MinRating = 1
	MaxRating = 5
)

// SleepEntry records one sleep session. Entries are created when a session
// ends or is logged by hand, mutated only to attach a rating, and never
// hard-deleted except by explicit user action.
type SleepEntry struct {
	ID              string     `json:"id" validate:"required"`
	SyncID          string     `json:"sync_id,omitempty"`
	OwnerID         string     `json:"owner_id" validate:"required"`
	Date            string     `json:"date" validate:"required,datetime=2006-01-02"`
	BlockID         *string    `json:"block_id,omitempty"`
	Emoji           string     `json:"emoji,omitempty" validate:"max=32"`
	Rating          int        `json:"rating" validate:"gte=0,lte=5"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationMinutes int        `json:"duration_minutes" validate:"gte=0"`
	IsDeleted       bool       `json:"is_deleted"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NewSleepEntry returns an open entry (no end yet) that started at startedAt.
func NewSleepEntry(ownerID string, startedAt time.Time) *SleepEntry {
	now := time.Now().UTC()
	id := NewID()
	return &SleepEntry{
		ID:        id,
		SyncID:    id,
		OwnerID:   ownerID,
		Date:      startedAt.Format(DateLayout),
		StartedAt: startedAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (e *SleepEntry) EntityName() string { return EntitySleepEntry }
func (e *SleepEntry) EntityID() string   { return e.ID }

// Validate checks field values.
func (e *SleepEntry) Validate() error {
	if err := validateStruct(e); err != nil {
		return fmt.Errorf("invalid sleep entry %s: %w", e.ID, err)
	}
	if e.StartedAt.IsZero() {
		return fmt.Errorf("invalid sleep entry %s: started_at is required", e.ID)
	}
	if e.EndedAt != nil && e.EndedAt.Before(e.StartedAt) {
		return fmt.Errorf("invalid sleep entry %s: ended_at precedes started_at", e.ID)
	}
	return nil
}

// Finish closes the session at endedAt and derives its duration.
func (e *SleepEntry) Finish(endedAt time.Time) {
	e.EndedAt = &endedAt
	e.DurationMinutes = int(endedAt.Sub(e.StartedAt).Minutes())
	if e.DurationMinutes < 0 {
		e.DurationMinutes = 0
	}
	e.UpdatedAt = time.Now().UTC()
}

// Rate attaches a quality rating and marker.
func (e *SleepEntry) Rate(rating int, emoji string) error {
	if rating < MinRating || rating > MaxRating {
		return fmt.Errorf("rating must be between %d and %d (got %d)", MinRating, MaxRating, rating)
	}
	e.Rating = rating
	e.Emoji = emoji
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// IsRated reports whether a rating has been attached.
func (e *SleepEntry) IsRated() bool {
	return e.Rating != 0
}
