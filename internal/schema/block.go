package schema

import (
	"fmt"
	"time"
)

// SleepBlock is one sleep period of a current-shape schedule. It has no
// lifecycle of its own: it is created, synced and deleted with its parent.
type SleepBlock struct {
	ID              string    `json:"id" validate:"required"`
	ScheduleID      *string   `json:"schedule_id,omitempty"`
	Start           TimeOfDay `json:"start"`
	End             TimeOfDay `json:"end"`
	DurationMinutes int       `json:"duration_minutes" validate:"gt=0,lte=1440"`
	IsCore          bool      `json:"is_core"`
	IsDeleted       bool      `json:"is_deleted"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewSleepBlock returns a block attached to scheduleID with its duration
// derived from start and end.
func NewSleepBlock(scheduleID string, start, end TimeOfDay, isCore bool) SleepBlock {
	now := time.Now().UTC()
	parent := scheduleID
	return SleepBlock{
		ID:              NewID(),
		ScheduleID:      &parent,
		Start:           start,
		End:             end,
		DurationMinutes: start.MinutesUntil(end),
		IsCore:          isCore,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (b *SleepBlock) EntityName() string { return EntitySleepBlock }
func (b *SleepBlock) EntityID() string   { return b.ID }

// Validate checks field values. An orphaned block still validates: orphans
// are reported and collected by the cleanup pass, not rejected at write time.
func (b *SleepBlock) Validate() error {
	if err := validateStruct(b); err != nil {
		return fmt.Errorf("invalid sleep block %s: %w", b.ID, err)
	}
	if !b.Start.Valid() || !b.End.Valid() {
		return fmt.Errorf("invalid sleep block %s: start/end must be within a day", b.ID)
	}
	return nil
}

// IsOrphaned reports whether the block lost its parent reference.
func (b *SleepBlock) IsOrphaned() bool {
	return b.ScheduleID == nil || *b.ScheduleID == ""
}

// LegacySleepBlock is the original block shape with clock strings.
type LegacySleepBlock struct {
	ID              string    `json:"id" validate:"required"`
	ScheduleID      *string   `json:"schedule_id,omitempty"`
	StartTime       string    `json:"start_time" validate:"required"`
	EndTime         string    `json:"end_time" validate:"required"`
	DurationMinutes int       `json:"duration_minutes" validate:"gte=0,lte=1440"`
	IsCore          bool      `json:"is_core"`
	IsDeleted       bool      `json:"is_deleted"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (b *LegacySleepBlock) EntityName() string { return EntityLegacySleepBlock }
func (b *LegacySleepBlock) EntityID() string   { return b.ID }

// Validate checks field values.
func (b *LegacySleepBlock) Validate() error {
	if err := validateStruct(b); err != nil {
		return fmt.Errorf("invalid legacy sleep block %s: %w", b.ID, err)
	}
	if _, err := ParseClock(b.StartTime); err != nil {
		return fmt.Errorf("invalid legacy sleep block %s: %w", b.ID, err)
	}
	if _, err := ParseClock(b.EndTime); err != nil {
		return fmt.Errorf("invalid legacy sleep block %s: %w", b.ID, err)
	}
	return nil
}

// IsOrphaned reports whether the block lost its parent reference.
func (b *LegacySleepBlock) IsOrphaned() bool {
	return b.ScheduleID == nil || *b.ScheduleID == ""
}
