package schema

import (
	"fmt"
	"time"
)

// Schedule is the current-shape sleep schedule.
//
// At most one non-deleted schedule per owner has IsActive set. The adaptation
// phase only moves forward while the schedule stays active; a reset happens on
// explicit re-activation.
type Schedule struct {
	// ===== Identification =====
	ID      string `json:"id" validate:"required"`
	SyncID  string `json:"sync_id,omitempty"`
	OwnerID string `json:"owner_id" validate:"required"`

	// ===== Content =====
	Name            string        `json:"name" validate:"required,max=200"`
	Description     LocalizedText `json:"description,omitempty"`
	TotalSleepHours float64       `json:"total_sleep_hours" validate:"gte=0,lte=24"`

	// ===== State =====
	IsActive        bool       `json:"is_active"`
	IsDeleted       bool       `json:"is_deleted"`
	AdaptationPhase *int       `json:"adaptation_phase,omitempty"`
	ActivatedAt     *time.Time `json:"activated_at,omitempty"`

	// ===== Timestamps (last-write-wins) =====
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Blocks are owned by the schedule and deleted with it.
	Blocks []SleepBlock `json:"blocks,omitempty" validate:"-"`
}

// NewSchedule returns a schedule with a fresh ID and timestamps set.
func NewSchedule(ownerID, name string, totalSleepHours float64) *Schedule {
	now := time.Now().UTC()
	id := NewID()
	return &Schedule{
		ID:              id,
		SyncID:          id,
		OwnerID:         ownerID,
		Name:            name,
		Description:     LocalizedText{},
		TotalSleepHours: totalSleepHours,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (s *Schedule) EntityName() string { return EntitySchedule }
func (s *Schedule) EntityID() string   { return s.ID }

// Validate checks field values.
func (s *Schedule) Validate() error {
	if err := validateStruct(s); err != nil {
		return fmt.Errorf("invalid schedule %s: %w", s.ID, err)
	}
	if s.AdaptationPhase != nil && *s.AdaptationPhase < 0 {
		return fmt.Errorf("invalid schedule %s: adaptation phase must be >= 0 (got %d)", s.ID, *s.AdaptationPhase)
	}
	if s.CreatedAt.IsZero() {
		return fmt.Errorf("invalid schedule %s: created_at is required", s.ID)
	}
	if s.UpdatedAt.IsZero() {
		return fmt.Errorf("invalid schedule %s: updated_at is required", s.ID)
	}
	return nil
}

// Phase returns the adaptation phase, treating an unset phase as 0.
func (s *Schedule) Phase() int {
	if s.AdaptationPhase == nil {
		return 0
	}
	return *s.AdaptationPhase
}

// SetPhase stores phase and bumps UpdatedAt.
func (s *Schedule) SetPhase(phase int) {
	s.AdaptationPhase = &phase
	s.UpdateTimestamp()
}

// LiveBlocks returns the blocks that are not soft-deleted.
func (s *Schedule) LiveBlocks() []SleepBlock {
	live := make([]SleepBlock, 0, len(s.Blocks))
	for _, b := range s.Blocks {
		if !b.IsDeleted {
			live = append(live, b)
		}
	}
	return live
}

// UpdateTimestamp sets UpdatedAt to the current time.
func (s *Schedule) UpdateTimestamp() {
	s.UpdatedAt = time.Now().UTC()
}

// LegacySchedule is the original schedule shape, still written by older
// peers.
type LegacySchedule struct {
	ID              string    `json:"id" validate:"required"`
	SyncID          string    `json:"sync_id,omitempty"`
	OwnerID         string    `json:"owner_id" validate:"required"`
	Name            string    `json:"name" validate:"required,max=200"`
	Description     string    `json:"description,omitempty"`
	TotalSleepHours float64   `json:"total_sleep_hours" validate:"gte=0,lte=24"`
	IsActive        bool      `json:"is_active"`
	IsDeleted       bool      `json:"is_deleted"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	Blocks []LegacySleepBlock `json:"blocks,omitempty" validate:"-"`
}

func (s *LegacySchedule) EntityName() string { return EntityLegacySchedule }
func (s *LegacySchedule) EntityID() string   { return s.ID }

// Validate checks field values.
func (s *LegacySchedule) Validate() error {
	if err := validateStruct(s); err != nil {
		return fmt.Errorf("invalid legacy schedule %s: %w", s.ID, err)
	}
	if s.CreatedAt.IsZero() || s.UpdatedAt.IsZero() {
		return fmt.Errorf("invalid legacy schedule %s: timestamps are required", s.ID)
	}
	return nil
}
