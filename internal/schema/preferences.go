package schema

import (
	"fmt"
	"time"
)

// DefaultReminderLead is used when an owner has never stored a preference.
const DefaultReminderLead = 15 * time.Minute

// Preferences are per-owner settings replicated between peers.
type Preferences struct {
	OwnerID             string    `json:"owner_id" validate:"required"`
	ReminderLeadMinutes int       `json:"reminder_lead_minutes" validate:"gte=0,lte=240"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ReminderLead returns the lead time as a duration.
func (p *Preferences) ReminderLead() time.Duration {
	return time.Duration(p.ReminderLeadMinutes) * time.Minute
}

// Validate checks field values.
func (p *Preferences) Validate() error {
	if err := validateStruct(p); err != nil {
		return fmt.Errorf("invalid preferences for %s: %w", p.OwnerID, err)
	}
	return nil
}

// OnboardingAnswers are the questionnaire answers a recommendation was based
// on. Only the most recent set per owner matters.
type OnboardingAnswers struct {
	ID         string            `json:"id" validate:"required"`
	OwnerID    string            `json:"owner_id" validate:"required"`
	Answers    map[string]string `json:"answers"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// Validate checks field values.
func (a *OnboardingAnswers) Validate() error {
	if err := validateStruct(a); err != nil {
		return fmt.Errorf("invalid onboarding answers %s: %w", a.ID, err)
	}
	if a.RecordedAt.IsZero() {
		return fmt.Errorf("invalid onboarding answers %s: recorded_at is required", a.ID)
	}
	return nil
}
