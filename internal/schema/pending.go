package schema

import (
	"fmt"
	"time"
)

// ChangeOp is the operation a PendingChange carries.
type ChangeOp string

const (
	OpCreate ChangeOp = "create"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// IsValid reports whether op is one of the known operations.
func (op ChangeOp) IsValid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// PendingChange is a mutation that has not been confirmed delivered to the
// peer. It is removed once the transport acknowledges delivery.
type PendingChange struct {
	ID            string     `json:"id" validate:"required"`
	TargetEntity  string     `json:"entity_name" validate:"required"`
	TargetID      string     `json:"entity_id" validate:"required"`
	Operation     ChangeOp   `json:"operation"`
	Payload       []byte     `json:"payload"`
	Attempts      int        `json:"attempts" validate:"gte=0"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// NewPendingChange returns a change with a fresh ID.
func NewPendingChange(entityName, entityID string, op ChangeOp, payload []byte) *PendingChange {
	return &PendingChange{
		ID:           NewID(),
		TargetEntity: entityName,
		TargetID:     entityID,
		Operation:    op,
		Payload:      payload,
		CreatedAt:    time.Now().UTC(),
	}
}

func (p *PendingChange) EntityName() string { return EntityPendingChange }
func (p *PendingChange) EntityID() string   { return p.ID }

// Validate checks field values.
func (p *PendingChange) Validate() error {
	if err := validateStruct(p); err != nil {
		return fmt.Errorf("invalid pending change %s: %w", p.ID, err)
	}
	if !p.Operation.IsValid() {
		return fmt.Errorf("invalid pending change %s: unknown operation %q", p.ID, p.Operation)
	}
	if len(p.Payload) == 0 {
		return fmt.Errorf("invalid pending change %s: payload is required", p.ID)
	}
	return nil
}

// RecordAttempt notes a delivery attempt and its outcome.
func (p *PendingChange) RecordAttempt(at time.Time, err error) {
	p.Attempts++
	p.LastAttemptAt = &at
	if err != nil {
		p.LastError = err.Error()
	} else {
		p.LastError = ""
	}
}
