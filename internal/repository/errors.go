package repository

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every error returned by a Repository method matches
// exactly one intent sentinel with errors.Is; the underlying cause is
// available through the same chain.
var (
	ErrStoreNotConfigured  = errors.New("store not configured")
	ErrFetchFailed         = errors.New("fetch failed")
	ErrSaveFailed          = errors.New("save failed")
	ErrUpdateFailed        = errors.New("update failed")
	ErrDeleteFailed        = errors.New("delete failed")
	ErrEntityNotFound      = errors.New("entity not found")
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrNoUndoDataAvailable = errors.New("no undo data available")
	ErrUndoExpired         = errors.New("undo expired")
	ErrPhaseNotReachable   = errors.New("adaptation phase not reachable")
)

// Error describes a failed repository operation.
type Error struct {
	// Op is the intent sentinel (ErrSaveFailed, ErrFetchFailed, ...)
	Op error
	// Entity is the entity name, e.g. "schedule"
	Entity string
	// ID is the entity id, when known
	ID string
	// Err is the cause
	Err error
}

func (e *Error) Error() string {
	subject := e.Entity
	if e.ID != "" {
		subject = fmt.Sprintf("%s %s", e.Entity, e.ID)
	}
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", e.Op, subject)
	}
	return fmt.Sprintf("%v: %s: %v", e.Op, subject, e.Err)
}

// Unwrap exposes both the intent and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Op}
	}
	return []error{e.Op, e.Err}
}

func newError(op error, entity, id string, err error) error {
	return &Error{Op: op, Entity: entity, ID: id, Err: err}
}
