package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEntryNotFound       = errors.New("queue entry not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrPatientMismatch     = errors.New("appointment patient or clinician mismatch")
	ErrDuplicateLink       = errors.New("appointment already has an active queue entry")
	ErrAllocationConflict  = errors.New("queue number allocation conflict")
	ErrConcurrentUpdate    = errors.New("concurrent update conflict")
	ErrOrphanedLink        = errors.New("linked appointment missing or foreign")
	ErrSessionNotFound     = errors.New("session not found")
)

// FieldError names a single rejected input field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError collects field-level input failures so callers can fix
// all of them in one round trip.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Reason: reason}}}
}

// InvalidTransitionError names the current and requested status of a
// rejected state change.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %q to %q", e.From, e.To)
}

// ReorderSetError reports exactly which entry ids made a reorder request
// disagree with the current active waiting set.
type ReorderSetError struct {
	Missing    []string
	Unexpected []string
}

func (e *ReorderSetError) Error() string {
	return fmt.Sprintf("reorder set mismatch: missing=%v unexpected=%v", e.Missing, e.Unexpected)
}
