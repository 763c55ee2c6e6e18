package analytics

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a session identifier has no live entry.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyExists is returned by Create for an identifier already in use.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrSessionEnded is returned when mutating a session past its terminal state.
	ErrSessionEnded = errors.New("session already ended")
	// ErrThrottled signals a full ingest queue; callers should retry.
	ErrThrottled = errors.New("ingest queue full")
	// ErrStopped is returned once the processor has begun shutting down.
	ErrStopped = errors.New("stream processor stopped")
)

// ValidationError describes a malformed inbound event. It is returned to the
// submitting caller and never logged as a system failure.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid event: %s", e.Reason)
	}
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Reason)
}

func validationErr(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
