package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound marks lookups for unknown job or configuration ids.
var ErrNotFound = errors.New("not found")

// ErrAlreadyTerminal marks mutations against a job that has already reached
// a terminal status.
var ErrAlreadyTerminal = errors.New("job already terminal")

// ValidationError rejects a malformed submission before it is queued.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// ExecutionError wraps an optimizer fault during a run. The job is marked
// FAILED and the cause is captured on the row; it is not retried.
type ExecutionError struct {
	JobID string
	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed for job %s: %v", e.JobID, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// CancellationError reports a cooperative stop. It distinguishes an
// intentional CANCELLED outcome from a FAILED one.
type CancellationError struct {
	JobID string
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("job %s cancelled", e.JobID)
}

// Unwrap exposes the context cancellation underneath, so callers matching
// on context.Canceled still see it.
func (e *CancellationError) Unwrap() error {
	return context.Canceled
}

// ActivationDenied reports that a governance rule blocked an explicit
// activation request.
type ActivationDenied struct {
	ConfigID string
	Reason   string
}

func (e *ActivationDenied) Error() string {
	return fmt.Sprintf("activation denied for %s: %s", e.ConfigID, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsCancellation reports whether err is a CancellationError.
func IsCancellation(err error) bool {
	var ce *CancellationError
	return errors.As(err, &ce)
}

// IsActivationDenied reports whether err is an ActivationDenied.
func IsActivationDenied(err error) bool {
	var ad *ActivationDenied
	return errors.As(err, &ad)
}
