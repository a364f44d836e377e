package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrAllocationFailed is surfaced after the bounded conflict-retry
	// budget is exhausted without a clean allocation.
	ErrAllocationFailed = errors.New("allocation failed after retries")
	// ErrInsufficientStock signals that physical stock does not cover a
	// requested quantity. Callers decide whether this is fatal.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// ValidationError rejects malformed input before any mutation. It is never
// retried automatically.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ConflictError reports an optimistic-concurrency loss: a row's state no
// longer matched the expected precondition when the write was attempted.
type ConflictError struct {
	Entity   string
	ID       string
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("conflict: %s %s no longer in state %q", e.Entity, e.ID, e.Expected)
	}
	return fmt.Sprintf("conflict: %s %s expected state %q, found %q", e.Entity, e.ID, e.Expected, e.Actual)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IllegalTransitionError is raised when a requested state change does not
// match the allowed transition table. It is always surfaced to the caller.
type IllegalTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s %s -> %s", e.Entity, e.From, e.To)
}

// IsIllegalTransition reports whether err is an IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	var te *IllegalTransitionError
	return errors.As(err, &te)
}
