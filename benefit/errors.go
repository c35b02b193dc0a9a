/*
errors.go - Error taxonomy for the benefit engine

ERROR CATEGORIES:
  1. Lifecycle errors - InvalidTransition, UndoWindowExpired, InvalidSnooze.
     Surfaced synchronously to the caller, never retried.
  2. Collaborator errors - storage or notification I/O failed. Absorbed by
     the reconciliation service and retried on the next pass.
  3. Store errors - not found, concurrent modification, duplicate key.

CapacityExceeded is deliberately absent: a reminder that does not fit under
the ceiling is normal planner output, not a failure.

USAGE:
  if errors.Is(err, benefit.ErrInvalidTransition) {
      // show "already used" to the user
  }
*/
package benefit

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidTransition is returned when the requested change is not legal
	// from the benefit's current status.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrUndoWindowExpired is returned when undo is requested after the
	// grace period.
	ErrUndoWindowExpired = errors.New("undo window expired")

	// ErrInvalidSnooze is returned for a non-positive snooze length.
	ErrInvalidSnooze = errors.New("snooze days must be positive")

	// ErrCollaboratorUnavailable wraps any storage or notification I/O failure.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

	// ErrBenefitNotFound is returned when a referenced benefit doesn't exist.
	ErrBenefitNotFound = errors.New("benefit not found")

	// ErrUsageNotFound is returned when a referenced usage record doesn't exist.
	ErrUsageNotFound = errors.New("usage record not found")

	// ErrConcurrentModification is returned when a save carries a stale Version.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateIdempotencyKey is returned when a usage record with the same
	// idempotency key already exists. Expected on retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInvalidPeriod is returned when a period is malformed (end before start).
	ErrInvalidPeriod = errors.New("invalid period: end before start")

	// ErrInvalidBenefit is returned when a record fails validation.
	ErrInvalidBenefit = errors.New("invalid benefit")

	// ErrInvalidAction is returned for an unknown notification action.
	ErrInvalidAction = errors.New("invalid notification action")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// TransitionError reports which operation was refused and from what status.
type TransitionError struct {
	BenefitID ID
	Op        string
	From      Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s benefit %s in status %s", e.Op, e.BenefitID, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// UndoWindowError reports how far past the grace period the request came.
type UndoWindowError struct {
	BenefitID ID
	UsedAt    time.Time
	Window    time.Duration
	Elapsed   time.Duration
}

func (e *UndoWindowError) Error() string {
	return fmt.Sprintf("undo window expired for benefit %s: used %s ago, window %s",
		e.BenefitID, e.Elapsed, e.Window)
}

func (e *UndoWindowError) Unwrap() error {
	return ErrUndoWindowExpired
}

// CollaboratorError wraps an I/O failure with the collaborator and operation.
// It matches both ErrCollaboratorUnavailable and the underlying cause.
type CollaboratorError struct {
	Collaborator string // "storage" or "notifications"
	Op           string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Collaborator, e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() []error {
	return []error{ErrCollaboratorUnavailable, e.Err}
}

// StorageError wraps a storage failure.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CollaboratorError{Collaborator: "storage", Op: op, Err: err}
}

// NotificationError wraps a notification-collaborator failure.
func NotificationError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CollaboratorError{Collaborator: "notifications", Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to an illegal user request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrUndoWindowExpired) ||
		errors.Is(err, ErrInvalidSnooze) ||
		errors.Is(err, ErrInvalidBenefit) ||
		errors.Is(err, ErrInvalidAction) ||
		errors.Is(err, ErrInvalidPeriod)
}

// IsRetryable returns true if the error might succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrCollaboratorUnavailable)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBenefitNotFound) ||
		errors.Is(err, ErrUsageNotFound)
}
