/*
errors.go - Centralized error types for the commission engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Engines wrap these with context; the HTTP layer maps them to statuses.

ERROR CATEGORIES:
  1. Lookup errors - missing goal, payment, session, operator
  2. Concurrency errors - a recompute lease could not be obtained
  3. Input errors - unknown action, malformed amount

NO-OPS, NOT ERRORS:
  Approving an already-approved flag, revoking an already-revoked flag and
  stopping a terminal session are deliberately absent from this file. They
  are reported through result fields (Changed=false), never as errors.

USAGE:
  var gnf *generic.GoalNotFoundError
  if errors.As(err, &gnf) {
      // surface as a warning, keep the approval
  }

SEE ALSO:
  - commission/engine.go: returns GoalNotFoundError
  - lock/: returns ErrConcurrentRecompute
  - api/handlers.go: statusFor maps errors to HTTP
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrGoalNotFound is returned when no goal exists for (operator, day).
	// It is fatal for the recompute that requested it.
	ErrGoalNotFound = errors.New("goal not found")

	// ErrPaymentNotFound is returned when a referenced payment doesn't exist.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrSessionNotFound is returned when a referenced work session doesn't exist.
	ErrSessionNotFound = errors.New("work session not found")

	// ErrOperatorNotFound is returned when a referenced operator doesn't exist.
	ErrOperatorNotFound = errors.New("operator not found")

	// ErrConcurrentRecompute is returned when the per-(operator, day) lock
	// could not be obtained before the caller gave up. Only distributed
	// locks produce it; the in-process lock blocks instead.
	ErrConcurrentRecompute = errors.New("concurrent recompute in progress")

	// ErrInvalidAction is returned for an unknown approval action.
	ErrInvalidAction = errors.New("invalid approval action")

	// ErrInvalidAmount is returned when a payment amount is negative.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrPaymentExists is returned when a payment ID is recorded twice.
	// Payments are never overwritten.
	ErrPaymentExists = errors.New("payment already exists")

	// ErrSessionActive is returned when an operator already has an active session.
	ErrSessionActive = errors.New("operator already has an active session")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// GoalNotFoundError identifies the missing (operator, day) pair.
type GoalNotFoundError struct {
	OperatorID OperatorID
	Day        Day
}

func (e *GoalNotFoundError) Error() string {
	return fmt.Sprintf("no goal for operator %s on %s", e.OperatorID, e.Day)
}

func (e *GoalNotFoundError) Unwrap() error {
	return ErrGoalNotFound
}

// RecomputeError wraps a storage failure that happened during a recompute.
// The whole day's recompute failed; retrying the whole day is the only
// recovery.
type RecomputeError struct {
	OperatorID OperatorID
	Day        Day
	Err        error
}

func (e *RecomputeError) Error() string {
	return fmt.Sprintf("recompute %s/%s: %v", e.OperatorID, e.Day, e.Err)
}

func (e *RecomputeError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
// A missing goal never heals by retrying.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrGoalNotFound) {
		return false
	}
	if errors.Is(err, ErrConcurrentRecompute) {
		return true
	}
	var re *RecomputeError
	return errors.As(err, &re)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAction) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrSessionActive)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrGoalNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrOperatorNotFound)
}
