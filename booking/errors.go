/*
errors.go - Failure taxonomy for the booking core

PURPOSE:
  Every business-rule failure in this engine is an expected outcome
  returned as a typed value, never a panic. Callers discriminate the
  reason with errors.Is/errors.As and render a specific message
  ("this booking can no longer be cancelled" vs "no sessions remaining
  on this card") instead of a generic one.

ERROR CATEGORIES:
  1. State-machine violations - operation from a state that forbids it
  2. Time-window violations   - cutoff passed (or window not yet open)
  3. Resource shortages       - no entitlement balance, no open seats
  4. Review violations        - second review on a completed booking
  5. Missing references       - surfaced from persistence, passed through
  6. Stale saves              - versioned store rejected an out-of-date copy

USAGE:
  if errors.Is(err, booking.ErrCapacityExceeded) { ... }

  var tr *booking.InvalidTransitionError
  if errors.As(err, &tr) {
      log.Printf("cannot %s from %s", tr.Operation, tr.From)
  }
*/
package booking

import (
	"errors"
	"fmt"
	"time"

	"github.com/warp/booking-engine/entitlement"
	"github.com/warp/booking-engine/schedule"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidStateTransition is returned when an operation is invoked
	// from a state outside its declared edges. The state machine is total
	// but inert: the call fails cleanly and mutates nothing.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrCutoffPassed is returned when a cancellation or modification is
	// attempted outside its time window.
	ErrCutoffPassed = errors.New("time window closed")

	// ErrInsufficientEntitlement is returned when the instrument has no
	// usable balance or is not active.
	ErrInsufficientEntitlement = errors.New("insufficient entitlement")

	// ErrCapacityExceeded is returned when the occurrence has no open
	// seats or is no longer bookable.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrAlreadyReviewed is returned when a second review is attempted.
	ErrAlreadyReviewed = errors.New("booking already reviewed")

	// ErrNotFound is returned when a referenced booking, instrument, or
	// occurrence does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleAggregate is returned by versioned stores when a save
	// observes that another operation updated the aggregate since it was
	// loaded. The coordinator retries the operation on fresh copies.
	ErrStaleAggregate = errors.New("aggregate out of date")
)

// =============================================================================
// STRUCTURED ERRORS - Carry enough context for an actionable message
// =============================================================================

// InvalidTransitionError reports an operation attempted from a state that
// does not permit it.
type InvalidTransitionError struct {
	BookingID BookingID
	From      Status
	Operation string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("booking %s: cannot %s from status %s", e.BookingID, e.Operation, e.From)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidStateTransition }

// WindowError reports a time-window violation: the operation's window has
// closed, or has not opened yet.
type WindowError struct {
	BookingID BookingID
	Operation string
	Deadline  time.Time // boundary instant for the operation
	Now       time.Time
	NotYet    bool // true when the window has not opened (e.g. charge too early)
}

func (e *WindowError) Error() string {
	if e.NotYet {
		return fmt.Sprintf("booking %s: %s window opens at %s (now: %s)",
			e.BookingID, e.Operation, e.Deadline.Format(time.RFC3339), e.Now.Format(time.RFC3339))
	}
	return fmt.Sprintf("booking %s: %s window closed at %s (now: %s)",
		e.BookingID, e.Operation, e.Deadline.Format(time.RFC3339), e.Now.Format(time.RFC3339))
}

func (e *WindowError) Unwrap() error { return ErrCutoffPassed }

// EntitlementError reports a failed debit. The instrument-level cause is
// folded into the message; callers branch on ErrInsufficientEntitlement.
type EntitlementError struct {
	BookingID    BookingID
	InstrumentID entitlement.InstrumentID
	Cause        error
}

func (e *EntitlementError) Error() string {
	return fmt.Sprintf("booking %s: %v", e.BookingID, e.Cause)
}

func (e *EntitlementError) Unwrap() error { return ErrInsufficientEntitlement }

// CapacityError reports a failed seat reservation.
type CapacityError struct {
	BookingID    BookingID
	OccurrenceID schedule.OccurrenceID
	Cause        error
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("booking %s: %v", e.BookingID, e.Cause)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// AlreadyReviewedError reports a second review attempt.
type AlreadyReviewedError struct {
	BookingID BookingID
	Rating    int // the rating set by the first review
}

func (e *AlreadyReviewedError) Error() string {
	return fmt.Sprintf("booking %s: already reviewed (rating %d)", e.BookingID, e.Rating)
}

func (e *AlreadyReviewedError) Unwrap() error { return ErrAlreadyReviewed }

// NotFoundError identifies which reference was missing.
type NotFoundError struct {
	Kind string // "booking", "instrument", "occurrence"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.ID, ErrNotFound)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// StaleAggregateError identifies which aggregate lost a versioned save.
type StaleAggregateError struct {
	Kind string // "booking", "instrument", "occurrence"
	ID   string
}

func (e *StaleAggregateError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.ID, ErrStaleAggregate)
}

func (e *StaleAggregateError) Unwrap() error { return ErrStaleAggregate }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError reports whether the error is a business-rule outcome the
// caller can act on, as opposed to an internal failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrCutoffPassed) ||
		errors.Is(err, ErrInsufficientEntitlement) ||
		errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrAlreadyReviewed) ||
		errors.Is(err, entitlement.ErrNotUsable) ||
		errors.Is(err, schedule.ErrSeatsFull) ||
		errors.Is(err, schedule.ErrInvalidTransition)
}

// IsNotFound reports whether the error indicates a missing reference.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
