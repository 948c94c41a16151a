/*
Package schedule manages scheduled group-class occurrences and their
seat capacity.

PURPOSE:
  An Occurrence is one concrete, time-boxed offering of a group class
  with a fixed number of seats. This package owns the seat-count
  invariant: 0 <= CurrentParticipants <= MaxParticipants, changed only
  through the paired ReserveSeat/ReleaseSeat operations.

CONCURRENCY:
  ReserveSeat holds the occurrence's own lock for the full
  check-then-increment, so concurrent reservations against the last open
  seat admit exactly one caller. Overbooking attempts are an expected,
  frequent outcome under contention and are returned as values, never
  panics.

SEE ALSO:
  - booking/coordinator.go: pairs seat reservation with entitlement debit
*/
package schedule

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS AND ENUMS
// =============================================================================

type OccurrenceID string

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrSeatsFull is returned when every seat is taken.
	ErrSeatsFull = errors.New("no open seats")

	// ErrOccurrenceClosed is returned when the occurrence is not in a
	// bookable state (ongoing, completed, or cancelled).
	ErrOccurrenceClosed = errors.New("occurrence not open for booking")

	// ErrOccurrenceStarted is returned when the scheduled start has
	// already passed.
	ErrOccurrenceStarted = errors.New("occurrence already started")

	// ErrInvalidTransition is returned for status transitions outside
	// scheduled -> ongoing -> completed (or -> cancelled).
	ErrInvalidTransition = errors.New("invalid occurrence transition")
)

// SeatError explains why a seat could not be reserved.
type SeatError struct {
	OccurrenceID OccurrenceID
	Status       Status
	Current      int
	Max          int
	Cause        error
}

func (e *SeatError) Error() string {
	return fmt.Sprintf("occurrence %s: %v (%d/%d seats, status: %s)",
		e.OccurrenceID, e.Cause, e.Current, e.Max, e.Status)
}

func (e *SeatError) Unwrap() error { return e.Cause }

// =============================================================================
// OCCURRENCE
// =============================================================================

// Occurrence is one scheduled instance of a group class.
type Occurrence struct {
	mu sync.Mutex

	ID       OccurrenceID
	CourseID string
	StoreID  string
	CoachID  string

	StartTime time.Time
	EndTime   time.Time

	MaxParticipants     int
	CurrentParticipants int

	Status Status

	// PriceOverride, when set, replaces the course price for this
	// occurrence only.
	PriceOverride *decimal.Decimal

	// Version is the optimistic-concurrency counter maintained by
	// versioned stores. Zero until first saved.
	Version int
}

// New creates a scheduled occurrence with no participants.
func New(id OccurrenceID, courseID string, start, end time.Time, maxParticipants int) *Occurrence {
	return &Occurrence{
		ID:              id,
		CourseID:        courseID,
		StartTime:       start,
		EndTime:         end,
		MaxParticipants: maxParticipants,
		Status:          StatusScheduled,
	}
}

// =============================================================================
// SEAT ACCOUNTING
// =============================================================================

// ReserveSeat claims one seat. Succeeds only while the occurrence is
// scheduled, has an open seat, and has not started yet.
func (o *Occurrence) ReserveSeat(now time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.openLocked(now); err != nil {
		return err
	}

	o.CurrentParticipants++
	return nil
}

// ReleaseSeat returns one seat. Floored at zero: a double-release must
// never drive the counter negative.
func (o *Occurrence) ReleaseSeat() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.CurrentParticipants > 0 {
		o.CurrentParticipants--
	}
}

// HasOpenSeat is the non-mutating availability gate used when a booking
// is created, before any seat is actually held.
func (o *Occurrence) HasOpenSeat(now time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.openLocked(now)
}

// Seats returns the current and maximum participant counts.
func (o *Occurrence) Seats() (current, max int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CurrentParticipants, o.MaxParticipants
}

func (o *Occurrence) openLocked(now time.Time) error {
	if o.Status != StatusScheduled {
		return &SeatError{OccurrenceID: o.ID, Status: o.Status, Current: o.CurrentParticipants, Max: o.MaxParticipants, Cause: ErrOccurrenceClosed}
	}
	if !o.StartTime.After(now) {
		return &SeatError{OccurrenceID: o.ID, Status: o.Status, Current: o.CurrentParticipants, Max: o.MaxParticipants, Cause: ErrOccurrenceStarted}
	}
	if o.CurrentParticipants >= o.MaxParticipants {
		return &SeatError{OccurrenceID: o.ID, Status: o.Status, Current: o.CurrentParticipants, Max: o.MaxParticipants, Cause: ErrSeatsFull}
	}
	return nil
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================

// Start marks the class as underway. Only valid from scheduled.
func (o *Occurrence) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.Status != StatusScheduled {
		return fmt.Errorf("cannot start occurrence in status %s: %w", o.Status, ErrInvalidTransition)
	}
	o.Status = StatusOngoing
	return nil
}

// Complete marks the class as finished. Only valid from ongoing. The
// participant count is frozen at its final value.
func (o *Occurrence) Complete() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.Status != StatusOngoing {
		return fmt.Errorf("cannot complete occurrence in status %s: %w", o.Status, ErrInvalidTransition)
	}
	o.Status = StatusCompleted
	return nil
}

// Cancel marks the occurrence cancelled. Only valid from scheduled. The
// cancellation cutoff is enforced by the coordinator, which owns the
// time-window policy.
func (o *Occurrence) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.Status != StatusScheduled {
		return fmt.Errorf("cannot cancel occurrence in status %s: %w", o.Status, ErrInvalidTransition)
	}
	o.Status = StatusCancelled
	return nil
}

// CurrentStatus returns the occurrence status.
func (o *Occurrence) CurrentStatus() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Status
}
