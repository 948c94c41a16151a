/*
Package booking implements the reservation core: the booking state
machine, the cancellation time-window policy, and the coordinator that
ties a booking to its entitlement instrument and (for group classes) its
scheduled occurrence.

PURPOSE:
  A Booking is one reservation of a member against either a standalone
  course (personal training) or a scheduled group-class occurrence. Its
  status moves only through the transitions in lifecycle.go; cancelled
  and no_show are terminal states, never erasure.

KEY CONCEPTS IN THIS FILE (types.go):
  - Booking: the aggregate with status, timestamps, and references
  - Status: pending/confirmed/charged/checked_in/completed/cancelled/no_show
  - Kind: personal vs group, derived from the occurrence reference

OWNERSHIP:
  A booking does not own the instrument or occurrence it references; it
  holds a reference plus the timestamps proving a unit of balance or
  capacity was reserved on its behalf. Each counter is owned by its own
  aggregate.

SEE ALSO:
  - lifecycle.go: transitions and guards
  - policy.go: cancellation and charge windows
  - coordinator.go: composite operations over all three aggregates
*/
package booking

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/booking-engine/entitlement"
	"github.com/warp/booking-engine/schedule"
)

// =============================================================================
// IDENTIFIERS AND ENUMS
// =============================================================================

type BookingID string

type MemberID string

// Status is the booking state. See lifecycle.go for the transition table.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCharged   Status = "charged"
	StatusCheckedIn Status = "checked_in"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no_show"
)

// Kind distinguishes personal-training bookings from group-class ones.
type Kind string

const (
	KindPersonal Kind = "personal"
	KindGroup    Kind = "group"
)

// PaymentMethod records how a booking was (or will be) paid.
type PaymentMethod string

const (
	PaymentCardBalance PaymentMethod = "card_balance"
	PaymentCash        PaymentMethod = "cash"
	PaymentOnline      PaymentMethod = "online"
)

// =============================================================================
// BOOKING
// =============================================================================

// Booking is one reservation. Mutated only through Lifecycle transitions;
// the embedded lock makes each check-then-act transition atomic with
// respect to concurrent operations on the same booking (e.g. the
// auto-charge sweep racing a member-initiated cancel).
type Booking struct {
	mu sync.Mutex

	ID     BookingID
	Number string // human-readable booking number, unique

	MemberID     MemberID
	CoachID      string // optional
	CourseID     string
	StoreID      string
	InstrumentID entitlement.InstrumentID

	// OccurrenceID is set for group-class bookings only; its presence is
	// what makes a booking KindGroup.
	OccurrenceID *schedule.OccurrenceID

	StartTime time.Time
	EndTime   time.Time

	Status        Status
	Cost          *decimal.Decimal
	PaymentMethod *PaymentMethod

	// Transition timestamps. Each is set exactly when its transition
	// happens and never cleared: ChargedAt is non-nil iff the booking
	// reached charged.
	ChargedAt   *time.Time
	CheckedInAt *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time
	ReviewedAt  *time.Time

	CancelReason string

	// Review, attachable once, only after completion.
	Rating *int
	Review *string

	CreatedAt time.Time
	UpdatedAt time.Time

	// Version is the optimistic-concurrency counter maintained by
	// versioned stores. Zero until first saved; in-place stores leave
	// it untouched.
	Version int
}

// Kind derives the booking kind from the occurrence reference.
func (b *Booking) Kind() Kind {
	if b.OccurrenceID != nil {
		return KindGroup
	}
	return KindPersonal
}

// Snapshot is a point-in-time copy of a booking's observable fields.
// Readers that run alongside transitions (the API layer rendering a
// booking while the charge sweeper works the same aggregate) take a
// snapshot instead of reading the live struct field by field.
type Snapshot struct {
	ID     BookingID
	Number string

	MemberID     MemberID
	CoachID      string
	CourseID     string
	StoreID      string
	InstrumentID entitlement.InstrumentID
	OccurrenceID *schedule.OccurrenceID

	StartTime time.Time
	EndTime   time.Time

	Status        Status
	Cost          *decimal.Decimal
	PaymentMethod *PaymentMethod

	ChargedAt   *time.Time
	CheckedInAt *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time
	ReviewedAt  *time.Time

	CancelReason string
	Rating       *int
	Review       *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Kind derives the booking kind from the occurrence reference.
func (s Snapshot) Kind() Kind {
	if s.OccurrenceID != nil {
		return KindGroup
	}
	return KindPersonal
}

// Snapshot copies the observable fields under the booking's lock, so a
// concurrent transition can never produce a torn read (e.g. status
// charged with a nil ChargedAt).
func (b *Booking) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		ID:            b.ID,
		Number:        b.Number,
		MemberID:      b.MemberID,
		CoachID:       b.CoachID,
		CourseID:      b.CourseID,
		StoreID:       b.StoreID,
		InstrumentID:  b.InstrumentID,
		OccurrenceID:  b.OccurrenceID,
		StartTime:     b.StartTime,
		EndTime:       b.EndTime,
		Status:        b.Status,
		Cost:          b.Cost,
		PaymentMethod: b.PaymentMethod,
		ChargedAt:     b.ChargedAt,
		CheckedInAt:   b.CheckedInAt,
		CompletedAt:   b.CompletedAt,
		CancelledAt:   b.CancelledAt,
		ReviewedAt:    b.ReviewedAt,
		CancelReason:  b.CancelReason,
		Rating:        b.Rating,
		Review:        b.Review,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

// CurrentStatus returns the status under the booking's lock.
func (b *Booking) CurrentStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Status
}

// Validate checks the structural invariants of a new booking.
func (b *Booking) Validate() error {
	if b.MemberID == "" {
		return fmt.Errorf("booking %s: member id required", b.ID)
	}
	if b.CourseID == "" {
		return fmt.Errorf("booking %s: course id required", b.ID)
	}
	if !b.EndTime.After(b.StartTime) {
		return fmt.Errorf("booking %s: end time must be after start time", b.ID)
	}
	return nil
}
