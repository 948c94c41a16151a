/*
coordinator.go - Composite booking operations

PURPOSE:
  The Coordinator is the composition root for the booking core. Given a
  booking identifier it resolves the entitlement instrument and (for
  group bookings) the occurrence, asks the lifecycle to attempt the
  transition, and persists every touched aggregate. To the caller each
  operation is atomic: it fully succeeds or leaves no sub-mutation
  behind.

REQUEST FLOW:
  1. Load booking (and instrument/occurrence as the operation needs)
  2. Lifecycle transition (guards + paired side effects + rollback)
  3. Save touched aggregates as one unit, retrying the whole cycle on
     a stale-save conflict from a versioned store
  4. Publish the domain event (fire-and-forget)

FAILURE CLASSIFICATION:
  Business failures come back as the typed errors in errors.go so the
  request layer can distinguish "balance exhausted" from "seat
  unavailable" from "cutoff passed". Persistence NotFound errors pass
  through unchanged.

SEE ALSO:
  - lifecycle.go: the transitions driven here
  - store/memory, store/sqlite: Store implementations
*/
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/booking-engine/entitlement"
	"github.com/warp/booking-engine/schedule"
)

// Clock supplies the current instant. Injected so every time-window
// decision is deterministic in tests.
type Clock func() time.Time

// Store is the persistence boundary. Implementations either mutate
// shared aggregates in place under the aggregates' own locks (memory)
// or hand out detached copies and reject a save whose aggregate was
// updated since it was loaded, with an error unwrapping to
// ErrStaleAggregate (sqlite). The coordinator re-runs the operation on
// fresh copies when a save is rejected as stale.
type Store interface {
	GetBooking(ctx context.Context, id BookingID) (*Booking, error)
	SaveBooking(ctx context.Context, b *Booking) error
	BookingsByMember(ctx context.Context, memberID MemberID) ([]*Booking, error)
	BookingsByOccurrence(ctx context.Context, id schedule.OccurrenceID) ([]*Booking, error)
	BookingsByStatus(ctx context.Context, status Status) ([]*Booking, error)

	GetInstrument(ctx context.Context, id entitlement.InstrumentID) (*entitlement.Instrument, error)
	SaveInstrument(ctx context.Context, inst *entitlement.Instrument) error

	GetOccurrence(ctx context.Context, id schedule.OccurrenceID) (*schedule.Occurrence, error)
	SaveOccurrence(ctx context.Context, occ *schedule.Occurrence) error

	// SaveAggregates persists the aggregates one composite operation
	// touched as a single unit: either every non-nil aggregate is
	// stored or none is.
	SaveAggregates(ctx context.Context, b *Booking, inst *entitlement.Instrument, occ *schedule.Occurrence) error
}

// Coordinator orchestrates bookings, instruments, and occurrences.
type Coordinator struct {
	Store     Store
	Lifecycle *Lifecycle
	Clock     Clock
	Events    Publisher
}

// NewCoordinator wires a coordinator with the default policy, the wall
// clock, and no event delivery. Replace fields before first use.
func NewCoordinator(store Store) *Coordinator {
	return &Coordinator{
		Store:     store,
		Lifecycle: NewLifecycle(),
		Clock:     time.Now,
		Events:    NopPublisher{},
	}
}

// =============================================================================
// CREATE
// =============================================================================

// CreateBookingInput carries everything needed to open a booking.
type CreateBookingInput struct {
	MemberID     MemberID
	CoachID      string
	CourseID     string
	StoreID      string
	InstrumentID entitlement.InstrumentID
	OccurrenceID *schedule.OccurrenceID
	StartTime    time.Time
	EndTime      time.Time
	Cost         *decimal.Decimal
}

// CreateBooking validates the input, gates group bookings on seat
// availability (without holding a seat), and persists a pending booking.
func (c *Coordinator) CreateBooking(ctx context.Context, in CreateBookingInput) (*Booking, error) {
	now := c.Clock()

	// The instrument must exist up front; a booking against a missing
	// card is a caller mistake, not a later charge failure.
	if _, err := c.Store.GetInstrument(ctx, in.InstrumentID); err != nil {
		return nil, err
	}

	if in.OccurrenceID != nil {
		occ, err := c.Store.GetOccurrence(ctx, *in.OccurrenceID)
		if err != nil {
			return nil, err
		}
		// Availability gate only. The seat is claimed at charge time,
		// paired with the entitlement debit.
		if err := occ.HasOpenSeat(now); err != nil {
			return nil, &CapacityError{OccurrenceID: occ.ID, Cause: err}
		}
		// Group bookings inherit the occurrence's time box.
		in.StartTime = occ.StartTime
		in.EndTime = occ.EndTime
	}

	b := &Booking{
		ID:           BookingID(uuid.NewString()),
		Number:       newBookingNumber(now),
		MemberID:     in.MemberID,
		CoachID:      in.CoachID,
		CourseID:     in.CourseID,
		StoreID:      in.StoreID,
		InstrumentID: in.InstrumentID,
		OccurrenceID: in.OccurrenceID,
		StartTime:    in.StartTime,
		EndTime:      in.EndTime,
		Status:       StatusPending,
		Cost:         in.Cost,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := b.Validate(); err != nil {
		return nil, err
	}

	if err := c.Store.SaveBooking(ctx, b); err != nil {
		return nil, err
	}

	c.publish(EventBookingCreated, b, "")
	return b, nil
}

// newBookingNumber produces the human-readable booking number, e.g.
// BK-20260830-7F3A2C.
func newBookingNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("BK-%s-%s", now.Format("20060102"), suffix)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// ConfirmBooking moves a pending booking to confirmed.
func (c *Coordinator) ConfirmBooking(ctx context.Context, id BookingID) (*Booking, error) {
	return c.updateBooking(ctx, id, EventBookingConfirmed, func(b *Booking) error {
		return c.Lifecycle.Confirm(b, c.Clock())
	})
}

// ChargeBooking debits the instrument and, for group bookings, claims a
// seat - as one atomic pair. On any failure neither half is retained.
func (c *Coordinator) ChargeBooking(ctx context.Context, id BookingID) (*Booking, error) {
	var b *Booking
	err := c.retryStale(func() error {
		var err error
		b, err = c.Store.GetBooking(ctx, id)
		if err != nil {
			return err
		}

		inst, err := c.Store.GetInstrument(ctx, b.InstrumentID)
		if err != nil {
			return err
		}

		occ, err := c.occurrenceFor(ctx, b)
		if err != nil {
			return err
		}

		if err := c.Lifecycle.Charge(b, inst, occ, c.Clock()); err != nil {
			return err
		}

		return c.Store.SaveAggregates(ctx, b, inst, occ)
	})
	if err != nil {
		return nil, err
	}

	c.publish(EventBookingCharged, b, "")
	return b, nil
}

// CheckInBooking records the member's arrival.
func (c *Coordinator) CheckInBooking(ctx context.Context, id BookingID) (*Booking, error) {
	return c.updateBooking(ctx, id, EventBookingCheckedIn, func(b *Booking) error {
		return c.Lifecycle.CheckIn(b, c.Clock())
	})
}

// CompleteBooking closes out a checked-in booking.
func (c *Coordinator) CompleteBooking(ctx context.Context, id BookingID) (*Booking, error) {
	return c.updateBooking(ctx, id, EventBookingCompleted, func(b *Booking) error {
		return c.Lifecycle.Complete(b, c.Clock())
	})
}

// CancelBooking cancels inside the window, crediting back a charged
// debit and releasing a claimed seat.
func (c *Coordinator) CancelBooking(ctx context.Context, id BookingID, reason string) (*Booking, error) {
	return c.cancel(ctx, id, reason, false)
}

func (c *Coordinator) cancel(ctx context.Context, id BookingID, reason string, force bool) (*Booking, error) {
	var b *Booking
	err := c.retryStale(func() error {
		var err error
		b, err = c.Store.GetBooking(ctx, id)
		if err != nil {
			return err
		}

		inst, err := c.Store.GetInstrument(ctx, b.InstrumentID)
		if err != nil {
			return err
		}

		occ, err := c.occurrenceFor(ctx, b)
		if err != nil {
			return err
		}

		now := c.Clock()
		if force {
			err = c.Lifecycle.ForceCancel(b, inst, occ, now, reason)
		} else {
			err = c.Lifecycle.Cancel(b, inst, occ, now, reason)
		}
		if err != nil {
			return err
		}

		return c.Store.SaveAggregates(ctx, b, inst, occ)
	})
	if err != nil {
		return nil, err
	}

	c.publish(EventBookingCancelled, b, reason)
	return b, nil
}

// MarkNoShow flags a charged booking whose member never arrived. The
// debit stands.
func (c *Coordinator) MarkNoShow(ctx context.Context, id BookingID) (*Booking, error) {
	return c.updateBooking(ctx, id, EventBookingNoShow, func(b *Booking) error {
		return c.Lifecycle.MarkNoShow(b, c.Clock())
	})
}

// AddReview attaches the one permitted review to a completed booking.
func (c *Coordinator) AddReview(ctx context.Context, id BookingID, rating int, text string) (*Booking, error) {
	return c.updateBooking(ctx, id, "", func(b *Booking) error {
		return c.Lifecycle.AddReview(b, rating, text, c.Clock())
	})
}

// =============================================================================
// OCCURRENCE OPERATIONS
// =============================================================================

// StartOccurrence marks a scheduled occurrence as underway.
func (c *Coordinator) StartOccurrence(ctx context.Context, id schedule.OccurrenceID) (*schedule.Occurrence, error) {
	return c.updateOccurrence(ctx, id, func(occ *schedule.Occurrence) error {
		return occ.Start()
	})
}

// CompleteOccurrence marks an ongoing occurrence as finished. The seat
// count is frozen at its final value.
func (c *Coordinator) CompleteOccurrence(ctx context.Context, id schedule.OccurrenceID) (*schedule.Occurrence, error) {
	return c.updateOccurrence(ctx, id, func(occ *schedule.Occurrence) error {
		return occ.Complete()
	})
}

// CancelOccurrence cancels a scheduled occurrence, gated on the same
// cutoff as member cancellations, then fans out: every confirmed or
// charged booking on it is force-cancelled and made whole, cutoff
// notwithstanding - the studio broke the appointment, not the member.
func (c *Coordinator) CancelOccurrence(ctx context.Context, id schedule.OccurrenceID, reason string) (*schedule.Occurrence, error) {
	now := c.Clock()

	var occ *schedule.Occurrence
	err := c.retryStale(func() error {
		var err error
		occ, err = c.Store.GetOccurrence(ctx, id)
		if err != nil {
			return err
		}

		if !c.Lifecycle.Policy.PermitsCancel(now, occ.StartTime, KindGroup) {
			return &WindowError{
				Operation: "cancel_occurrence",
				Deadline:  c.Lifecycle.Policy.CancelDeadline(occ.StartTime, KindGroup),
				Now:       now,
			}
		}

		if err := occ.Cancel(); err != nil {
			return err
		}
		return c.Store.SaveOccurrence(ctx, occ)
	})
	if err != nil {
		return nil, err
	}

	bookings, err := c.Store.BookingsByOccurrence(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, b := range bookings {
		switch b.CurrentStatus() {
		case StatusConfirmed, StatusCharged:
			if _, err := c.cancel(ctx, b.ID, reason, true); err != nil {
				return nil, fmt.Errorf("cancelling booking %s: %w", b.ID, err)
			}
		}
	}

	c.Events.Publish(Event{
		Type: EventOccurrenceCancelled,
		At:   now,
		Data: OccurrenceEvent{OccurrenceID: occ.ID, Status: occ.CurrentStatus(), Reason: reason},
	})
	return occ, nil
}

// =============================================================================
// AUTO-CHARGE SWEEP
// =============================================================================

// ChargeDueBookings charges every confirmed booking whose charge window
// has opened. Individual failures (a member raced in a cancel, a card
// ran dry) don't stop the sweep; they are reported alongside the
// successes.
func (c *Coordinator) ChargeDueBookings(ctx context.Context) (charged int, failures []error) {
	bookings, err := c.Store.BookingsByStatus(ctx, StatusConfirmed)
	if err != nil {
		return 0, []error{err}
	}

	now := c.Clock()
	for _, b := range bookings {
		if !c.Lifecycle.Policy.Chargeable(now, b.StartTime, b.Kind()) {
			continue
		}
		if _, err := c.ChargeBooking(ctx, b.ID); err != nil {
			failures = append(failures, fmt.Errorf("booking %s: %w", b.ID, err))
			continue
		}
		charged++
	}
	return charged, failures
}

// =============================================================================
// HELPERS
// =============================================================================

// occurrenceFor loads the occurrence a group booking is bound to, or nil
// for personal bookings.
func (c *Coordinator) occurrenceFor(ctx context.Context, b *Booking) (*schedule.Occurrence, error) {
	if b.OccurrenceID == nil {
		return nil, nil
	}
	return c.Store.GetOccurrence(ctx, *b.OccurrenceID)
}

// Versioned stores reject saves of aggregates another operation updated
// in between. Each retry loads fresh copies and re-runs the transition,
// so it either succeeds against the winning state or fails with a
// business outcome (capacity exceeded, invalid transition).
const staleRetryLimit = 3

func (c *Coordinator) retryStale(op func() error) error {
	var err error
	for attempt := 0; attempt < staleRetryLimit; attempt++ {
		if err = op(); !errors.Is(err, ErrStaleAggregate) {
			return err
		}
	}
	return err
}

// updateBooking runs a load-transition-save cycle over a single booking,
// retrying on stale-save conflicts, and publishes the event on success.
func (c *Coordinator) updateBooking(ctx context.Context, id BookingID, eventType string, mutate func(b *Booking) error) (*Booking, error) {
	var b *Booking
	err := c.retryStale(func() error {
		var err error
		b, err = c.Store.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		if err := mutate(b); err != nil {
			return err
		}
		return c.Store.SaveBooking(ctx, b)
	})
	if err != nil {
		return nil, err
	}

	if eventType != "" {
		c.publish(eventType, b, "")
	}
	return b, nil
}

// updateOccurrence is updateBooking's occurrence counterpart.
func (c *Coordinator) updateOccurrence(ctx context.Context, id schedule.OccurrenceID, mutate func(occ *schedule.Occurrence) error) (*schedule.Occurrence, error) {
	var occ *schedule.Occurrence
	err := c.retryStale(func() error {
		var err error
		occ, err = c.Store.GetOccurrence(ctx, id)
		if err != nil {
			return err
		}
		if err := mutate(occ); err != nil {
			return err
		}
		return c.Store.SaveOccurrence(ctx, occ)
	})
	if err != nil {
		return nil, err
	}
	return occ, nil
}

func (c *Coordinator) publish(eventType string, b *Booking, reason string) {
	c.Events.Publish(Event{
		Type: eventType,
		At:   c.Clock(),
		Data: BookingEvent{
			BookingID:    b.ID,
			Number:       b.Number,
			MemberID:     b.MemberID,
			InstrumentID: b.InstrumentID,
			OccurrenceID: b.OccurrenceID,
			Status:       b.CurrentStatus(),
			Reason:       reason,
		},
	})
}
