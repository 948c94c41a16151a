/*
lifecycle.go - The booking state machine

PURPOSE:
  Implements every transition a booking can make, with its guards and
  side effects on the entitlement instrument and (for group classes) the
  occurrence's seat count:

  | From               | Operation  | To         | Side effect               |
  |--------------------|------------|------------|---------------------------|
  | pending            | Confirm    | confirmed  | none                      |
  | confirmed          | Charge     | charged    | reserve seat + debit card |
  | charged            | CheckIn    | checked_in | record check-in instant   |
  | checked_in         | Complete   | completed  | none                      |
  | charged            | MarkNoShow | no_show    | none (no refund)          |
  | confirmed, charged | Cancel     | cancelled  | credit card, release seat |

  Any operation invoked from a state not listed fails with an
  InvalidTransitionError and performs no mutation: the machine is total
  but inert outside its declared edges.

ATOMICITY:
  Each transition holds the booking's lock for the full check-then-act.
  Charge applies its two side effects as a pair: if the seat is taken but
  the debit fails, the seat is released before the failure is reported.
  No transition ever leaves a half-applied charge behind.

SEE ALSO:
  - policy.go: the windows gating Charge and Cancel
  - coordinator.go: loads the aggregates and persists the results
*/
package booking

import (
	"time"

	"github.com/warp/booking-engine/entitlement"
	"github.com/warp/booking-engine/schedule"
)

// Lifecycle applies state-machine transitions to bookings. It is
// stateless apart from the policy and safe for concurrent use.
type Lifecycle struct {
	Policy CutoffPolicy
}

// NewLifecycle returns a lifecycle with the default cutoff policy.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{Policy: DefaultCutoffPolicy()}
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Confirm moves pending -> confirmed.
func (l *Lifecycle) Confirm(b *Booking, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Status != StatusPending {
		return &InvalidTransitionError{BookingID: b.ID, From: b.Status, Operation: "confirm"}
	}

	b.Status = StatusConfirmed
	b.UpdatedAt = now
	return nil
}

// Charge moves confirmed -> charged, debiting one unit from the
// instrument and, for group bookings, claiming one seat on the
// occurrence. occ is nil for personal-training bookings.
//
// The two side effects are paired: on debit failure a claimed seat is
// released before the error is returned, and the booking is untouched.
func (l *Lifecycle) Charge(b *Booking, inst *entitlement.Instrument, occ *schedule.Occurrence, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Status != StatusConfirmed {
		return &InvalidTransitionError{BookingID: b.ID, From: b.Status, Operation: "charge"}
	}

	if !l.Policy.Chargeable(now, b.StartTime, b.Kind()) {
		return &WindowError{
			BookingID: b.ID,
			Operation: "charge",
			Deadline:  l.Policy.CancelDeadline(b.StartTime, b.Kind()),
			Now:       now,
			NotYet:    true,
		}
	}

	seatHeld := false
	if occ != nil {
		if err := occ.ReserveSeat(now); err != nil {
			return &CapacityError{BookingID: b.ID, OccurrenceID: occ.ID, Cause: err}
		}
		seatHeld = true
	}

	if err := inst.Use(now); err != nil {
		if seatHeld {
			occ.ReleaseSeat()
		}
		return &EntitlementError{BookingID: b.ID, InstrumentID: inst.ID, Cause: err}
	}

	charged := now
	b.Status = StatusCharged
	b.ChargedAt = &charged
	if b.PaymentMethod == nil {
		pm := PaymentCardBalance
		b.PaymentMethod = &pm
	}
	b.UpdatedAt = now
	return nil
}

// CheckIn moves charged -> checked_in and records the instant.
func (l *Lifecycle) CheckIn(b *Booking, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Status != StatusCharged {
		return &InvalidTransitionError{BookingID: b.ID, From: b.Status, Operation: "check_in"}
	}

	checkedIn := now
	b.Status = StatusCheckedIn
	b.CheckedInAt = &checkedIn
	b.UpdatedAt = now
	return nil
}

// Complete moves checked_in -> completed.
func (l *Lifecycle) Complete(b *Booking, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Status != StatusCheckedIn {
		return &InvalidTransitionError{BookingID: b.ID, From: b.Status, Operation: "complete"}
	}

	completed := now
	b.Status = StatusCompleted
	b.CompletedAt = &completed
	b.UpdatedAt = now
	return nil
}

// MarkNoShow moves charged -> no_show once the scheduled start has
// passed. The balance stays debited; a no-show is not refunded.
func (l *Lifecycle) MarkNoShow(b *Booking, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Status != StatusCharged {
		return &InvalidTransitionError{BookingID: b.ID, From: b.Status, Operation: "mark_no_show"}
	}

	if !now.After(b.StartTime) {
		return &WindowError{
			BookingID: b.ID,
			Operation: "mark_no_show",
			Deadline:  b.StartTime,
			Now:       now,
			NotYet:    true,
		}
	}

	b.Status = StatusNoShow
	b.UpdatedAt = now
	return nil
}

// Cancel moves confirmed or charged -> cancelled, inside the cancel
// window. A charged booking gets its debit credited back and, for group
// bookings, its seat released. inst and occ may be nil when the booking
// was never charged / is not a group booking.
func (l *Lifecycle) Cancel(b *Booking, inst *entitlement.Instrument, occ *schedule.Occurrence, now time.Time, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Status != StatusConfirmed && b.Status != StatusCharged {
		return &InvalidTransitionError{BookingID: b.ID, From: b.Status, Operation: "cancel"}
	}

	if !l.Policy.PermitsCancel(now, b.StartTime, b.Kind()) {
		return &WindowError{
			BookingID: b.ID,
			Operation: "cancel",
			Deadline:  l.Policy.CancelDeadline(b.StartTime, b.Kind()),
			Now:       now,
		}
	}

	return l.cancelLocked(b, inst, occ, now, reason)
}

// ForceCancel cancels regardless of the member-facing window. Used when
// the studio cancels an occurrence: affected members are made whole even
// inside the cutoff.
func (l *Lifecycle) ForceCancel(b *Booking, inst *entitlement.Instrument, occ *schedule.Occurrence, now time.Time, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Status != StatusConfirmed && b.Status != StatusCharged {
		return &InvalidTransitionError{BookingID: b.ID, From: b.Status, Operation: "cancel"}
	}

	return l.cancelLocked(b, inst, occ, now, reason)
}

func (l *Lifecycle) cancelLocked(b *Booking, inst *entitlement.Instrument, occ *schedule.Occurrence, now time.Time, reason string) error {
	if b.Status == StatusCharged {
		if err := inst.CreditBack(now); err != nil {
			// A charged booking whose instrument has nothing to credit
			// means the ledger and the booking disagree; abort loudly.
			return err
		}
		if occ != nil {
			occ.ReleaseSeat()
		}
	}

	cancelled := now
	b.Status = StatusCancelled
	b.CancelledAt = &cancelled
	b.CancelReason = reason
	b.UpdatedAt = now
	return nil
}

// =============================================================================
// REVIEWS
// =============================================================================

const (
	minRating = 1
	maxRating = 5
)

// AddReview attaches a rating and text to a completed booking. Permitted
// once: a second attempt is a no-op failure that leaves the first review
// in place. The rating is clamped to [1,5].
func (l *Lifecycle) AddReview(b *Booking, rating int, text string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Status != StatusCompleted {
		return &InvalidTransitionError{BookingID: b.ID, From: b.Status, Operation: "add_review"}
	}

	if b.Rating != nil {
		return &AlreadyReviewedError{BookingID: b.ID, Rating: *b.Rating}
	}

	if rating < minRating {
		rating = minRating
	}
	if rating > maxRating {
		rating = maxRating
	}

	reviewed := now
	b.Rating = &rating
	b.Review = &text
	b.ReviewedAt = &reviewed
	b.UpdatedAt = now
	return nil
}
