/*
policy.go - Cancellation and charge time windows

PURPOSE:
  Pure time-window rules, evaluated against a caller-supplied "now" so
  every boundary is deterministic in tests. The policy holds no state
  and takes no locks; it is safe to evaluate repeatedly and concurrently.

THE BOUNDARY:
  The cancel cutoff and the charge window share one boundary, approached
  from opposite sides:

      now <= start - window   ->  cancellable, not yet chargeable
      now >= start - window   ->  chargeable, no longer cancellable

  Exactly AT start-window both hold: a booking cancelled at the last
  permitted instant succeeds, and the auto-charge sweep picks up
  everything at or past the boundary.
*/
package booking

import "time"

// CutoffPolicy parameterizes the time windows per booking kind.
// The zero value is not useful; use DefaultCutoffPolicy.
type CutoffPolicy struct {
	// PersonalCancelWindow is the minimum lead time for cancelling a
	// personal-training booking.
	PersonalCancelWindow time.Duration

	// GroupCancelWindow is the minimum lead time for cancelling a
	// group-class booking, and for cancelling the occurrence itself.
	GroupCancelWindow time.Duration
}

// DefaultCutoffPolicy is the production rule set: three hours for both
// kinds.
func DefaultCutoffPolicy() CutoffPolicy {
	return CutoffPolicy{
		PersonalCancelWindow: 3 * time.Hour,
		GroupCancelWindow:    3 * time.Hour,
	}
}

// window returns the cancel window for a booking kind.
func (p CutoffPolicy) window(kind Kind) time.Duration {
	if kind == KindGroup {
		return p.GroupCancelWindow
	}
	return p.PersonalCancelWindow
}

// CancelDeadline returns the last instant at which cancellation is still
// permitted for a booking of the given kind starting at start.
func (p CutoffPolicy) CancelDeadline(start time.Time, kind Kind) time.Time {
	return start.Add(-p.window(kind))
}

// PermitsCancel reports whether a cancellation at now is still inside
// the window. The deadline instant itself is permitted.
func (p CutoffPolicy) PermitsCancel(now, start time.Time, kind Kind) bool {
	return !now.After(p.CancelDeadline(start, kind))
}

// Chargeable reports whether a confirmed booking is inside its charge
// window at now: once it can no longer be cancelled, it becomes
// chargeable. The boundary instant itself is chargeable.
func (p CutoffPolicy) Chargeable(now, start time.Time, kind Kind) bool {
	return !now.Before(p.CancelDeadline(start, kind))
}
