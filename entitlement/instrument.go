/*
Package entitlement manages prepaid instruments (cards) and their balances.

PURPOSE:
  An Instrument is a prepaid balance a member draws down with each use:
  a membership card, a personal-training card, or a group-class card.
  This package owns the instrument state machine (inactive, active,
  frozen, expired, refunded) and the atomic debit/credit operations
  against its balance.

KEY CONCEPTS:
  - BillingType: session-count based, unlimited, or validity-period based
  - Use/Refund: the debit and credit halves of a charge; Refund exists
    only as the reversal of a prior Use
  - CanUse: the usability predicate every debit is gated on

CONCURRENCY:
  Every mutating method holds the instrument's own lock for the full
  check-then-act sequence. Two concurrent Use() calls against a card
  with one remaining session yield exactly one success.

EXPIRY SEMANTICS:
  - Unlimited instruments never expire by usage.
  - Session-based instruments expire exactly when the balance hits zero.
  - Period-based instruments expire when now passes ExpiresAt, regardless
    of remaining sessions.

SEE ALSO:
  - booking/lifecycle.go: drives Use/Refund as part of charge and cancel
*/
package entitlement

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// IDENTIFIERS AND ENUMS
// =============================================================================

type InstrumentID string

// Kind identifies which card product an instrument represents.
type Kind string

const (
	KindMembership       Kind = "membership"
	KindPersonalTraining Kind = "personal_training"
	KindGroupClass       Kind = "group_class"
)

// BillingType determines how balance and expiry are tracked.
type BillingType string

const (
	// BillingSession: fixed number of sessions, expires when used up.
	BillingSession BillingType = "session"

	// BillingUnlimited: no per-use balance; usable until explicitly
	// frozen, refunded, or past a validity period if one is set.
	BillingUnlimited BillingType = "unlimited"

	// BillingPeriod: valid for a number of days from activation,
	// regardless of how many sessions remain.
	BillingPeriod BillingType = "period"
)

type Status string

const (
	StatusInactive Status = "inactive"
	StatusActive   Status = "active"
	StatusFrozen   Status = "frozen"
	StatusExpired  Status = "expired"
	StatusRefunded Status = "refunded"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotUsable is the sentinel all usability failures unwrap to.
	ErrNotUsable = errors.New("instrument not usable")

	// ErrNoUsageToRefund is returned when a refund would drive usage
	// below zero. This is the defensive floor: a double-refund is
	// rejected, never absorbed into a negative counter.
	ErrNoUsageToRefund = errors.New("no usage to refund")
)

// UsabilityError explains why an instrument cannot be debited right now.
type UsabilityError struct {
	InstrumentID InstrumentID
	Status       Status
	Reason       string // "not_active", "expired", "no_sessions_remaining"
}

func (e *UsabilityError) Error() string {
	return fmt.Sprintf("instrument %s not usable: %s (status: %s)", e.InstrumentID, e.Reason, e.Status)
}

func (e *UsabilityError) Unwrap() error { return ErrNotUsable }

// =============================================================================
// INSTRUMENT
// =============================================================================

// Instrument is a prepaid balance belonging to one member.
//
// Dependent cards (group-class and personal-training cards sold against a
// parent membership) carry a ParentID reference. They do NOT currently
// chain usability to the parent's expiry or freeze state; the upstream
// product behavior is an open question.
// TODO: confirm with product whether dependent-card usability should
// chain to parent expiry/freeze before wiring a parent lookup here.
type Instrument struct {
	mu sync.Mutex

	ID       InstrumentID
	MemberID string
	Kind     Kind
	Billing  BillingType

	// Balance (session-based only; nil for unlimited/period instruments
	// sold without a session cap)
	TotalSessions *int
	UsedSessions  int

	// Validity
	ValidityDays int
	PurchasedAt  time.Time
	ActivatedAt  *time.Time
	ExpiresAt    *time.Time

	Status   Status
	ParentID *InstrumentID

	// Version is the optimistic-concurrency counter maintained by
	// versioned stores. Zero until first saved.
	Version int
}

// New creates an inactive instrument. Activation is a separate step so a
// card can be sold today and started on first visit.
func New(id InstrumentID, memberID string, kind Kind, billing BillingType, purchasedAt time.Time) *Instrument {
	return &Instrument{
		ID:          id,
		MemberID:    memberID,
		Kind:        kind,
		Billing:     billing,
		PurchasedAt: purchasedAt,
		Status:      StatusInactive,
	}
}

// WithSessions sets a session cap. Required for BillingSession.
func (s *Instrument) WithSessions(total int) *Instrument {
	s.TotalSessions = &total
	return s
}

// WithValidity sets a validity period in days, fixed at activation.
func (s *Instrument) WithValidity(days int) *Instrument {
	s.ValidityDays = days
	return s
}

// =============================================================================
// LIFECYCLE TRANSITIONS
// =============================================================================

// Activate moves an inactive instrument to active and fixes the expiry
// date for validity-based instruments. No-op from any other status.
func (s *Instrument) Activate(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status != StatusInactive {
		return
	}

	s.Status = StatusActive
	activated := now
	s.ActivatedAt = &activated

	if s.ValidityDays > 0 {
		expires := now.AddDate(0, 0, s.ValidityDays)
		s.ExpiresAt = &expires
	}
}

// Freeze suspends an active instrument. No-op outside active.
func (s *Instrument) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status == StatusActive {
		s.Status = StatusFrozen
	}
}

// Unfreeze resumes a frozen instrument. No-op outside frozen.
func (s *Instrument) Unfreeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status == StatusFrozen {
		s.Status = StatusActive
	}
}

// Refund terminally retires the instrument. A refunded instrument can
// never be used again; there is no way back out of this state.
func (s *Instrument) Refund() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = StatusRefunded
}

// =============================================================================
// BALANCE OPERATIONS
// =============================================================================

// Use debits one session. Returns a UsabilityError when the instrument
// cannot be debited; absence of balance is an expected business outcome,
// not a panic. If the debit exhausts a session-based balance the
// instrument auto-expires.
func (s *Instrument) Use(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(now); err != nil {
		return err
	}

	s.UsedSessions++
	if s.Billing == BillingSession && s.remainingLocked() == 0 {
		s.Status = StatusExpired
	}
	return nil
}

// CreditBack reverses one debit. Used only as the undo half of a booking
// cancellation after a charge. If the instrument had auto-expired from
// that debit it is restored to active. Credit below zero usage is
// rejected with ErrNoUsageToRefund.
func (s *Instrument) CreditBack(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.UsedSessions <= 0 {
		return ErrNoUsageToRefund
	}

	s.UsedSessions--

	// Undo the auto-expiry caused by the debit being reversed. Only
	// session-exhaustion expiry is reversible; a period-based card past
	// its expiry date stays expired.
	if s.Status == StatusExpired && s.Billing == BillingSession && !s.pastValidityLocked(now) {
		s.Status = StatusActive
	}
	return nil
}

// CanUse reports whether the instrument can be debited right now:
// active, not expired, and (for session-based) remaining balance > 0.
func (s *Instrument) CanUse(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usableLocked(now) == nil
}

// Remaining returns the remaining session balance. bounded is false for
// instruments without a session cap.
func (s *Instrument) Remaining() (n int, bounded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TotalSessions == nil {
		return 0, false
	}
	return s.remainingLocked(), true
}

// Used returns the number of sessions debited so far.
func (s *Instrument) Used() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.UsedSessions
}

// CurrentStatus returns the status, accounting for validity expiry that
// has elapsed since the last mutation.
func (s *Instrument) CurrentStatus(now time.Time) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status == StatusActive && s.pastValidityLocked(now) {
		return StatusExpired
	}
	return s.Status
}

// =============================================================================
// INTERNAL PREDICATES (callers hold s.mu)
// =============================================================================

func (s *Instrument) usableLocked(now time.Time) error {
	switch s.Status {
	case StatusActive:
		// fall through to expiry checks
	default:
		return &UsabilityError{InstrumentID: s.ID, Status: s.Status, Reason: "not_active"}
	}

	if s.pastValidityLocked(now) {
		return &UsabilityError{InstrumentID: s.ID, Status: s.Status, Reason: "expired"}
	}

	// Any instrument sold with a session cap is bounded by it; UsedSessions
	// never exceeds TotalSessions.
	if s.TotalSessions != nil && s.remainingLocked() <= 0 {
		return &UsabilityError{InstrumentID: s.ID, Status: s.Status, Reason: "no_sessions_remaining"}
	}

	return nil
}

func (s *Instrument) remainingLocked() int {
	if s.TotalSessions == nil {
		return 0
	}
	r := *s.TotalSessions - s.UsedSessions
	if r < 0 {
		return 0
	}
	return r
}

// pastValidityLocked reports whether the validity period has elapsed.
// Unlimited instruments with no validity never expire by time.
func (s *Instrument) pastValidityLocked(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}
