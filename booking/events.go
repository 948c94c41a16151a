// events.go - Domain events emitted by the coordinator.
//
// Events are fire-and-forget: the core emits them after a transition
// commits and never waits on, or fails because of, delivery. An external
// dispatcher relays them to members and coaches.
package booking

import (
	"time"

	"github.com/warp/booking-engine/entitlement"
	"github.com/warp/booking-engine/schedule"
)

// Event is a domain event with a typed payload.
type Event struct {
	Type string `json:"type"`
	At   time.Time
	Data any `json:"data"`
}

// Event type names.
const (
	EventBookingCreated      = "booking.created"
	EventBookingConfirmed    = "booking.confirmed"
	EventBookingCharged      = "booking.charged"
	EventBookingCheckedIn    = "booking.checked_in"
	EventBookingCompleted    = "booking.completed"
	EventBookingCancelled    = "booking.cancelled"
	EventBookingNoShow       = "booking.no_show"
	EventOccurrenceCancelled = "occurrence.cancelled"
)

// BookingEvent is the payload for booking lifecycle events.
type BookingEvent struct {
	BookingID    BookingID                `json:"booking_id"`
	Number       string                   `json:"number"`
	MemberID     MemberID                 `json:"member_id"`
	InstrumentID entitlement.InstrumentID `json:"instrument_id"`
	OccurrenceID *schedule.OccurrenceID   `json:"occurrence_id,omitempty"`
	Status       Status                   `json:"status"`
	Reason       string                   `json:"reason,omitempty"`
}

// OccurrenceEvent is the payload for occurrence-level events.
type OccurrenceEvent struct {
	OccurrenceID schedule.OccurrenceID `json:"occurrence_id"`
	Status       schedule.Status       `json:"status"`
	Reason       string                `json:"reason,omitempty"`
}

// Publisher receives events after transitions commit. Implementations
// must not block; the coordinator does not tolerate slow delivery.
type Publisher interface {
	Publish(e Event)
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}
