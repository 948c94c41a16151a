// events.go - Event delivery for the server process.
//
// The coordinator publishes fire-and-forget domain events; in this
// process they are written to the structured log. A real deployment
// would swap in a dispatcher that notifies members and coaches.
package api

import (
	"github.com/rs/zerolog"

	"github.com/warp/booking-engine/booking"
)

// EventLogger publishes domain events to a zerolog logger.
type EventLogger struct {
	Log zerolog.Logger
}

func (p EventLogger) Publish(e booking.Event) {
	p.Log.Info().
		Str("event", e.Type).
		Time("at", e.At).
		Interface("data", e.Data).
		Msg("domain event")
}

var _ booking.Publisher = EventLogger{}
