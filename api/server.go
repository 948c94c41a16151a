/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the booking frontend

SECURITY NOTE:
  No authentication middleware here; role checks live in the gateway in
  front of this service.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/bookings", func(r chi.Router) {
			r.Post("/", h.CreateBooking)
			r.Get("/{id}", h.GetBooking)
			r.Post("/{id}/confirm", h.ConfirmBooking)
			r.Post("/{id}/charge", h.ChargeBooking)
			r.Post("/{id}/checkin", h.CheckInBooking)
			r.Post("/{id}/complete", h.CompleteBooking)
			r.Post("/{id}/cancel", h.CancelBooking)
			r.Post("/{id}/no-show", h.MarkNoShow)
			r.Post("/{id}/review", h.AddReview)
		})

		r.Route("/members", func(r chi.Router) {
			r.Get("/{id}/bookings", h.ListMemberBookings)
		})

		r.Route("/instruments", func(r chi.Router) {
			r.Post("/", h.CreateInstrument)
			r.Get("/{id}", h.GetInstrument)
			r.Post("/{id}/activate", h.ActivateInstrument)
			r.Post("/{id}/freeze", h.FreezeInstrument)
			r.Post("/{id}/unfreeze", h.UnfreezeInstrument)
		})

		r.Route("/occurrences", func(r chi.Router) {
			r.Post("/", h.CreateOccurrence)
			r.Get("/{id}", h.GetOccurrence)
			r.Post("/{id}/start", h.StartOccurrence)
			r.Post("/{id}/complete", h.CompleteOccurrence)
			r.Post("/{id}/cancel", h.CancelOccurrence)
		})
	})

	return r
}
