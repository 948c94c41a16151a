/*
handlers.go - HTTP API handlers for the booking engine

PURPOSE:
  Exposes the booking core via REST. Handles HTTP request/response, JSON
  serialization and validation, and delegates every decision to the
  coordinator.

ENDPOINTS:
  Bookings:
    POST   /api/bookings                    Create booking
    GET    /api/bookings/{id}               Get booking
    POST   /api/bookings/{id}/confirm       Confirm
    POST   /api/bookings/{id}/charge        Charge (debit card, claim seat)
    POST   /api/bookings/{id}/checkin       Check in
    POST   /api/bookings/{id}/complete      Complete
    POST   /api/bookings/{id}/cancel        Cancel with reason
    POST   /api/bookings/{id}/no-show       Mark no-show
    POST   /api/bookings/{id}/review        Attach review

  Members:
    GET    /api/members/{id}/bookings       List member's bookings

  Instruments:
    POST   /api/instruments                 Issue card
    GET    /api/instruments/{id}            Get card
    POST   /api/instruments/{id}/activate   Activate
    POST   /api/instruments/{id}/freeze     Freeze
    POST   /api/instruments/{id}/unfreeze   Unfreeze

  Occurrences:
    POST   /api/occurrences                 Schedule occurrence
    GET    /api/occurrences/{id}            Get occurrence
    POST   /api/occurrences/{id}/start      Start class
    POST   /api/occurrences/{id}/complete   Complete class
    POST   /api/occurrences/{id}/cancel     Cancel occurrence (fans out)

ERROR HANDLING:
  Business failures map to HTTP status by kind:
  - 400: invalid input, invalid state transition, window violations
         (cutoff_passed vs window_not_open for a window not yet open)
  - 404: booking/instrument/occurrence not found
  - 409: already reviewed, save conflict after retries
  - 422: insufficient entitlement, capacity exceeded
  - 500: internal errors

SEE ALSO:
  - dto.go: request/response structures
  - sweeper.go: background auto-charge
  - server.go: router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/entitlement"
	"github.com/warp/booking-engine/schedule"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Coordinator *booking.Coordinator
	Log         zerolog.Logger

	validate *validator.Validate
}

// NewHandler creates a handler around the coordinator.
func NewHandler(coord *booking.Coordinator, log zerolog.Logger) *Handler {
	return &Handler{
		Coordinator: coord,
		Log:         log,
		validate:    validator.New(),
	}
}

// decode parses and validates a JSON request body.
func (h *Handler) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return err
	}
	return h.validate.Struct(dst)
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

// CreateBooking opens a booking in pending state.
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req CreateBookingRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := booking.CreateBookingInput{
		MemberID:     booking.MemberID(req.MemberID),
		CoachID:      req.CoachID,
		CourseID:     req.CourseID,
		StoreID:      req.StoreID,
		InstrumentID: entitlement.InstrumentID(req.InstrumentID),
	}
	if req.OccurrenceID != nil {
		oid := schedule.OccurrenceID(*req.OccurrenceID)
		in.OccurrenceID = &oid
	} else {
		start, err := time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid start_time (use RFC3339)", err)
			return
		}
		end, err := time.Parse(time.RFC3339, req.EndTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid end_time (use RFC3339)", err)
			return
		}
		in.StartTime = start
		in.EndTime = end
	}
	if req.Cost != nil {
		cost, err := decimal.NewFromString(*req.Cost)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid cost", err)
			return
		}
		in.Cost = &cost
	}

	b, err := h.Coordinator.CreateBooking(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toBookingDTO(b))
}

// GetBooking returns a single booking.
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	id := booking.BookingID(chi.URLParam(r, "id"))

	b, err := h.Coordinator.Store.GetBooking(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// ListMemberBookings returns all bookings for a member.
func (h *Handler) ListMemberBookings(w http.ResponseWriter, r *http.Request) {
	memberID := booking.MemberID(chi.URLParam(r, "id"))

	bs, err := h.Coordinator.Store.BookingsByMember(r.Context(), memberID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTOs(bs))
}

// ConfirmBooking moves a pending booking to confirmed.
func (h *Handler) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Coordinator.ConfirmBooking)
}

// ChargeBooking debits the card and claims the seat.
func (h *Handler) ChargeBooking(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Coordinator.ChargeBooking)
}

// CheckInBooking records arrival.
func (h *Handler) CheckInBooking(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Coordinator.CheckInBooking)
}

// CompleteBooking closes out a checked-in booking.
func (h *Handler) CompleteBooking(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Coordinator.CompleteBooking)
}

// MarkNoShow flags a charged booking whose member never arrived.
func (h *Handler) MarkNoShow(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Coordinator.MarkNoShow)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id booking.BookingID) (*booking.Booking, error)) {
	id := booking.BookingID(chi.URLParam(r, "id"))

	b, err := op(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// CancelBooking cancels inside the window.
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	id := booking.BookingID(chi.URLParam(r, "id"))

	var req CancelBookingRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	b, err := h.Coordinator.CancelBooking(r.Context(), id, req.Reason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// AddReview attaches the one permitted review.
func (h *Handler) AddReview(w http.ResponseWriter, r *http.Request) {
	id := booking.BookingID(chi.URLParam(r, "id"))

	var req ReviewRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	b, err := h.Coordinator.AddReview(r.Context(), id, req.Rating, req.Text)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// =============================================================================
// INSTRUMENT HANDLERS
// =============================================================================

// CreateInstrument issues a new card for a member, inactive until
// activated.
func (h *Handler) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	var req CreateInstrumentRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	inst := entitlement.New(
		entitlement.InstrumentID(req.ID),
		req.MemberID,
		entitlement.Kind(req.Kind),
		entitlement.BillingType(req.Billing),
		h.Coordinator.Clock(),
	)
	if req.TotalSessions != nil {
		inst.WithSessions(*req.TotalSessions)
	}
	if req.ValidityDays > 0 {
		inst.WithValidity(req.ValidityDays)
	}
	if req.ParentID != nil {
		pid := entitlement.InstrumentID(*req.ParentID)
		inst.ParentID = &pid
	}

	if err := h.Coordinator.Store.SaveInstrument(r.Context(), inst); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInstrumentDTO(inst, h.Coordinator.Clock()))
}

// GetInstrument returns a card.
func (h *Handler) GetInstrument(w http.ResponseWriter, r *http.Request) {
	id := entitlement.InstrumentID(chi.URLParam(r, "id"))

	inst, err := h.Coordinator.Store.GetInstrument(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstrumentDTO(inst, h.Coordinator.Clock()))
}

// ActivateInstrument starts the card's validity clock.
func (h *Handler) ActivateInstrument(w http.ResponseWriter, r *http.Request) {
	h.instrumentOp(w, r, func(inst *entitlement.Instrument) { inst.Activate(h.Coordinator.Clock()) })
}

// FreezeInstrument suspends an active card.
func (h *Handler) FreezeInstrument(w http.ResponseWriter, r *http.Request) {
	h.instrumentOp(w, r, func(inst *entitlement.Instrument) { inst.Freeze() })
}

// UnfreezeInstrument resumes a frozen card.
func (h *Handler) UnfreezeInstrument(w http.ResponseWriter, r *http.Request) {
	h.instrumentOp(w, r, func(inst *entitlement.Instrument) { inst.Unfreeze() })
}

func (h *Handler) instrumentOp(w http.ResponseWriter, r *http.Request, op func(*entitlement.Instrument)) {
	id := entitlement.InstrumentID(chi.URLParam(r, "id"))

	inst, err := h.Coordinator.Store.GetInstrument(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	op(inst)

	if err := h.Coordinator.Store.SaveInstrument(r.Context(), inst); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstrumentDTO(inst, h.Coordinator.Clock()))
}

// =============================================================================
// OCCURRENCE HANDLERS
// =============================================================================

// CreateOccurrence schedules a group-class occurrence.
func (h *Handler) CreateOccurrence(w http.ResponseWriter, r *http.Request) {
	var req CreateOccurrenceRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_time (use RFC3339)", err)
		return
	}
	end, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end_time (use RFC3339)", err)
		return
	}
	if !end.After(start) {
		writeError(w, http.StatusBadRequest, "end_time must be after start_time", nil)
		return
	}

	occ := schedule.New(schedule.OccurrenceID(req.ID), req.CourseID, start, end, req.MaxParticipants)
	occ.StoreID = req.StoreID
	occ.CoachID = req.CoachID
	if req.PriceOverride != nil {
		price, err := decimal.NewFromString(*req.PriceOverride)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid price_override", err)
			return
		}
		occ.PriceOverride = &price
	}

	if err := h.Coordinator.Store.SaveOccurrence(r.Context(), occ); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOccurrenceDTO(occ))
}

// GetOccurrence returns an occurrence with its live seat count.
func (h *Handler) GetOccurrence(w http.ResponseWriter, r *http.Request) {
	id := schedule.OccurrenceID(chi.URLParam(r, "id"))

	occ, err := h.Coordinator.Store.GetOccurrence(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOccurrenceDTO(occ))
}

// StartOccurrence marks the class as underway.
func (h *Handler) StartOccurrence(w http.ResponseWriter, r *http.Request) {
	id := schedule.OccurrenceID(chi.URLParam(r, "id"))

	occ, err := h.Coordinator.StartOccurrence(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOccurrenceDTO(occ))
}

// CompleteOccurrence marks the class as finished.
func (h *Handler) CompleteOccurrence(w http.ResponseWriter, r *http.Request) {
	id := schedule.OccurrenceID(chi.URLParam(r, "id"))

	occ, err := h.Coordinator.CompleteOccurrence(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOccurrenceDTO(occ))
}

// CancelOccurrence cancels the occurrence and makes affected members
// whole.
func (h *Handler) CancelOccurrence(w http.ResponseWriter, r *http.Request) {
	id := schedule.OccurrenceID(chi.URLParam(r, "id"))

	var req CancelOccurrenceRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	occ, err := h.Coordinator.CancelOccurrence(r.Context(), id, req.Reason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOccurrenceDTO(occ))
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// writeDomainError maps the failure taxonomy to HTTP statuses. Every
// business failure carries its specific message through to the client.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case booking.IsNotFound(err):
		writeErrorCode(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, booking.ErrAlreadyReviewed):
		writeErrorCode(w, http.StatusConflict, "already_reviewed", err)
	case errors.Is(err, booking.ErrInsufficientEntitlement):
		writeErrorCode(w, http.StatusUnprocessableEntity, "insufficient_entitlement", err)
	case errors.Is(err, booking.ErrCapacityExceeded):
		writeErrorCode(w, http.StatusUnprocessableEntity, "capacity_exceeded", err)
	case errors.Is(err, booking.ErrCutoffPassed):
		// Same sentinel family, two directions: the window already
		// closed, or (a charge attempted too early) has not opened yet.
		var win *booking.WindowError
		if errors.As(err, &win) && win.NotYet {
			writeErrorCode(w, http.StatusBadRequest, "window_not_open", err)
			return
		}
		writeErrorCode(w, http.StatusBadRequest, "cutoff_passed", err)
	case errors.Is(err, booking.ErrInvalidStateTransition), errors.Is(err, schedule.ErrInvalidTransition):
		writeErrorCode(w, http.StatusBadRequest, "invalid_transition", err)
	case errors.Is(err, booking.ErrStaleAggregate):
		// Retries exhausted inside the coordinator; the client can
		// simply resubmit.
		writeErrorCode(w, http.StatusConflict, "conflict", err)
	default:
		h.Log.Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeErrorCode(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}
