// dto.go - Request/response data structures for the REST API.
//
// Inbound DTOs carry validator tags; Decode applies them before any
// handler logic runs. Outbound DTOs flatten domain types to JSON-friendly
// primitives (decimals to strings, instants to RFC3339).
package api

import (
	"time"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/entitlement"
	"github.com/warp/booking-engine/schedule"
)

// =============================================================================
// INBOUND
// =============================================================================

// CreateBookingRequest opens a booking for a member.
type CreateBookingRequest struct {
	MemberID     string  `json:"member_id" validate:"required"`
	CoachID      string  `json:"coach_id"`
	CourseID     string  `json:"course_id" validate:"required"`
	StoreID      string  `json:"store_id"`
	InstrumentID string  `json:"instrument_id" validate:"required"`
	OccurrenceID *string `json:"occurrence_id"`
	StartTime    string  `json:"start_time" validate:"required_without=OccurrenceID"`
	EndTime      string  `json:"end_time" validate:"required_without=OccurrenceID"`
	Cost         *string `json:"cost"`
}

// CancelBookingRequest carries the member's stated reason.
type CancelBookingRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// ReviewRequest attaches a rating to a completed booking.
type ReviewRequest struct {
	Rating int    `json:"rating" validate:"required,min=1,max=5"`
	Text   string `json:"text"`
}

// CreateInstrumentRequest issues a new card for a member.
type CreateInstrumentRequest struct {
	ID            string  `json:"id" validate:"required"`
	MemberID      string  `json:"member_id" validate:"required"`
	Kind          string  `json:"kind" validate:"required,oneof=membership personal_training group_class"`
	Billing       string  `json:"billing" validate:"required,oneof=session unlimited period"`
	TotalSessions *int    `json:"total_sessions" validate:"required_if=Billing session,omitempty,gt=0"`
	ValidityDays  int     `json:"validity_days" validate:"gte=0"`
	ParentID      *string `json:"parent_id"`
}

// CreateOccurrenceRequest schedules a group-class occurrence.
type CreateOccurrenceRequest struct {
	ID              string  `json:"id" validate:"required"`
	CourseID        string  `json:"course_id" validate:"required"`
	StoreID         string  `json:"store_id"`
	CoachID         string  `json:"coach_id"`
	StartTime       string  `json:"start_time" validate:"required"`
	EndTime         string  `json:"end_time" validate:"required"`
	MaxParticipants int     `json:"max_participants" validate:"required,gt=0"`
	PriceOverride   *string `json:"price_override"`
}

// CancelOccurrenceRequest carries the studio's stated reason.
type CancelOccurrenceRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// =============================================================================
// OUTBOUND
// =============================================================================

// BookingDTO is the JSON shape of a booking.
type BookingDTO struct {
	ID            string  `json:"id"`
	Number        string  `json:"number"`
	MemberID      string  `json:"member_id"`
	CoachID       string  `json:"coach_id,omitempty"`
	CourseID      string  `json:"course_id"`
	StoreID       string  `json:"store_id,omitempty"`
	InstrumentID  string  `json:"instrument_id"`
	OccurrenceID  *string `json:"occurrence_id,omitempty"`
	Kind          string  `json:"kind"`
	StartTime     string  `json:"start_time"`
	EndTime       string  `json:"end_time"`
	Status        string  `json:"status"`
	Cost          *string `json:"cost,omitempty"`
	PaymentMethod *string `json:"payment_method,omitempty"`
	ChargedAt     *string `json:"charged_at,omitempty"`
	CheckedInAt   *string `json:"checked_in_at,omitempty"`
	CompletedAt   *string `json:"completed_at,omitempty"`
	CancelledAt   *string `json:"cancelled_at,omitempty"`
	CancelReason  string  `json:"cancel_reason,omitempty"`
	Rating        *int    `json:"rating,omitempty"`
	Review        *string `json:"review,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

// InstrumentDTO is the JSON shape of an entitlement instrument.
type InstrumentDTO struct {
	ID                string  `json:"id"`
	MemberID          string  `json:"member_id"`
	Kind              string  `json:"kind"`
	Billing           string  `json:"billing"`
	TotalSessions     *int    `json:"total_sessions,omitempty"`
	UsedSessions      int     `json:"used_sessions"`
	RemainingSessions *int    `json:"remaining_sessions,omitempty"`
	ValidityDays      int     `json:"validity_days,omitempty"`
	ActivatedAt       *string `json:"activated_at,omitempty"`
	ExpiresAt         *string `json:"expires_at,omitempty"`
	Status            string  `json:"status"`
	ParentID          *string `json:"parent_id,omitempty"`
}

// OccurrenceDTO is the JSON shape of a scheduled occurrence.
type OccurrenceDTO struct {
	ID                  string  `json:"id"`
	CourseID            string  `json:"course_id"`
	StoreID             string  `json:"store_id,omitempty"`
	CoachID             string  `json:"coach_id,omitempty"`
	StartTime           string  `json:"start_time"`
	EndTime             string  `json:"end_time"`
	MaxParticipants     int     `json:"max_participants"`
	CurrentParticipants int     `json:"current_participants"`
	Status              string  `json:"status"`
	PriceOverride       *string `json:"price_override,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

// toBookingDTO renders from a snapshot rather than the live aggregate:
// over the memory store a loaded booking is a shared pointer the charge
// sweeper may be transitioning at the same moment.
func toBookingDTO(b *booking.Booking) BookingDTO {
	snap := b.Snapshot()
	dto := BookingDTO{
		ID:           string(snap.ID),
		Number:       snap.Number,
		MemberID:     string(snap.MemberID),
		CoachID:      snap.CoachID,
		CourseID:     snap.CourseID,
		StoreID:      snap.StoreID,
		InstrumentID: string(snap.InstrumentID),
		Kind:         string(snap.Kind()),
		StartTime:    snap.StartTime.Format(time.RFC3339),
		EndTime:      snap.EndTime.Format(time.RFC3339),
		Status:       string(snap.Status),
		CancelReason: snap.CancelReason,
		Rating:       snap.Rating,
		Review:       snap.Review,
		CreatedAt:    snap.CreatedAt.Format(time.RFC3339),
	}
	if snap.OccurrenceID != nil {
		oid := string(*snap.OccurrenceID)
		dto.OccurrenceID = &oid
	}
	if snap.Cost != nil {
		c := snap.Cost.String()
		dto.Cost = &c
	}
	if snap.PaymentMethod != nil {
		pm := string(*snap.PaymentMethod)
		dto.PaymentMethod = &pm
	}
	dto.ChargedAt = formatOpt(snap.ChargedAt)
	dto.CheckedInAt = formatOpt(snap.CheckedInAt)
	dto.CompletedAt = formatOpt(snap.CompletedAt)
	dto.CancelledAt = formatOpt(snap.CancelledAt)
	return dto
}

func toBookingDTOs(bs []*booking.Booking) []BookingDTO {
	dtos := make([]BookingDTO, len(bs))
	for i, b := range bs {
		dtos[i] = toBookingDTO(b)
	}
	return dtos
}

func toInstrumentDTO(inst *entitlement.Instrument, now time.Time) InstrumentDTO {
	dto := InstrumentDTO{
		ID:           string(inst.ID),
		MemberID:     inst.MemberID,
		Kind:         string(inst.Kind),
		Billing:      string(inst.Billing),
		UsedSessions: inst.Used(),
		ValidityDays: inst.ValidityDays,
		Status:       string(inst.CurrentStatus(now)),
	}
	dto.TotalSessions = inst.TotalSessions
	if remaining, bounded := inst.Remaining(); bounded {
		dto.RemainingSessions = &remaining
	}
	dto.ActivatedAt = formatOpt(inst.ActivatedAt)
	dto.ExpiresAt = formatOpt(inst.ExpiresAt)
	if inst.ParentID != nil {
		pid := string(*inst.ParentID)
		dto.ParentID = &pid
	}
	return dto
}

func toOccurrenceDTO(occ *schedule.Occurrence) OccurrenceDTO {
	current, max := occ.Seats()
	dto := OccurrenceDTO{
		ID:                  string(occ.ID),
		CourseID:            occ.CourseID,
		StoreID:             occ.StoreID,
		CoachID:             occ.CoachID,
		StartTime:           occ.StartTime.Format(time.RFC3339),
		EndTime:             occ.EndTime.Format(time.RFC3339),
		MaxParticipants:     max,
		CurrentParticipants: current,
		Status:              string(occ.CurrentStatus()),
	}
	if occ.PriceOverride != nil {
		p := occ.PriceOverride.String()
		dto.PriceOverride = &p
	}
	return dto
}

func formatOpt(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
