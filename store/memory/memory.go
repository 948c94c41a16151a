// Package memory provides an in-memory booking.Store (for testing/dev).
package memory

import (
	"context"
	"sync"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/entitlement"
	"github.com/warp/booking-engine/schedule"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Store keeps every aggregate in maps guarded by one RWMutex. Loaded
// aggregates are shared pointers: per-aggregate locks inside Booking,
// Instrument, and Occurrence make the check-then-act transitions
// linearizable, which is what the concurrency tests exercise.
type Store struct {
	mu          sync.RWMutex
	bookings    map[booking.BookingID]*booking.Booking
	instruments map[entitlement.InstrumentID]*entitlement.Instrument
	occurrences map[schedule.OccurrenceID]*schedule.Occurrence
}

func New() *Store {
	return &Store{
		bookings:    make(map[booking.BookingID]*booking.Booking),
		instruments: make(map[entitlement.InstrumentID]*entitlement.Instrument),
		occurrences: make(map[schedule.OccurrenceID]*schedule.Occurrence),
	}
}

var _ booking.Store = (*Store)(nil)

// =============================================================================
// BOOKINGS
// =============================================================================

func (s *Store) GetBooking(_ context.Context, id booking.BookingID) (*booking.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bookings[id]
	if !ok {
		return nil, &booking.NotFoundError{Kind: "booking", ID: string(id)}
	}
	return b, nil
}

func (s *Store) SaveBooking(_ context.Context, b *booking.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookings[b.ID] = b
	return nil
}

func (s *Store) BookingsByMember(_ context.Context, memberID booking.MemberID) ([]*booking.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*booking.Booking
	for _, b := range s.bookings {
		if b.MemberID == memberID {
			result = append(result, b)
		}
	}
	return result, nil
}

func (s *Store) BookingsByOccurrence(_ context.Context, id schedule.OccurrenceID) ([]*booking.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*booking.Booking
	for _, b := range s.bookings {
		if b.OccurrenceID != nil && *b.OccurrenceID == id {
			result = append(result, b)
		}
	}
	return result, nil
}

func (s *Store) BookingsByStatus(_ context.Context, status booking.Status) ([]*booking.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*booking.Booking
	for _, b := range s.bookings {
		if b.CurrentStatus() == status {
			result = append(result, b)
		}
	}
	return result, nil
}

// =============================================================================
// INSTRUMENTS
// =============================================================================

func (s *Store) GetInstrument(_ context.Context, id entitlement.InstrumentID) (*entitlement.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[id]
	if !ok {
		return nil, &booking.NotFoundError{Kind: "instrument", ID: string(id)}
	}
	return inst, nil
}

func (s *Store) SaveInstrument(_ context.Context, inst *entitlement.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instruments[inst.ID] = inst
	return nil
}

// =============================================================================
// OCCURRENCES
// =============================================================================

func (s *Store) GetOccurrence(_ context.Context, id schedule.OccurrenceID) (*schedule.Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	occ, ok := s.occurrences[id]
	if !ok {
		return nil, &booking.NotFoundError{Kind: "occurrence", ID: string(id)}
	}
	return occ, nil
}

func (s *Store) SaveOccurrence(_ context.Context, occ *schedule.Occurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.occurrences[occ.ID] = occ
	return nil
}

// =============================================================================
// COMPOSITE SAVE
// =============================================================================

// SaveAggregates stores every non-nil aggregate under one lock hold.
// Map writes cannot fail, so the all-or-nothing contract is trivially
// met; shared pointers mean the writes are usually no-ops anyway.
func (s *Store) SaveAggregates(_ context.Context, b *booking.Booking, inst *entitlement.Instrument, occ *schedule.Occurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if occ != nil {
		s.occurrences[occ.ID] = occ
	}
	if inst != nil {
		s.instruments[inst.ID] = inst
	}
	if b != nil {
		s.bookings[b.ID] = b
	}
	return nil
}
