package sqlite_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/entitlement"
	"github.com/warp/booking-engine/schedule"
	"github.com/warp/booking-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	classStart = time.Date(2026, time.April, 10, 18, 0, 0, 0, time.UTC)
	classEnd   = classStart.Add(time.Hour)
	created    = classStart.Add(-48 * time.Hour)
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// =============================================================================
// BOOKINGS
// =============================================================================

func TestStore_BookingRoundTrip(t *testing.T) {
	// GIVEN: A fully populated booking
	// WHEN: Saved and loaded
	// THEN: Every field survives, including the nullable ones

	store := newTestStore(t)
	ctx := context.Background()

	occID := schedule.OccurrenceID("occ-1")
	cost := decimal.NewFromFloat(35.50)
	pm := booking.PaymentCardBalance
	charged := created.Add(time.Hour)
	rating := 4
	review := "solid class"
	reviewed := classEnd.Add(time.Hour)

	b := &booking.Booking{
		ID:            "bk-1",
		Number:        "BK-20260410-ABC123",
		MemberID:      "member-1",
		CoachID:       "coach-1",
		CourseID:      "course-1",
		StoreID:       "store-1",
		InstrumentID:  "inst-1",
		OccurrenceID:  &occID,
		StartTime:     classStart,
		EndTime:       classEnd,
		Status:        booking.StatusCompleted,
		Cost:          &cost,
		PaymentMethod: &pm,
		ChargedAt:     &charged,
		Rating:        &rating,
		Review:        &review,
		ReviewedAt:    &reviewed,
		CreatedAt:     created,
		UpdatedAt:     reviewed,
	}

	require.NoError(t, store.SaveBooking(ctx, b))

	got, err := store.GetBooking(ctx, "bk-1")
	require.NoError(t, err)

	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, b.Number, got.Number)
	assert.Equal(t, b.MemberID, got.MemberID)
	assert.Equal(t, b.InstrumentID, got.InstrumentID)
	require.NotNil(t, got.OccurrenceID)
	assert.Equal(t, occID, *got.OccurrenceID)
	assert.Equal(t, booking.KindGroup, got.Kind())
	assert.True(t, got.StartTime.Equal(classStart))
	assert.Equal(t, booking.StatusCompleted, got.CurrentStatus())
	require.NotNil(t, got.Cost)
	assert.True(t, cost.Equal(*got.Cost))
	require.NotNil(t, got.PaymentMethod)
	assert.Equal(t, pm, *got.PaymentMethod)
	require.NotNil(t, got.ChargedAt)
	assert.True(t, got.ChargedAt.Equal(charged))
	require.NotNil(t, got.Rating)
	assert.Equal(t, 4, *got.Rating)
	require.NotNil(t, got.Review)
	assert.Equal(t, review, *got.Review)
	assert.Nil(t, got.CancelledAt)
	assert.Nil(t, got.CheckedInAt)
}

func TestStore_BookingUpsertUpdatesStatus(t *testing.T) {
	// GIVEN: A saved pending booking
	// WHEN: Saved again with a new status
	// THEN: The load reflects the update, and the identity fields stand

	store := newTestStore(t)
	ctx := context.Background()

	b := &booking.Booking{
		ID:           "bk-1",
		Number:       "BK-20260410-ABC123",
		MemberID:     "member-1",
		CourseID:     "course-1",
		InstrumentID: "inst-1",
		StartTime:    classStart,
		EndTime:      classEnd,
		Status:       booking.StatusPending,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	require.NoError(t, store.SaveBooking(ctx, b))

	b.Status = booking.StatusConfirmed
	b.UpdatedAt = created.Add(time.Minute)
	require.NoError(t, store.SaveBooking(ctx, b))

	got, err := store.GetBooking(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, got.CurrentStatus())
	assert.Equal(t, "BK-20260410-ABC123", got.Number)
	assert.Equal(t, booking.KindPersonal, got.Kind(), "no occurrence reference means personal")
}

func TestStore_GetBooking_Missing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetBooking(context.Background(), "bk-missing")

	require.Error(t, err)
	assert.True(t, booking.IsNotFound(err))
	var nf *booking.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "booking", nf.Kind)
}

func TestStore_BookingQueries(t *testing.T) {
	// GIVEN: Three bookings across two members, two of them on one class
	// THEN: Each query slice returns exactly its own subset

	store := newTestStore(t)
	ctx := context.Background()

	occID := schedule.OccurrenceID("occ-1")
	save := func(id booking.BookingID, number string, member booking.MemberID, occ *schedule.OccurrenceID, status booking.Status) {
		require.NoError(t, store.SaveBooking(ctx, &booking.Booking{
			ID: id, Number: number, MemberID: member, CourseID: "course-1",
			InstrumentID: "inst-1", OccurrenceID: occ,
			StartTime: classStart, EndTime: classEnd,
			Status: status, CreatedAt: created, UpdatedAt: created,
		}))
	}

	save("bk-1", "BK-1", "member-a", &occID, booking.StatusConfirmed)
	save("bk-2", "BK-2", "member-a", nil, booking.StatusCharged)
	save("bk-3", "BK-3", "member-b", &occID, booking.StatusConfirmed)

	byMember, err := store.BookingsByMember(ctx, "member-a")
	require.NoError(t, err)
	assert.Len(t, byMember, 2)

	byOcc, err := store.BookingsByOccurrence(ctx, occID)
	require.NoError(t, err)
	assert.Len(t, byOcc, 2)

	byStatus, err := store.BookingsByStatus(ctx, booking.StatusConfirmed)
	require.NoError(t, err)
	assert.Len(t, byStatus, 2)
}

// =============================================================================
// INSTRUMENTS
// =============================================================================

func TestStore_InstrumentRoundTrip(t *testing.T) {
	// GIVEN: An activated session card with one debit and a parent
	// WHEN: Saved and loaded
	// THEN: Balance, expiry, and the parent reference survive

	store := newTestStore(t)
	ctx := context.Background()

	parent := entitlement.InstrumentID("inst-parent")
	inst := entitlement.New("inst-1", "member-1", entitlement.KindGroupClass, entitlement.BillingSession, created).
		WithSessions(10).
		WithValidity(90)
	inst.ParentID = &parent
	inst.Activate(created)
	require.NoError(t, inst.Use(created.Add(time.Hour)))

	require.NoError(t, store.SaveInstrument(ctx, inst))

	got, err := store.GetInstrument(ctx, "inst-1")
	require.NoError(t, err)

	assert.Equal(t, inst.ID, got.ID)
	assert.Equal(t, "member-1", got.MemberID)
	assert.Equal(t, entitlement.BillingSession, got.Billing)
	assert.Equal(t, 1, got.Used())
	remaining, bounded := got.Remaining()
	assert.True(t, bounded)
	assert.Equal(t, 9, remaining)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(created.AddDate(0, 0, 90)))
	require.NotNil(t, got.ParentID)
	assert.Equal(t, parent, *got.ParentID)
	assert.Equal(t, entitlement.StatusActive, got.CurrentStatus(created.Add(time.Hour)))
}

func TestStore_InstrumentUpsertTracksBalance(t *testing.T) {
	// GIVEN: A saved card
	// WHEN: Debited and saved again
	// THEN: The load sees the new balance and the auto-expired status

	store := newTestStore(t)
	ctx := context.Background()

	inst := entitlement.New("inst-1", "member-1", entitlement.KindPersonalTraining, entitlement.BillingSession, created).
		WithSessions(1)
	inst.Activate(created)
	require.NoError(t, store.SaveInstrument(ctx, inst))

	require.NoError(t, inst.Use(created.Add(time.Hour)))
	require.NoError(t, store.SaveInstrument(ctx, inst))

	got, err := store.GetInstrument(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Used())
	assert.Equal(t, entitlement.StatusExpired, got.CurrentStatus(created.Add(time.Hour)))
}

// =============================================================================
// OCCURRENCES
// =============================================================================

func TestStore_OccurrenceRoundTrip(t *testing.T) {
	// GIVEN: A class with reserved seats and a price override
	// WHEN: Saved and loaded
	// THEN: Seat counts, status, and price survive

	store := newTestStore(t)
	ctx := context.Background()

	price := decimal.NewFromInt(25)
	occ := schedule.New("occ-1", "course-1", classStart, classEnd, 12)
	occ.StoreID = "store-1"
	occ.CoachID = "coach-1"
	occ.PriceOverride = &price
	require.NoError(t, occ.ReserveSeat(created))
	require.NoError(t, occ.ReserveSeat(created))

	require.NoError(t, store.SaveOccurrence(ctx, occ))

	got, err := store.GetOccurrence(ctx, "occ-1")
	require.NoError(t, err)

	assert.Equal(t, occ.ID, got.ID)
	assert.Equal(t, "coach-1", got.CoachID)
	current, max := got.Seats()
	assert.Equal(t, 2, current)
	assert.Equal(t, 12, max)
	assert.Equal(t, schedule.StatusScheduled, got.CurrentStatus())
	require.NotNil(t, got.PriceOverride)
	assert.True(t, price.Equal(*got.PriceOverride))
	assert.True(t, got.StartTime.Equal(classStart))

	// A loaded copy keeps enforcing the capacity invariant.
	for i := 0; i < 10; i++ {
		require.NoError(t, got.ReserveSeat(created))
	}
	assert.ErrorIs(t, got.ReserveSeat(created), schedule.ErrSeatsFull)
}

// =============================================================================
// COORDINATOR OVER SQLITE
// =============================================================================

func TestStore_CoordinatorFlow(t *testing.T) {
	// The same attendance flow the memory store runs, against SQLite:
	// fresh copies per load, state carried entirely through the database.

	store := newTestStore(t)
	ctx := context.Background()

	inst := entitlement.New("inst-1", "member-1", entitlement.KindGroupClass, entitlement.BillingSession, created).
		WithSessions(10)
	inst.Activate(created)
	require.NoError(t, store.SaveInstrument(ctx, inst))
	require.NoError(t, store.SaveOccurrence(ctx, schedule.New("occ-1", "course-1", classStart, classEnd, 1)))

	coord := booking.NewCoordinator(store)
	now := created
	coord.Clock = func() time.Time { return now }

	occID := schedule.OccurrenceID("occ-1")
	b, err := coord.CreateBooking(ctx, booking.CreateBookingInput{
		MemberID:     "member-1",
		CourseID:     "course-1",
		InstrumentID: "inst-1",
		OccurrenceID: &occID,
	})
	require.NoError(t, err)

	_, err = coord.ConfirmBooking(ctx, b.ID)
	require.NoError(t, err)

	now = classStart.Add(-time.Hour)
	_, err = coord.ChargeBooking(ctx, b.ID)
	require.NoError(t, err)

	gotInst, err := store.GetInstrument(ctx, "inst-1")
	require.NoError(t, err)
	remaining, _ := gotInst.Remaining()
	assert.Equal(t, 9, remaining)

	gotOcc, err := store.GetOccurrence(ctx, "occ-1")
	require.NoError(t, err)
	current, _ := gotOcc.Seats()
	assert.Equal(t, 1, current)

	gotBooking, err := store.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCharged, gotBooking.CurrentStatus())
	require.NotNil(t, gotBooking.ChargedAt)
}

// =============================================================================
// VERSIONED SAVES
// =============================================================================

func TestStore_StaleSaveRejected(t *testing.T) {
	// GIVEN: Two independently loaded copies of one occurrence
	// WHEN: Both reserve a seat and save
	// THEN: The first save lands; the second is rejected as stale and
	//       changes nothing

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveOccurrence(ctx, schedule.New("occ-1", "course-1", classStart, classEnd, 5)))

	first, err := store.GetOccurrence(ctx, "occ-1")
	require.NoError(t, err)
	second, err := store.GetOccurrence(ctx, "occ-1")
	require.NoError(t, err)

	require.NoError(t, first.ReserveSeat(created))
	require.NoError(t, store.SaveOccurrence(ctx, first))

	require.NoError(t, second.ReserveSeat(created))
	err = store.SaveOccurrence(ctx, second)
	require.Error(t, err)
	assert.ErrorIs(t, err, booking.ErrStaleAggregate)
	var stale *booking.StaleAggregateError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, "occurrence", stale.Kind)

	got, err := store.GetOccurrence(ctx, "occ-1")
	require.NoError(t, err)
	current, _ := got.Seats()
	assert.Equal(t, 1, current, "the lost save must not land")
}

func TestStore_SaveAggregates_AllOrNothing(t *testing.T) {
	// GIVEN: A batch whose booking copy is stale but whose occurrence
	//        copy is fresh
	// WHEN: SaveAggregates runs
	// THEN: The whole batch rolls back; the seat reservation does not
	//       land without its booking

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveOccurrence(ctx, schedule.New("occ-1", "course-1", classStart, classEnd, 5)))
	require.NoError(t, store.SaveBooking(ctx, &booking.Booking{
		ID: "bk-1", Number: "BK-1", MemberID: "member-1", CourseID: "course-1",
		InstrumentID: "inst-1", StartTime: classStart, EndTime: classEnd,
		Status: booking.StatusConfirmed, CreatedAt: created, UpdatedAt: created,
	}))

	staleCopy, err := store.GetBooking(ctx, "bk-1")
	require.NoError(t, err)
	winner, err := store.GetBooking(ctx, "bk-1")
	require.NoError(t, err)

	winner.Status = booking.StatusCancelled
	require.NoError(t, store.SaveBooking(ctx, winner))

	occ, err := store.GetOccurrence(ctx, "occ-1")
	require.NoError(t, err)
	require.NoError(t, occ.ReserveSeat(created))

	staleCopy.Status = booking.StatusCharged
	err = store.SaveAggregates(ctx, staleCopy, nil, occ)
	assert.ErrorIs(t, err, booking.ErrStaleAggregate)

	gotOcc, err := store.GetOccurrence(ctx, "occ-1")
	require.NoError(t, err)
	current, _ := gotOcc.Seats()
	assert.Equal(t, 0, current, "the occurrence write must roll back with the batch")

	gotBooking, err := store.GetBooking(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCancelled, gotBooking.CurrentStatus())
}

func TestStore_ConcurrentCharges_LastSeatAdmitsOne(t *testing.T) {
	// GIVEN: A one-seat class with two confirmed bookings, each on its
	//        own card, persisted in SQLite
	// WHEN: Both charges race over detached copies
	// THEN: The versioned saves let exactly one land; the loser re-runs
	//       against the winning state and fails on capacity

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveOccurrence(ctx, schedule.New("occ-1", "course-1", classStart, classEnd, 1)))

	coord := booking.NewCoordinator(store)
	now := created
	coord.Clock = func() time.Time { return now }

	occID := schedule.OccurrenceID("occ-1")
	var ids []booking.BookingID
	for _, member := range []string{"member-a", "member-b"} {
		inst := entitlement.New(entitlement.InstrumentID("inst-"+member), member,
			entitlement.KindGroupClass, entitlement.BillingSession, created).
			WithSessions(10)
		inst.Activate(created)
		require.NoError(t, store.SaveInstrument(ctx, inst))

		b, err := coord.CreateBooking(ctx, booking.CreateBookingInput{
			MemberID:     booking.MemberID(member),
			CourseID:     "course-1",
			InstrumentID: inst.ID,
			OccurrenceID: &occID,
		})
		require.NoError(t, err)
		_, err = coord.ConfirmBooking(ctx, b.ID)
		require.NoError(t, err)
		ids = append(ids, b.ID)
	}

	now = classStart.Add(-time.Hour)

	results := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id booking.BookingID) {
			defer wg.Done()
			_, results[i] = coord.ChargeBooking(ctx, id)
		}(i, id)
	}
	wg.Wait()

	var succeeded, capacity int
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, booking.ErrCapacityExceeded):
			capacity++
		default:
			t.Fatalf("unexpected charge error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded, "one seat, one successful charge")
	assert.Equal(t, 1, capacity)

	gotOcc, err := store.GetOccurrence(ctx, occID)
	require.NoError(t, err)
	current, _ := gotOcc.Seats()
	assert.Equal(t, 1, current)

	charged, err := store.BookingsByStatus(ctx, booking.StatusCharged)
	require.NoError(t, err)
	assert.Len(t, charged, 1)
}
