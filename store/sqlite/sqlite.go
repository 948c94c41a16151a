/*
Package sqlite provides a SQLite-backed implementation of booking.Store.

PURPOSE:
  Persists bookings, entitlement instruments, and scheduled occurrences.
  In production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

CONCURRENCY:
  The store hands out fresh copies of each aggregate per load, so the
  per-aggregate locks inside Booking, Instrument, and Occurrence cannot
  serialize two operations the way they do over the memory store's
  shared pointers. Instead every row carries a version counter: a save
  only lands if the row still holds the version the aggregate was
  loaded with, and a lost race comes back as booking.ErrStaleAggregate
  for the coordinator to retry. This also covers writers in other
  processes sharing the database file. A sync.RWMutex additionally
  serializes statements within one process.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool with versioned migrations.

USAGE:
  store, err := sqlite.New("./data/bookings.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - booking/coordinator.go: the Store interface this implements
  - store/memory: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/entitlement"
	"github.com/warp/booking-engine/schedule"
)

// Store implements booking.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ booking.Store = (*Store)(nil)

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One pooled connection: ":memory:" databases are per-connection,
	// and SQLite permits a single writer at a time anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		member_id TEXT NOT NULL,
		coach_id TEXT,
		course_id TEXT NOT NULL,
		store_id TEXT,
		instrument_id TEXT NOT NULL,
		occurrence_id TEXT,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		status TEXT NOT NULL,
		cost TEXT,
		payment_method TEXT,
		charged_at TEXT,
		checked_in_at TEXT,
		completed_at TEXT,
		cancelled_at TEXT,
		reviewed_at TEXT,
		cancel_reason TEXT,
		rating INTEGER,
		review TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_bookings_member ON bookings(member_id);
	CREATE INDEX IF NOT EXISTS idx_bookings_occurrence ON bookings(occurrence_id);
	CREATE INDEX IF NOT EXISTS idx_bookings_status_start ON bookings(status, start_time);

	CREATE TABLE IF NOT EXISTS instruments (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		billing TEXT NOT NULL,
		total_sessions INTEGER,
		used_sessions INTEGER NOT NULL DEFAULT 0,
		validity_days INTEGER NOT NULL DEFAULT 0,
		purchased_at TEXT NOT NULL,
		activated_at TEXT,
		expires_at TEXT,
		status TEXT NOT NULL,
		parent_id TEXT,
		version INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_instruments_member ON instruments(member_id);

	CREATE TABLE IF NOT EXISTS occurrences (
		id TEXT PRIMARY KEY,
		course_id TEXT NOT NULL,
		store_id TEXT,
		coach_id TEXT,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		max_participants INTEGER NOT NULL,
		current_participants INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		price_override TEXT,
		version INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_occurrences_start ON occurrences(start_time);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// BOOKINGS
// =============================================================================

const bookingColumns = `id, number, member_id, coach_id, course_id, store_id,
	instrument_id, occurrence_id, start_time, end_time, status, cost,
	payment_method, charged_at, checked_in_at, completed_at, cancelled_at,
	reviewed_at, cancel_reason, rating, review, created_at, updated_at, version`

func (s *Store) GetBooking(ctx context.Context, id booking.BookingID) (*booking.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, string(id))
	b, err := scanBooking(row)
	if err == sql.ErrNoRows {
		return nil, &booking.NotFoundError{Kind: "booking", ID: string(id)}
	}
	return b, err
}

func (s *Store) SaveBooking(ctx context.Context, b *booking.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := execSaveBooking(ctx, s.db, b); err != nil {
		return err
	}
	b.Version++
	return nil
}

// execSaveBooking writes the row iff it still holds the version the
// aggregate was loaded with. A new row inserts cleanly; a version
// mismatch affects zero rows and is reported as a stale save.
func execSaveBooking(ctx context.Context, ex execer, b *booking.Booking) error {
	res, err := ex.ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			cost = excluded.cost,
			payment_method = excluded.payment_method,
			charged_at = excluded.charged_at,
			checked_in_at = excluded.checked_in_at,
			completed_at = excluded.completed_at,
			cancelled_at = excluded.cancelled_at,
			reviewed_at = excluded.reviewed_at,
			cancel_reason = excluded.cancel_reason,
			rating = excluded.rating,
			review = excluded.review,
			updated_at = excluded.updated_at,
			version = excluded.version
		WHERE bookings.version = excluded.version - 1`,
		string(b.ID), b.Number, string(b.MemberID), b.CoachID, b.CourseID, b.StoreID,
		string(b.InstrumentID), occurrenceIDValue(b.OccurrenceID),
		formatTime(b.StartTime), formatTime(b.EndTime), string(b.Status),
		decimalValue(b.Cost), paymentValue(b.PaymentMethod),
		timeValue(b.ChargedAt), timeValue(b.CheckedInAt), timeValue(b.CompletedAt),
		timeValue(b.CancelledAt), timeValue(b.ReviewedAt),
		b.CancelReason, intValue(b.Rating), stringValue(b.Review),
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt), b.Version+1)
	if err != nil {
		return err
	}
	return checkAffected(res, "booking", string(b.ID))
}

func (s *Store) BookingsByMember(ctx context.Context, memberID booking.MemberID) ([]*booking.Booking, error) {
	return s.queryBookings(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE member_id = ? ORDER BY start_time`,
		string(memberID))
}

func (s *Store) BookingsByOccurrence(ctx context.Context, id schedule.OccurrenceID) ([]*booking.Booking, error) {
	return s.queryBookings(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE occurrence_id = ? ORDER BY created_at`,
		string(id))
}

func (s *Store) BookingsByStatus(ctx context.Context, status booking.Status) ([]*booking.Booking, error) {
	return s.queryBookings(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE status = ? ORDER BY start_time`,
		string(status))
}

func (s *Store) queryBookings(ctx context.Context, query string, args ...any) ([]*booking.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*booking.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*booking.Booking, error) {
	var (
		b                                             booking.Booking
		id, memberID, instrumentID, status            string
		occurrenceID, cost, paymentMethod             sql.NullString
		startTime, endTime, createdAt, updatedAt      string
		chargedAt, checkedInAt, completedAt           sql.NullString
		cancelledAt, reviewedAt, cancelReason, review sql.NullString
		rating                                        sql.NullInt64
	)

	err := row.Scan(&id, &b.Number, &memberID, &b.CoachID, &b.CourseID, &b.StoreID,
		&instrumentID, &occurrenceID, &startTime, &endTime, &status, &cost,
		&paymentMethod, &chargedAt, &checkedInAt, &completedAt, &cancelledAt,
		&reviewedAt, &cancelReason, &rating, &review, &createdAt, &updatedAt,
		&b.Version)
	if err != nil {
		return nil, err
	}

	b.ID = booking.BookingID(id)
	b.MemberID = booking.MemberID(memberID)
	b.InstrumentID = entitlement.InstrumentID(instrumentID)
	b.Status = booking.Status(status)
	if occurrenceID.Valid {
		oid := schedule.OccurrenceID(occurrenceID.String)
		b.OccurrenceID = &oid
	}
	if b.StartTime, err = parseTime(startTime); err != nil {
		return nil, err
	}
	if b.EndTime, err = parseTime(endTime); err != nil {
		return nil, err
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if cost.Valid {
		d, err := decimal.NewFromString(cost.String)
		if err != nil {
			return nil, fmt.Errorf("booking %s: bad cost: %w", id, err)
		}
		b.Cost = &d
	}
	if paymentMethod.Valid {
		pm := booking.PaymentMethod(paymentMethod.String)
		b.PaymentMethod = &pm
	}
	if b.ChargedAt, err = parseNullTime(chargedAt); err != nil {
		return nil, err
	}
	if b.CheckedInAt, err = parseNullTime(checkedInAt); err != nil {
		return nil, err
	}
	if b.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if b.CancelledAt, err = parseNullTime(cancelledAt); err != nil {
		return nil, err
	}
	if b.ReviewedAt, err = parseNullTime(reviewedAt); err != nil {
		return nil, err
	}
	if cancelReason.Valid {
		b.CancelReason = cancelReason.String
	}
	if rating.Valid {
		r := int(rating.Int64)
		b.Rating = &r
	}
	if review.Valid {
		rv := review.String
		b.Review = &rv
	}
	return &b, nil
}

// =============================================================================
// INSTRUMENTS
// =============================================================================

func (s *Store) GetInstrument(ctx context.Context, id entitlement.InstrumentID) (*entitlement.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		inst                      entitlement.Instrument
		instID, kind, billing, st string
		totalSessions             sql.NullInt64
		purchasedAt               string
		activatedAt, expiresAt    sql.NullString
		parentID                  sql.NullString
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT id, member_id, kind, billing, total_sessions, used_sessions,
		       validity_days, purchased_at, activated_at, expires_at, status,
		       parent_id, version
		FROM instruments WHERE id = ?`, string(id)).
		Scan(&instID, &inst.MemberID, &kind, &billing, &totalSessions,
			&inst.UsedSessions, &inst.ValidityDays, &purchasedAt,
			&activatedAt, &expiresAt, &st, &parentID, &inst.Version)
	if err == sql.ErrNoRows {
		return nil, &booking.NotFoundError{Kind: "instrument", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}

	inst.ID = entitlement.InstrumentID(instID)
	inst.Kind = entitlement.Kind(kind)
	inst.Billing = entitlement.BillingType(billing)
	inst.Status = entitlement.Status(st)
	if totalSessions.Valid {
		n := int(totalSessions.Int64)
		inst.TotalSessions = &n
	}
	if inst.PurchasedAt, err = parseTime(purchasedAt); err != nil {
		return nil, err
	}
	if inst.ActivatedAt, err = parseNullTime(activatedAt); err != nil {
		return nil, err
	}
	if inst.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, err
	}
	if parentID.Valid {
		pid := entitlement.InstrumentID(parentID.String)
		inst.ParentID = &pid
	}
	return &inst, nil
}

func (s *Store) SaveInstrument(ctx context.Context, inst *entitlement.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := execSaveInstrument(ctx, s.db, inst); err != nil {
		return err
	}
	inst.Version++
	return nil
}

func execSaveInstrument(ctx context.Context, ex execer, inst *entitlement.Instrument) error {
	var totalSessions any
	if inst.TotalSessions != nil {
		totalSessions = *inst.TotalSessions
	}
	var parentID any
	if inst.ParentID != nil {
		parentID = string(*inst.ParentID)
	}

	res, err := ex.ExecContext(ctx, `
		INSERT INTO instruments (id, member_id, kind, billing, total_sessions,
			used_sessions, validity_days, purchased_at, activated_at, expires_at,
			status, parent_id, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			used_sessions = excluded.used_sessions,
			activated_at = excluded.activated_at,
			expires_at = excluded.expires_at,
			status = excluded.status,
			version = excluded.version
		WHERE instruments.version = excluded.version - 1`,
		string(inst.ID), inst.MemberID, string(inst.Kind), string(inst.Billing),
		totalSessions, inst.UsedSessions, inst.ValidityDays,
		formatTime(inst.PurchasedAt), timeValue(inst.ActivatedAt),
		timeValue(inst.ExpiresAt), string(inst.Status), parentID, inst.Version+1)
	if err != nil {
		return err
	}
	return checkAffected(res, "instrument", string(inst.ID))
}

// =============================================================================
// OCCURRENCES
// =============================================================================

func (s *Store) GetOccurrence(ctx context.Context, id schedule.OccurrenceID) (*schedule.Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		occ                schedule.Occurrence
		occID, status      string
		startTime, endTime string
		priceOverride      sql.NullString
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT id, course_id, store_id, coach_id, start_time, end_time,
		       max_participants, current_participants, status, price_override,
		       version
		FROM occurrences WHERE id = ?`, string(id)).
		Scan(&occID, &occ.CourseID, &occ.StoreID, &occ.CoachID, &startTime,
			&endTime, &occ.MaxParticipants, &occ.CurrentParticipants, &status,
			&priceOverride, &occ.Version)
	if err == sql.ErrNoRows {
		return nil, &booking.NotFoundError{Kind: "occurrence", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}

	occ.ID = schedule.OccurrenceID(occID)
	occ.Status = schedule.Status(status)
	if occ.StartTime, err = parseTime(startTime); err != nil {
		return nil, err
	}
	if occ.EndTime, err = parseTime(endTime); err != nil {
		return nil, err
	}
	if priceOverride.Valid {
		d, err := decimal.NewFromString(priceOverride.String)
		if err != nil {
			return nil, fmt.Errorf("occurrence %s: bad price override: %w", occID, err)
		}
		occ.PriceOverride = &d
	}
	return &occ, nil
}

func (s *Store) SaveOccurrence(ctx context.Context, occ *schedule.Occurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := execSaveOccurrence(ctx, s.db, occ); err != nil {
		return err
	}
	occ.Version++
	return nil
}

func execSaveOccurrence(ctx context.Context, ex execer, occ *schedule.Occurrence) error {
	current, max := occ.Seats()
	res, err := ex.ExecContext(ctx, `
		INSERT INTO occurrences (id, course_id, store_id, coach_id, start_time,
			end_time, max_participants, current_participants, status,
			price_override, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			current_participants = excluded.current_participants,
			status = excluded.status,
			price_override = excluded.price_override,
			version = excluded.version
		WHERE occurrences.version = excluded.version - 1`,
		string(occ.ID), occ.CourseID, occ.StoreID, occ.CoachID,
		formatTime(occ.StartTime), formatTime(occ.EndTime),
		max, current, string(occ.CurrentStatus()), decimalValue(occ.PriceOverride),
		occ.Version+1)
	if err != nil {
		return err
	}
	return checkAffected(res, "occurrence", string(occ.ID))
}

// =============================================================================
// COMPOSITE SAVE
// =============================================================================

// SaveAggregates writes every non-nil aggregate in one transaction. Any
// stale version aborts the whole batch, so a seat reservation can never
// land without its paired debit and charged booking.
func (s *Store) SaveAggregates(ctx context.Context, b *booking.Booking, inst *entitlement.Instrument, occ *schedule.Occurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if occ != nil {
		if err := execSaveOccurrence(ctx, tx, occ); err != nil {
			return err
		}
	}
	if inst != nil {
		if err := execSaveInstrument(ctx, tx, inst); err != nil {
			return err
		}
	}
	if b != nil {
		if err := execSaveBooking(ctx, tx, b); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	// Versions advance only once the batch is durable.
	if occ != nil {
		occ.Version++
	}
	if inst != nil {
		inst.Version++
	}
	if b != nil {
		b.Version++
	}
	return nil
}

// =============================================================================
// SCAN/VALUE HELPERS
// =============================================================================

// execer abstracts *sql.DB and *sql.Tx so the versioned save statements
// run standalone or inside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func checkAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &booking.StaleAggregateError{Kind: kind, ID: id}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func timeValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func decimalValue(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func paymentValue(pm *booking.PaymentMethod) any {
	if pm == nil {
		return nil
	}
	return string(*pm)
}

func occurrenceIDValue(id *schedule.OccurrenceID) any {
	if id == nil {
		return nil
	}
	return string(*id)
}

func intValue(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func stringValue(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
