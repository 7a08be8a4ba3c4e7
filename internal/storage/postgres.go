package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tutorhive/server/internal/booking"
	"github.com/tutorhive/server/internal/metrics"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db      *sql.DB
	ownsDB  bool
	metrics *metrics.Metrics
}

// SetMetrics enables query timing instrumentation. Safe to leave unset.
func (s *PostgresStore) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(cfg Config) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		// Close() error during initialization cleanup is not actionable; the
		// connection failure is the error worth returning.
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnLifetime)
	}

	store := &PostgresStore{db: db, ownsDB: true}
	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB creates a store over an existing connection pool,
// allowing a single pool to be shared across stores.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db, ownsDB: false}
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) createTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS bookings (
			id BIGSERIAL PRIMARY KEY,
			version BIGINT NOT NULL DEFAULT 1,
			student_id BIGINT NOT NULL,
			tutor_id BIGINT NOT NULL,
			tutor_profile_id BIGINT NOT NULL,
			start_at TIMESTAMPTZ NOT NULL,
			end_at TIMESTAMPTZ NOT NULL,
			timezone TEXT NOT NULL,
			session_state TEXT NOT NULL,
			session_outcome TEXT,
			payment_state TEXT NOT NULL,
			dispute_state TEXT NOT NULL DEFAULT 'NONE',
			amount_cents BIGINT NOT NULL,
			currency TEXT NOT NULL,
			platform_fee_cents BIGINT NOT NULL DEFAULT 0,
			meeting_id TEXT NOT NULL DEFAULT '',
			join_url TEXT NOT NULL DEFAULT '',
			calendar_event_id TEXT NOT NULL DEFAULT '',
			checkout_session_id TEXT NOT NULL DEFAULT '',
			payment_intent_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			confirmed_at TIMESTAMPTZ,
			cancelled_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ,
			cancel_reason TEXT NOT NULL DEFAULT '',
			cancelled_by TEXT,
			deleted_at TIMESTAMPTZ,
			deleted_by TEXT,
			package_id BIGINT NOT NULL DEFAULT 0,
			CONSTRAINT booking_window CHECK (start_at < end_at)
		);
		CREATE INDEX IF NOT EXISTS idx_bookings_tutor_window
			ON bookings (tutor_id, start_at, end_at)
			WHERE session_state NOT IN ('CANCELLED','EXPIRED','ENDED') AND deleted_at IS NULL;
		CREATE INDEX IF NOT EXISTS idx_bookings_state ON bookings (session_state);

		CREATE TABLE IF NOT EXISTS payments (
			id BIGSERIAL PRIMARY KEY,
			booking_id BIGINT NOT NULL REFERENCES bookings(id),
			external_session_id TEXT NOT NULL DEFAULT '',
			external_intent_id TEXT NOT NULL DEFAULT '',
			amount_cents BIGINT NOT NULL,
			currency TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_payments_booking ON payments (booking_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_external_session
			ON payments (external_session_id) WHERE external_session_id <> '';

		CREATE TABLE IF NOT EXISTS refunds (
			id BIGSERIAL PRIMARY KEY,
			payment_id BIGINT NOT NULL REFERENCES payments(id),
			booking_id BIGINT NOT NULL REFERENCES bookings(id),
			external_refund_id TEXT NOT NULL UNIQUE,
			amount_cents BIGINT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			failed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_refunds_payment ON refunds (payment_id);

		CREATE TABLE IF NOT EXISTS wallets (
			student_id BIGINT PRIMARY KEY,
			credit_balance_cents BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT wallet_non_negative CHECK (credit_balance_cents >= 0)
		);

		CREATE TABLE IF NOT EXISTS processed_webhooks (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			received_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS availability_slots (
			id BIGSERIAL PRIMARY KEY,
			tutor_id BIGINT NOT NULL,
			weekday INT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			timezone TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_slots_tutor ON availability_slots (tutor_id);

		CREATE TABLE IF NOT EXISTS blackouts (
			id BIGSERIAL PRIMARY KEY,
			tutor_id BIGINT NOT NULL,
			start_at TIMESTAMPTZ NOT NULL,
			end_at TIMESTAMPTZ NOT NULL,
			reason TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_blackouts_tutor ON blackouts (tutor_id, start_at);

		CREATE TABLE IF NOT EXISTS packages (
			id BIGSERIAL PRIMARY KEY,
			student_id BIGINT NOT NULL,
			tutor_id BIGINT NOT NULL,
			total_sessions INT NOT NULL,
			remaining_sessions INT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			expired BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

const bookingColumns = `id, version, student_id, tutor_id, tutor_profile_id, start_at, end_at, timezone,
	session_state, session_outcome, payment_state, dispute_state,
	amount_cents, currency, platform_fee_cents,
	meeting_id, join_url, calendar_event_id, checkout_session_id, payment_intent_id,
	created_at, updated_at, confirmed_at, cancelled_at, ended_at,
	cancel_reason, cancelled_by, deleted_at, deleted_by, package_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (booking.Booking, error) {
	var b booking.Booking
	var outcome, cancelledBy, deletedBy sql.NullString
	var confirmedAt, cancelledAt, endedAt, deletedAt sql.NullTime
	err := row.Scan(
		&b.ID, &b.Version, &b.StudentID, &b.TutorID, &b.TutorProfileID,
		&b.Start, &b.End, &b.Timezone,
		&b.SessionState, &outcome, &b.PaymentState, &b.DisputeState,
		&b.AmountCents, &b.Currency, &b.PlatformFeeCents,
		&b.MeetingID, &b.JoinURL, &b.CalendarEventID, &b.CheckoutSessionID, &b.PaymentIntentID,
		&b.CreatedAt, &b.UpdatedAt, &confirmedAt, &cancelledAt, &endedAt,
		&b.CancelReason, &cancelledBy, &deletedAt, &deletedBy, &b.PackageID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return booking.Booking{}, ErrNotFound
		}
		return booking.Booking{}, fmt.Errorf("scan booking: %w", err)
	}
	if outcome.Valid {
		o := booking.SessionOutcome(outcome.String)
		b.Outcome = &o
	}
	if cancelledBy.Valid {
		r := booking.Role(cancelledBy.String)
		b.CancelledBy = &r
	}
	if deletedBy.Valid {
		r := booking.Role(deletedBy.String)
		b.DeletedBy = &r
	}
	b.ConfirmedAt = timePtr(confirmedAt)
	b.CancelledAt = timePtr(cancelledAt)
	b.EndedAt = timePtr(endedAt)
	b.DeletedAt = timePtr(deletedAt)
	b.Start = b.Start.UTC()
	b.End = b.End.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func (s *PostgresStore) GetBooking(ctx context.Context, id int64) (booking.Booking, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_booking", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanBooking(row)
}

// conflictQuery implements the overlap rule: existing.start < new.end AND
// existing.end > new.start, excluding terminal and soft-deleted rows.
const conflictQuery = `
	SELECT EXISTS (
		SELECT 1 FROM bookings
		WHERE tutor_id = $1
		  AND start_at < $3 AND end_at > $2
		  AND session_state NOT IN ('CANCELLED','EXPIRED','ENDED')
		  AND deleted_at IS NULL
		  AND id <> $4
	)`

func (s *PostgresStore) TimeConflictExists(ctx context.Context, tutorID int64, start, end time.Time, excludeID int64) (bool, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	var exists bool
	if err := s.db.QueryRowContext(ctx, conflictQuery, tutorID, start, end, excludeID).Scan(&exists); err != nil {
		return false, fmt.Errorf("conflict query: %w", err)
	}
	return exists, nil
}

// CreateBooking checks the tutor's window and inserts in one transaction.
// The tutor's non-terminal rows are locked first so two concurrent inserts
// of overlapping windows serialize instead of both passing the check.
func (s *PostgresStore) CreateBooking(ctx context.Context, b booking.Booking) (booking.Booking, error) {
	defer metrics.MeasureDBQuery(s.metrics, "create_booking", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return booking.Booking{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the tutor's candidate rows, then re-check the overlap.
	if _, err := tx.ExecContext(ctx, `
		SELECT id FROM bookings
		WHERE tutor_id = $1
		  AND session_state NOT IN ('CANCELLED','EXPIRED','ENDED')
		  AND deleted_at IS NULL
		FOR UPDATE`, b.TutorID); err != nil {
		return booking.Booking{}, fmt.Errorf("lock tutor rows: %w", err)
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, conflictQuery, b.TutorID, b.Start, b.End, int64(0)).Scan(&exists); err != nil {
		return booking.Booking{}, fmt.Errorf("conflict query: %w", err)
	}
	if exists {
		return booking.Booking{}, ErrTimeConflict
	}

	var outcome, cancelledBy, deletedBy sql.NullString
	if b.Outcome != nil {
		outcome = sql.NullString{String: string(*b.Outcome), Valid: true}
	}
	if b.CancelledBy != nil {
		cancelledBy = sql.NullString{String: string(*b.CancelledBy), Valid: true}
	}
	if b.DeletedBy != nil {
		deletedBy = sql.NullString{String: string(*b.DeletedBy), Valid: true}
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO bookings (
			version, student_id, tutor_id, tutor_profile_id, start_at, end_at, timezone,
			session_state, session_outcome, payment_state, dispute_state,
			amount_cents, currency, platform_fee_cents,
			meeting_id, join_url, calendar_event_id, checkout_session_id, payment_intent_id,
			created_at, updated_at, confirmed_at, cancelled_at, ended_at,
			cancel_reason, cancelled_by, deleted_at, deleted_by, package_id
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29
		) RETURNING id`,
		b.Version, b.StudentID, b.TutorID, b.TutorProfileID, b.Start, b.End, b.Timezone,
		b.SessionState, outcome, b.PaymentState, b.DisputeState,
		b.AmountCents, b.Currency, b.PlatformFeeCents,
		b.MeetingID, b.JoinURL, b.CalendarEventID, b.CheckoutSessionID, b.PaymentIntentID,
		b.CreatedAt, b.UpdatedAt, nullTime(b.ConfirmedAt), nullTime(b.CancelledAt), nullTime(b.EndedAt),
		b.CancelReason, cancelledBy, nullTime(b.DeletedAt), deletedBy, b.PackageID,
	).Scan(&b.ID)
	if err != nil {
		return booking.Booking{}, fmt.Errorf("insert booking: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return booking.Booking{}, fmt.Errorf("commit: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) Transact(ctx context.Context, fn func(tx Tx) error) error {
	defer metrics.MeasureDBQuery(s.metrics, "transact", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	ptx := &postgresTx{tx: tx, ctx: ctx}
	if err := fn(ptx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) DBNow(ctx context.Context) (time.Time, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	var now time.Time
	if err := s.db.QueryRowContext(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("db clock: %w", err)
	}
	return now.UTC(), nil
}

func (s *PostgresStore) RequestsDueForExpiry(ctx context.Context, olderThan time.Time, limit int) ([]int64, error) {
	return s.idQuery(ctx, `
		SELECT id FROM bookings
		WHERE session_state = 'REQUESTED' AND created_at < $1 AND deleted_at IS NULL
		ORDER BY created_at ASC LIMIT $2`, olderThan, limit)
}

func (s *PostgresStore) ScheduledReadyToStart(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	return s.idQuery(ctx, `
		SELECT id FROM bookings
		WHERE session_state = 'SCHEDULED' AND start_at <= $1 AND deleted_at IS NULL
		ORDER BY start_at ASC LIMIT $2`, now, limit)
}

func (s *PostgresStore) ActivePastEnd(ctx context.Context, endedBefore time.Time, limit int) ([]int64, error) {
	return s.idQuery(ctx, `
		SELECT id FROM bookings
		WHERE session_state = 'ACTIVE' AND end_at <= $1 AND deleted_at IS NULL
		ORDER BY end_at ASC LIMIT $2`, endedBefore, limit)
}

func (s *PostgresStore) ScheduledForReminder(ctx context.Context, windowStart, windowEnd time.Time, limit int) ([]int64, error) {
	return s.idQuery(ctx, `
		SELECT id FROM bookings
		WHERE session_state = 'SCHEDULED' AND start_at >= $1 AND start_at < $2 AND deleted_at IS NULL
		ORDER BY start_at ASC LIMIT $3`, windowStart, windowEnd, limit)
}

func (s *PostgresStore) idQuery(ctx context.Context, query string, args ...any) ([]int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("range query: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) SetMeetingHandles(ctx context.Context, bookingID int64, meetingID, joinURL string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE bookings SET meeting_id = $2, join_url = $3 WHERE id = $1`, bookingID, meetingID, joinURL)
	return err
}

func (s *PostgresStore) SetCalendarEventID(ctx context.Context, bookingID int64, eventID string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE bookings SET calendar_event_id = $2 WHERE id = $1`, bookingID, eventID)
	return err
}

const paymentColumns = `id, booking_id, external_session_id, external_intent_id, amount_cents, currency, state, created_at`

func scanPayment(row rowScanner) (Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.BookingID, &p.ExternalSessionID, &p.ExternalIntentID,
		&p.AmountCents, &p.Currency, &p.State, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("scan payment: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func (s *PostgresStore) GetPayment(ctx context.Context, id int64) (Payment, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return scanPayment(s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

func (s *PostgresStore) GetPaymentByExternalSession(ctx context.Context, externalSessionID string) (Payment, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return scanPayment(s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE external_session_id = $1`, externalSessionID))
}

func (s *PostgresStore) GetPaymentByExternalIntent(ctx context.Context, externalIntentID string) (Payment, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return scanPayment(s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE external_intent_id = $1 ORDER BY id DESC LIMIT 1`, externalIntentID))
}

func (s *PostgresStore) PaymentsForBooking(ctx context.Context, bookingID int64) ([]Payment, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE booking_id = $1 ORDER BY created_at ASC`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("payments query: %w", err)
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RefundsForPayment(ctx context.Context, paymentID int64) ([]Refund, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payment_id, booking_id, external_refund_id, amount_cents, reason, failed, created_at
		FROM refunds WHERE payment_id = $1 ORDER BY created_at ASC`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("refunds query: %w", err)
	}
	defer rows.Close()
	var out []Refund
	for rows.Next() {
		var r Refund
		if err := rows.Scan(&r.ID, &r.PaymentID, &r.BookingID, &r.ExternalRefundID,
			&r.AmountCents, &r.Reason, &r.Failed, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan refund: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// WalletAdd uses store-side arithmetic so concurrent top-ups compose.
// Never read-object-then-assign.
func (s *PostgresStore) WalletAdd(ctx context.Context, studentID int64, amountCents int64) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return walletAdd(ctx, s.db, studentID, amountCents)
}

func (s *PostgresStore) WalletDeduct(ctx context.Context, studentID int64, amountCents int64) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return walletDeduct(ctx, s.db, studentID, amountCents)
}

func (s *PostgresStore) WalletBalance(ctx context.Context, studentID int64) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT credit_balance_cents FROM wallets WHERE student_id = $1`, studentID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

// execer covers both *sql.DB and *sql.Tx so wallet arithmetic is shared
// between the store and the transactional surface.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func walletAdd(ctx context.Context, db execer, studentID int64, amountCents int64) (int64, error) {
	var balance int64
	err := db.QueryRowContext(ctx, `
		INSERT INTO wallets (student_id, credit_balance_cents, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (student_id) DO UPDATE
			SET credit_balance_cents = wallets.credit_balance_cents + $2, updated_at = now()
		RETURNING credit_balance_cents`, studentID, amountCents).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("wallet add: %w", err)
	}
	return balance, nil
}

func walletDeduct(ctx context.Context, db execer, studentID int64, amountCents int64) (int64, error) {
	var balance int64
	err := db.QueryRowContext(ctx, `
		UPDATE wallets
		SET credit_balance_cents = credit_balance_cents - $2, updated_at = now()
		WHERE student_id = $1 AND credit_balance_cents >= $2
		RETURNING credit_balance_cents`, studentID, amountCents).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrInsufficientFunds
	}
	if err != nil {
		return 0, fmt.Errorf("wallet deduct: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) CleanupProcessedWebhooks(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_webhooks WHERE received_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("webhook cleanup: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) SlotsForTutor(ctx context.Context, tutorID int64) ([]booking.AvailabilitySlot, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tutor_id, weekday, start_time, end_time, timezone
		FROM availability_slots WHERE tutor_id = $1`, tutorID)
	if err != nil {
		return nil, fmt.Errorf("slots query: %w", err)
	}
	defer rows.Close()
	var out []booking.AvailabilitySlot
	for rows.Next() {
		var slot booking.AvailabilitySlot
		var weekday int
		if err := rows.Scan(&slot.ID, &slot.TutorID, &weekday, &slot.Start, &slot.End, &slot.Timezone); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		slot.Weekday = time.Weekday(weekday)
		out = append(out, slot)
	}
	return out, rows.Err()
}

func (s *PostgresStore) BlackoutsForTutor(ctx context.Context, tutorID int64, from, to time.Time) ([]booking.Blackout, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tutor_id, start_at, end_at, reason
		FROM blackouts WHERE tutor_id = $1 AND start_at < $3 AND end_at > $2`, tutorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("blackouts query: %w", err)
	}
	defer rows.Close()
	var out []booking.Blackout
	for rows.Next() {
		var bl booking.Blackout
		if err := rows.Scan(&bl.ID, &bl.TutorID, &bl.Start, &bl.End, &bl.Reason); err != nil {
			return nil, fmt.Errorf("scan blackout: %w", err)
		}
		out = append(out, bl)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPackage(ctx context.Context, id int64) (booking.Package, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	var p booking.Package
	err := s.db.QueryRowContext(ctx, `
		SELECT id, student_id, tutor_id, total_sessions, remaining_sessions, expires_at, expired, created_at
		FROM packages WHERE id = $1`, id).
		Scan(&p.ID, &p.StudentID, &p.TutorID, &p.TotalSessions, &p.RemainingSessions, &p.ExpiresAt, &p.Expired, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return booking.Package{}, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) MarkExpiredPackages(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`UPDATE packages SET expired = TRUE WHERE expired = FALSE AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("mark expired packages: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// isUniqueViolation reports whether err is a Postgres unique-constraint error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
