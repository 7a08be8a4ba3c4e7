package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tutorhive/server/internal/booking"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrOptimisticLock is returned when an update's expected version no longer
// matches the stored row. Callers treat this as a retryable conflict.
var ErrOptimisticLock = errors.New("storage: optimistic lock conflict")

// ErrTimeConflict is returned when an insert or reschedule would overlap an
// existing non-terminal booking for the same tutor.
var ErrTimeConflict = errors.New("storage: conflicting booking window")

// ErrInsufficientFunds is returned when a wallet deduction would drive the
// balance negative.
var ErrInsufficientFunds = errors.New("storage: insufficient wallet funds")

// Store captures the persistence requirements for the booking lifecycle:
// bookings with optimistic-lock updates, the payment ledger, wallet
// arithmetic, webhook deduplication, and the scheduler's range queries.
//
// The database is the single source of truth. Time comparisons made by
// scheduler jobs use DBNow, not the worker's clock.
type Store interface {
	// Booking reads outside a transaction.
	GetBooking(ctx context.Context, id int64) (booking.Booking, error)

	// CreateBooking assigns an id and persists a new booking. The
	// time-conflict check and the insert run in one transaction so two
	// concurrent inserts of overlapping windows cannot both succeed.
	CreateBooking(ctx context.Context, b booking.Booking) (booking.Booking, error)

	// TimeConflictExists reports whether any non-terminal booking for the
	// tutor overlaps the half-open window [start, end), excluding excludeID.
	TimeConflictExists(ctx context.Context, tutorID int64, start, end time.Time, excludeID int64) (bool, error)

	// Transact runs fn inside one database transaction. A non-nil error
	// rolls everything back.
	Transact(ctx context.Context, fn func(tx Tx) error) error

	// DBNow reads the database clock.
	DBNow(ctx context.Context) (time.Time, error)

	// Scheduler range queries. Each returns booking ids ordered by urgency,
	// capped at limit, using the supplied (database) clock reading.
	RequestsDueForExpiry(ctx context.Context, olderThan time.Time, limit int) ([]int64, error)
	ScheduledReadyToStart(ctx context.Context, now time.Time, limit int) ([]int64, error)
	ActivePastEnd(ctx context.Context, endedBefore time.Time, limit int) ([]int64, error)
	ScheduledForReminder(ctx context.Context, windowStart, windowEnd time.Time, limit int) ([]int64, error)

	// Side-effect handles written by post-commit integrations. These do not
	// bump the version: they record external ids, not lifecycle changes.
	SetMeetingHandles(ctx context.Context, bookingID int64, meetingID, joinURL string) error
	SetCalendarEventID(ctx context.Context, bookingID int64, eventID string) error

	// Payment ledger reads.
	GetPayment(ctx context.Context, id int64) (Payment, error)
	GetPaymentByExternalSession(ctx context.Context, externalSessionID string) (Payment, error)
	GetPaymentByExternalIntent(ctx context.Context, externalIntentID string) (Payment, error)
	PaymentsForBooking(ctx context.Context, bookingID int64) ([]Payment, error)
	RefundsForPayment(ctx context.Context, paymentID int64) ([]Refund, error)

	// Wallet arithmetic. Mutations are atomic read-modify-write at the
	// storage layer; concurrent top-ups compose.
	WalletAdd(ctx context.Context, studentID int64, amountCents int64) (int64, error)
	WalletDeduct(ctx context.Context, studentID int64, amountCents int64) (int64, error)
	WalletBalance(ctx context.Context, studentID int64) (int64, error)

	// Webhook dedupe retention cleanup. Returns the number of rows removed.
	CleanupProcessedWebhooks(ctx context.Context, olderThan time.Time) (int64, error)

	// Availability data for the conflict check.
	SlotsForTutor(ctx context.Context, tutorID int64) ([]booking.AvailabilitySlot, error)
	BlackoutsForTutor(ctx context.Context, tutorID int64, from, to time.Time) ([]booking.Blackout, error)

	// Package accounting.
	GetPackage(ctx context.Context, id int64) (booking.Package, error)
	MarkExpiredPackages(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

// Tx is the transactional surface used by the orchestrator and webhook
// handlers: row-lock acquisition, version-checked updates, and ledger writes
// that must commit atomically with the booking change.
type Tx interface {
	// GetBookingForUpdate acquires an exclusive row lock held for the
	// lifetime of the transaction (SELECT ... FOR UPDATE semantics).
	GetBookingForUpdate(ctx context.Context, id int64) (booking.Booking, error)

	// UpdateBooking is an atomic compare-and-swap on version. Returns
	// ErrOptimisticLock when expectedVersion no longer matches.
	UpdateBooking(ctx context.Context, b booking.Booking, expectedVersion int64) (booking.Booking, error)

	// TimeConflictExists runs the overlap query inside this transaction so
	// check-then-update is not a TOCTOU race.
	TimeConflictExists(ctx context.Context, tutorID int64, start, end time.Time, excludeID int64) (bool, error)

	// RecordPayment persists a new payment row for a booking.
	RecordPayment(ctx context.Context, p Payment) (Payment, error)

	// CapturePayment moves a payment to CAPTURED. Idempotent: capturing an
	// already-captured payment with the same external intent id is a no-op.
	CapturePayment(ctx context.Context, paymentID int64, externalIntentID string) (Payment, error)

	// FailPayment moves a non-captured payment to FAILED. Capturing events
	// that already landed win: failing a captured payment is a no-op.
	FailPayment(ctx context.Context, paymentID int64) (Payment, error)

	// RecordRefund is idempotent on ExternalRefundID: a repeat returns the
	// existing row with wasExisting set.
	RecordRefund(ctx context.Context, r Refund) (refund Refund, wasExisting bool, err error)

	// RefundsForPayment lists the payment's refund rows inside this
	// transaction. Refund totals are computed here, after the booking row
	// lock, so a racing refund writer cannot be double-counted.
	RefundsForPayment(ctx context.Context, paymentID int64) ([]Refund, error)

	// MarkWebhookProcessed inserts the event id into the dedupe table.
	// Returns false without error when the event was already recorded.
	MarkWebhookProcessed(ctx context.Context, event ProcessedWebhook) (bool, error)

	WalletAdd(ctx context.Context, studentID int64, amountCents int64) (int64, error)
	WalletDeduct(ctx context.Context, studentID int64, amountCents int64) (int64, error)

	// DecrementPackage atomically consumes one session from a usable
	// package. Returns ErrNotFound when no session remains.
	DecrementPackage(ctx context.Context, packageID int64) (booking.Package, error)

	// Savepoint runs fn inside a savepoint: a failure rolls back fn's writes
	// only, leaving the enclosing transaction committable. Used where
	// persistence must succeed even if a sub-step fails.
	Savepoint(ctx context.Context, name string, fn func() error) error
}

// Config holds storage backend configuration.
type Config struct {
	Backend      string // "postgres" or "memory"
	PostgresURL  string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// New creates a Store instance based on the provided configuration.
func New(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "memory":
		// Memory backend loses all state on restart. Development and tests only.
		return NewMemoryStore(), nil
	case "postgres", "":
		return NewPostgresStore(cfg)
	default:
		return nil, errors.New("storage: unknown backend " + cfg.Backend)
	}
}

// DefaultQueryTimeout is the maximum time allowed for a single statement.
const DefaultQueryTimeout = 30 * time.Second

// withQueryTimeout wraps the context with the per-statement timeout unless
// the caller already set a tighter deadline.
func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultQueryTimeout)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
