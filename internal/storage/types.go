package storage

import (
	"time"

	"github.com/tutorhive/server/internal/booking"
)

// PaymentState on a ledger row mirrors the subset of the booking's payment
// state that an individual charge can occupy.
const (
	PaymentRowPending  = booking.PaymentPending
	PaymentRowCaptured = booking.PaymentCaptured
	PaymentRowRefunded = booking.PaymentRefunded
	PaymentRowFailed   = booking.PaymentFailed
)

// Payment is one charge record for a booking. A booking may accrue several
// payment rows over its lifetime (retries, authorize-then-capture) but only
// one is CAPTURED at a time.
type Payment struct {
	ID                int64
	BookingID         int64
	ExternalSessionID string // provider checkout session id
	ExternalIntentID  string // provider payment intent id; idempotency key for capture
	AmountCents       int64
	Currency          string
	State             booking.PaymentState
	CreatedAt         time.Time
}

// Refund is a partial or full reversal of a payment. ExternalRefundID is the
// idempotency key: recording the same id twice returns the original row.
type Refund struct {
	ID               int64
	PaymentID        int64
	BookingID        int64
	ExternalRefundID string
	AmountCents      int64
	Reason           string
	Failed           bool
	CreatedAt        time.Time
}

// ProcessedWebhook records a handled external event id. Replays of the same
// event id become no-ops. Rows are retained long enough to cover the
// provider's replay window, then reaped by the cleanup job.
type ProcessedWebhook struct {
	EventID    string
	EventType  string
	OccurredAt time.Time // provider's logical timestamp, for stale-event checks
	ReceivedAt time.Time
}

// Wallet is a per-student credit balance in the platform currency. All
// mutation happens through atomic arithmetic at the storage layer; the
// struct exists for reads and reporting only.
type Wallet struct {
	StudentID          int64
	CreditBalanceCents int64
	UpdatedAt          time.Time
}
