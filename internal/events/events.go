package events

import (
	"time"

	"github.com/tutorhive/server/internal/booking"
)

// Event is implemented by every domain event the dispatcher carries.
type Event interface {
	EventName() string
}

// BookingCreated fires after a new request row commits.
type BookingCreated struct {
	Booking booking.Booking
}

// BookingConfirmed fires after a request transitions to SCHEDULED with
// payment captured.
type BookingConfirmed struct {
	Booking booking.Booking
}

// BookingCancelled fires on any cancellation, whoever initiated it.
type BookingCancelled struct {
	Booking booking.Booking
	By      booking.Role
	Reason  string
}

// BookingExpired fires when the request-expiry job times out a stale request.
type BookingExpired struct {
	Booking booking.Booking
}

// BookingRescheduled fires when a scheduled session moves to a new window.
type BookingRescheduled struct {
	Booking  booking.Booking
	OldStart time.Time
	OldEnd   time.Time
}

// SessionStarted fires when a scheduled session goes ACTIVE.
type SessionStarted struct {
	Booking booking.Booking
}

// SessionEnded fires when a session reaches ENDED with its outcome set.
type SessionEnded struct {
	Booking booking.Booking
	Outcome booking.SessionOutcome
}

// PaymentCaptured fires after the ledger records a successful capture.
type PaymentCaptured struct {
	BookingID   int64
	PaymentID   int64
	AmountCents int64
	Currency    string
}

// RefundIssued fires after a refund is recorded, replays excluded.
type RefundIssued struct {
	BookingID   int64
	PaymentID   int64
	AmountCents int64
	Reason      string
}

// DisputeOpened fires when a party opens a dispute on an ended session.
type DisputeOpened struct {
	Booking booking.Booking
	By      booking.Role
	Reason  string
}

// DisputeResolved fires on admin resolution, with the money split applied.
type DisputeResolved struct {
	Booking     booking.Booking
	Resolution  booking.DisputeState
	RefundCents int64
	PayoutCents int64
}

func (BookingCreated) EventName() string     { return "booking.created" }
func (BookingConfirmed) EventName() string   { return "booking.confirmed" }
func (BookingCancelled) EventName() string   { return "booking.cancelled" }
func (BookingExpired) EventName() string     { return "booking.expired" }
func (BookingRescheduled) EventName() string { return "booking.rescheduled" }
func (SessionStarted) EventName() string     { return "session.started" }
func (SessionEnded) EventName() string       { return "session.ended" }
func (PaymentCaptured) EventName() string    { return "payment.captured" }
func (RefundIssued) EventName() string       { return "refund.issued" }
func (DisputeOpened) EventName() string      { return "dispute.opened" }
func (DisputeResolved) EventName() string    { return "dispute.resolved" }
