package booking

import (
	"time"
)

// SessionState is the primary lifecycle state of a booking.
type SessionState string

const (
	SessionRequested SessionState = "REQUESTED"
	SessionScheduled SessionState = "SCHEDULED"
	SessionActive    SessionState = "ACTIVE"
	SessionEnded     SessionState = "ENDED"
	SessionCancelled SessionState = "CANCELLED"
	SessionExpired   SessionState = "EXPIRED"
)

// IsTerminal reports whether the state admits no outgoing transitions.
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionEnded, SessionCancelled, SessionExpired:
		return true
	}
	return false
}

// SessionOutcome records why a session ended. Non-nil only when the
// session state is ENDED.
type SessionOutcome string

const (
	OutcomeCompleted     SessionOutcome = "COMPLETED"
	OutcomeNoShowStudent SessionOutcome = "NO_SHOW_STUDENT"
	OutcomeNoShowTutor   SessionOutcome = "NO_SHOW_TUTOR"
	OutcomeAbandoned     SessionOutcome = "ABANDONED"
)

// PaymentState tracks the charge lifecycle for a booking.
type PaymentState string

const (
	PaymentPending           PaymentState = "PENDING"
	PaymentAuthorized        PaymentState = "AUTHORIZED"
	PaymentCaptured          PaymentState = "CAPTURED"
	PaymentRefunded          PaymentState = "REFUNDED"
	PaymentPartiallyRefunded PaymentState = "PARTIALLY_REFUNDED"
	PaymentFailed            PaymentState = "FAILED"
)

// DisputeState tracks an open disagreement about a session.
type DisputeState string

const (
	DisputeNone            DisputeState = "NONE"
	DisputeOpen            DisputeState = "OPEN"
	DisputeResolvedStudent DisputeState = "RESOLVED_STUDENT"
	DisputeResolvedTutor   DisputeState = "RESOLVED_TUTOR"
)

// Role identifies who performed an action on a booking.
type Role string

const (
	RoleStudent Role = "STUDENT"
	RoleTutor   Role = "TUTOR"
	RoleSystem  Role = "SYSTEM"
	RoleAdmin   Role = "ADMIN"
)

// Valid reports whether the role is one of the recognised actors.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTutor, RoleSystem, RoleAdmin:
		return true
	}
	return false
}

// MinSessionDuration is the shortest bookable session window.
const MinSessionDuration = 30 * time.Minute

// Booking is the central entity: one tutoring engagement from request to
// terminal state. Mutated only through the state machine; never hard-deleted.
type Booking struct {
	ID      int64
	Version int64 // optimistic concurrency counter, strictly increasing

	StudentID      int64
	TutorID        int64
	TutorProfileID int64

	Start    time.Time // UTC
	End      time.Time // UTC
	Timezone string    // IANA name, display only

	SessionState SessionState
	Outcome      *SessionOutcome
	PaymentState PaymentState
	DisputeState DisputeState

	AmountCents      int64
	Currency         string // ISO-4217
	PlatformFeeCents int64

	// PackageID links the booking to the prepaid bundle covering it.
	// Zero means the session is paid individually.
	PackageID int64

	// External side-effect handles, set by post-commit integrations.
	MeetingID       string
	JoinURL         string
	CalendarEventID string

	CheckoutSessionID string
	PaymentIntentID   string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ConfirmedAt *time.Time
	CancelledAt *time.Time
	EndedAt     *time.Time

	CancelReason string
	CancelledBy  *Role

	// Soft delete pair. A deleted booking is invisible to queries but the
	// row is retained for audit.
	DeletedAt *time.Time
	DeletedBy *Role
}

// Overlaps reports whether the half-open windows [b.Start, b.End) and
// [start, end) intersect.
func (b Booking) Overlaps(start, end time.Time) bool {
	return b.Start.Before(end) && b.End.After(start)
}

// Duration is the scheduled session length.
func (b Booking) Duration() time.Duration {
	return b.End.Sub(b.Start)
}

// ValidateNew checks field constraints on a booking about to be created.
func (b Booking) ValidateNew() *Rejection {
	if b.StudentID == 0 || b.TutorID == 0 {
		return rejectf(RejectMissingField, "student and tutor ids are required")
	}
	if !b.Start.Before(b.End) {
		return rejectf(RejectInvalidTimeRange, "start must precede end")
	}
	if b.Duration() < MinSessionDuration {
		return rejectf(RejectSessionTooShort, "session must be at least %s", MinSessionDuration)
	}
	if b.AmountCents < 0 {
		return rejectf(RejectInvalidAmount, "amount must be non-negative")
	}
	if b.PlatformFeeCents > b.AmountCents {
		return rejectf(RejectInvalidAmount, "platform fee exceeds amount")
	}
	if len(b.Currency) != 3 {
		return rejectf(RejectInvalidCurrency, "currency must be ISO-4217")
	}
	if b.Timezone == "" {
		return rejectf(RejectInvalidTimezone, "origin timezone is required")
	}
	return nil
}

// CheckInvariants verifies the commit-time invariants that are local to a
// single booking row. Violations indicate data corruption, not user error.
func (b Booking) CheckInvariants() error {
	if (b.Outcome != nil) != (b.SessionState == SessionEnded) {
		return invariantError("outcome set iff session ended", b.ID)
	}
	if b.SessionState == SessionCancelled && (b.CancelledAt == nil || b.CancelledBy == nil) {
		return invariantError("cancelled booking missing cancellation audit", b.ID)
	}
	return nil
}

type invariantViolation struct {
	rule      string
	bookingID int64
}

func (e invariantViolation) Error() string {
	return "booking invariant violated: " + e.rule
}

func invariantError(rule string, id int64) error {
	return invariantViolation{rule: rule, bookingID: id}
}

// IsInvariantViolation reports whether err is a booking invariant violation,
// which callers must treat as fatal for the offending flow.
func IsInvariantViolation(err error) bool {
	_, ok := err.(invariantViolation)
	return ok
}
