package booking

import "time"

// Command is a request to transition a booking. Commands are a closed set of
// tagged variants; the state machine matches on the concrete type.
type Command interface {
	Name() string
}

// Approve is issued by the tutor to accept a requested booking.
// Precondition: payment captured and no time conflict (the conflict check is
// an I/O concern re-verified by the orchestrator inside the transaction).
type Approve struct{}

func (Approve) Name() string { return "approve" }

// Decline is issued by the tutor to reject a requested booking.
type Decline struct {
	Reason string
}

func (Decline) Name() string { return "decline" }

// Cancel is issued by a student, tutor or admin.
type Cancel struct {
	By     Role
	Reason string
}

func (Cancel) Name() string { return "cancel" }

// Expire is issued by the scheduler when a request outlives the expiry window.
type Expire struct{}

func (Expire) Name() string { return "expire" }

// Start is issued by the scheduler when the session window opens.
type Start struct{}

func (Start) Name() string { return "start" }

// End closes an active session. Manual ends (tutor or admin) may precede the
// scheduled end time; scheduler-driven ends honour the grace period.
type End struct {
	Outcome SessionOutcome
	Manual  bool
}

func (End) Name() string { return "end" }

// Reschedule moves a booking to a new time window before it starts.
type Reschedule struct {
	NewStart time.Time
	NewEnd   time.Time
	By       Role
}

func (Reschedule) Name() string { return "reschedule" }

// MarkNoShow records that one party did not attend. Only valid while active.
type MarkNoShow struct {
	Party Role // RoleStudent or RoleTutor
}

func (MarkNoShow) Name() string { return "mark_no_show" }

// OpenDispute flags the booking for admin resolution. Payout is held while
// the dispute is open.
type OpenDispute struct {
	By     Role
	Reason string
}

func (OpenDispute) Name() string { return "open_dispute" }

// ResolveDispute is an admin-only resolution with an explicit refund amount.
type ResolveDispute struct {
	Resolution  DisputeState // RESOLVED_STUDENT or RESOLVED_TUTOR
	AmountCents int64        // refund to student; 0 means payout to tutor
	AdminID     int64
}

func (ResolveDispute) Name() string { return "resolve_dispute" }
