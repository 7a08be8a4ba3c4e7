package booking

import "time"

// IntentKind names a side-effect the orchestrator must attempt after the
// state change has committed. Intents are declarative and independently
// idempotent; a failure in one does not roll back the others.
type IntentKind string

const (
	IntentCreateMeeting       IntentKind = "create_meeting"
	IntentCancelMeeting       IntentKind = "cancel_meeting"
	IntentUpdateMeeting       IntentKind = "update_meeting"
	IntentCreateCalendarEvent IntentKind = "create_calendar_event"
	IntentUpdateCalendarEvent IntentKind = "update_calendar_event"
	IntentDeleteCalendarEvent IntentKind = "delete_calendar_event"
	IntentSendEmail           IntentKind = "send_email"
	IntentRefund              IntentKind = "refund"
	IntentPayout              IntentKind = "payout"
	IntentHoldPayout          IntentKind = "hold_payout"
	IntentScheduleReminder    IntentKind = "schedule_reminder"
)

// EmailTemplate names a transactional email the core can request.
type EmailTemplate string

const (
	EmailBookingRequested  EmailTemplate = "booking_requested"
	EmailBookingConfirmed  EmailTemplate = "booking_confirmed"
	EmailBookingDeclined   EmailTemplate = "booking_declined"
	EmailBookingCancelled  EmailTemplate = "booking_cancelled"
	EmailBookingExpired    EmailTemplate = "booking_expired"
	EmailBookingRescheduled EmailTemplate = "booking_rescheduled"
	EmailSessionReminder   EmailTemplate = "session_reminder"
	EmailRefundIssued      EmailTemplate = "refund_issued"
	EmailDisputeOpened     EmailTemplate = "dispute_opened"
	EmailDisputeResolved   EmailTemplate = "dispute_resolved"
)

// Intent is one declarative side-effect record. The zero values of unused
// fields are ignored by executors.
type Intent struct {
	Kind      IntentKind
	BookingID int64

	// IdempotencyKey makes repeated execution of the same intent a no-op at
	// the provider. Derived deterministically from booking id and kind so
	// retries converge.
	IdempotencyKey string

	// Refund / payout sizing.
	AmountCents int64
	Reason      string

	// Email dispatch.
	Template EmailTemplate

	// Reminder scheduling.
	RunAt time.Time
}

// RejectReason is the machine-readable code on a Rejection.
type RejectReason string

const (
	RejectTerminalState     RejectReason = "terminal_state"
	RejectWrongState        RejectReason = "wrong_state"
	RejectPaymentNotCaptured RejectReason = "payment_not_captured"
	RejectNotYetStarted     RejectReason = "not_yet_started"
	RejectNotYetEnded       RejectReason = "not_yet_ended"
	RejectNotYetExpired     RejectReason = "not_yet_expired"
	RejectForbiddenRole     RejectReason = "forbidden_role"
	RejectMissingField      RejectReason = "missing_field"
	RejectInvalidTimeRange  RejectReason = "invalid_time_range"
	RejectSessionTooShort   RejectReason = "session_too_short"
	RejectInvalidAmount     RejectReason = "invalid_amount"
	RejectInvalidCurrency   RejectReason = "invalid_currency"
	RejectInvalidTimezone   RejectReason = "invalid_timezone"
	RejectInvalidOutcome    RejectReason = "invalid_outcome"
	RejectDisputeAlreadyOpen RejectReason = "dispute_already_open"
	RejectDisputeNotOpen    RejectReason = "dispute_not_open"
	RejectUnknownCommand    RejectReason = "unknown_command"
)

// Rejection is a typed refusal returned by the state machine in place of a
// transition. It is a value, not an error: rejections are expected outcomes.
type Rejection struct {
	Reason  RejectReason
	Message string
}

func (r Rejection) String() string {
	return string(r.Reason) + ": " + r.Message
}

// TransitionResult is the outcome of running a command through the state
// machine: either an updated booking plus ordered side-effect intents, or a
// rejection. Exactly one of the two is populated.
type TransitionResult struct {
	Booking   Booking
	Intents   []Intent
	Rejection *Rejection
}

// Rejected reports whether the command was refused.
func (r TransitionResult) Rejected() bool {
	return r.Rejection != nil
}
