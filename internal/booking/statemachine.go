package booking

import (
	"fmt"
	"time"
)

// MachineConfig holds the time thresholds the transition function needs.
// Exact values belong to configuration, not code.
type MachineConfig struct {
	RequestExpiry   time.Duration // REQUESTED older than this may expire (default 24h)
	SessionEndGrace time.Duration // ACTIVE past end by this much may auto-end (default 5m)
	ReminderLead    time.Duration // reminder fires this long before start (default 1h)
}

// DefaultMachineConfig returns the documented default thresholds.
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		RequestExpiry:   24 * time.Hour,
		SessionEndGrace: 5 * time.Minute,
		ReminderLead:    time.Hour,
	}
}

// Machine is the pure transition function over the four status fields.
// It performs no I/O: every fact it needs arrives in the booking, the
// command, or the supplied clock reading.
type Machine struct {
	cfg    MachineConfig
	policy RefundPolicy
}

// NewMachine builds a state machine with the given thresholds and refund policy.
func NewMachine(cfg MachineConfig, policy RefundPolicy) *Machine {
	return &Machine{cfg: cfg, policy: policy}
}

// Transition validates cmd against b at instant now and returns either the
// updated booking with its ordered side-effect intents, or a typed rejection.
// It never panics on any (state, command) pair.
func (m *Machine) Transition(b Booking, cmd Command, now time.Time) TransitionResult {
	// Terminal absorbency: ENDED, CANCELLED, EXPIRED accept nothing.
	if b.SessionState.IsTerminal() {
		// Dispute commands are the one carve-out: disputes open on ENDED
		// sessions and resolve after.
		switch cmd.(type) {
		case OpenDispute, ResolveDispute:
		default:
			return reject(RejectTerminalState, "booking is %s", b.SessionState)
		}
	}

	switch c := cmd.(type) {
	case Approve:
		return m.approve(b, now)
	case Decline:
		return m.decline(b, c, now)
	case Cancel:
		return m.cancel(b, c, now)
	case Expire:
		return m.expire(b, now)
	case Start:
		return m.start(b, now)
	case End:
		return m.end(b, c, now)
	case Reschedule:
		return m.reschedule(b, c, now)
	case MarkNoShow:
		return m.markNoShow(b, c, now)
	case OpenDispute:
		return m.openDispute(b, c, now)
	case ResolveDispute:
		return m.resolveDispute(b, c, now)
	default:
		return reject(RejectUnknownCommand, "unrecognised command %q", cmd.Name())
	}
}

// approve: REQUESTED -> SCHEDULED. Payment must already be captured; the
// orchestrator re-checks the time-conflict inside the same transaction.
func (m *Machine) approve(b Booking, now time.Time) TransitionResult {
	if b.SessionState != SessionRequested {
		return reject(RejectWrongState, "cannot approve a %s booking", b.SessionState)
	}
	if b.PaymentState != PaymentCaptured {
		return reject(RejectPaymentNotCaptured, "payment is %s, capture required before approval", b.PaymentState)
	}

	b.SessionState = SessionScheduled
	confirmed := now
	b.ConfirmedAt = &confirmed
	bump(&b, now)

	// Intent order is contractual: meeting first (the join URL feeds the
	// calendar event and the email), then calendar, then confirmation email.
	reminderAt := b.Start.Add(-m.cfg.ReminderLead)
	intents := []Intent{
		{Kind: IntentCreateMeeting, BookingID: b.ID, IdempotencyKey: intentKey(b.ID, IntentCreateMeeting)},
		{Kind: IntentCreateCalendarEvent, BookingID: b.ID, IdempotencyKey: intentKey(b.ID, IntentCreateCalendarEvent)},
		{Kind: IntentSendEmail, BookingID: b.ID, Template: EmailBookingConfirmed, IdempotencyKey: intentKey(b.ID, IntentSendEmail) + ":confirmed"},
	}
	if reminderAt.After(now) {
		intents = append(intents, Intent{
			Kind: IntentScheduleReminder, BookingID: b.ID, RunAt: reminderAt,
			IdempotencyKey: intentKey(b.ID, IntentScheduleReminder),
		})
	}
	return ok(b, intents...)
}

// decline: REQUESTED -> CANCELLED by the tutor, refunding any captured payment in full.
func (m *Machine) decline(b Booking, c Decline, now time.Time) TransitionResult {
	if b.SessionState != SessionRequested {
		return reject(RejectWrongState, "cannot decline a %s booking", b.SessionState)
	}
	return m.cancelInto(b, RoleTutor, firstNonEmpty(c.Reason, "declined by tutor"), now)
}

// cancel: REQUESTED/SCHEDULED by student, tutor or admin; ACTIVE by admin only.
func (m *Machine) cancel(b Booking, c Cancel, now time.Time) TransitionResult {
	if !c.By.Valid() || c.By == RoleSystem {
		return reject(RejectForbiddenRole, "cancellation requires a student, tutor or admin")
	}
	switch b.SessionState {
	case SessionRequested, SessionScheduled:
		// allowed for all roles
	case SessionActive:
		if c.By != RoleAdmin {
			return reject(RejectForbiddenRole, "only an admin may cancel an active session")
		}
	default:
		return reject(RejectWrongState, "cannot cancel a %s booking", b.SessionState)
	}
	return m.cancelInto(b, c.By, c.Reason, now)
}

// cancelInto applies the shared cancellation tail: status flip, audit fields,
// refund sized by policy, and teardown of any provisioned side effects.
func (m *Machine) cancelInto(b Booking, by Role, reason string, now time.Time) TransitionResult {
	hadMeeting := b.MeetingID != ""
	hadCalendar := b.CalendarEventID != ""

	b.SessionState = SessionCancelled
	cancelled := now
	b.CancelledAt = &cancelled
	b.CancelledBy = &by
	b.CancelReason = reason
	bump(&b, now)

	var intents []Intent
	if b.PaymentState == PaymentCaptured {
		assessment := m.policy.AssessCancellation(by, b.Start.Sub(now), b.AmountCents, b.PlatformFeeCents)
		if assessment.RefundCents > 0 {
			intents = append(intents, Intent{
				Kind: IntentRefund, BookingID: b.ID,
				AmountCents:    assessment.RefundCents,
				Reason:         string(assessment.Reason),
				IdempotencyKey: intentKey(b.ID, IntentRefund),
			})
		}
		if assessment.PayoutCents > 0 {
			intents = append(intents, Intent{
				Kind: IntentPayout, BookingID: b.ID,
				AmountCents:    assessment.PayoutCents,
				IdempotencyKey: intentKey(b.ID, IntentPayout),
			})
		}
	}
	if hadMeeting {
		intents = append(intents, Intent{Kind: IntentCancelMeeting, BookingID: b.ID, IdempotencyKey: intentKey(b.ID, IntentCancelMeeting)})
	}
	if hadCalendar {
		intents = append(intents, Intent{Kind: IntentDeleteCalendarEvent, BookingID: b.ID, IdempotencyKey: intentKey(b.ID, IntentDeleteCalendarEvent)})
	}
	intents = append(intents, Intent{
		Kind: IntentSendEmail, BookingID: b.ID, Template: EmailBookingCancelled,
		IdempotencyKey: intentKey(b.ID, IntentSendEmail) + ":cancelled",
	})
	return ok(b, intents...)
}

// expire: REQUESTED -> EXPIRED once the request outlives the expiry window.
func (m *Machine) expire(b Booking, now time.Time) TransitionResult {
	if b.SessionState != SessionRequested {
		return reject(RejectWrongState, "cannot expire a %s booking", b.SessionState)
	}
	if now.Sub(b.CreatedAt) < m.cfg.RequestExpiry {
		return reject(RejectNotYetExpired, "request is younger than %s", m.cfg.RequestExpiry)
	}

	b.SessionState = SessionExpired
	bump(&b, now)

	var intents []Intent
	if b.PaymentState == PaymentCaptured {
		// A capture that raced the expiry is returned in full.
		intents = append(intents, Intent{
			Kind: IntentRefund, BookingID: b.ID,
			AmountCents:    b.AmountCents,
			Reason:         string(RefundReasonExpired),
			IdempotencyKey: intentKey(b.ID, IntentRefund),
		})
	}
	intents = append(intents, Intent{
		Kind: IntentSendEmail, BookingID: b.ID, Template: EmailBookingExpired,
		IdempotencyKey: intentKey(b.ID, IntentSendEmail) + ":expired",
	})
	return ok(b, intents...)
}

// start: SCHEDULED -> ACTIVE once the window opens.
func (m *Machine) start(b Booking, now time.Time) TransitionResult {
	if b.SessionState != SessionScheduled {
		return reject(RejectWrongState, "cannot start a %s booking", b.SessionState)
	}
	if now.Before(b.Start) {
		return reject(RejectNotYetStarted, "session starts at %s", b.Start.Format(time.RFC3339))
	}
	b.SessionState = SessionActive
	bump(&b, now)
	return ok(b)
}

// end: ACTIVE -> ENDED. Scheduler ends honour the grace period past the
// scheduled end; manual ends may close the session early.
func (m *Machine) end(b Booking, c End, now time.Time) TransitionResult {
	if b.SessionState != SessionActive {
		return reject(RejectWrongState, "cannot end a %s booking", b.SessionState)
	}
	if !c.Manual && now.Before(b.End.Add(m.cfg.SessionEndGrace)) {
		return reject(RejectNotYetEnded, "grace period runs until %s", b.End.Add(m.cfg.SessionEndGrace).Format(time.RFC3339))
	}
	outcome := c.Outcome
	if outcome == "" {
		outcome = OutcomeCompleted
	}
	switch outcome {
	case OutcomeCompleted, OutcomeNoShowStudent, OutcomeNoShowTutor, OutcomeAbandoned:
	default:
		return reject(RejectInvalidOutcome, "unrecognised outcome %q", outcome)
	}

	b.SessionState = SessionEnded
	b.Outcome = &outcome
	ended := now
	b.EndedAt = &ended
	bump(&b, now)

	var intents []Intent
	if b.PaymentState == PaymentCaptured {
		assessment := m.policy.AssessOutcome(outcome, b.AmountCents, b.PlatformFeeCents)
		if assessment.RefundCents > 0 {
			intents = append(intents, Intent{
				Kind: IntentRefund, BookingID: b.ID,
				AmountCents:    assessment.RefundCents,
				Reason:         string(assessment.Reason),
				IdempotencyKey: intentKey(b.ID, IntentRefund),
			})
		}
		if assessment.PayoutCents > 0 {
			kind := IntentPayout
			if b.DisputeState == DisputeOpen {
				kind = IntentHoldPayout
			}
			intents = append(intents, Intent{
				Kind: kind, BookingID: b.ID,
				AmountCents:    assessment.PayoutCents,
				IdempotencyKey: intentKey(b.ID, IntentPayout),
			})
		}
	}
	return ok(b, intents...)
}

// reschedule keeps the booking in its current pre-session state with a new
// window. The orchestrator re-runs the conflict check for the new window.
func (m *Machine) reschedule(b Booking, c Reschedule, now time.Time) TransitionResult {
	switch b.SessionState {
	case SessionRequested, SessionScheduled:
	default:
		return reject(RejectWrongState, "cannot reschedule a %s booking", b.SessionState)
	}
	if !c.NewStart.Before(c.NewEnd) {
		return reject(RejectInvalidTimeRange, "start must precede end")
	}
	if c.NewEnd.Sub(c.NewStart) < MinSessionDuration {
		return reject(RejectSessionTooShort, "session must be at least %s", MinSessionDuration)
	}

	hadMeeting := b.MeetingID != ""
	hadCalendar := b.CalendarEventID != ""
	b.Start = c.NewStart.UTC()
	b.End = c.NewEnd.UTC()
	bump(&b, now)

	var intents []Intent
	if hadMeeting {
		intents = append(intents, Intent{Kind: IntentUpdateMeeting, BookingID: b.ID, IdempotencyKey: intentKey(b.ID, IntentUpdateMeeting)})
	}
	if hadCalendar {
		intents = append(intents, Intent{Kind: IntentUpdateCalendarEvent, BookingID: b.ID, IdempotencyKey: intentKey(b.ID, IntentUpdateCalendarEvent)})
	}
	intents = append(intents, Intent{
		Kind: IntentSendEmail, BookingID: b.ID, Template: EmailBookingRescheduled,
		IdempotencyKey: intentKey(b.ID, IntentSendEmail) + ":rescheduled",
	})
	return ok(b, intents...)
}

// markNoShow ends an active session with the corresponding no-show outcome.
func (m *Machine) markNoShow(b Booking, c MarkNoShow, now time.Time) TransitionResult {
	var outcome SessionOutcome
	switch c.Party {
	case RoleStudent:
		outcome = OutcomeNoShowStudent
	case RoleTutor:
		outcome = OutcomeNoShowTutor
	default:
		return reject(RejectForbiddenRole, "no-show party must be student or tutor")
	}
	return m.end(b, End{Outcome: outcome, Manual: true}, now)
}

func (m *Machine) openDispute(b Booking, c OpenDispute, now time.Time) TransitionResult {
	if b.DisputeState == DisputeOpen {
		return reject(RejectDisputeAlreadyOpen, "dispute already open")
	}
	if b.DisputeState != DisputeNone {
		return reject(RejectWrongState, "dispute already resolved")
	}
	switch b.SessionState {
	case SessionActive, SessionEnded:
	default:
		return reject(RejectWrongState, "disputes open on active or ended sessions only")
	}

	b.DisputeState = DisputeOpen
	bump(&b, now)
	return ok(b, Intent{
		Kind: IntentSendEmail, BookingID: b.ID, Template: EmailDisputeOpened,
		IdempotencyKey: intentKey(b.ID, IntentSendEmail) + ":dispute_opened",
	})
}

func (m *Machine) resolveDispute(b Booking, c ResolveDispute, now time.Time) TransitionResult {
	if b.DisputeState != DisputeOpen {
		return reject(RejectDisputeNotOpen, "no open dispute to resolve")
	}
	switch c.Resolution {
	case DisputeResolvedStudent, DisputeResolvedTutor:
	default:
		return reject(RejectWrongState, "resolution must favour student or tutor")
	}
	if c.AmountCents < 0 || c.AmountCents > b.AmountCents {
		return reject(RejectInvalidAmount, "resolution amount out of range")
	}

	b.DisputeState = c.Resolution
	bump(&b, now)

	var intents []Intent
	if c.AmountCents > 0 {
		intents = append(intents, Intent{
			Kind: IntentRefund, BookingID: b.ID,
			AmountCents:    c.AmountCents,
			Reason:         string(RefundReasonAdmin),
			IdempotencyKey: intentKey(b.ID, IntentRefund) + ":dispute",
		})
	}
	if payout := b.AmountCents - b.PlatformFeeCents - c.AmountCents; payout > 0 {
		intents = append(intents, Intent{
			Kind: IntentPayout, BookingID: b.ID,
			AmountCents:    payout,
			IdempotencyKey: intentKey(b.ID, IntentPayout) + ":dispute",
		})
	}
	intents = append(intents, Intent{
		Kind: IntentSendEmail, BookingID: b.ID, Template: EmailDisputeResolved,
		IdempotencyKey: intentKey(b.ID, IntentSendEmail) + ":dispute_resolved",
	})
	return ok(b, intents...)
}

// bump applies the per-transition bookkeeping: version increment and
// updated timestamp. Every persisted change goes through here.
func bump(b *Booking, now time.Time) {
	b.Version++
	b.UpdatedAt = now
}

func intentKey(bookingID int64, kind IntentKind) string {
	return fmt.Sprintf("booking:%d:%s", bookingID, kind)
}

func ok(b Booking, intents ...Intent) TransitionResult {
	return TransitionResult{Booking: b, Intents: intents}
}

func reject(reason RejectReason, format string, args ...any) TransitionResult {
	r := rejectf(reason, format, args...)
	return TransitionResult{Rejection: r}
}

func rejectf(reason RejectReason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
