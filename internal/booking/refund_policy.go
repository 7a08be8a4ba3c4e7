package booking

import "time"

// RefundReason codes the policy's verdict for the ledger record.
type RefundReason string

const (
	RefundReasonTutorCancelled   RefundReason = "cancelled_by_tutor"
	RefundReasonStudentCancelled RefundReason = "cancelled_by_student"
	RefundReasonStudentLate      RefundReason = "cancelled_by_student_late"
	RefundReasonNoShowTutor      RefundReason = "no_show_tutor"
	RefundReasonNoShowStudent    RefundReason = "no_show_student"
	RefundReasonAbandoned        RefundReason = "abandoned"
	RefundReasonExpired          RefundReason = "request_expired"
	RefundReasonAdmin            RefundReason = "admin_resolution"
)

// Assessment is the policy's deterministic split of a captured amount.
// RefundCents goes back to the student, PayoutCents to the tutor; the
// platform fee covers the remainder.
type Assessment struct {
	RefundCents int64
	PayoutCents int64
	Reason      RefundReason
}

// RefundPolicy maps (cancellation role, time-to-session, outcome) to refund
// and payout amounts. It is a pure function of its inputs; thresholds come
// from configuration.
type RefundPolicy struct {
	// CancellationCutoff is the minimum notice for a student to receive a
	// full refund. Cancelling inside the cutoff forfeits the payment.
	CancellationCutoff time.Duration
}

// DefaultRefundPolicy uses the documented 12 hour cutoff.
func DefaultRefundPolicy() RefundPolicy {
	return RefundPolicy{CancellationCutoff: 12 * time.Hour}
}

// AssessCancellation sizes the refund for a cancellation `timeToStart` before
// the session. A negative timeToStart means the session window has opened.
//
//   - Tutor cancels: full refund regardless of timing.
//   - Admin cancels: full refund (admin cancellation is a platform fault path).
//   - Student cancels at or beyond the cutoff: full refund.
//   - Student cancels inside the cutoff: no refund; tutor receives the full
//     payout minus platform fee.
func (p RefundPolicy) AssessCancellation(by Role, timeToStart time.Duration, amountCents, feeCents int64) Assessment {
	switch by {
	case RoleTutor:
		return Assessment{RefundCents: amountCents, Reason: RefundReasonTutorCancelled}
	case RoleAdmin, RoleSystem:
		return Assessment{RefundCents: amountCents, Reason: RefundReasonAdmin}
	}

	// Cutoff boundary counts as timely: cancelling exactly CancellationCutoff
	// before start still earns the full refund.
	if timeToStart >= p.CancellationCutoff {
		return Assessment{RefundCents: amountCents, Reason: RefundReasonStudentCancelled}
	}
	return Assessment{
		PayoutCents: amountCents - feeCents,
		Reason:      RefundReasonStudentLate,
	}
}

// AssessOutcome sizes refund and payout when a session reaches ENDED.
//
//   - COMPLETED: tutor paid in full minus platform fee.
//   - NO_SHOW_STUDENT: no refund; tutor paid (they held the slot).
//   - NO_SHOW_TUTOR: full refund to the student.
//   - ABANDONED: full refund; no payout.
func (p RefundPolicy) AssessOutcome(outcome SessionOutcome, amountCents, feeCents int64) Assessment {
	switch outcome {
	case OutcomeNoShowTutor:
		return Assessment{RefundCents: amountCents, Reason: RefundReasonNoShowTutor}
	case OutcomeAbandoned:
		return Assessment{RefundCents: amountCents, Reason: RefundReasonAbandoned}
	case OutcomeNoShowStudent:
		return Assessment{PayoutCents: amountCents - feeCents, Reason: RefundReasonNoShowStudent}
	default:
		return Assessment{PayoutCents: amountCents - feeCents}
	}
}
