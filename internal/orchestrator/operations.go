package orchestrator

import (
	"context"
	"strconv"
	"time"

	"github.com/tutorhive/server/internal/booking"
	apperrors "github.com/tutorhive/server/internal/errors"
	"github.com/tutorhive/server/internal/events"
	"github.com/tutorhive/server/internal/integrations"
	"github.com/tutorhive/server/internal/storage"
	"github.com/tutorhive/server/internal/stripe"
)

// CreateRequest carries a student's booking request.
type CreateRequest struct {
	StudentID      int64
	TutorID        int64
	TutorProfileID int64
	Start          time.Time
	End            time.Time
	Timezone       string

	AmountCents      int64
	Currency         string
	PlatformFeeCents int64

	// PackageID, when set, covers the session from a prepaid bundle and
	// skips the checkout flow.
	PackageID int64

	// StudentEmail feeds the provider's checkout page.
	StudentEmail string
}

// CreateResult is the materialized outcome of a booking request. When the
// payment provider was unreachable the booking still exists with payment
// PENDING and Warning explains the degraded path.
type CreateResult struct {
	Booking     booking.Booking
	CheckoutURL string
	Warning     string
}

// CreateBooking validates the request, checks the tutor's availability,
// inserts the booking (conflict check and insert in one transaction) and
// opens a provider checkout session for the amount.
func (s *Service) CreateBooking(ctx context.Context, req CreateRequest) (CreateResult, error) {
	now := s.now(ctx)

	b := booking.Booking{
		Version:          1,
		StudentID:        req.StudentID,
		TutorID:          req.TutorID,
		TutorProfileID:   req.TutorProfileID,
		Start:            req.Start.UTC(),
		End:              req.End.UTC(),
		Timezone:         req.Timezone,
		SessionState:     booking.SessionRequested,
		PaymentState:     booking.PaymentPending,
		DisputeState:     booking.DisputeNone,
		AmountCents:      req.AmountCents,
		Currency:         req.Currency,
		PlatformFeeCents: req.PlatformFeeCents,
		PackageID:        req.PackageID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if rej := b.ValidateNew(); rej != nil {
		return CreateResult{}, rejectionError(*rej)
	}
	if !b.Start.After(now) {
		return CreateResult{}, opError(apperrors.ErrCodeInvalidTimeRange, "session must start in the future")
	}

	if req.PackageID != 0 {
		pkg, err := s.store.GetPackage(ctx, req.PackageID)
		if err != nil {
			return CreateResult{}, opError(apperrors.ErrCodePackageNotFound, "package %d not found", req.PackageID)
		}
		if pkg.StudentID != req.StudentID || pkg.TutorID != req.TutorID {
			return CreateResult{}, opError(apperrors.ErrCodeInvalidField, "package %d does not cover this student and tutor", req.PackageID)
		}
		if !pkg.Usable(now) {
			return CreateResult{}, opError(apperrors.ErrCodePackageNotFound, "package %d has no usable sessions", req.PackageID)
		}
		// The bundle was paid for up front; the session itself carries no
		// charge and is captured immediately so the tutor can approve.
		b.AmountCents = 0
		b.PlatformFeeCents = 0
		b.PaymentState = booking.PaymentCaptured
	}

	if err := s.checkAvailability(ctx, b); err != nil {
		return CreateResult{}, err
	}

	created, err := s.store.CreateBooking(ctx, b)
	if err != nil {
		if err == storage.ErrTimeConflict {
			if s.metrics != nil {
				s.metrics.TimeConflictsTotal.Inc()
			}
			return CreateResult{}, opError(apperrors.ErrCodeTimeConflict, "tutor already has a booking in that window")
		}
		return CreateResult{}, err
	}

	result := CreateResult{Booking: created}
	if req.PackageID != 0 {
		// Record the zero-amount captured payment so the ledger invariant
		// (CAPTURED implies a payment row) holds for package sessions too.
		err = s.store.Transact(ctx, func(tx storage.Tx) error {
			_, err := tx.RecordPayment(ctx, storage.Payment{
				BookingID:         created.ID,
				ExternalSessionID: "package:" + strconv.FormatInt(req.PackageID, 10) + ":" + strconv.FormatInt(created.ID, 10),
				AmountCents:       0,
				Currency:          created.Currency,
				State:             storage.PaymentRowCaptured,
				CreatedAt:         now,
			})
			return err
		})
		if err != nil {
			return CreateResult{}, err
		}
	} else {
		result = s.openCheckout(ctx, created, req.StudentEmail, now)
	}

	s.enqueueIntents(ctx, []booking.Intent{{
		Kind:           booking.IntentSendEmail,
		BookingID:      created.ID,
		Template:       booking.EmailBookingRequested,
		IdempotencyKey: "booking:" + strconv.FormatInt(created.ID, 10) + ":send_email:requested",
	}})
	s.publish(ctx, events.BookingCreated{Booking: result.Booking})
	return result, nil
}

// openCheckout asks the provider for a hosted payment page and records the
// pending payment. Provider failure leaves the booking committed with
// payment PENDING; the caller sees a warning, not an error.
func (s *Service) openCheckout(ctx context.Context, b booking.Booking, studentEmail string, now time.Time) CreateResult {
	if s.payments == nil {
		return CreateResult{Booking: b, Warning: "payment provider not configured"}
	}

	session, err := s.payments.CreateCheckoutSession(ctx, stripe.CheckoutRequest{
		BookingID:     b.ID,
		AmountCents:   b.AmountCents,
		Currency:      b.Currency,
		CustomerEmail: studentEmail,
		Description:   "Tutoring session #" + strconv.FormatInt(b.ID, 10),
	})
	if err != nil {
		s.log.Warn().Err(err).Int64("booking_id", b.ID).
			Msg("checkout session creation failed, booking kept with payment pending")
		return CreateResult{Booking: b, Warning: "payment pending - we'll notify you"}
	}

	err = s.store.Transact(ctx, func(tx storage.Tx) error {
		current, err := tx.GetBookingForUpdate(ctx, b.ID)
		if err != nil {
			return err
		}
		current.CheckoutSessionID = session.ID
		current.PaymentIntentID = session.PaymentIntentID
		expected := current.Version
		current.Version++
		current.UpdatedAt = now
		if _, err := tx.UpdateBooking(ctx, current, expected); err != nil {
			return err
		}
		b = current
		_, err = tx.RecordPayment(ctx, storage.Payment{
			BookingID:         b.ID,
			ExternalSessionID: session.ID,
			ExternalIntentID:  session.PaymentIntentID,
			AmountCents:       b.AmountCents,
			Currency:          b.Currency,
			State:             storage.PaymentRowPending,
			CreatedAt:         now,
		})
		return err
	})
	if err != nil {
		s.log.Error().Err(err).Int64("booking_id", b.ID).
			Msg("failed to record checkout session")
		return CreateResult{Booking: b, Warning: "payment pending - we'll notify you"}
	}
	return CreateResult{Booking: b, CheckoutURL: session.URL}
}

// checkAvailability verifies the window against the tutor's recurring slots,
// one-off blackouts and, within the free/busy budget, the external calendar.
// The external lookup is advisory: on timeout or failure the check proceeds
// on internal state alone.
func (s *Service) checkAvailability(ctx context.Context, b booking.Booking) error {
	slots, err := s.store.SlotsForTutor(ctx, b.TutorID)
	if err != nil {
		return err
	}
	if len(slots) > 0 {
		covered := false
		for _, slot := range slots {
			if slot.Covers(b.Start, b.End) {
				covered = true
				break
			}
		}
		if !covered {
			return opError(apperrors.ErrCodeSlotUnavailable, "window falls outside the tutor's availability")
		}
	}

	blackouts, err := s.store.BlackoutsForTutor(ctx, b.TutorID, b.Start, b.End)
	if err != nil {
		return err
	}
	for _, bl := range blackouts {
		if bl.Overlaps(b.Start, b.End) {
			return opError(apperrors.ErrCodeSlotUnavailable, "tutor is unavailable in that window")
		}
	}

	if s.freebusy != nil {
		busy := s.freebusy.Busy(ctx, strconv.FormatInt(b.TutorID, 10), b.Start, b.End)
		if integrations.AnyOverlap(busy, b.Start, b.End) {
			return opError(apperrors.ErrCodeTimeConflict, "tutor's external calendar shows a conflict")
		}
	}
	return nil
}

// Approve accepts a requested booking on the tutor's behalf. The time
// conflict is re-verified inside the transaction so check-then-update cannot
// race a concurrent insert.
func (s *Service) Approve(ctx context.Context, bookingID int64) (booking.Booking, error) {
	res, err := s.transition(ctx, bookingID, booking.Approve{}, func(ctx context.Context, tx storage.Tx, res *booking.TransitionResult) error {
		conflict, err := tx.TimeConflictExists(ctx, res.Booking.TutorID, res.Booking.Start, res.Booking.End, res.Booking.ID)
		if err != nil {
			return err
		}
		if conflict {
			if s.metrics != nil {
				s.metrics.TimeConflictsTotal.Inc()
			}
			return opError(apperrors.ErrCodeTimeConflict, "tutor already has a booking in that window")
		}
		return nil
	})
	if err != nil {
		return booking.Booking{}, err
	}
	s.publish(ctx, events.BookingConfirmed{Booking: res.Booking})
	return res.Booking, nil
}

// Decline rejects a requested booking, refunding any captured payment.
func (s *Service) Decline(ctx context.Context, bookingID int64, reason string) (booking.Booking, error) {
	res, err := s.transition(ctx, bookingID, booking.Decline{Reason: reason}, nil)
	if err != nil {
		return booking.Booking{}, err
	}
	s.publish(ctx, events.BookingCancelled{Booking: res.Booking, By: booking.RoleTutor, Reason: reason})
	return res.Booking, nil
}

// Cancel cancels a booking. The refund, if any, is sized by the policy
// inside the state machine and executed post-commit.
func (s *Service) Cancel(ctx context.Context, bookingID int64, by booking.Role, reason string) (booking.Booking, error) {
	res, err := s.transition(ctx, bookingID, booking.Cancel{By: by, Reason: reason}, nil)
	if err != nil {
		return booking.Booking{}, err
	}
	s.publish(ctx, events.BookingCancelled{Booking: res.Booking, By: by, Reason: reason})
	return res.Booking, nil
}

// Reschedule moves a pre-session booking to a new window, re-running the
// conflict check for the new window inside the transaction.
func (s *Service) Reschedule(ctx context.Context, bookingID int64, newStart, newEnd time.Time, by booking.Role) (booking.Booking, error) {
	old, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		if err == storage.ErrNotFound {
			return booking.Booking{}, opError(apperrors.ErrCodeBookingNotFound, "booking %d not found", bookingID)
		}
		return booking.Booking{}, err
	}

	cmd := booking.Reschedule{NewStart: newStart, NewEnd: newEnd, By: by}
	res, err := s.transition(ctx, bookingID, cmd, func(ctx context.Context, tx storage.Tx, res *booking.TransitionResult) error {
		conflict, err := tx.TimeConflictExists(ctx, res.Booking.TutorID, res.Booking.Start, res.Booking.End, res.Booking.ID)
		if err != nil {
			return err
		}
		if conflict {
			if s.metrics != nil {
				s.metrics.TimeConflictsTotal.Inc()
			}
			return opError(apperrors.ErrCodeTimeConflict, "tutor already has a booking in the new window")
		}
		return nil
	})
	if err != nil {
		return booking.Booking{}, err
	}
	s.publish(ctx, events.BookingRescheduled{Booking: res.Booking, OldStart: old.Start, OldEnd: old.End})
	return res.Booking, nil
}

// MarkNoShow ends an active session recording which party failed to attend.
func (s *Service) MarkNoShow(ctx context.Context, bookingID int64, party booking.Role) (booking.Booking, error) {
	res, err := s.transition(ctx, bookingID, booking.MarkNoShow{Party: party}, s.packageStep)
	if err != nil {
		return booking.Booking{}, err
	}
	s.publish(ctx, events.SessionEnded{Booking: res.Booking, Outcome: *res.Booking.Outcome})
	return res.Booking, nil
}

// EndSession closes an active session early on a participant's request.
func (s *Service) EndSession(ctx context.Context, bookingID int64, outcome booking.SessionOutcome) (booking.Booking, error) {
	res, err := s.transition(ctx, bookingID, booking.End{Outcome: outcome, Manual: true}, s.packageStep)
	if err != nil {
		return booking.Booking{}, err
	}
	s.publish(ctx, events.SessionEnded{Booking: res.Booking, Outcome: *res.Booking.Outcome})
	return res.Booking, nil
}

// OpenDispute flags an active or ended session for admin resolution.
func (s *Service) OpenDispute(ctx context.Context, bookingID int64, by booking.Role, reason string) (booking.Booking, error) {
	res, err := s.transition(ctx, bookingID, booking.OpenDispute{By: by, Reason: reason}, nil)
	if err != nil {
		return booking.Booking{}, err
	}
	s.publish(ctx, events.DisputeOpened{Booking: res.Booking, By: by, Reason: reason})
	return res.Booking, nil
}

// ResolveDispute applies an admin resolution with an explicit refund amount.
func (s *Service) ResolveDispute(ctx context.Context, bookingID int64, resolution booking.DisputeState, amountCents, adminID int64) (booking.Booking, error) {
	cmd := booking.ResolveDispute{Resolution: resolution, AmountCents: amountCents, AdminID: adminID}
	res, err := s.transition(ctx, bookingID, cmd, nil)
	if err != nil {
		return booking.Booking{}, err
	}
	var payout int64
	for _, intent := range res.Intents {
		if intent.Kind == booking.IntentPayout {
			payout = intent.AmountCents
		}
	}
	s.publish(ctx, events.DisputeResolved{
		Booking:     res.Booking,
		Resolution:  resolution,
		RefundCents: amountCents,
		PayoutCents: payout,
	})
	return res.Booking, nil
}

// GetBooking reads a booking for presentation.
func (s *Service) GetBooking(ctx context.Context, bookingID int64) (booking.Booking, error) {
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		if err == storage.ErrNotFound {
			return booking.Booking{}, opError(apperrors.ErrCodeBookingNotFound, "booking %d not found", bookingID)
		}
		return booking.Booking{}, err
	}
	return b, nil
}

// ExpireRequest times out a REQUESTED booking. Driven by the scheduler.
func (s *Service) ExpireRequest(ctx context.Context, bookingID int64) error {
	res, err := s.transition(ctx, bookingID, booking.Expire{}, nil)
	if err != nil {
		return err
	}
	s.publish(ctx, events.BookingExpired{Booking: res.Booking})
	return nil
}

// StartSession moves a SCHEDULED booking to ACTIVE once the window opens.
// Driven by the scheduler against the database clock.
func (s *Service) StartSession(ctx context.Context, bookingID int64) error {
	res, err := s.transition(ctx, bookingID, booking.Start{}, nil)
	if err != nil {
		return err
	}
	s.publish(ctx, events.SessionStarted{Booking: res.Booking})
	return nil
}

// AutoEndSession closes an ACTIVE session past its end plus the grace
// period, with outcome COMPLETED. Driven by the scheduler.
func (s *Service) AutoEndSession(ctx context.Context, bookingID int64) error {
	res, err := s.transition(ctx, bookingID, booking.End{}, s.packageStep)
	if err != nil {
		return err
	}
	s.publish(ctx, events.SessionEnded{Booking: res.Booking, Outcome: *res.Booking.Outcome})
	return nil
}

// packageStep consumes one session from the covering package when a session
// completes. The decrement runs in a savepoint: the end transition must
// commit even if the package row is missing or exhausted.
func (s *Service) packageStep(ctx context.Context, tx storage.Tx, res *booking.TransitionResult) error {
	b := res.Booking
	if b.PackageID == 0 || b.Outcome == nil || *b.Outcome != booking.OutcomeCompleted {
		return nil
	}
	return tx.Savepoint(ctx, "package_decrement", func() error {
		if _, err := tx.DecrementPackage(ctx, b.PackageID); err != nil {
			s.log.Warn().Err(err).Int64("booking_id", b.ID).Int64("package_id", b.PackageID).
				Msg("package decrement failed, session end committed anyway")
		}
		return nil
	})
}
