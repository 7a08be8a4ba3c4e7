package outbox

import (
	"context"
	"fmt"

	"github.com/tutorhive/server/internal/booking"
	"github.com/tutorhive/server/internal/events"
	"github.com/tutorhive/server/internal/integrations"
	"github.com/tutorhive/server/internal/logger"
	"github.com/tutorhive/server/internal/storage"
	"github.com/tutorhive/server/internal/stripe"
)

// Directory resolves platform users to provider-side addresses.
type Directory interface {
	StudentEmail(ctx context.Context, studentID int64) (string, error)
	TutorEmail(ctx context.Context, tutorID int64) (string, error)

	// PayoutAccount returns the tutor's connected payout account.
	PayoutAccount(ctx context.Context, tutorID int64) (string, error)
}

// Executor maps queued intents onto the external providers. Every branch is
// idempotent: replays converge on the same external state.
type Executor struct {
	store      storage.Store
	meeting    integrations.MeetingProvider
	calendar   integrations.CalendarProvider
	email      integrations.EmailSender
	payments   stripe.Provider
	directory  Directory
	dispatcher *events.Dispatcher
}

// ExecutorOptions wires the executor's collaborators.
type ExecutorOptions struct {
	Store      storage.Store
	Meeting    integrations.MeetingProvider
	Calendar   integrations.CalendarProvider
	Email      integrations.EmailSender
	Payments   stripe.Provider
	Directory  Directory
	Dispatcher *events.Dispatcher
}

// NewExecutor creates an executor.
func NewExecutor(opts ExecutorOptions) *Executor {
	return &Executor{
		store:      opts.Store,
		meeting:    opts.Meeting,
		calendar:   opts.Calendar,
		email:      opts.Email,
		payments:   opts.Payments,
		directory:  opts.Directory,
		dispatcher: opts.Dispatcher,
	}
}

// Execute performs one intent against the outside world.
func (e *Executor) Execute(ctx context.Context, intent booking.Intent) error {
	b, err := e.store.GetBooking(ctx, intent.BookingID)
	if err != nil {
		return fmt.Errorf("load booking %d: %w", intent.BookingID, err)
	}

	switch intent.Kind {
	case booking.IntentCreateMeeting:
		return e.createMeeting(ctx, b)
	case booking.IntentUpdateMeeting:
		return e.updateMeeting(ctx, b)
	case booking.IntentCancelMeeting:
		return e.cancelMeeting(ctx, b)
	case booking.IntentCreateCalendarEvent:
		return e.createCalendarEvent(ctx, b)
	case booking.IntentUpdateCalendarEvent:
		return e.updateCalendarEvent(ctx, b)
	case booking.IntentDeleteCalendarEvent:
		return e.deleteCalendarEvent(ctx, b)
	case booking.IntentSendEmail, booking.IntentScheduleReminder:
		return e.sendEmail(ctx, b, intent)
	case booking.IntentRefund:
		return e.refund(ctx, b, intent)
	case booking.IntentPayout:
		return e.payout(ctx, b, intent)
	case booking.IntentHoldPayout:
		log := logger.FromContext(ctx)
		log.Info().
			Int64("booking_id", b.ID).
			Int64("amount_cents", intent.AmountCents).
			Msg("payout held pending dispute resolution")
		return nil
	default:
		return fmt.Errorf("unknown intent kind %q", intent.Kind)
	}
}

func (e *Executor) createMeeting(ctx context.Context, b booking.Booking) error {
	if b.MeetingID != "" {
		return nil
	}
	m, err := e.meeting.CreateMeeting(ctx, b.ID, b.Start, b.End)
	if err != nil {
		return err
	}
	return e.store.SetMeetingHandles(ctx, b.ID, m.ID, m.JoinURL)
}

func (e *Executor) updateMeeting(ctx context.Context, b booking.Booking) error {
	if b.MeetingID == "" {
		return e.createMeeting(ctx, b)
	}
	return e.meeting.UpdateMeeting(ctx, b.MeetingID, b.Start, b.End)
}

func (e *Executor) cancelMeeting(ctx context.Context, b booking.Booking) error {
	if b.MeetingID == "" {
		return nil
	}
	if err := e.meeting.CancelMeeting(ctx, b.MeetingID); err != nil {
		return err
	}
	return e.store.SetMeetingHandles(ctx, b.ID, "", "")
}

func (e *Executor) calendarEvent(ctx context.Context, b booking.Booking) (integrations.CalendarEvent, error) {
	studentEmail, err := e.directory.StudentEmail(ctx, b.StudentID)
	if err != nil {
		return integrations.CalendarEvent{}, err
	}
	tutorEmail, err := e.directory.TutorEmail(ctx, b.TutorID)
	if err != nil {
		return integrations.CalendarEvent{}, err
	}
	return integrations.CalendarEvent{
		ID:        b.CalendarEventID,
		Title:     fmt.Sprintf("Tutoring session #%d", b.ID),
		Start:     b.Start,
		End:       b.End,
		Attendees: []string{studentEmail, tutorEmail},
	}, nil
}

func (e *Executor) createCalendarEvent(ctx context.Context, b booking.Booking) error {
	if b.CalendarEventID != "" {
		return nil
	}
	event, err := e.calendarEvent(ctx, b)
	if err != nil {
		return err
	}
	id, err := e.calendar.CreateEvent(ctx, event)
	if err != nil {
		return err
	}
	return e.store.SetCalendarEventID(ctx, b.ID, id)
}

func (e *Executor) updateCalendarEvent(ctx context.Context, b booking.Booking) error {
	if b.CalendarEventID == "" {
		return e.createCalendarEvent(ctx, b)
	}
	event, err := e.calendarEvent(ctx, b)
	if err != nil {
		return err
	}
	return e.calendar.UpdateEvent(ctx, event)
}

func (e *Executor) deleteCalendarEvent(ctx context.Context, b booking.Booking) error {
	if b.CalendarEventID == "" {
		return nil
	}
	if err := e.calendar.DeleteEvent(ctx, b.CalendarEventID); err != nil {
		return err
	}
	return e.store.SetCalendarEventID(ctx, b.ID, "")
}

func (e *Executor) sendEmail(ctx context.Context, b booking.Booking, intent booking.Intent) error {
	studentEmail, err := e.directory.StudentEmail(ctx, b.StudentID)
	if err != nil {
		return err
	}
	tutorEmail, err := e.directory.TutorEmail(ctx, b.TutorID)
	if err != nil {
		return err
	}

	data := map[string]string{
		"booking_id": fmt.Sprintf("%d", b.ID),
		"start":      b.Start.Format("2006-01-02 15:04 MST"),
		"join_url":   b.JoinURL,
	}
	if intent.Reason != "" {
		data["reason"] = intent.Reason
	}

	for _, to := range []string{studentEmail, tutorEmail} {
		if err := e.email.Send(ctx, integrations.Email{
			To:       to,
			Template: string(intent.Template),
			Data:     data,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) refund(ctx context.Context, b booking.Booking, intent booking.Intent) error {
	payment, err := capturedPayment(ctx, e.store, b.ID)
	if err != nil {
		return err
	}

	result, err := e.payments.CreateRefund(ctx, stripe.RefundRequest{
		PaymentIntentID: payment.ExternalIntentID,
		AmountCents:     intent.AmountCents,
		Reason:          intent.Reason,
		IdempotencyKey:  intent.IdempotencyKey,
	})
	if err != nil {
		return err
	}

	externalID := result.ID
	if externalID == "" {
		// Provider replay without a refund object; key on the intent instead.
		externalID = intent.IdempotencyKey
	}

	var wasExisting bool
	err = e.store.Transact(ctx, func(tx storage.Tx) error {
		current, err := tx.GetBookingForUpdate(ctx, b.ID)
		if err != nil {
			return err
		}

		// Prior refunds decide whether this one completes the reversal.
		// Read inside the transaction, after the row lock, so a provider
		// webhook refunding the same payment concurrently is not counted
		// twice.
		var refundedSoFar int64
		prior, err := tx.RefundsForPayment(ctx, payment.ID)
		if err != nil {
			return err
		}
		for _, r := range prior {
			if !r.Failed {
				refundedSoFar += r.AmountCents
			}
		}

		_, wasExisting, err = tx.RecordRefund(ctx, storage.Refund{
			PaymentID:        payment.ID,
			BookingID:        b.ID,
			ExternalRefundID: externalID,
			AmountCents:      intent.AmountCents,
			Reason:           intent.Reason,
			CreatedAt:        b.UpdatedAt,
		})
		if err != nil || wasExisting {
			return err
		}

		// Converge the booking's payment state with the ledger: a full
		// reversal is REFUNDED, anything less PARTIALLY_REFUNDED.
		if refundedSoFar+intent.AmountCents >= payment.AmountCents {
			current.PaymentState = booking.PaymentRefunded
		} else {
			current.PaymentState = booking.PaymentPartiallyRefunded
		}
		expected := current.Version
		current.Version++
		_, err = tx.UpdateBooking(ctx, current, expected)
		return err
	})
	if err != nil {
		return err
	}

	if !wasExisting && e.dispatcher != nil {
		e.dispatcher.Publish(ctx, events.RefundIssued{
			BookingID:   b.ID,
			PaymentID:   payment.ID,
			AmountCents: intent.AmountCents,
			Reason:      intent.Reason,
		})
	}
	return nil
}

func (e *Executor) payout(ctx context.Context, b booking.Booking, intent booking.Intent) error {
	if intent.AmountCents <= 0 {
		return nil
	}
	account, err := e.directory.PayoutAccount(ctx, b.TutorID)
	if err != nil {
		return err
	}
	_, err = e.payments.CreateTransfer(ctx, stripe.TransferRequest{
		DestinationAccount: account,
		AmountCents:        intent.AmountCents,
		Currency:           b.Currency,
		BookingID:          b.ID,
		IdempotencyKey:     intent.IdempotencyKey,
	})
	return err
}

func capturedPayment(ctx context.Context, store storage.Store, bookingID int64) (storage.Payment, error) {
	payments, err := store.PaymentsForBooking(ctx, bookingID)
	if err != nil {
		return storage.Payment{}, err
	}
	for _, p := range payments {
		if p.State == storage.PaymentRowCaptured {
			return p, nil
		}
	}
	return storage.Payment{}, fmt.Errorf("booking %d has no captured payment", bookingID)
}
