package webhookin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tutorhive/server/internal/booking"
	"github.com/tutorhive/server/internal/clock"
	apperrors "github.com/tutorhive/server/internal/errors"
	"github.com/tutorhive/server/internal/events"
	"github.com/tutorhive/server/internal/metrics"
	"github.com/tutorhive/server/internal/storage"
	"github.com/tutorhive/server/internal/stripe"
)

// ErrInvalidSignature is returned when the payload fails verification; the
// HTTP layer answers 400 so the provider stops retrying a forgery.
var ErrInvalidSignature = errors.New("webhookin: invalid signature")

// Event types the ingress reacts to. Anything else is recorded for dedupe
// and otherwise ignored.
const (
	eventCheckoutCompleted = "checkout.session.completed"
	eventCheckoutExpired   = "checkout.session.expired"
	eventPaymentFailed     = "payment_intent.payment_failed"
	eventChargeRefunded    = "charge.refunded"
)

// Options wires the ingress.
type Options struct {
	Store      storage.Store
	Verifier   stripe.Provider
	Dispatcher *events.Dispatcher
	Clock      clock.Clock
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

// Ingress applies provider webhook events to the ledger and bookings.
// Events arrive at-least-once and out of order; every handler re-derives
// state from what is persisted and skips updates the ledger has already
// moved past.
type Ingress struct {
	store      storage.Store
	verifier   stripe.Provider
	dispatcher *events.Dispatcher
	clk        clock.Clock
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// New builds the ingress.
func New(opts Options) *Ingress {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Ingress{
		store:      opts.Store,
		verifier:   opts.Verifier,
		dispatcher: opts.Dispatcher,
		clk:        clk,
		metrics:    opts.Metrics,
		log:        opts.Logger,
	}
}

// HandleRaw verifies the signed payload and applies the event.
func (in *Ingress) HandleRaw(ctx context.Context, payload []byte, signature string) error {
	event, err := in.verifier.VerifyWebhook(payload, signature)
	if err != nil {
		in.count("unknown", "invalid_signature")
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return in.Apply(ctx, event)
}

// errDuplicate aborts the transaction without side effects when the event id
// was already processed. Duplicates are success to the provider.
var errDuplicate = errors.New("webhookin: duplicate event")

// errStale marks an event that arrived after a later one already converged
// the state; applying it would move the ledger backwards.
var errStale = errors.New("webhookin: stale event")

// Apply runs one normalized event through dedupe and its handler in a single
// transaction. Replays and stale arrivals return nil: the provider must see
// 200 or it keeps retrying.
func (in *Ingress) Apply(ctx context.Context, event stripe.WebhookEvent) error {
	now := in.clk.Now()

	// Payment lookups happen before the transaction opens; the dedupe insert
	// inside it serializes concurrent deliveries of the same event id.
	prep, err := in.prepare(ctx, event)
	if err != nil {
		in.count(event.Type, "error")
		return err
	}

	var post func(ctx context.Context)
	err = in.store.Transact(ctx, func(tx storage.Tx) error {
		fresh, err := tx.MarkWebhookProcessed(ctx, storage.ProcessedWebhook{
			EventID:    event.ID,
			EventType:  event.Type,
			OccurredAt: event.OccurredAt,
			ReceivedAt: now,
		})
		if err != nil {
			return err
		}
		if !fresh {
			return errDuplicate
		}

		switch event.Type {
		case eventCheckoutCompleted:
			post, err = in.applyCheckoutCompleted(ctx, tx, event, prep, now)
		case eventCheckoutExpired, eventPaymentFailed:
			err = in.applyPaymentFailed(ctx, tx, event, prep, now)
		case eventChargeRefunded:
			post, err = in.applyChargeRefunded(ctx, tx, event, prep, now)
		default:
			in.log.Debug().Str("event_type", event.Type).Str("event_id", event.ID).
				Msg("ignoring unhandled webhook event type")
		}
		return err
	})

	switch {
	case err == nil:
		in.count(event.Type, "applied")
		if post != nil {
			post(ctx)
		}
		return nil
	case errors.Is(err, errDuplicate):
		if in.metrics != nil {
			in.metrics.WebhookDuplicatesTotal.WithLabelValues(event.Type).Inc()
		}
		return nil
	case errors.Is(err, errStale):
		if in.metrics != nil {
			in.metrics.WebhookStaleTotal.WithLabelValues(event.Type).Inc()
		}
		return nil
	default:
		in.count(event.Type, "error")
		return err
	}
}

// prepared carries lookups resolved before the transaction.
type prepared struct {
	payment    storage.Payment
	hasPayment bool
}

func (in *Ingress) prepare(ctx context.Context, event stripe.WebhookEvent) (prepared, error) {
	var p prepared
	var payment storage.Payment
	var err error

	switch event.Type {
	case eventCheckoutCompleted, eventCheckoutExpired:
		payment, err = in.store.GetPaymentByExternalSession(ctx, event.SessionID)
	case eventPaymentFailed, eventChargeRefunded:
		payment, err = in.store.GetPaymentByExternalIntent(ctx, event.PaymentIntentID)
	default:
		return p, nil
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return p, nil
		}
		return p, err
	}
	p.payment = payment
	p.hasPayment = true
	return p, nil
}

// applyCheckoutCompleted captures the payment and marks the booking paid.
// A success landing after a refund must not un-refund: the refunded states
// win and the event is treated as stale.
func (in *Ingress) applyCheckoutCompleted(ctx context.Context, tx storage.Tx, event stripe.WebhookEvent, prep prepared, now time.Time) (func(context.Context), error) {
	bookingID := event.BookingID
	if bookingID == 0 && prep.hasPayment {
		bookingID = prep.payment.BookingID
	}
	if bookingID == 0 {
		return nil, opError(apperrors.ErrCodeBookingNotFound, "event %s names no booking", event.ID)
	}

	b, err := tx.GetBookingForUpdate(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	switch b.PaymentState {
	case booking.PaymentRefunded, booking.PaymentPartiallyRefunded:
		return nil, errStale
	case booking.PaymentCaptured:
		// Replay under a fresh event id; the ledger is already converged.
		return nil, nil
	}

	var payment storage.Payment
	if prep.hasPayment {
		payment, err = tx.CapturePayment(ctx, prep.payment.ID, event.PaymentIntentID)
	} else {
		// The checkout session was never recorded locally (the record step
		// failed after the provider call). Recreate the row from the event.
		payment, err = tx.RecordPayment(ctx, storage.Payment{
			BookingID:         bookingID,
			ExternalSessionID: event.SessionID,
			ExternalIntentID:  event.PaymentIntentID,
			AmountCents:       event.AmountTotal,
			Currency:          event.Currency,
			State:             storage.PaymentRowCaptured,
			CreatedAt:         now,
		})
	}
	if err != nil {
		return nil, err
	}

	expected := b.Version
	b.PaymentState = booking.PaymentCaptured
	if b.CheckoutSessionID == "" {
		b.CheckoutSessionID = event.SessionID
	}
	if event.PaymentIntentID != "" {
		b.PaymentIntentID = event.PaymentIntentID
	}
	b.Version++
	b.UpdatedAt = now
	if _, err := tx.UpdateBooking(ctx, b, expected); err != nil {
		return nil, err
	}

	captured := b
	return func(ctx context.Context) {
		if in.metrics != nil {
			in.metrics.PaymentsCapturedTotal.WithLabelValues(payment.Currency).Inc()
		}
		if in.dispatcher != nil {
			in.dispatcher.Publish(ctx, events.PaymentCaptured{
				BookingID:   captured.ID,
				PaymentID:   payment.ID,
				AmountCents: payment.AmountCents,
				Currency:    payment.Currency,
			})
		}
	}, nil
}

// applyPaymentFailed marks the pending payment and booking as failed. A
// failure that lost the race to a capture or refund is stale.
func (in *Ingress) applyPaymentFailed(ctx context.Context, tx storage.Tx, event stripe.WebhookEvent, prep prepared, now time.Time) error {
	bookingID := event.BookingID
	if bookingID == 0 && prep.hasPayment {
		bookingID = prep.payment.BookingID
	}
	if bookingID == 0 {
		// Nothing local references this intent; record the dedupe row only.
		return nil
	}

	b, err := tx.GetBookingForUpdate(ctx, bookingID)
	if err != nil {
		return err
	}
	switch b.PaymentState {
	case booking.PaymentCaptured, booking.PaymentRefunded, booking.PaymentPartiallyRefunded:
		return errStale
	case booking.PaymentFailed:
		return nil
	}

	if prep.hasPayment {
		if _, err := tx.FailPayment(ctx, prep.payment.ID); err != nil {
			return err
		}
	}

	expected := b.Version
	b.PaymentState = booking.PaymentFailed
	b.Version++
	b.UpdatedAt = now
	_, err = tx.UpdateBooking(ctx, b, expected)
	return err
}

// applyChargeRefunded reconciles the provider's cumulative refunded amount
// against the local ledger, recording only the missing delta. Refunds the
// platform itself initiated were already written by the refund executor, so
// the usual case is a zero delta.
func (in *Ingress) applyChargeRefunded(ctx context.Context, tx storage.Tx, event stripe.WebhookEvent, prep prepared, now time.Time) (func(context.Context), error) {
	if !prep.hasPayment {
		// No local payment for this intent; keep the dedupe row and move on.
		return nil, nil
	}
	payment := prep.payment

	b, err := tx.GetBookingForUpdate(ctx, payment.BookingID)
	if err != nil {
		return nil, err
	}

	// The ledger is read inside the transaction, after the booking row
	// lock: a platform refund executing concurrently for the same payment
	// commits either before this read (and shrinks the delta) or after this
	// transaction releases the lock (and sees this row instead).
	var refundedSoFar int64
	prior, err := tx.RefundsForPayment(ctx, payment.ID)
	if err != nil {
		return nil, err
	}
	for _, r := range prior {
		if !r.Failed {
			refundedSoFar += r.AmountCents
		}
	}

	delta := event.AmountTotal - refundedSoFar
	if delta <= 0 {
		return nil, errStale
	}

	refund, wasExisting, err := tx.RecordRefund(ctx, storage.Refund{
		PaymentID:        payment.ID,
		BookingID:        payment.BookingID,
		ExternalRefundID: event.ID,
		AmountCents:      delta,
		Reason:           "provider_initiated",
		CreatedAt:        now,
	})
	if err != nil {
		return nil, err
	}
	if wasExisting {
		return nil, nil
	}

	expected := b.Version
	if refundedSoFar+delta >= payment.AmountCents {
		b.PaymentState = booking.PaymentRefunded
	} else {
		b.PaymentState = booking.PaymentPartiallyRefunded
	}
	b.Version++
	b.UpdatedAt = now
	if _, err := tx.UpdateBooking(ctx, b, expected); err != nil {
		return nil, err
	}

	return func(ctx context.Context) {
		if in.metrics != nil {
			in.metrics.RefundsTotal.WithLabelValues("provider_initiated").Inc()
			in.metrics.RefundAmountTotal.Add(float64(delta))
		}
		if in.dispatcher != nil {
			in.dispatcher.Publish(ctx, events.RefundIssued{
				BookingID:   payment.BookingID,
				PaymentID:   payment.ID,
				AmountCents: refund.AmountCents,
				Reason:      refund.Reason,
			})
		}
	}, nil
}

func (in *Ingress) count(eventType, status string) {
	if in.metrics != nil {
		in.metrics.WebhooksTotal.WithLabelValues(eventType, status).Inc()
	}
}

func opError(code apperrors.ErrorCode, format string, args ...any) error {
	return fmt.Errorf("%s: %s", code, fmt.Sprintf(format, args...))
}
