package stripe

import (
	"context"
	"time"
)

// CheckoutRequest carries what the provider needs to build a hosted payment
// page for one booking.
type CheckoutRequest struct {
	BookingID     int64
	AmountCents   int64
	Currency      string
	CustomerEmail string
	Description   string
	SuccessURL    string
	CancelURL     string
	Metadata      map[string]string
}

// CheckoutSession is the provider-side session handle.
type CheckoutSession struct {
	ID              string
	URL             string
	PaymentIntentID string
}

// RefundRequest reverses part or all of a captured payment. IdempotencyKey
// makes retries safe at the provider.
type RefundRequest struct {
	PaymentIntentID string
	AmountCents     int64
	Reason          string
	IdempotencyKey  string
}

// RefundResult reports the provider refund. WasExisting is set when the
// provider recognised the request as a replay.
type RefundResult struct {
	ID          string
	AmountCents int64
	WasExisting bool
}

// TransferRequest pays out a tutor's share to their connected account.
type TransferRequest struct {
	DestinationAccount string
	AmountCents        int64
	Currency           string
	BookingID          int64
	IdempotencyKey     string
}

// WebhookEvent is the normalized subset of a provider event the lifecycle
// cares about.
type WebhookEvent struct {
	ID              string
	Type            string
	OccurredAt      time.Time
	SessionID       string
	PaymentIntentID string
	BookingID       int64
	AmountTotal     int64
	Currency        string
	FailureCode     string
}

// Provider abstracts the payment processor so the orchestrator and webhook
// ingress can run against a fake.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
	RetrieveCheckoutSession(ctx context.Context, sessionID string) (CheckoutSession, error)
	CreateRefund(ctx context.Context, req RefundRequest) (RefundResult, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (string, error)

	// VerifyWebhook checks the payload signature and normalizes the event.
	VerifyWebhook(payload []byte, signature string) (WebhookEvent, error)
}
