package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/checkout/session"
	"github.com/stripe/stripe-go/v72/refund"
	"github.com/stripe/stripe-go/v72/transfer"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/tutorhive/server/internal/circuitbreaker"
)

// Config holds Stripe credentials and redirect targets.
type Config struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

// Client wraps stripe-go operations used by the server. All API calls run
// through the stripe circuit breaker.
type Client struct {
	cfg      Config
	breakers *circuitbreaker.Manager
}

// NewClient sets up stripe-go with the provided credentials.
func NewClient(cfg Config, breakers *circuitbreaker.Manager) *Client {
	stripeapi.Key = cfg.SecretKey
	return &Client{cfg: cfg, breakers: breakers}
}

// CreateCheckoutSession builds a Stripe Checkout session for one booking.
// The booking id travels in metadata so the webhook can find its way back.
func (c *Client) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	if req.AmountCents <= 0 {
		return CheckoutSession{}, errors.New("stripe: amount required")
	}

	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["booking_id"] = strconv.FormatInt(req.BookingID, 10)

	params := &stripeapi.CheckoutSessionParams{
		Mode:               stripeapi.String(string(stripeapi.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripeapi.StringSlice([]string{"card"}),
		SuccessURL:         stripeapi.String(firstNonEmpty(req.SuccessURL, c.cfg.SuccessURL)),
		CancelURL:          stripeapi.String(firstNonEmpty(req.CancelURL, c.cfg.CancelURL)),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{
			{
				Quantity: stripeapi.Int64(1),
				PriceData: &stripeapi.CheckoutSessionLineItemPriceDataParams{
					Currency: stripeapi.String(strings.ToLower(req.Currency)),
					ProductData: &stripeapi.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripeapi.String(req.Description),
					},
					UnitAmount: stripeapi.Int64(req.AmountCents),
				},
			},
		},
	}
	params.Metadata = metadata
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripeapi.String(req.CustomerEmail)
	}

	res, err := c.breakers.Execute(circuitbreaker.ServiceStripe, func() (interface{}, error) {
		return session.New(params)
	})
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	s := res.(*stripeapi.CheckoutSession)
	return CheckoutSession{ID: s.ID, URL: s.URL, PaymentIntentID: paymentIntentID(s)}, nil
}

// RetrieveCheckoutSession fetches the current state of a checkout session.
func (c *Client) RetrieveCheckoutSession(ctx context.Context, sessionID string) (CheckoutSession, error) {
	res, err := c.breakers.Execute(circuitbreaker.ServiceStripe, func() (interface{}, error) {
		return session.Get(sessionID, nil)
	})
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: retrieve checkout session: %w", err)
	}
	s := res.(*stripeapi.CheckoutSession)
	return CheckoutSession{ID: s.ID, URL: s.URL, PaymentIntentID: paymentIntentID(s)}, nil
}

// CreateRefund issues a refund against a payment intent. The idempotency key
// makes retries safe; a replay of an already-refunded charge is reported via
// WasExisting instead of failing the caller.
func (c *Client) CreateRefund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	params := &stripeapi.RefundParams{
		PaymentIntent: stripeapi.String(req.PaymentIntentID),
		Amount:        stripeapi.Int64(req.AmountCents),
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	res, err := c.breakers.Execute(circuitbreaker.ServiceStripe, func() (interface{}, error) {
		return refund.New(params)
	})
	if err != nil {
		var stripeErr *stripeapi.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripeapi.ErrorCodeChargeAlreadyRefunded {
			return RefundResult{AmountCents: req.AmountCents, WasExisting: true}, nil
		}
		return RefundResult{}, fmt.Errorf("stripe: create refund: %w", err)
	}
	r := res.(*stripeapi.Refund)
	return RefundResult{ID: r.ID, AmountCents: r.Amount}, nil
}

// CreateTransfer pays out the tutor's share to their connected account.
func (c *Client) CreateTransfer(ctx context.Context, req TransferRequest) (string, error) {
	params := &stripeapi.TransferParams{
		Amount:      stripeapi.Int64(req.AmountCents),
		Currency:    stripeapi.String(strings.ToLower(req.Currency)),
		Destination: stripeapi.String(req.DestinationAccount),
	}
	params.AddMetadata("booking_id", strconv.FormatInt(req.BookingID, 10))
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	res, err := c.breakers.Execute(circuitbreaker.ServiceStripe, func() (interface{}, error) {
		return transfer.New(params)
	})
	if err != nil {
		return "", fmt.Errorf("stripe: create transfer: %w", err)
	}
	return res.(*stripeapi.Transfer).ID, nil
}

// VerifyWebhook validates the event signature and normalises the payload.
func (c *Client) VerifyWebhook(payload []byte, signature string) (WebhookEvent, error) {
	if c.cfg.WebhookSecret == "" {
		return WebhookEvent{}, errors.New("stripe: webhook secret not configured")
	}
	event, err := webhook.ConstructEvent(payload, signature, c.cfg.WebhookSecret)
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("stripe: construct event: %w", err)
	}

	out := WebhookEvent{
		ID:         event.ID,
		Type:       event.Type,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.expired":
		var checkout stripeapi.CheckoutSession
		if err := jsonExtract(event.Data.Raw, &checkout); err != nil {
			return WebhookEvent{}, err
		}
		bookingID, err := bookingIDFromMetadata(checkout.Metadata)
		if err != nil {
			return WebhookEvent{}, err
		}
		out.SessionID = checkout.ID
		out.PaymentIntentID = paymentIntentID(&checkout)
		out.BookingID = bookingID
		out.AmountTotal = checkout.AmountTotal
		out.Currency = strings.ToUpper(string(checkout.Currency))
	case "payment_intent.payment_failed":
		var intent stripeapi.PaymentIntent
		if err := jsonExtract(event.Data.Raw, &intent); err != nil {
			return WebhookEvent{}, err
		}
		out.PaymentIntentID = intent.ID
		if bookingID, err := bookingIDFromMetadata(intent.Metadata); err == nil {
			out.BookingID = bookingID
		}
		if intent.LastPaymentError != nil {
			out.FailureCode = string(intent.LastPaymentError.Code)
		}
	case "charge.refunded":
		var charge stripeapi.Charge
		if err := jsonExtract(event.Data.Raw, &charge); err != nil {
			return WebhookEvent{}, err
		}
		if charge.PaymentIntent != nil {
			out.PaymentIntentID = charge.PaymentIntent.ID
		}
		out.AmountTotal = charge.AmountRefunded
		out.Currency = strings.ToUpper(string(charge.Currency))
	}
	return out, nil
}

func bookingIDFromMetadata(metadata map[string]string) (int64, error) {
	if metadata == nil {
		return 0, errors.New("stripe: webhook missing booking_id in metadata")
	}
	raw := metadata["booking_id"]
	if raw == "" {
		return 0, errors.New("stripe: webhook missing booking_id in metadata")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("stripe: bad booking_id %q: %w", raw, err)
	}
	return id, nil
}

func paymentIntentID(s *stripeapi.CheckoutSession) string {
	if s.PaymentIntent == nil {
		return ""
	}
	return s.PaymentIntent.ID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func jsonExtract(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("stripe: webhook payload empty")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("stripe: decode webhook payload: %w", err)
	}
	return nil
}
