package stripe

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// FakeProvider is an in-memory Provider for tests and local development.
// Idempotency keys are honored the way Stripe honors them: a replayed
// refund or transfer returns the original result.
type FakeProvider struct {
	mu        sync.Mutex
	nextID    int
	sessions  map[string]CheckoutSession
	refunds   map[string]RefundResult // by idempotency key
	transfers map[string]string       // idempotency key -> transfer id

	FailWith  error
	Refunded  []RefundRequest
	Paid      []TransferRequest
	Checkouts []CheckoutRequest
}

// NewFakeProvider creates an empty fake.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		sessions:  make(map[string]CheckoutSession),
		refunds:   make(map[string]RefundResult),
		transfers: make(map[string]string),
	}
}

func (f *FakeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return CheckoutSession{}, f.FailWith
	}
	f.nextID++
	s := CheckoutSession{
		ID:              fmt.Sprintf("cs_test_%d", f.nextID),
		URL:             fmt.Sprintf("https://checkout.example.com/%d", f.nextID),
		PaymentIntentID: fmt.Sprintf("pi_test_%d", f.nextID),
	}
	f.sessions[s.ID] = s
	f.Checkouts = append(f.Checkouts, req)
	return s, nil
}

func (f *FakeProvider) RetrieveCheckoutSession(ctx context.Context, sessionID string) (CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return CheckoutSession{}, f.FailWith
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return CheckoutSession{}, fmt.Errorf("stripe: no such session %s", sessionID)
	}
	return s, nil
}

func (f *FakeProvider) CreateRefund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return RefundResult{}, f.FailWith
	}
	if req.IdempotencyKey != "" {
		if prior, ok := f.refunds[req.IdempotencyKey]; ok {
			prior.WasExisting = true
			return prior, nil
		}
	}
	f.nextID++
	result := RefundResult{ID: fmt.Sprintf("re_test_%d", f.nextID), AmountCents: req.AmountCents}
	if req.IdempotencyKey != "" {
		f.refunds[req.IdempotencyKey] = result
	}
	f.Refunded = append(f.Refunded, req)
	return result, nil
}

func (f *FakeProvider) CreateTransfer(ctx context.Context, req TransferRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return "", f.FailWith
	}
	if req.IdempotencyKey != "" {
		if prior, ok := f.transfers[req.IdempotencyKey]; ok {
			return prior, nil
		}
	}
	f.nextID++
	id := fmt.Sprintf("tr_test_%d", f.nextID)
	if req.IdempotencyKey != "" {
		f.transfers[req.IdempotencyKey] = id
	}
	f.Paid = append(f.Paid, req)
	return id, nil
}

// VerifyWebhook on the fake trusts the payload and parses a minimal pipe
// delimited format: "id|type|sessionID|bookingID|amount". Tests construct
// richer events directly instead.
func (f *FakeProvider) VerifyWebhook(payload []byte, signature string) (WebhookEvent, error) {
	if f.FailWith != nil {
		return WebhookEvent{}, f.FailWith
	}
	parts := splitPayload(string(payload))
	if len(parts) < 2 {
		return WebhookEvent{}, fmt.Errorf("stripe: malformed fake payload")
	}
	event := WebhookEvent{ID: parts[0], Type: parts[1], OccurredAt: time.Now().UTC()}
	if len(parts) > 2 {
		event.SessionID = parts[2]
	}
	if len(parts) > 3 {
		event.BookingID, _ = strconv.ParseInt(parts[3], 10, 64)
	}
	if len(parts) > 4 {
		event.AmountTotal, _ = strconv.ParseInt(parts[4], 10, 64)
	}
	return event, nil
}

func splitPayload(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}
