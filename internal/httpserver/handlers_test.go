package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorhive/server/internal/booking"
	"github.com/tutorhive/server/internal/clock"
	"github.com/tutorhive/server/internal/config"
	"github.com/tutorhive/server/internal/events"
	"github.com/tutorhive/server/internal/idempotency"
	"github.com/tutorhive/server/internal/lockout"
	"github.com/tutorhive/server/internal/orchestrator"
	"github.com/tutorhive/server/internal/outbox"
	"github.com/tutorhive/server/internal/storage"
	"github.com/tutorhive/server/internal/stripe"
	"github.com/tutorhive/server/internal/webhookin"
)

type testEnv struct {
	server   *Server
	store    *storage.MemoryStore
	provider *stripe.FakeProvider
	queue    *outbox.MemoryQueue
	cfg      *config.Config
	clk      *clock.Fake
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.AdminMetricsAPIKey = "admin-secret"
	cfg.Lockout.MaxAttempts = 3

	store := storage.NewMemoryStore()
	provider := stripe.NewFakeProvider()
	queue := outbox.NewMemoryQueue(5)
	dispatcher := events.NewDispatcher()
	clk := clock.NewFake(time.Date(2030, 3, 1, 10, 0, 0, 0, time.UTC))

	machine := booking.NewMachine(booking.DefaultMachineConfig(), booking.DefaultRefundPolicy())
	svc := orchestrator.New(orchestrator.Options{
		Store:      store,
		Machine:    machine,
		Queue:      queue,
		Dispatcher: dispatcher,
		Payments:   provider,
		Clock:      clk,
		Logger:     zerolog.Nop(),
	})
	ingress := webhookin.New(webhookin.Options{
		Store:      store,
		Verifier:   provider,
		Dispatcher: dispatcher,
		Clock:      clk,
		Logger:     zerolog.Nop(),
	})
	guard := lockout.New(lockout.NewMemoryCounters(clk.Now), lockout.Config{
		MaxAttempts: cfg.Lockout.MaxAttempts,
		Window:      cfg.Lockout.Window.Duration,
		Duration:    cfg.Lockout.Duration.Duration,
	})

	srv := New(Options{
		Config:           cfg,
		Bookings:         svc,
		Ingress:          ingress,
		Queue:            queue,
		Store:            store,
		IdempotencyStore: idempotency.NewMemoryStore(),
		Lockouts:         guard,
		Metrics:          nil,
		Logger:           zerolog.Nop(),
	})

	return &testEnv{server: srv, store: store, provider: provider, queue: queue, cfg: cfg, clk: clk}
}

func (e *testEnv) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createBooking(t *testing.T) int64 {
	t.Helper()
	start := e.clk.Now().Add(48 * time.Hour)
	rec := e.do(http.MethodPost, "/v1/bookings", map[string]any{
		"studentId":      101,
		"tutorId":        202,
		"tutorProfileId": 303,
		"start":          start.Format(time.RFC3339),
		"end":            start.Add(time.Hour).Format(time.RFC3339),
		"timezone":       "Europe/Berlin",
		"amountCents":    5000,
		"currency":       "USD",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Booking struct {
			ID int64 `json:"id"`
		} `json:"booking"`
		CheckoutURL string `json:"checkoutUrl"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotZero(t, resp.Booking.ID)
	require.NotEmpty(t, resp.CheckoutURL)
	return resp.Booking.ID
}

// capturePayment drives the checkout-completed webhook through the HTTP
// endpoint using the fake provider's payload format.
func (e *testEnv) capturePayment(t *testing.T, bookingID int64) {
	t.Helper()
	b, err := e.store.GetBooking(context.Background(), bookingID)
	require.NoError(t, err)
	payload := fmt.Sprintf("evt_cap_%d|checkout.session.completed|%s|%d|%d",
		bookingID, b.CheckoutSessionID, bookingID, b.AmountCents)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte(payload)))
	req.Header.Set("Stripe-Signature", "sig")
	w := httptest.NewRecorder()
	e.server.httpServer.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestCreateAndGetBooking(t *testing.T) {
	env := newTestEnv(t)
	id := env.createBooking(t)

	rec := env.do(http.MethodGet, fmt.Sprintf("/v1/bookings/%d", id), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got bookingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "REQUESTED", got.SessionState)
	assert.Equal(t, "PENDING", got.PaymentState)
	assert.Equal(t, int64(5000), got.AmountCents)
}

func TestGetBookingNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/v1/bookings/999", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "booking_not_found")
}

func TestCreateBookingRejectsShortSession(t *testing.T) {
	env := newTestEnv(t)
	start := env.clk.Now().Add(48 * time.Hour)
	rec := env.do(http.MethodPost, "/v1/bookings", map[string]any{
		"studentId":   101,
		"tutorId":     202,
		"start":       start.Format(time.RFC3339),
		"end":         start.Add(10 * time.Minute).Format(time.RFC3339),
		"timezone":    "UTC",
		"amountCents": 5000,
		"currency":    "USD",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "session_too_short")
}

func TestApproveRequiresCapturedPayment(t *testing.T) {
	env := newTestEnv(t)
	id := env.createBooking(t)

	rec := env.do(http.MethodPost, fmt.Sprintf("/v1/bookings/%d/approve", id), nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "payment_not_captured")

	env.capturePayment(t, id)

	rec = env.do(http.MethodPost, fmt.Sprintf("/v1/bookings/%d/approve", id), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got bookingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "SCHEDULED", got.SessionState)
	assert.Equal(t, "CAPTURED", got.PaymentState)
}

func TestCancelValidatesRole(t *testing.T) {
	env := newTestEnv(t)
	id := env.createBooking(t)

	rec := env.do(http.MethodPost, fmt.Sprintf("/v1/bookings/%d/cancel", id),
		map[string]any{"role": "SYSTEM", "reason": "nope"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_role")
}

func TestStudentCancelOutsideCutoffRefunds(t *testing.T) {
	env := newTestEnv(t)
	id := env.createBooking(t)
	env.capturePayment(t, id)

	rec := env.do(http.MethodPost, fmt.Sprintf("/v1/bookings/%d/approve", id), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPost, fmt.Sprintf("/v1/bookings/%d/cancel", id),
		map[string]any{"role": "STUDENT", "reason": "schedule change"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got bookingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "CANCELLED", got.SessionState)
}

func TestIdempotencyKeyReplaysResponse(t *testing.T) {
	env := newTestEnv(t)
	start := env.clk.Now().Add(72 * time.Hour)
	body := map[string]any{
		"studentId":   101,
		"tutorId":     202,
		"start":       start.Format(time.RFC3339),
		"end":         start.Add(time.Hour).Format(time.RFC3339),
		"timezone":    "UTC",
		"amountCents": 5000,
		"currency":    "USD",
	}
	headers := map[string]string{"Idempotency-Key": "create-once"}

	first := env.do(http.MethodPost, "/v1/bookings", body, headers)
	require.Equal(t, http.StatusCreated, first.Code)

	second := env.do(http.MethodPost, "/v1/bookings", body, headers)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())

	// The replay never reached the service: one booking exists.
	_, err := env.store.GetBooking(context.Background(), 2)
	assert.Error(t, err)
}

func TestWebhookInvalidSignature(t *testing.T) {
	env := newTestEnv(t)
	env.provider.FailWith = assert.AnError

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte("evt|type")))
	req.Header.Set("Stripe-Signature", "bad")
	rec := httptest.NewRecorder()
	env.server.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "signature")
}

func TestAdminEndpointsRequireKey(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/admin/intents/dead", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/admin/intents/dead", nil,
		map[string]string{"Authorization": "Bearer admin-secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":0`)
}

func TestAdminRetryUnknownIntent(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/admin/intents/nope/retry", nil,
		map[string]string{"Authorization": "Bearer admin-secret"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "intent_not_found")
}

func TestMetricsEndpointRequiresKey(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLockoutBlocksRepeatedFailures(t *testing.T) {
	env := newTestEnv(t)
	headers := map[string]string{"X-User-ID": "101"}

	// Malformed ids are 400s, which count against the account.
	for i := 0; i < 3; i++ {
		rec := env.do(http.MethodGet, "/v1/bookings/bogus", nil, headers)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	}

	rec := env.do(http.MethodGet, "/v1/bookings/bogus", nil, headers)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "account_locked")

	// A different account is unaffected.
	rec = env.do(http.MethodGet, "/v1/bookings/bogus", nil, map[string]string{"X-User-ID": "202"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
