package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialization(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	if m == nil {
		t.Fatal("metrics collector should not be nil")
	}

	// Verify all metrics are initialized
	if m.TransitionsTotal == nil {
		t.Error("TransitionsTotal should be initialized")
	}
	if m.RejectionsTotal == nil {
		t.Error("RejectionsTotal should be initialized")
	}
	if m.TransitionDuration == nil {
		t.Error("TransitionDuration should be initialized")
	}
	if m.LockConflictsTotal == nil {
		t.Error("LockConflictsTotal should be initialized")
	}
	if m.WebhooksTotal == nil {
		t.Error("WebhooksTotal should be initialized")
	}
	if m.IntentsTotal == nil {
		t.Error("IntentsTotal should be initialized")
	}
	if m.JobRunsTotal == nil {
		t.Error("JobRunsTotal should be initialized")
	}
}

func TestObserveTransition(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveTransition("approve", "REQUESTED", "SCHEDULED", 25*time.Millisecond)

	count := promtest.ToFloat64(m.TransitionsTotal.WithLabelValues("approve", "REQUESTED", "SCHEDULED"))
	if count != 1 {
		t.Errorf("expected 1 transition, got %.0f", count)
	}
}

func TestObserveRejection(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveRejection("cancel", "terminal_state")

	count := promtest.ToFloat64(m.RejectionsTotal.WithLabelValues("cancel", "terminal_state"))
	if count != 1 {
		t.Errorf("expected 1 rejection, got %.0f", count)
	}
}

func TestObserveCapture(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveCapture("USD", 5000)

	count := promtest.ToFloat64(m.PaymentsCapturedTotal.WithLabelValues("USD"))
	if count != 1 {
		t.Errorf("expected 1 capture, got %.0f", count)
	}

	amount := promtest.ToFloat64(m.PaymentAmountTotal.WithLabelValues("USD"))
	if amount != 5000 {
		t.Errorf("expected captured amount 5000 cents, got %.0f", amount)
	}
}

func TestObserveRefund(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveRefund("tutor_cancelled", 5000)

	count := promtest.ToFloat64(m.RefundsTotal.WithLabelValues("tutor_cancelled"))
	if count != 1 {
		t.Errorf("expected 1 refund, got %.0f", count)
	}

	amount := promtest.ToFloat64(m.RefundAmountTotal)
	if amount != 5000 {
		t.Errorf("expected refund amount 5000 cents, got %.0f", amount)
	}
}

func TestObserveWebhook(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveWebhook("checkout.session.completed", "processed")
	m.ObserveWebhook("checkout.session.completed", "duplicate")
	m.ObserveWebhook("payment_intent.payment_failed", "stale")

	processed := promtest.ToFloat64(m.WebhooksTotal.WithLabelValues("checkout.session.completed", "processed"))
	if processed != 1 {
		t.Errorf("expected 1 processed webhook, got %.0f", processed)
	}

	dupes := promtest.ToFloat64(m.WebhookDuplicatesTotal.WithLabelValues("checkout.session.completed"))
	if dupes != 1 {
		t.Errorf("expected 1 duplicate webhook, got %.0f", dupes)
	}

	stale := promtest.ToFloat64(m.WebhookStaleTotal.WithLabelValues("payment_intent.payment_failed"))
	if stale != 1 {
		t.Errorf("expected 1 stale webhook, got %.0f", stale)
	}
}

func TestObserveIntent(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveIntent("create_meeting", "success", 150*time.Millisecond)
	m.ObserveIntent("refund", "retry", time.Second)

	success := promtest.ToFloat64(m.IntentsTotal.WithLabelValues("create_meeting", "success"))
	if success != 1 {
		t.Errorf("expected 1 successful intent, got %.0f", success)
	}

	retries := promtest.ToFloat64(m.IntentsTotal.WithLabelValues("refund", "retry"))
	if retries != 1 {
		t.Errorf("expected 1 retried intent, got %.0f", retries)
	}
}

func TestObserveJobRun(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveJobRun("expire_requests", "success", 80*time.Millisecond)
	m.ObserveJobLockMiss("expire_requests")

	runs := promtest.ToFloat64(m.JobRunsTotal.WithLabelValues("expire_requests", "success"))
	if runs != 1 {
		t.Errorf("expected 1 job run, got %.0f", runs)
	}

	misses := promtest.ToFloat64(m.JobLockMissTotal.WithLabelValues("expire_requests"))
	if misses != 1 {
		t.Errorf("expected 1 lock miss, got %.0f", misses)
	}
}

func TestObserveRateLimit(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveRateLimit("per_user", "user123")

	hits := promtest.ToFloat64(m.RateLimitHitsTotal.WithLabelValues("per_user", "user123"))
	if hits != 1 {
		t.Errorf("expected 1 rate limit hit, got %.0f", hits)
	}
}

func TestObserveDBQuery(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveDBQuery("SELECT", "postgres", 50*time.Millisecond)

	// For histograms, verify the metric exists and was created successfully
	if m.DBQueryDuration == nil {
		t.Error("DBQueryDuration should be initialized")
	}
}
