package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for TutorHive.
type Metrics struct {
	// Booking lifecycle metrics
	TransitionsTotal   *prometheus.CounterVec
	RejectionsTotal    *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	LockConflictsTotal *prometheus.CounterVec
	TimeConflictsTotal prometheus.Counter

	// Payment metrics
	PaymentsCapturedTotal *prometheus.CounterVec
	PaymentAmountTotal    *prometheus.CounterVec
	RefundsTotal          *prometheus.CounterVec
	RefundAmountTotal     prometheus.Counter
	PayoutsTotal          *prometheus.CounterVec

	// Webhook ingress metrics
	WebhooksTotal         *prometheus.CounterVec
	WebhookDuplicatesTotal *prometheus.CounterVec
	WebhookStaleTotal     *prometheus.CounterVec

	// Side-effect intent metrics
	IntentsTotal   *prometheus.CounterVec
	IntentDuration *prometheus.HistogramVec

	// Scheduler metrics
	JobRunsTotal    *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	JobLockMissTotal *prometheus.CounterVec
	ClockSkew       prometheus.Gauge

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutorhive_transitions_total",
				Help: "Total number of booking state transitions",
			},
			[]string{"command", "from_state", "to_state"},
		),
		RejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutorhive_rejections_total",
				Help: "Total number of commands rejected by the state machine",
			},
			[]string{"command", "reason"},
		),
		TransitionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tutorhive_transition_duration_seconds",
				Help:    "Time taken to commit a booking transition (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"command"},
		),
		LockConflictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutorhive_lock_conflicts_total",
				Help: "Total number of optimistic lock conflicts",
			},
			[]string{"command"},
		),
		TimeConflictsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tutorhive_time_conflicts_total",
				Help: "Total number of bookings rejected for overlapping windows",
			},
		),

		PaymentsCapturedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutorhive_payments_captured_total",
				Help: "Total number of captured payments",
			},
			[]string{"currency"},
		),
		PaymentAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutorhive_payment_amount_total",
				Help: "Total captured amount in cents",
			},
			[]string{"currency"},
		),
		RefundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutorhive_refunds_total",
				Help: "Total number of refunds issued",
			},
			[]string{"reason"},
		),
		RefundAmountTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tutorhive_refund_amount_total",
				Help: "Total refunded amount in cents",
			},
		),
		PayoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutorhive_payouts_total",
				Help: "Total number of tutor payouts",
			},
			[]string{"status"},
		),

		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutorhive_webhooks_total",
				Help: "Total number of webhook events received",
			},
			[]string{"event_type", "status"},
		),
		WebhookDuplicatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutorhive_webhook_duplicates_total",
				Help: "Total number of replayed webhook events skipped",
			},
			[]string{"event_type"},
		),
		WebhookStaleTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutorhive_webhook_stale_total",
				Help: "Total number of out-of-order webhook events skipped",
			},
			[]string{"event_type"},
		),

		IntentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutorhive_intents_total",
				Help: "Total number of side-effect intent executions",
			},
			[]string{"kind", "outcome"},
		),
		IntentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tutorhive_intent_duration_seconds",
				Help:    "Time taken to execute a side-effect intent",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		),

		JobRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutorhive_job_runs_total",
				Help: "Total number of scheduler job runs",
			},
			[]string{"job", "status"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tutorhive_job_duration_seconds",
				Help:    "Scheduler job run duration",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"job"},
		),
		JobLockMissTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutorhive_job_lock_miss_total",
				Help: "Total number of job ticks skipped because another instance held the lock",
			},
			[]string{"job"},
		),
		ClockSkew: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tutorhive_clock_skew_seconds",
				Help: "Observed difference between worker clock and database clock",
			},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutorhive_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type", "identifier"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tutorhive_db_query_duration_seconds",
				Help:    "Database query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tutorhive_db_connections_active",
				Help: "Number of active database connections",
			},
		),
	}
}

// ObserveTransition records a committed booking transition.
func (m *Metrics) ObserveTransition(command, fromState, toState string, duration time.Duration) {
	m.TransitionsTotal.WithLabelValues(command, fromState, toState).Inc()
	m.TransitionDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// ObserveRejection records a command refused by the state machine.
func (m *Metrics) ObserveRejection(command, reason string) {
	m.RejectionsTotal.WithLabelValues(command, reason).Inc()
}

// ObserveLockConflict records an optimistic lock retry.
func (m *Metrics) ObserveLockConflict(command string) {
	m.LockConflictsTotal.WithLabelValues(command).Inc()
}

// ObserveTimeConflict records a booking rejected for an overlapping window.
func (m *Metrics) ObserveTimeConflict() {
	m.TimeConflictsTotal.Inc()
}

// ObserveCapture records a captured payment.
func (m *Metrics) ObserveCapture(currency string, amountCents int64) {
	m.PaymentsCapturedTotal.WithLabelValues(currency).Inc()
	m.PaymentAmountTotal.WithLabelValues(currency).Add(float64(amountCents))
}

// ObserveRefund records an issued refund.
func (m *Metrics) ObserveRefund(reason string, amountCents int64) {
	m.RefundsTotal.WithLabelValues(reason).Inc()
	m.RefundAmountTotal.Add(float64(amountCents))
}

// ObservePayout records a tutor payout attempt.
func (m *Metrics) ObservePayout(status string) {
	m.PayoutsTotal.WithLabelValues(status).Inc()
}

// ObserveWebhook records a webhook ingress outcome.
func (m *Metrics) ObserveWebhook(eventType, status string) {
	m.WebhooksTotal.WithLabelValues(eventType, status).Inc()
	switch status {
	case "duplicate":
		m.WebhookDuplicatesTotal.WithLabelValues(eventType).Inc()
	case "stale":
		m.WebhookStaleTotal.WithLabelValues(eventType).Inc()
	}
}

// ObserveIntent records a side-effect intent execution.
func (m *Metrics) ObserveIntent(kind, outcome string, duration time.Duration) {
	m.IntentsTotal.WithLabelValues(kind, outcome).Inc()
	m.IntentDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveJobRun records one scheduler job execution.
func (m *Metrics) ObserveJobRun(job, status string, duration time.Duration) {
	m.JobRunsTotal.WithLabelValues(job, status).Inc()
	m.JobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// ObserveJobLockMiss records a tick skipped because the lock was held elsewhere.
func (m *Metrics) ObserveJobLockMiss(job string) {
	m.JobLockMissTotal.WithLabelValues(job).Inc()
}

// ObserveClockSkew records the latest worker-vs-database clock reading.
func (m *Metrics) ObserveClockSkew(skew time.Duration) {
	m.ClockSkew.Set(skew.Seconds())
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType, identifier string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType, identifier).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}
