package config

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Stripe.Mode == "" {
		c.Stripe.Mode = "test"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.WebhookTimeout.Duration <= 0 {
		c.Server.WebhookTimeout = Duration{Duration: 5 * time.Second}
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}

	// The outbox shares the primary store unless told otherwise, so a
	// postgres deployment gets a postgres queue with zero extra config.
	if c.Outbox.Backend == "" {
		switch c.Storage.Backend {
		case "postgres":
			c.Outbox.Backend = "postgres"
		default:
			c.Outbox.Backend = "memory"
		}
	}
	if c.Outbox.MaxAttempts <= 0 {
		c.Outbox.MaxAttempts = 5
	}
	if c.Outbox.PollInterval.Duration <= 0 {
		c.Outbox.PollInterval = Duration{Duration: 5 * time.Second}
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = 20
	}

	if c.Booking.RequestExpiry.Duration <= 0 {
		c.Booking.RequestExpiry = Duration{Duration: 24 * time.Hour}
	}
	if c.Booking.SessionEndGrace.Duration <= 0 {
		c.Booking.SessionEndGrace = Duration{Duration: 5 * time.Minute}
	}
	if c.Booking.CancellationCutoff.Duration <= 0 {
		c.Booking.CancellationCutoff = Duration{Duration: 12 * time.Hour}
	}
	if c.Booking.ReminderLead.Duration <= 0 {
		c.Booking.ReminderLead = Duration{Duration: time.Hour}
	}
	if c.Stripe.PayoutDelay.Duration <= 0 {
		c.Stripe.PayoutDelay = Duration{Duration: 48 * time.Hour}
	}
	if c.Webhooks.DedupeRetention.Duration <= 0 {
		c.Webhooks.DedupeRetention = Duration{Duration: 30 * 24 * time.Hour}
	}

	if c.Scheduler.ClockSkewWarn.Duration <= 0 {
		c.Scheduler.ClockSkewWarn = Duration{Duration: 2 * time.Second}
	}
	if c.Scheduler.Retry.InitialBackoff.Duration <= 0 {
		c.Scheduler.Retry.InitialBackoff = Duration{Duration: 60 * time.Second}
	}
	if c.Scheduler.Retry.Multiplier <= 1 {
		c.Scheduler.Retry.Multiplier = 2.0
	}
	if c.Scheduler.Retry.MaxBackoff.Duration <= 0 {
		c.Scheduler.Retry.MaxBackoff = Duration{Duration: 30 * time.Minute}
	}
	if c.Scheduler.Retry.MaxFailures <= 0 {
		c.Scheduler.Retry.MaxFailures = 5
	}

	if c.Integrations.FreeBusyBudget.Duration <= 0 {
		c.Integrations.FreeBusyBudget = Duration{Duration: 5 * time.Second}
	}
	if c.Integrations.FreeBusyCacheTTL.Duration <= 0 {
		c.Integrations.FreeBusyCacheTTL = Duration{Duration: 60 * time.Second}
	}
	if c.Integrations.HTTPTimeout.Duration <= 0 {
		c.Integrations.HTTPTimeout = Duration{Duration: 10 * time.Second}
	}

	if c.Lockout.MaxAttempts <= 0 {
		c.Lockout.MaxAttempts = 10
	}
	if c.Lockout.Window.Duration <= 0 {
		c.Lockout.Window = Duration{Duration: 15 * time.Minute}
	}
	if c.Lockout.Duration.Duration <= 0 {
		c.Lockout.Duration = Duration{Duration: 15 * time.Minute}
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when storage.backend is 'postgres'")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not supported (memory, postgres)", c.Storage.Backend))
	}

	switch c.Outbox.Backend {
	case "memory", "postgres":
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, "storage.mongodb_url is required when outbox.backend is 'mongodb'")
		}
		if c.Storage.MongoDBDatabase == "" {
			errs = append(errs, "storage.mongodb_database is required when outbox.backend is 'mongodb'")
		}
	default:
		errs = append(errs, fmt.Sprintf("outbox.backend %q is not supported (memory, postgres, mongodb)", c.Outbox.Backend))
	}
	if c.Outbox.Backend == "postgres" && c.Storage.PostgresURL == "" {
		errs = append(errs, "storage.postgres_url is required when outbox.backend is 'postgres'")
	}

	if c.Stripe.WebhookSecret == "" && c.Stripe.SecretKey != "" {
		errs = append(errs, "stripe.webhook_secret is required when stripe.secret_key is set")
	}
	switch c.Stripe.Mode {
	case "test", "live":
	default:
		errs = append(errs, fmt.Sprintf("stripe.mode %q is not supported (test, live)", c.Stripe.Mode))
	}
	if c.Stripe.Mode == "live" && c.Stripe.SecretKey == "" {
		errs = append(errs, "stripe.secret_key is required when stripe.mode is 'live'")
	}

	// A retention window shorter than the provider's retry horizon would let
	// replayed events through as fresh ones.
	if c.Webhooks.DedupeRetention.Duration < 72*time.Hour {
		errs = append(errs, fmt.Sprintf(
			"webhooks.dedupe_retention (%s) must be at least 72h to cover provider webhook retries",
			c.Webhooks.DedupeRetention.Duration))
	}

	// The grace period exists so a tutor running slightly long is not cut
	// off; a grace longer than the expiry window indicates a unit mix-up.
	if c.Booking.SessionEndGrace.Duration > time.Hour {
		errs = append(errs, fmt.Sprintf(
			"booking.session_end_grace (%s) is implausibly large; expected minutes, not hours",
			c.Booking.SessionEndGrace.Duration))
	}

	if c.RateLimit.GlobalEnabled && (c.RateLimit.GlobalLimit <= 0 || c.RateLimit.GlobalWindow.Duration <= 0) {
		errs = append(errs, "rate_limit.global_limit and rate_limit.global_window must be positive when global rate limiting is enabled")
	}
	if c.RateLimit.PerUserEnabled && (c.RateLimit.PerUserLimit <= 0 || c.RateLimit.PerUserWindow.Duration <= 0) {
		errs = append(errs, "rate_limit.per_user_limit and rate_limit.per_user_window must be positive when per-user rate limiting is enabled")
	}
	if c.RateLimit.PerIPEnabled && (c.RateLimit.PerIPLimit <= 0 || c.RateLimit.PerIPWindow.Duration <= 0) {
		errs = append(errs, "rate_limit.per_ip_limit and rate_limit.per_ip_window must be positive when per-IP rate limiting is enabled")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
