package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the TUTORHIVE_ prefix for namespace isolation.
//
// Policy thresholds additionally accept the documented coarse-grained forms
// (TUTORHIVE_REQUEST_EXPIRY_HOURS etc.) so operators can tune them without
// knowing Go duration syntax.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "TUTORHIVE_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "TUTORHIVE_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "TUTORHIVE_ADMIN_METRICS_API_KEY")

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Storage config
	setIfEnv(&c.Storage.Backend, "TUTORHIVE_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "TUTORHIVE_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "TUTORHIVE_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "TUTORHIVE_MONGODB_DATABASE")

	// Redis config
	setIfEnv(&c.Redis.Addr, "TUTORHIVE_REDIS_ADDR")
	setIfEnv(&c.Redis.Password, "TUTORHIVE_REDIS_PASSWORD")
	setIntIfEnv(&c.Redis.DB, "TUTORHIVE_REDIS_DB")

	// Stripe config
	setIfEnv(&c.Stripe.SecretKey, "TUTORHIVE_STRIPE_SECRET_KEY")
	setIfEnv(&c.Stripe.WebhookSecret, "TUTORHIVE_STRIPE_WEBHOOK_SECRET")
	setIfEnv(&c.Stripe.SuccessURL, "TUTORHIVE_STRIPE_SUCCESS_URL")
	setIfEnv(&c.Stripe.CancelURL, "TUTORHIVE_STRIPE_CANCEL_URL")
	setIfEnv(&c.Stripe.Mode, "TUTORHIVE_STRIPE_MODE")
	setScaledIfEnv(&c.Stripe.PayoutDelay, "TUTORHIVE_STRIPE_PAYOUT_DELAY_DAYS", 24*time.Hour)

	// Booking policy thresholds
	setDurationIfEnv(&c.Booking.RequestExpiry, "TUTORHIVE_REQUEST_EXPIRY")
	setScaledIfEnv(&c.Booking.RequestExpiry, "TUTORHIVE_REQUEST_EXPIRY_HOURS", time.Hour)
	setDurationIfEnv(&c.Booking.SessionEndGrace, "TUTORHIVE_SESSION_END_GRACE")
	setScaledIfEnv(&c.Booking.SessionEndGrace, "TUTORHIVE_SESSION_END_GRACE_MINUTES", time.Minute)
	setDurationIfEnv(&c.Booking.CancellationCutoff, "TUTORHIVE_CANCELLATION_CUTOFF")
	setScaledIfEnv(&c.Booking.CancellationCutoff, "TUTORHIVE_CANCELLATION_CUTOFF_HOURS", time.Hour)
	setDurationIfEnv(&c.Booking.ReminderLead, "TUTORHIVE_REMINDER_LEAD")

	// Webhook housekeeping
	setDurationIfEnv(&c.Webhooks.DedupeRetention, "TUTORHIVE_WEBHOOK_DEDUPE_RETENTION")
	setScaledIfEnv(&c.Webhooks.DedupeRetention, "TUTORHIVE_WEBHOOK_DEDUPE_RETENTION_DAYS", 24*time.Hour)

	// Scheduler config
	setDurationIfEnv(&c.Scheduler.ClockSkewWarn, "TUTORHIVE_CLOCK_SKEW_WARN")
	setDurationIfEnv(&c.Scheduler.Retry.InitialBackoff, "TUTORHIVE_JOB_INITIAL_BACKOFF")
	setDurationIfEnv(&c.Scheduler.Retry.MaxBackoff, "TUTORHIVE_JOB_MAX_BACKOFF")
	setIntIfEnv(&c.Scheduler.Retry.MaxFailures, "TUTORHIVE_JOB_MAX_FAILURES")

	// Outbox config
	setIfEnv(&c.Outbox.Backend, "TUTORHIVE_OUTBOX_BACKEND")
	setIntIfEnv(&c.Outbox.MaxAttempts, "TUTORHIVE_OUTBOX_MAX_ATTEMPTS")
	setDurationIfEnv(&c.Outbox.PollInterval, "TUTORHIVE_OUTBOX_POLL_INTERVAL")
	setIntIfEnv(&c.Outbox.BatchSize, "TUTORHIVE_OUTBOX_BATCH_SIZE")

	// Integrations config
	setIfEnv(&c.Integrations.GatewayURL, "TUTORHIVE_INTEGRATIONS_GATEWAY_URL")
	setIfEnv(&c.Integrations.DirectoryURL, "TUTORHIVE_INTEGRATIONS_DIRECTORY_URL")
	setIfEnv(&c.Integrations.APIKey, "TUTORHIVE_INTEGRATIONS_API_KEY")
	setDurationIfEnv(&c.Integrations.HTTPTimeout, "TUTORHIVE_INTEGRATIONS_HTTP_TIMEOUT")

	// Lockout config
	setBoolIfEnv(&c.Lockout.Enabled, "TUTORHIVE_LOCKOUT_ENABLED")
	setIntIfEnv(&c.Lockout.MaxAttempts, "TUTORHIVE_LOCKOUT_MAX_ATTEMPTS")
	setDurationIfEnv(&c.Lockout.Window, "TUTORHIVE_LOCKOUT_WINDOW")
	setDurationIfEnv(&c.Lockout.Duration, "TUTORHIVE_LOCKOUT_DURATION")
	setScaledIfEnv(&c.Lockout.Duration, "TUTORHIVE_LOCKOUT_DURATION_MINUTES", time.Minute)

	// Logging config
	setIfEnv(&c.Logging.Level, "TUTORHIVE_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "TUTORHIVE_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "TUTORHIVE_ENVIRONMENT")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// setScaledIfEnv sets a Duration from an integer environment variable scaled
// by unit, e.g. TUTORHIVE_CANCELLATION_CUTOFF_HOURS=12 with unit time.Hour.
func setScaledIfEnv(target *Duration, key string, unit time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			*target = Duration{Duration: time.Duration(n) * unit}
		}
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}
