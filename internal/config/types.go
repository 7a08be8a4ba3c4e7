package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Storage        StorageConfig        `yaml:"storage"`
	Redis          RedisConfig          `yaml:"redis"`
	Stripe         StripeConfig         `yaml:"stripe"`
	Booking        BookingConfig        `yaml:"booking"`
	Webhooks       WebhookConfig        `yaml:"webhooks"`
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	Outbox         OutboxConfig         `yaml:"outbox"`
	Integrations   IntegrationsConfig   `yaml:"integrations"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Lockout        LockoutConfig        `yaml:"lockout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g., "/api")
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional API key to protect /metrics and the outbox admin endpoints
	// WebhookTimeout bounds webhook ingest handling; the provider retries
	// anything slower, so handlers must answer well inside it.
	WebhookTimeout Duration `yaml:"webhook_timeout"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend         string             `yaml:"backend"`          // "memory" or "postgres"
	PostgresURL     string             `yaml:"postgres_url"`     // PostgreSQL connection string
	PostgresPool    PostgresPoolConfig `yaml:"postgres_pool"`    // PostgreSQL connection pool settings
	MongoDBURL      string             `yaml:"mongodb_url"`      // MongoDB connection string (outbox backend only)
	MongoDBDatabase string             `yaml:"mongodb_database"` // MongoDB database name
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// RedisConfig holds the connection used for distributed locks, rate limiting
// and the account-lockout counters. Empty Addr disables Redis and falls back
// to in-process equivalents (single-instance deployments only).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StripeConfig holds Stripe payment integration configuration.
type StripeConfig struct {
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	SuccessURL    string `yaml:"success_url"`
	CancelURL     string `yaml:"cancel_url"`
	Mode          string `yaml:"mode"` // live | test
	// PayoutDelay holds tutor payouts after session end so disputes can be
	// raised before money moves.
	PayoutDelay Duration `yaml:"payout_delay"`
}

// BookingConfig holds the lifecycle policy thresholds. Values feed the state
// machine and refund policy directly; changing them requires no code change.
type BookingConfig struct {
	RequestExpiry      Duration `yaml:"request_expiry"`      // unanswered REQUESTED bookings expire after this (default: 24h)
	SessionEndGrace    Duration `yaml:"session_end_grace"`   // ACTIVE sessions auto-end this long past their window (default: 5m)
	CancellationCutoff Duration `yaml:"cancellation_cutoff"` // minimum notice for a full student refund (default: 12h)
	ReminderLead       Duration `yaml:"reminder_lead"`       // session reminder emails fire this long before start (default: 1h)
}

// WebhookConfig holds webhook ingress housekeeping settings.
type WebhookConfig struct {
	// DedupeRetention is how long processed event ids are kept for replay
	// detection. Events older than this window would be re-applied, so it
	// must comfortably exceed the provider's retry horizon.
	DedupeRetention Duration `yaml:"dedupe_retention"` // default: 30 days
}

// SchedulerConfig holds background job settings shared by all periodic jobs.
type SchedulerConfig struct {
	// ClockSkewWarn is the app-vs-database clock divergence that triggers a
	// warning; time comparisons read the database clock so skew is survivable,
	// but large drift usually means a broken host.
	ClockSkewWarn Duration       `yaml:"clock_skew_warn"` // default: 2s
	Retry         JobRetryConfig `yaml:"retry"`
}

// JobRetryConfig holds the per-job failure backoff schedule.
type JobRetryConfig struct {
	InitialBackoff Duration `yaml:"initial_backoff"` // default: 60s
	Multiplier     float64  `yaml:"multiplier"`      // default: 2.0
	MaxBackoff     Duration `yaml:"max_backoff"`     // default: 30m
	MaxFailures    int      `yaml:"max_failures"`    // consecutive failures before the job is parked (default: 5)
}

// OutboxConfig holds the side-effect intent queue settings.
type OutboxConfig struct {
	Backend      string   `yaml:"backend"`       // "memory", "postgres", or "mongodb" (default: storage backend)
	MaxAttempts  int      `yaml:"max_attempts"`  // delivery attempts before dead-lettering (default: 5)
	PollInterval Duration `yaml:"poll_interval"` // worker dequeue cadence (default: 5s)
	BatchSize    int      `yaml:"batch_size"`    // intents claimed per poll (default: 20)
}

// IntegrationsConfig holds settings for the meeting/calendar/email providers.
type IntegrationsConfig struct {
	// FreeBusyBudget bounds the external calendar free/busy call; past it the
	// check degrades to advisory and booking creation proceeds.
	FreeBusyBudget   Duration `yaml:"freebusy_budget"`    // default: 5s
	FreeBusyCacheTTL Duration `yaml:"freebusy_cache_ttl"` // read-through cache lifetime (default: 60s)

	// GatewayURL is the base URL of the provider gateway that fronts the
	// meeting, calendar and email services. Empty means in-process fakes
	// (local development and tests).
	GatewayURL string `yaml:"gateway_url"`

	// DirectoryURL is the base URL of the user directory service that
	// resolves platform ids to emails and payout accounts.
	DirectoryURL string `yaml:"directory_url"`

	APIKey      string   `yaml:"api_key"`      // bearer token for both services
	HTTPTimeout Duration `yaml:"http_timeout"` // per-call timeout (default: 10s)
}

// RateLimitConfig holds rate limiting configuration for the command API.
type RateLimitConfig struct {
	// Global rate limiting (across all users)
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	// Per-user rate limiting (identified by the authenticated user id)
	PerUserEnabled bool     `yaml:"per_user_enabled"`
	PerUserLimit   int      `yaml:"per_user_limit"`
	PerUserWindow  Duration `yaml:"per_user_window"`

	// Per-IP rate limiting (fallback when no user is identified)
	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// LockoutConfig holds the account-lockout floor: repeated failed command
// attempts from one account suspend further attempts for the duration.
type LockoutConfig struct {
	Enabled     bool     `yaml:"enabled"`
	MaxAttempts int      `yaml:"max_attempts"` // failures within the window before locking (default: 10)
	Window      Duration `yaml:"window"`       // counting window (default: 15m)
	Duration    Duration `yaml:"duration"`     // how long the account stays locked (default: 15m)
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
// Prevents cascading failures by failing fast when external services are degraded.
type CircuitBreakerConfig struct {
	Enabled   bool                 `yaml:"enabled"`    // Enable circuit breakers (default: true)
	StripeAPI BreakerServiceConfig `yaml:"stripe_api"` // Stripe API circuit breaker
	Meeting   BreakerServiceConfig `yaml:"meeting"`    // Meeting provider circuit breaker
	Calendar  BreakerServiceConfig `yaml:"calendar"`   // Calendar provider circuit breaker
	Email     BreakerServiceConfig `yaml:"email"`      // Email provider circuit breaker
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}
