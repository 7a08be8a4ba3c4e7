package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	breaker := BreakerServiceConfig{
		MaxRequests:         3,
		Interval:            Duration{Duration: 60 * time.Second},
		Timeout:             Duration{Duration: 30 * time.Second},
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
	return &Config{
		Server: ServerConfig{
			Address:        ":8080",
			ReadTimeout:    Duration{Duration: 15 * time.Second},
			WriteTimeout:   Duration{Duration: 15 * time.Second},
			IdleTimeout:    Duration{Duration: 60 * time.Second},
			WebhookTimeout: Duration{Duration: 5 * time.Second},
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Stripe: StripeConfig{
			Mode:        "test",
			SuccessURL:  "http://localhost:8080/bookings/checkout/success?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:   "http://localhost:8080/bookings/checkout/cancel",
			PayoutDelay: Duration{Duration: 48 * time.Hour},
		},
		Booking: BookingConfig{
			RequestExpiry:      Duration{Duration: 24 * time.Hour},
			SessionEndGrace:    Duration{Duration: 5 * time.Minute},
			CancellationCutoff: Duration{Duration: 12 * time.Hour},
			ReminderLead:       Duration{Duration: time.Hour},
		},
		Webhooks: WebhookConfig{
			DedupeRetention: Duration{Duration: 30 * 24 * time.Hour},
		},
		Scheduler: SchedulerConfig{
			ClockSkewWarn: Duration{Duration: 2 * time.Second},
			Retry: JobRetryConfig{
				InitialBackoff: Duration{Duration: 60 * time.Second},
				Multiplier:     2.0,
				MaxBackoff:     Duration{Duration: 30 * time.Minute},
				MaxFailures:    5,
			},
		},
		Outbox: OutboxConfig{
			MaxAttempts:  5,
			PollInterval: Duration{Duration: 5 * time.Second},
			BatchSize:    20,
		},
		Integrations: IntegrationsConfig{
			FreeBusyBudget:   Duration{Duration: 5 * time.Second},
			FreeBusyCacheTTL: Duration{Duration: 60 * time.Second},
			HTTPTimeout:      Duration{Duration: 10 * time.Second},
		},
		RateLimit: RateLimitConfig{
			// Generous limits - designed to prevent spam, not restrict legitimate use
			GlobalEnabled:  true,
			GlobalLimit:    1000,
			GlobalWindow:   Duration{Duration: 1 * time.Minute},
			PerUserEnabled: true,
			PerUserLimit:   60,
			PerUserWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:   true,
			PerIPLimit:     120,
			PerIPWindow:    Duration{Duration: 1 * time.Minute},
		},
		Lockout: LockoutConfig{
			Enabled:     true,
			MaxAttempts: 10,
			Window:      Duration{Duration: 15 * time.Minute},
			Duration:    Duration{Duration: 15 * time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:   true,
			StripeAPI: breaker,
			Meeting:   breaker,
			Calendar:  breaker,
			Email: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second},
				ConsecutiveFailures: 10, // email is retried by the outbox anyway
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
