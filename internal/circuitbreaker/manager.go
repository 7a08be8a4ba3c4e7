package circuitbreaker

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ServiceType names an external dependency. Each gets its own breaker so a
// misbehaving provider cannot trip the others.
type ServiceType string

const (
	ServiceStripe   ServiceType = "stripe_api"
	ServiceMeeting  ServiceType = "meeting_provider"
	ServiceCalendar ServiceType = "calendar_provider"
	ServiceEmail    ServiceType = "email_provider"
)

// Manager holds the per-service breakers.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	config   Config
}

// Config holds breaker settings for all services.
type Config struct {
	Enabled bool

	Stripe   BreakerConfig
	Meeting  BreakerConfig
	Calendar BreakerConfig
	Email    BreakerConfig
}

// BreakerConfig configures one breaker. MaxRequests bounds the half-open
// probes; Interval clears closed-state counts (0 means never); Timeout is
// how long the breaker stays open. The breaker trips on either
// ConsecutiveFailures in a row, or FailureRatio once MinRequests have been
// seen in the window.
type BreakerConfig struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration

	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// NewManager creates a circuit breaker manager with the given configuration.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		config:   cfg,
	}

	if !cfg.Enabled {
		// No breakers registered, every call passes through.
		return m
	}

	m.breakers[ServiceStripe] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceStripe), cfg.Stripe))
	m.breakers[ServiceMeeting] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceMeeting), cfg.Meeting))
	m.breakers[ServiceCalendar] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceCalendar), cfg.Calendar))
	m.breakers[ServiceEmail] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceEmail), cfg.Email))

	return m
}

// Execute runs fn under the service's breaker. Calls pass through when
// breakers are disabled or the service has none configured.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if !m.config.Enabled {
		return fn()
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}
	return breaker.Execute(fn)
}

// State reports a breaker's state, "disabled" or "not_configured" when it
// has none.
func (m *Manager) State(service ServiceType) string {
	if !m.config.Enabled {
		return "disabled"
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}
	return breaker.State().String()
}

// Counts returns a breaker's request statistics.
func (m *Manager) Counts(service ServiceType) Counts {
	if !m.config.Enabled {
		return Counts{}
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return Counts{}
	}
	c := breaker.Counts()
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

// Counts mirrors gobreaker's counters without exposing the dependency.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func toGobreakerSettings(name string, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 && counts.Requests >= cfg.MinRequests {
				if float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio {
					return true
				}
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}
}

// DefaultConfig returns sensible defaults for circuit breaker configuration.
func DefaultConfig() Config {
	providerDefaults := BreakerConfig{
		MaxRequests:         3,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
	return Config{
		Enabled:  true,
		Stripe:   providerDefaults,
		Meeting:  providerDefaults,
		Calendar: providerDefaults,
		Email: BreakerConfig{
			MaxRequests:         5,
			Interval:            60 * time.Second,
			Timeout:             60 * time.Second, // email is less latency sensitive
			ConsecutiveFailures: 10,
			FailureRatio:        0.7,
			MinRequests:         20,
		},
	}
}
