package tutorhive

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tutorhive/server/internal/booking"
	"github.com/tutorhive/server/internal/circuitbreaker"
	"github.com/tutorhive/server/internal/clock"
	"github.com/tutorhive/server/internal/config"
	"github.com/tutorhive/server/internal/dbpool"
	"github.com/tutorhive/server/internal/distlock"
	"github.com/tutorhive/server/internal/events"
	"github.com/tutorhive/server/internal/httpserver"
	"github.com/tutorhive/server/internal/idempotency"
	"github.com/tutorhive/server/internal/integrations"
	"github.com/tutorhive/server/internal/lifecycle"
	"github.com/tutorhive/server/internal/lockout"
	"github.com/tutorhive/server/internal/logger"
	"github.com/tutorhive/server/internal/metrics"
	"github.com/tutorhive/server/internal/orchestrator"
	"github.com/tutorhive/server/internal/outbox"
	"github.com/tutorhive/server/internal/scheduler"
	"github.com/tutorhive/server/internal/storage"
	stripesvc "github.com/tutorhive/server/internal/stripe"
	"github.com/tutorhive/server/internal/webhookin"
)

// App wires the booking lifecycle components for the server and scheduler
// binaries, or for embedding in a larger process.
type App struct {
	Config           *config.Config
	Store            storage.Store
	Queue            outbox.Queue
	Payments         stripesvc.Provider
	Bookings         *orchestrator.Service
	Ingress          *webhookin.Ingress
	Worker           *outbox.Worker
	Scheduler        *scheduler.Scheduler
	Lockouts         *lockout.Guard
	IdempotencyStore *idempotency.MemoryStore
	Server           *httpserver.Server
	Logger           zerolog.Logger

	resources        *lifecycle.Manager
	metricsCollector *metrics.Metrics
}

// Option configures App construction.
type Option func(*appOptions)

type appOptions struct {
	store    storage.Store
	payments stripesvc.Provider
	clk      clock.Clock
}

// WithStore sets a custom storage backend.
func WithStore(store storage.Store) Option {
	return func(o *appOptions) { o.store = store }
}

// WithPayments injects a payment provider (tests use the fake).
func WithPayments(p stripesvc.Provider) Option {
	return func(o *appOptions) { o.payments = p }
}

// WithClock injects a time source.
func WithClock(clk clock.Clock) Option {
	return func(o *appOptions) { o.clk = clk }
}

// NewApp assembles the booking services.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("tutorhive: config required")
	}

	var optState appOptions
	for _, opt := range opts {
		opt(&optState)
	}
	clk := optState.clk
	if clk == nil {
		clk = clock.System{}
	}

	app := &App{
		Config:    cfg,
		resources: lifecycle.NewManager(),
	}

	app.Logger = logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "tutorhive-server",
		Environment: cfg.Logging.Environment,
	})

	collector := metrics.New(prometheus.DefaultRegisterer)
	app.metricsCollector = collector

	var pgPool *dbpool.SharedPool
	if optState.store != nil {
		app.Store = optState.store
	} else {
		switch cfg.Storage.Backend {
		case "postgres":
			pool, err := dbpool.NewSharedPool(cfg.Storage.PostgresURL, cfg.Storage.PostgresPool)
			if err != nil {
				return nil, fmt.Errorf("postgres pool: %w", err)
			}
			app.resources.Register("postgres-pool", pool)
			pgPool = pool
			store, err := storage.NewPostgresStoreWithDB(pool.DB())
			if err != nil {
				return nil, fmt.Errorf("postgres store: %w", err)
			}
			store.SetMetrics(collector)
			app.Store = store
		default:
			app.Store = storage.NewMemoryStore()
			app.Logger.Warn().
				Msg("using in-memory store; bookings will not survive a restart")
		}
	}

	// Redis backs the job locks and the account lockout counters when
	// configured; single-instance deployments run on the in-process versions.
	var locker distlock.Locker
	var counters lockout.Counters
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		app.resources.Register("redis", client)
		locker = distlock.NewRedisLocker(client, "tutorhive", clock.NewLockToken)
		counters = lockout.NewRedisCounters(client, "lockout")
	} else {
		locker = distlock.NewMemoryLocker()
		counters = lockout.NewMemoryCounters(nil)
	}
	app.Lockouts = lockout.New(counters, lockout.Config{
		MaxAttempts: cfg.Lockout.MaxAttempts,
		Window:      cfg.Lockout.Window.Duration,
		Duration:    cfg.Lockout.Duration.Duration,
	})

	breakers := circuitbreaker.NewManager(breakerConfig(cfg.CircuitBreaker))

	if optState.payments != nil {
		app.Payments = optState.payments
	} else if cfg.Stripe.SecretKey != "" {
		app.Payments = stripesvc.NewClient(stripesvc.Config{
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			SuccessURL:    cfg.Stripe.SuccessURL,
			CancelURL:     cfg.Stripe.CancelURL,
		}, breakers)
	} else {
		app.Payments = stripesvc.NewFakeProvider()
		app.Logger.Warn().Msg("no stripe secret key; using the fake payment provider")
	}

	meeting, calendar, email, directory := buildIntegrations(cfg.Integrations, breakers)
	freebusy := integrations.NewCachedFreeBusy(calendar, cfg.Integrations.FreeBusyCacheTTL.Duration)

	dispatcher := events.NewDispatcher()

	queue, err := buildQueue(cfg, pgPool, app.resources)
	if err != nil {
		return nil, err
	}
	app.Queue = queue

	machine := booking.NewMachine(
		booking.MachineConfig{
			RequestExpiry:   cfg.Booking.RequestExpiry.Duration,
			SessionEndGrace: cfg.Booking.SessionEndGrace.Duration,
			ReminderLead:    cfg.Booking.ReminderLead.Duration,
		},
		booking.RefundPolicy{CancellationCutoff: cfg.Booking.CancellationCutoff.Duration},
	)

	app.Bookings = orchestrator.New(orchestrator.Options{
		Store:      app.Store,
		Machine:    machine,
		Queue:      queue,
		Dispatcher: dispatcher,
		Payments:   app.Payments,
		FreeBusy:   freebusy,
		Clock:      clk,
		Metrics:    collector,
		Logger:     app.Logger,
	})

	app.Ingress = webhookin.New(webhookin.Options{
		Store:      app.Store,
		Verifier:   app.Payments,
		Dispatcher: dispatcher,
		Clock:      clk,
		Metrics:    collector,
		Logger:     app.Logger,
	})

	executor := outbox.NewExecutor(outbox.ExecutorOptions{
		Store:      app.Store,
		Meeting:    meeting,
		Calendar:   calendar,
		Email:      email,
		Payments:   app.Payments,
		Directory:  directory,
		Dispatcher: dispatcher,
	})
	retryCfg := outbox.DefaultRetryConfig()
	if cfg.Outbox.MaxAttempts > 0 {
		retryCfg.MaxAttempts = cfg.Outbox.MaxAttempts
	}
	app.Worker = outbox.NewWorker(outbox.WorkerOptions{
		Queue:        queue,
		Executor:     executor,
		RetryConfig:  retryCfg,
		Logger:       app.Logger,
		Metrics:      collector,
		PollInterval: cfg.Outbox.PollInterval.Duration,
		BatchSize:    cfg.Outbox.BatchSize,
	})

	app.Scheduler = scheduler.New(scheduler.Options{
		Locker:  locker,
		Store:   app.Store,
		Clock:   clk,
		Logger:  app.Logger,
		Metrics: collector,
		Retry: scheduler.RetryPolicy{
			InitialBackoff: cfg.Scheduler.Retry.InitialBackoff.Duration,
			Multiplier:     cfg.Scheduler.Retry.Multiplier,
			MaxBackoff:     cfg.Scheduler.Retry.MaxBackoff.Duration,
			MaxFailures:    cfg.Scheduler.Retry.MaxFailures,
		},
	})
	scheduler.RegisterStandardJobs(app.Scheduler, scheduler.JobsOptions{
		Store: app.Store,
		Ops:   app.Bookings,
		Queue: queue,
		Config: scheduler.JobsConfig{
			RequestTTL:       cfg.Booking.RequestExpiry.Duration,
			SessionEndGrace:  cfg.Booking.SessionEndGrace.Duration,
			ReminderLead:     cfg.Booking.ReminderLead.Duration,
			WebhookRetention: cfg.Webhooks.DedupeRetention.Duration,
			ClockSkewWarn:    cfg.Scheduler.ClockSkewWarn.Duration,
			BatchLimit:       scheduler.DefaultJobsConfig().BatchLimit,
		},
		Logger:  app.Logger,
		Metrics: collector,
	})

	app.IdempotencyStore = idempotency.NewMemoryStore()
	app.resources.RegisterFunc("idempotency-store", func() error {
		app.IdempotencyStore.Stop()
		return nil
	})

	app.Server = httpserver.New(httpserver.Options{
		Config:           cfg,
		Bookings:         app.Bookings,
		Ingress:          app.Ingress,
		Queue:            queue,
		Store:            app.Store,
		IdempotencyStore: app.IdempotencyStore,
		Lockouts:         app.Lockouts,
		Metrics:          collector,
		Logger:           app.Logger,
	})

	return app, nil
}

// buildIntegrations returns the gateway-backed providers when a gateway is
// configured, in-process fakes otherwise. Either way the meeting, calendar
// and email providers run behind their circuit breakers.
func buildIntegrations(cfg config.IntegrationsConfig, breakers *circuitbreaker.Manager) (
	integrations.MeetingProvider, integrations.CalendarProvider, integrations.EmailSender, outbox.Directory,
) {
	var (
		meeting  integrations.MeetingProvider
		calendar integrations.CalendarProvider
		email    integrations.EmailSender
	)
	if cfg.GatewayURL != "" {
		rest := integrations.RESTConfig{
			BaseURL: cfg.GatewayURL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.HTTPTimeout.Duration,
		}
		meeting = integrations.NewRESTMeetingProvider(rest)
		calendar = integrations.NewRESTCalendarProvider(rest)
		email = integrations.NewRESTEmailSender(rest)
	} else {
		meeting = integrations.NewFakeMeetingProvider()
		calendar = integrations.NewFakeCalendarProvider()
		email = integrations.NewFakeEmailSender()
	}
	meeting = integrations.NewBreakerMeetingProvider(meeting, breakers)
	calendar = integrations.NewBreakerCalendarProvider(calendar, breakers)
	email = integrations.NewBreakerEmailSender(email, breakers)

	var directory outbox.Directory
	if cfg.DirectoryURL != "" {
		directory = integrations.NewRESTDirectory(integrations.RESTConfig{
			BaseURL: cfg.DirectoryURL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.HTTPTimeout.Duration,
		})
	} else {
		directory = integrations.NewFakeDirectory()
	}
	return meeting, calendar, email, directory
}

// buildQueue picks the outbox backend. The postgres queue shares the store's
// connection pool; mongodb gets its own client.
func buildQueue(cfg *config.Config, pgPool *dbpool.SharedPool, resources *lifecycle.Manager) (outbox.Queue, error) {
	switch cfg.Outbox.Backend {
	case "postgres":
		if pgPool == nil {
			return nil, errors.New("tutorhive: postgres outbox requires the postgres storage backend")
		}
		return outbox.NewPostgresQueue(pgPool.DB(), cfg.Outbox.MaxAttempts)
	case "mongodb":
		ctx := context.Background()
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Storage.MongoDBURL))
		if err != nil {
			return nil, fmt.Errorf("mongodb connect: %w", err)
		}
		resources.RegisterFunc("mongodb", func() error {
			return client.Disconnect(context.Background())
		})
		return outbox.NewMongoQueue(ctx, client.Database(cfg.Storage.MongoDBDatabase), cfg.Outbox.MaxAttempts)
	default:
		return outbox.NewMemoryQueue(cfg.Outbox.MaxAttempts), nil
	}
}

func breakerConfig(cfg config.CircuitBreakerConfig) circuitbreaker.Config {
	conv := func(s config.BreakerServiceConfig) circuitbreaker.BreakerConfig {
		return circuitbreaker.BreakerConfig{
			MaxRequests:         s.MaxRequests,
			Interval:            s.Interval.Duration,
			Timeout:             s.Timeout.Duration,
			ConsecutiveFailures: s.ConsecutiveFailures,
			FailureRatio:        s.FailureRatio,
			MinRequests:         s.MinRequests,
		}
	}
	return circuitbreaker.Config{
		Enabled:  cfg.Enabled,
		Stripe:   conv(cfg.StripeAPI),
		Meeting:  conv(cfg.Meeting),
		Calendar: conv(cfg.Calendar),
		Email:    conv(cfg.Email),
	}
}

// Handler exposes the HTTP API for embedding.
func (a *App) Handler() http.Handler {
	return a.Server.Handler()
}

// Close releases every resource the app opened, in reverse order.
func (a *App) Close() error {
	return a.resources.Close()
}

// Config is an exported alias of the internal configuration struct.
type Config = config.Config

// LoadConfig wraps the internal loader for embedding consumers.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
