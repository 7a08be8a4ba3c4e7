package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tutorhive/server/internal/config"
	"github.com/tutorhive/server/internal/idempotency"
	"github.com/tutorhive/server/internal/lockout"
	"github.com/tutorhive/server/internal/logger"
	"github.com/tutorhive/server/internal/metrics"
	"github.com/tutorhive/server/internal/orchestrator"
	"github.com/tutorhive/server/internal/outbox"
	"github.com/tutorhive/server/internal/ratelimit"
	"github.com/tutorhive/server/internal/storage"
	"github.com/tutorhive/server/internal/webhookin"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg         *config.Config
	bookings    *orchestrator.Service
	ingress     *webhookin.Ingress
	queue       outbox.Queue
	store       storage.Store
	idemStore   idempotency.Store
	lockouts    *lockout.Guard
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// Options carries the server's collaborators.
type Options struct {
	Config           *config.Config
	Bookings         *orchestrator.Service
	Ingress          *webhookin.Ingress
	Queue            outbox.Queue
	Store            storage.Store
	IdempotencyStore idempotency.Store
	Lockouts         *lockout.Guard
	Metrics          *metrics.Metrics
	Logger           zerolog.Logger
}

// New builds the HTTP server with configured router.
func New(opts Options) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:       opts.Config,
			bookings:  opts.Bookings,
			ingress:   opts.Ingress,
			queue:     opts.Queue,
			store:     opts.Store,
			idemStore: opts.IdempotencyStore,
			lockouts:  opts.Lockouts,
			metrics:   opts.Metrics,
			logger:    opts.Logger,
		},
		httpServer: &http.Server{
			Addr:         opts.Config.Server.Address,
			ReadTimeout:  opts.Config.Server.ReadTimeout.Duration,
			WriteTimeout: opts.Config.Server.WriteTimeout.Duration,
			IdleTimeout:  opts.Config.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	s.configureRouter(router)
	return s
}

func (h handlers) configureRouter(router chi.Router) {
	cfg := h.cfg

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Location"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers middleware (applied first for all responses)
	router.Use(securityHeadersMiddleware)

	// Structured logging middleware (BEFORE RequestID for context propagation)
	router.Use(logger.Middleware(h.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	rateLimitCfg := ratelimit.Config{
		GlobalEnabled:  cfg.RateLimit.GlobalEnabled,
		GlobalLimit:    cfg.RateLimit.GlobalLimit,
		GlobalWindow:   cfg.RateLimit.GlobalWindow.Duration,
		GlobalBurst:    cfg.RateLimit.GlobalLimit / 10,
		PerUserEnabled: cfg.RateLimit.PerUserEnabled,
		PerUserLimit:   cfg.RateLimit.PerUserLimit,
		PerUserWindow:  cfg.RateLimit.PerUserWindow.Duration,
		PerUserBurst:   cfg.RateLimit.PerUserLimit / 6,
		PerIPEnabled:   cfg.RateLimit.PerIPEnabled,
		PerIPLimit:     cfg.RateLimit.PerIPLimit,
		PerIPWindow:    cfg.RateLimit.PerIPWindow.Duration,
		PerIPBurst:     cfg.RateLimit.PerIPLimit / 6,
		Metrics:        h.metrics,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.UserLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints with a short timeout (health checks, metrics)
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/health", h.health)
		r.With(adminAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	// Webhook ingest runs on its own clock: the provider retries anything
	// slower than its delivery timeout, so the handler budget is tight.
	// Webhook URLs stay stable and unversioned.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Server.WebhookTimeout.Duration))
		r.Post(prefix+"/webhooks/stripe", h.handleStripeWebhook)
	})

	// Idempotency middleware caches command responses for replayed
	// Idempotency-Key headers.
	idempotencyMW := idempotency.Middleware(h.idemStore, 24*time.Hour)

	// Booking command API
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.Use(h.lockoutMiddleware)

		r.Get(prefix+"/v1/bookings/{id}", h.getBooking)
		r.With(idempotencyMW).Post(prefix+"/v1/bookings", h.createBooking)
		r.With(idempotencyMW).Post(prefix+"/v1/bookings/{id}/approve", h.approveBooking)
		r.With(idempotencyMW).Post(prefix+"/v1/bookings/{id}/decline", h.declineBooking)
		r.With(idempotencyMW).Post(prefix+"/v1/bookings/{id}/cancel", h.cancelBooking)
		r.With(idempotencyMW).Post(prefix+"/v1/bookings/{id}/reschedule", h.rescheduleBooking)
		r.With(idempotencyMW).Post(prefix+"/v1/bookings/{id}/no-show", h.markNoShow)
		r.With(idempotencyMW).Post(prefix+"/v1/bookings/{id}/end", h.endSession)
		r.With(idempotencyMW).Post(prefix+"/v1/bookings/{id}/disputes", h.openDispute)
		r.With(idempotencyMW).Post(prefix+"/v1/bookings/{id}/disputes/resolve", h.resolveDispute)
	})

	// Dead-lettered side-effect intents: operators inspect, requeue or drop
	// them after fixing the underlying provider problem.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.Use(adminAuth(cfg.Server.AdminMetricsAPIKey))

		r.Get(prefix+"/admin/intents/dead", h.listDeadIntents)
		r.Post(prefix+"/admin/intents/{id}/retry", h.retryDeadIntent)
		r.Delete(prefix+"/admin/intents/{id}", h.deleteDeadIntent)
	})
}

// Handler exposes the configured router, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
