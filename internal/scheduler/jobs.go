package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tutorhive/server/internal/booking"
	"github.com/tutorhive/server/internal/metrics"
	"github.com/tutorhive/server/internal/outbox"
	"github.com/tutorhive/server/internal/storage"
)

// BookingOps is the slice of the orchestrator the periodic jobs drive.
type BookingOps interface {
	ExpireRequest(ctx context.Context, bookingID int64) error
	StartSession(ctx context.Context, bookingID int64) error
	AutoEndSession(ctx context.Context, bookingID int64) error
}

// JobsConfig tunes the standard job set.
type JobsConfig struct {
	// RequestTTL is how long a REQUESTED booking may wait for tutor action.
	RequestTTL time.Duration
	// SessionEndGrace is how far past its scheduled end an ACTIVE session
	// runs before the sweep may close it. Must match the state machine's
	// grace: selecting sessions still inside it only produces rejections.
	SessionEndGrace time.Duration
	// ReminderLead is how far before the session start reminders go out.
	ReminderLead time.Duration
	// WebhookRetention is how long processed webhook ids are kept for dedupe.
	WebhookRetention time.Duration
	// ClockSkewWarn is the worker-vs-database clock divergence that draws a
	// warning from the skew monitor.
	ClockSkewWarn time.Duration
	// BatchLimit caps the rows one job run will touch.
	BatchLimit int
}

// DefaultJobsConfig returns the production defaults.
func DefaultJobsConfig() JobsConfig {
	return JobsConfig{
		RequestTTL:       24 * time.Hour,
		SessionEndGrace:  5 * time.Minute,
		ReminderLead:     time.Hour,
		WebhookRetention: 30 * 24 * time.Hour,
		ClockSkewWarn:    2 * time.Second,
		BatchLimit:       100,
	}
}

// JobsOptions carries the collaborators the standard jobs need.
type JobsOptions struct {
	Store   storage.Store
	Ops     BookingOps
	Queue   outbox.Queue
	Config  JobsConfig
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// RegisterStandardJobs wires the full maintenance set onto the scheduler:
// request expiry, session start and end sweeps, reminder fan-out, package
// expiry and webhook dedupe cleanup.
func RegisterStandardJobs(s *Scheduler, opts JobsOptions) {
	cfg := opts.Config
	if cfg.BatchLimit == 0 {
		cfg = DefaultJobsConfig()
	}
	if cfg.ClockSkewWarn <= 0 {
		cfg.ClockSkewWarn = DefaultJobsConfig().ClockSkewWarn
	}

	s.Register(Job{
		Name:     "expire_requests",
		Interval: 5 * time.Minute,
		Run: func(ctx context.Context, now time.Time) error {
			ids, err := opts.Store.RequestsDueForExpiry(ctx, now.Add(-cfg.RequestTTL), cfg.BatchLimit)
			if err != nil {
				return fmt.Errorf("listing expirable requests: %w", err)
			}
			return forEachBooking(ctx, opts.Logger, "expire_requests", ids, opts.Ops.ExpireRequest)
		},
	})

	s.Register(Job{
		Name:     "start_sessions",
		Interval: time.Minute,
		Run: func(ctx context.Context, now time.Time) error {
			ids, err := opts.Store.ScheduledReadyToStart(ctx, now, cfg.BatchLimit)
			if err != nil {
				return fmt.Errorf("listing startable sessions: %w", err)
			}
			return forEachBooking(ctx, opts.Logger, "start_sessions", ids, opts.Ops.StartSession)
		},
	})

	s.Register(Job{
		Name:     "end_sessions",
		Interval: time.Minute,
		Run: func(ctx context.Context, now time.Time) error {
			ids, err := opts.Store.ActivePastEnd(ctx, now.Add(-cfg.SessionEndGrace), cfg.BatchLimit)
			if err != nil {
				return fmt.Errorf("listing ended sessions: %w", err)
			}
			return forEachBooking(ctx, opts.Logger, "end_sessions", ids, opts.Ops.AutoEndSession)
		},
	})

	s.Register(Job{
		Name:     "send_reminders",
		Interval: time.Minute,
		Run: func(ctx context.Context, now time.Time) error {
			ids, err := opts.Store.ScheduledForReminder(ctx, now, now.Add(cfg.ReminderLead), cfg.BatchLimit)
			if err != nil {
				return fmt.Errorf("listing reminder candidates: %w", err)
			}
			intents := make([]booking.Intent, 0, len(ids))
			for _, id := range ids {
				intents = append(intents, booking.Intent{
					Kind:           booking.IntentScheduleReminder,
					BookingID:      id,
					IdempotencyKey: fmt.Sprintf("booking:%d:schedule_reminder", id),
					Template:       booking.EmailSessionReminder,
				})
			}
			if len(intents) == 0 {
				return nil
			}
			// The queue dedupes on the idempotency key, so candidates seen on
			// consecutive ticks enqueue at most once.
			return opts.Queue.Enqueue(ctx, intents)
		},
	})

	s.Register(Job{
		Name:     "expire_packages",
		Interval: time.Hour,
		Run: func(ctx context.Context, now time.Time) error {
			n, err := opts.Store.MarkExpiredPackages(ctx, now)
			if err != nil {
				return fmt.Errorf("expiring packages: %w", err)
			}
			if n > 0 {
				opts.Logger.Info().Int64("count", n).Msg("expired session packages")
			}
			return nil
		},
	})

	s.Register(Job{
		Name:     "cleanup_webhooks",
		Interval: 24 * time.Hour,
		LockTTL:  10 * time.Minute,
		Run: func(ctx context.Context, now time.Time) error {
			n, err := opts.Store.CleanupProcessedWebhooks(ctx, now.Add(-cfg.WebhookRetention))
			if err != nil {
				return fmt.Errorf("cleaning webhook dedupe rows: %w", err)
			}
			if n > 0 {
				opts.Logger.Info().Int64("count", n).Msg("removed old webhook dedupe rows")
			}
			return nil
		},
	})

	s.Register(ClockSkewJob(opts.Store, s.clock, cfg.ClockSkewWarn, opts.Logger, opts.Metrics))
}

// forEachBooking applies op to every id, logging failures without aborting
// the batch. A booking the orchestrator refuses to move (already cancelled,
// concurrent update) should not block the rest of the sweep; the next tick
// retries anything still eligible.
func forEachBooking(ctx context.Context, logger zerolog.Logger, job string, ids []int64, op func(context.Context, int64) error) error {
	var failures int
	for _, id := range ids {
		if err := op(ctx, id); err != nil {
			failures++
			logger.Warn().
				Err(err).
				Str("job", job).
				Int64("bookingID", id).
				Msg("booking sweep item failed")
		}
	}
	if failures == len(ids) && failures > 0 {
		return fmt.Errorf("%s: all %d items failed", job, failures)
	}
	return nil
}
