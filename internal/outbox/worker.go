package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tutorhive/server/internal/booking"
	"github.com/tutorhive/server/internal/integrations"
	"github.com/tutorhive/server/internal/metrics"
)

// IntentExecutor performs one intent against the outside world.
type IntentExecutor interface {
	Execute(ctx context.Context, intent booking.Intent) error
}

// Worker drains the intent queue: poll, execute, reschedule failures on the
// backoff curve, dead-letter what cannot succeed.
type Worker struct {
	queue        Queue
	executor     IntentExecutor
	retryCfg     RetryConfig
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	stopChan     chan struct{}
	doneChan     chan struct{}
	pollInterval time.Duration
	batchSize    int
}

// WorkerOptions configures the intent worker.
type WorkerOptions struct {
	Queue        Queue
	Executor     IntentExecutor
	RetryConfig  RetryConfig
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	PollInterval time.Duration // default: 5s
	BatchSize    int           // default: 10
}

// NewWorker creates an intent worker.
func NewWorker(opts WorkerOptions) *Worker {
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 10
	}
	if opts.RetryConfig.Timeout == 0 {
		opts.RetryConfig = DefaultRetryConfig()
	}
	if opts.Logger.GetLevel() == zerolog.Disabled {
		opts.Logger = zerolog.Nop()
	}
	return &Worker{
		queue:        opts.Queue,
		executor:     opts.Executor,
		retryCfg:     opts.RetryConfig,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
	}
}

// Start begins processing intents from the queue.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	close(w.stopChan)
	<-w.doneChan
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneChan)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info().
		Dur("pollInterval", w.pollInterval).
		Msg("intent worker started")

	for {
		select {
		case <-w.stopChan:
			w.logger.Info().Msg("intent worker stopping")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce drains one batch. Exported so the scheduler and tests can run
// the worker without the poll loop.
func (w *Worker) ProcessOnce(ctx context.Context) {
	entries, err := w.queue.Dequeue(ctx, time.Now().UTC(), w.batchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to dequeue intents")
		return
	}
	for _, entry := range entries {
		w.processEntry(ctx, entry)
	}
}

func (w *Worker) processEntry(ctx context.Context, entry PendingIntent) {
	started := time.Now()

	execCtx, cancel := context.WithTimeout(ctx, w.retryCfg.Timeout)
	err := w.executor.Execute(execCtx, entry.Intent)
	cancel()

	duration := time.Since(started)

	if err == nil {
		if markErr := w.queue.MarkSucceeded(ctx, entry.ID); markErr != nil {
			w.logger.Error().Err(markErr).Str("intentID", entry.ID).Msg("failed to mark intent succeeded")
		}
		if w.metrics != nil {
			w.metrics.ObserveIntent(string(entry.Intent.Kind), "success", duration)
		}
		w.logger.Info().
			Str("intentID", entry.ID).
			Str("kind", string(entry.Intent.Kind)).
			Int64("bookingID", entry.Intent.BookingID).
			Int("attempts", entry.Attempts).
			Dur("duration", duration).
			Msg("intent executed")
		return
	}

	if !integrations.Retryable(err) {
		if markErr := w.queue.MarkDead(ctx, entry.ID, err.Error()); markErr != nil {
			w.logger.Error().Err(markErr).Str("intentID", entry.ID).Msg("failed to dead-letter intent")
		}
		if w.metrics != nil {
			w.metrics.ObserveIntent(string(entry.Intent.Kind), "dead", duration)
		}
		w.logger.Warn().
			Str("intentID", entry.ID).
			Str("kind", string(entry.Intent.Kind)).
			Err(err).
			Msg("intent failed terminally, dead-lettered")
		return
	}

	nextAttempt := time.Now().UTC().Add(w.retryCfg.Backoff(entry.Attempts))
	if markErr := w.queue.MarkFailed(ctx, entry.ID, err.Error(), nextAttempt); markErr != nil {
		w.logger.Error().Err(markErr).Str("intentID", entry.ID).Msg("failed to mark intent failed")
		return
	}

	if entry.Attempts >= entry.MaxAttempts {
		if w.metrics != nil {
			w.metrics.ObserveIntent(string(entry.Intent.Kind), "dead", duration)
		}
		w.logger.Warn().
			Str("intentID", entry.ID).
			Str("kind", string(entry.Intent.Kind)).
			Int("attempts", entry.Attempts).
			Err(err).
			Msg("intent failed permanently after all retries")
	} else {
		if w.metrics != nil {
			w.metrics.ObserveIntent(string(entry.Intent.Kind), "retry", duration)
		}
		w.logger.Warn().
			Str("intentID", entry.ID).
			Str("kind", string(entry.Intent.Kind)).
			Int("attempts", entry.Attempts).
			Time("nextAttempt", nextAttempt).
			Err(err).
			Msg("intent failed, scheduled for retry")
	}
}
