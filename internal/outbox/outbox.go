package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/tutorhive/server/internal/booking"
)

// Status tracks one intent through the queue.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusDead       Status = "dead"
)

// ErrNotFound is returned for operations on a missing queue entry.
var ErrNotFound = errors.New("outbox: entry not found")

// PendingIntent is one queued side-effect with its delivery bookkeeping.
type PendingIntent struct {
	ID            string
	Intent        booking.Intent
	Status        Status
	Attempts      int
	MaxAttempts   int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Queue persists side-effect intents between the transition that produced
// them and the worker that executes them. Enqueue is idempotent on the
// intent's IdempotencyKey so a retried use-case does not duplicate effects.
type Queue interface {
	Enqueue(ctx context.Context, intents []booking.Intent) error

	// Dequeue claims up to limit due entries, marking them processing.
	Dequeue(ctx context.Context, now time.Time, limit int) ([]PendingIntent, error)

	MarkSucceeded(ctx context.Context, id string) error

	// MarkFailed records the error and schedules the next attempt, or moves
	// the entry to the dead letter set once attempts are exhausted.
	MarkFailed(ctx context.Context, id string, lastError string, nextAttemptAt time.Time) error

	// MarkDead moves the entry straight to the dead letter set. Used for
	// terminal failures where retrying cannot help.
	MarkDead(ctx context.Context, id string, lastError string) error

	// Dead letter administration.
	DeadLetters(ctx context.Context, limit int) ([]PendingIntent, error)
	Requeue(ctx context.Context, id string) error
	DeleteDeadLetter(ctx context.Context, id string) error

	// PendingCount reports entries not yet succeeded or dead.
	PendingCount(ctx context.Context) (int, error)
}

// RetryConfig holds intent retry configuration.
type RetryConfig struct {
	MaxAttempts     int           // attempts before dead-lettering (default: 5)
	InitialInterval time.Duration // first backoff step (default: 60s)
	MaxInterval     time.Duration // backoff ceiling (default: 30m)
	Multiplier      float64       // backoff multiplier (default: 2.0)
	Timeout         time.Duration // per-attempt execution timeout (default: 30s)
}

// DefaultRetryConfig returns the standard backoff schedule: 60s doubling per
// attempt, five attempts, then the dead letter set.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 60 * time.Second,
		MaxInterval:     30 * time.Minute,
		Multiplier:      2.0,
		Timeout:         30 * time.Second,
	}
}

// Backoff returns the wait before the given attempt number (1-based).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	backoff := c.InitialInterval
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * c.Multiplier)
		if backoff > c.MaxInterval {
			return c.MaxInterval
		}
	}
	return backoff
}
