package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorhive/server/internal/booking"
	"github.com/tutorhive/server/internal/integrations"
)

func TestEnqueueDedupesOnIdempotencyKey(t *testing.T) {
	q := NewMemoryQueue(5)
	ctx := context.Background()

	intent := booking.Intent{
		Kind:           booking.IntentCreateMeeting,
		BookingID:      42,
		IdempotencyKey: "booking:42:create_meeting",
	}
	require.NoError(t, q.Enqueue(ctx, []booking.Intent{intent}))
	require.NoError(t, q.Enqueue(ctx, []booking.Intent{intent}))

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDequeueHonoursRunAt(t *testing.T) {
	q := NewMemoryQueue(5)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, q.Enqueue(ctx, []booking.Intent{
		{Kind: booking.IntentSendEmail, BookingID: 1, IdempotencyKey: "booking:1:send_email"},
		{
			Kind:           booking.IntentScheduleReminder,
			BookingID:      1,
			IdempotencyKey: "booking:1:schedule_reminder",
			RunAt:          now.Add(time.Hour),
		},
	}))

	due, err := q.Dequeue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, booking.IntentSendEmail, due[0].Intent.Kind)

	// The reminder becomes due once its RunAt passes.
	later, err := q.Dequeue(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, booking.IntentScheduleReminder, later[0].Intent.Kind)
}

func TestMarkFailedMovesToDeadAfterMaxAttempts(t *testing.T) {
	q := NewMemoryQueue(2)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, q.Enqueue(ctx, []booking.Intent{
		{Kind: booking.IntentRefund, BookingID: 7, IdempotencyKey: "booking:7:refund"},
	}))

	for attempt := 1; attempt <= 2; attempt++ {
		due, err := q.Dequeue(ctx, now.Add(time.Duration(attempt)*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, attempt, due[0].Attempts)
		require.NoError(t, q.MarkFailed(ctx, due[0].ID, "provider down", now.Add(time.Duration(attempt)*time.Hour)))
	}

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "provider down", dead[0].LastError)

	// Requeue resets the entry for another round.
	require.NoError(t, q.Requeue(ctx, dead[0].ID))
	due, err := q.Dequeue(ctx, now.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestBackoffSchedule(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, 60*time.Second, cfg.Backoff(1))
	assert.Equal(t, 2*time.Minute, cfg.Backoff(2))
	assert.Equal(t, 4*time.Minute, cfg.Backoff(3))
	assert.Equal(t, 8*time.Minute, cfg.Backoff(4))
	assert.Equal(t, 16*time.Minute, cfg.Backoff(5))
	// Capped at the ceiling.
	assert.Equal(t, 30*time.Minute, cfg.Backoff(10))
}

type scriptedExecutor struct {
	errs  map[booking.IntentKind]error
	calls []booking.Intent
}

func (s *scriptedExecutor) Execute(ctx context.Context, intent booking.Intent) error {
	s.calls = append(s.calls, intent)
	return s.errs[intent.Kind]
}

func newTestWorker(q Queue, exec IntentExecutor) *Worker {
	return NewWorker(WorkerOptions{
		Queue:    q,
		Executor: exec,
		Logger:   zerolog.Nop(),
	})
}

func TestWorkerMarksSuccess(t *testing.T) {
	q := NewMemoryQueue(5)
	ctx := context.Background()
	exec := &scriptedExecutor{errs: map[booking.IntentKind]error{}}

	require.NoError(t, q.Enqueue(ctx, []booking.Intent{
		{Kind: booking.IntentCreateMeeting, BookingID: 1, IdempotencyKey: "booking:1:create_meeting"},
	}))

	newTestWorker(q, exec).ProcessOnce(ctx)

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, exec.calls, 1)
}

func TestWorkerRetriesRetryableFailures(t *testing.T) {
	q := NewMemoryQueue(5)
	ctx := context.Background()
	exec := &scriptedExecutor{errs: map[booking.IntentKind]error{
		booking.IntentSendEmail: integrations.NewRetryableError("email", "timeout", errors.New("smtp timeout")),
	}}

	require.NoError(t, q.Enqueue(ctx, []booking.Intent{
		{Kind: booking.IntentSendEmail, BookingID: 1, IdempotencyKey: "booking:1:send_email"},
	}))

	newTestWorker(q, exec).ProcessOnce(ctx)

	// Still pending, scheduled for a later attempt.
	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestWorkerDeadLettersTerminalFailures(t *testing.T) {
	q := NewMemoryQueue(5)
	ctx := context.Background()
	exec := &scriptedExecutor{errs: map[booking.IntentKind]error{
		booking.IntentPayout: integrations.NewTerminalError("stripe", "account_closed", errors.New("410")),
	}}

	require.NoError(t, q.Enqueue(ctx, []booking.Intent{
		{Kind: booking.IntentPayout, BookingID: 1, IdempotencyKey: "booking:1:payout", AmountCents: 4000},
	}))

	newTestWorker(q, exec).ProcessOnce(ctx)

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, booking.IntentPayout, dead[0].Intent.Kind)
}
