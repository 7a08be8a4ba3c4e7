package integrations

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorhive/server/internal/circuitbreaker"
)

func TestRetryableClassification(t *testing.T) {
	assert.True(t, Retryable(NewRetryableError("meeting", "rate_limited", errors.New("429"))))
	assert.False(t, Retryable(NewTerminalError("meeting", "invalid_room", errors.New("400"))))
	assert.True(t, Retryable(context.DeadlineExceeded))
	assert.False(t, Retryable(errors.New("plain")))

	// Classification survives wrapping.
	wrapped := NewRetryableError("email", "timeout", context.DeadlineExceeded)
	assert.True(t, Retryable(wrapped))
}

func TestBreakerTripsOnConsecutiveFailures(t *testing.T) {
	fake := NewFakeMeetingProvider()
	fake.FailWith = NewRetryableError("meeting", "unavailable", errors.New("503"))

	cfg := circuitbreaker.DefaultConfig()
	cfg.Meeting.ConsecutiveFailures = 3
	mgr := circuitbreaker.NewManager(cfg)
	provider := NewBreakerMeetingProvider(fake, mgr)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := provider.CreateMeeting(ctx, 1, start, start.Add(time.Hour))
		require.Error(t, err)
	}
	assert.Equal(t, "open", mgr.State(circuitbreaker.ServiceMeeting))

	// Open breaker rejects without touching the provider.
	before := len(fake.Created)
	_, err := provider.CreateMeeting(ctx, 1, start, start.Add(time.Hour))
	assert.Error(t, err)
	assert.Equal(t, before, len(fake.Created))
}

func TestCachedFreeBusyServesFromCache(t *testing.T) {
	fake := NewFakeCalendarProvider()
	from := time.Date(2030, 3, 4, 10, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)
	fake.Busy = []BusyInterval{{Start: from.Add(15 * time.Minute), End: from.Add(45 * time.Minute)}}

	cache := NewCachedFreeBusy(fake, time.Minute)
	ctx := context.Background()

	first := cache.Busy(ctx, "tutor-7", from, to)
	require.Len(t, first, 1)

	// The second call hits the cache even after the provider starts failing.
	fake.FailWith = errors.New("calendar down")
	second := cache.Busy(ctx, "tutor-7", from, to)
	assert.Equal(t, first, second)
}

func TestCachedFreeBusyDegradesOnTimeout(t *testing.T) {
	fake := NewFakeCalendarProvider()
	fake.Delay = 50 * time.Millisecond
	cache := NewCachedFreeBusy(fake, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	from := time.Date(2030, 3, 4, 10, 0, 0, 0, time.UTC)
	busy := cache.Busy(ctx, "tutor-7", from, from.Add(time.Hour))
	assert.Nil(t, busy)
}

func TestAnyOverlap(t *testing.T) {
	start := time.Date(2030, 3, 4, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	busy := []BusyInterval{{Start: start.Add(-time.Hour), End: start}}

	// Touching interval does not overlap.
	assert.False(t, AnyOverlap(busy, start, end))
	assert.True(t, AnyOverlap(busy, start.Add(-time.Minute), end))
}

func TestFakeEmailSenderOrder(t *testing.T) {
	sender := NewFakeEmailSender()
	ctx := context.Background()

	require.NoError(t, sender.Send(ctx, Email{To: "student@example.com", Template: "booking_confirmed"}))
	require.NoError(t, sender.Send(ctx, Email{To: "student@example.com", Template: "session_reminder"}))
	require.NoError(t, sender.Send(ctx, Email{To: "tutor@example.com", Template: "booking_confirmed"}))

	assert.Equal(t, []string{"booking_confirmed", "session_reminder"}, sender.SentTo("student@example.com"))
}
