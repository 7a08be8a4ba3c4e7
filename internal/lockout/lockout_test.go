package lockout

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardLocksAfterMaxAttempts(t *testing.T) {
	now := time.Date(2030, 1, 10, 9, 0, 0, 0, time.UTC)
	counters := NewMemoryCounters(func() time.Time { return now })
	guard := New(counters, Config{MaxAttempts: 3, Window: 15 * time.Minute, Duration: 15 * time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		locked, err := guard.RecordFailure(ctx, "user:101")
		require.NoError(t, err)
		assert.False(t, locked)

		ok, err := guard.Allowed(ctx, "user:101")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	locked, err := guard.RecordFailure(ctx, "user:101")
	require.NoError(t, err)
	assert.True(t, locked, "third failure crosses the threshold")

	ok, err := guard.Allowed(ctx, "user:101")
	require.NoError(t, err)
	assert.False(t, ok)

	// Other accounts are unaffected.
	ok, err = guard.Allowed(ctx, "user:202")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGuardUnlocksAfterDuration(t *testing.T) {
	now := time.Date(2030, 1, 10, 9, 0, 0, 0, time.UTC)
	counters := NewMemoryCounters(func() time.Time { return now })
	guard := New(counters, Config{MaxAttempts: 1, Window: time.Minute, Duration: 10 * time.Minute})
	ctx := context.Background()

	locked, err := guard.RecordFailure(ctx, "user:101")
	require.NoError(t, err)
	require.True(t, locked)

	now = now.Add(11 * time.Minute)
	ok, err := guard.Allowed(ctx, "user:101")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGuardWindowResets(t *testing.T) {
	now := time.Date(2030, 1, 10, 9, 0, 0, 0, time.UTC)
	counters := NewMemoryCounters(func() time.Time { return now })
	guard := New(counters, Config{MaxAttempts: 3, Window: 5 * time.Minute, Duration: 15 * time.Minute})
	ctx := context.Background()

	_, err := guard.RecordFailure(ctx, "user:101")
	require.NoError(t, err)
	_, err = guard.RecordFailure(ctx, "user:101")
	require.NoError(t, err)

	// Past the window the stale failures no longer count.
	now = now.Add(6 * time.Minute)
	locked, err := guard.RecordFailure(ctx, "user:101")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestGuardSuccessClearsHistory(t *testing.T) {
	counters := NewMemoryCounters(nil)
	guard := New(counters, Config{MaxAttempts: 2, Window: time.Minute, Duration: time.Minute})
	ctx := context.Background()

	_, err := guard.RecordFailure(ctx, "user:101")
	require.NoError(t, err)
	require.NoError(t, guard.RecordSuccess(ctx, "user:101"))

	locked, err := guard.RecordFailure(ctx, "user:101")
	require.NoError(t, err)
	assert.False(t, locked, "counter restarted after success")
}

func TestRedisCounters(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	guard := New(NewRedisCounters(client, "test"), Config{MaxAttempts: 2, Window: time.Minute, Duration: time.Minute})
	ctx := context.Background()

	locked, err := guard.RecordFailure(ctx, "user:101")
	require.NoError(t, err)
	assert.False(t, locked)

	locked, err = guard.RecordFailure(ctx, "user:101")
	require.NoError(t, err)
	assert.True(t, locked)

	ok, err := guard.Allowed(ctx, "user:101")
	require.NoError(t, err)
	assert.False(t, ok)

	// Expire the lock key and the account is usable again.
	mr.FastForward(2 * time.Minute)
	ok, err = guard.Allowed(ctx, "user:101")
	require.NoError(t, err)
	assert.True(t, ok)
}
