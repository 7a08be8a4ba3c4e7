package distlock

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	var seq int
	locker := NewRedisLocker(client, "tutorhive", func() string {
		seq++
		return fmt.Sprintf("token-%d", seq)
	})
	return locker, mr
}

func TestAcquireExcludesSecondHolder(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "scheduler:end_sessions", 30*time.Second)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "scheduler:end_sessions", 30*time.Second)
	assert.ErrorIs(t, err, ErrNotAcquired)

	// A different lock name is independent.
	_, err = locker.Acquire(ctx, "scheduler:expire_requests", 30*time.Second)
	assert.NoError(t, err)

	require.NoError(t, lease.Release(ctx))
	_, err = locker.Acquire(ctx, "scheduler:end_sessions", 30*time.Second)
	assert.NoError(t, err)
}

func TestExpiredLeaseCannotRelease(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "job", time.Second)
	require.NoError(t, err)

	// The TTL lapses and another worker takes the lock.
	mr.FastForward(2 * time.Second)
	second, err := locker.Acquire(ctx, "job", 30*time.Second)
	require.NoError(t, err)

	// The stale lease must not free the new holder's lock.
	assert.ErrorIs(t, lease.Release(ctx), ErrNotHeld)
	assert.ErrorIs(t, lease.Extend(ctx, 30*time.Second), ErrNotHeld)

	require.NoError(t, second.Release(ctx))
}

func TestExtendKeepsLockAlive(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "job", 2*time.Second)
	require.NoError(t, err)

	mr.FastForward(time.Second)
	require.NoError(t, lease.Extend(ctx, 5*time.Second))

	// Past the original TTL but inside the extension.
	mr.FastForward(3 * time.Second)
	_, err = locker.Acquire(ctx, "job", time.Second)
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, lease.Release(ctx))
}

func TestMemoryLockerSemantics(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "job", time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, lease.Release(ctx))
	assert.ErrorIs(t, lease.Release(ctx), ErrNotHeld)

	_, err = locker.Acquire(ctx, "job", time.Minute)
	assert.NoError(t, err)
}
