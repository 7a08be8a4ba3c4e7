package distlock

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock is held by another owner.
var ErrNotAcquired = errors.New("distlock: not acquired")

// ErrNotHeld is returned when a release or extend finds the lock missing or
// owned by someone else. The caller's lease has expired; it must stop
// assuming exclusivity.
var ErrNotHeld = errors.New("distlock: lock not held")

// Locker provides mutual exclusion across processes. Acquire returns a Lease
// whose token fences Release and Extend so a worker that lost its lease
// cannot clobber the next holder.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error)
}

// Lease is one acquisition of a named lock.
type Lease interface {
	// Extend pushes the expiry out by ttl. Fails with ErrNotHeld when the
	// lease already expired and someone else holds the lock.
	Extend(ctx context.Context, ttl time.Duration) error

	// Release frees the lock if this lease still owns it.
	Release(ctx context.Context) error
}

// releaseScript deletes the key only when the stored token matches, so a
// stale worker cannot release a lock re-acquired by another process.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// extendScript refreshes the expiry only for the current token holder.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker implements Locker on a single Redis instance using SET NX PX
// with a per-lease random token.
type RedisLocker struct {
	client   redis.UniversalClient
	prefix   string
	newToken func() string
}

// NewRedisLocker creates a locker over the given client. Lock keys are
// namespaced under prefix. newToken must return a unique opaque string per
// call.
func NewRedisLocker(client redis.UniversalClient, prefix string, newToken func() string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix, newToken: newToken}
}

func (l *RedisLocker) key(name string) string {
	return l.prefix + ":lock:" + name
}

func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	token := l.newToken()
	ok, err := l.client.SetNX(ctx, l.key(name), token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &redisLease{locker: l, key: l.key(name), token: token}, nil
}

type redisLease struct {
	locker *RedisLocker
	key    string
	token  string
}

func (le *redisLease) Extend(ctx context.Context, ttl time.Duration) error {
	res, err := extendScript.Run(ctx, le.locker.client, []string{le.key}, le.token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

func (le *redisLease) Release(ctx context.Context) error {
	res, err := releaseScript.Run(ctx, le.locker.client, []string{le.key}, le.token).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}
