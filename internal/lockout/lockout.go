package lockout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counters is the storage the guard needs: a windowed failure counter and a
// lock flag with expiry. Redis in production, in-memory for tests and
// single-instance deployments.
type Counters interface {
	// IncrFailure bumps the failure count for key and returns the new count.
	// The first failure in a window starts the window's TTL.
	IncrFailure(ctx context.Context, key string, window time.Duration) (int64, error)

	// Lock marks key locked for the given duration.
	Lock(ctx context.Context, key string, duration time.Duration) error

	// IsLocked reports whether key is currently locked.
	IsLocked(ctx context.Context, key string) (bool, error)

	// Reset clears the failure count and any lock for key.
	Reset(ctx context.Context, key string) error
}

// Config holds the lockout floor thresholds.
type Config struct {
	MaxAttempts int           // failures within Window before locking
	Window      time.Duration // failure counting window
	Duration    time.Duration // how long the account stays locked
}

// Guard suspends accounts that fail repeatedly. It is advisory backpressure
// against credential stuffing and command spam, not an authorization system.
type Guard struct {
	counters Counters
	cfg      Config
}

// New builds a guard over the given counter store.
func New(counters Counters, cfg Config) *Guard {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 15 * time.Minute
	}
	return &Guard{counters: counters, cfg: cfg}
}

// Allowed reports whether the account may attempt a command.
func (g *Guard) Allowed(ctx context.Context, account string) (bool, error) {
	locked, err := g.counters.IsLocked(ctx, account)
	if err != nil {
		// Fail open: a broken counter store must not take down the booking
		// API; the rate limiter still bounds abuse.
		return true, err
	}
	return !locked, nil
}

// RecordFailure counts one failed attempt and locks the account when the
// threshold is crossed. Returns true if this failure triggered the lock.
func (g *Guard) RecordFailure(ctx context.Context, account string) (bool, error) {
	n, err := g.counters.IncrFailure(ctx, account, g.cfg.Window)
	if err != nil {
		return false, err
	}
	if n < int64(g.cfg.MaxAttempts) {
		return false, nil
	}
	if err := g.counters.Lock(ctx, account, g.cfg.Duration); err != nil {
		return false, err
	}
	return true, nil
}

// RecordSuccess clears the account's failure history.
func (g *Guard) RecordSuccess(ctx context.Context, account string) error {
	return g.counters.Reset(ctx, account)
}

// RedisCounters implements Counters on Redis. INCR plus first-write EXPIRE
// gives a fixed counting window; the lock is a plain key with TTL.
type RedisCounters struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCounters builds the Redis-backed store. prefix namespaces the keys
// (default "lockout").
func NewRedisCounters(client redis.UniversalClient, prefix string) *RedisCounters {
	if prefix == "" {
		prefix = "lockout"
	}
	return &RedisCounters{client: client, prefix: prefix}
}

func (r *RedisCounters) failKey(key string) string { return fmt.Sprintf("%s:fail:%s", r.prefix, key) }
func (r *RedisCounters) lockKey(key string) string { return fmt.Sprintf("%s:lock:%s", r.prefix, key) }

func (r *RedisCounters) IncrFailure(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := r.failKey(key)
	n, err := r.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := r.client.PExpire(ctx, k, window).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (r *RedisCounters) Lock(ctx context.Context, key string, duration time.Duration) error {
	return r.client.Set(ctx, r.lockKey(key), "1", duration).Err()
}

func (r *RedisCounters) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.lockKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisCounters) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.failKey(key), r.lockKey(key)).Err()
}

// MemoryCounters is an in-process Counters for tests and single-instance
// deployments.
type MemoryCounters struct {
	mu    sync.Mutex
	now   func() time.Time
	fails map[string]*windowCount
	locks map[string]time.Time
}

type windowCount struct {
	n       int64
	resetAt time.Time
}

// NewMemoryCounters builds the in-memory store. nowFunc defaults to
// time.Now; tests inject a fake.
func NewMemoryCounters(nowFunc func() time.Time) *MemoryCounters {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &MemoryCounters{
		now:   nowFunc,
		fails: make(map[string]*windowCount),
		locks: make(map[string]time.Time),
	}
}

func (m *MemoryCounters) IncrFailure(ctx context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	wc, ok := m.fails[key]
	if !ok || now.After(wc.resetAt) {
		wc = &windowCount{resetAt: now.Add(window)}
		m.fails[key] = wc
	}
	wc.n++
	return wc.n, nil
}

func (m *MemoryCounters) Lock(ctx context.Context, key string, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[key] = m.now().Add(duration)
	return nil
}

func (m *MemoryCounters) IsLocked(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.locks[key]
	if !ok {
		return false, nil
	}
	if m.now().After(until) {
		delete(m.locks, key)
		return false, nil
	}
	return true, nil
}

func (m *MemoryCounters) Reset(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.fails, key)
	delete(m.locks, key)
	return nil
}
