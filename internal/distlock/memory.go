package distlock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLocker is a single-process Locker for development and tests. TTLs
// are honored against the wall clock so expiry behavior matches Redis.
type MemoryLocker struct {
	mu       sync.Mutex
	locks    map[string]memoryEntry
	tokenSeq int64
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memoryEntry)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if e, held := l.locks[name]; held && e.expires.After(now) {
		return nil, ErrNotAcquired
	}
	l.tokenSeq++
	token := fmt.Sprintf("%s/%d", name, l.tokenSeq)
	l.locks[name] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryLease{locker: l, name: name, token: token}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	name   string
	token  string
}

func (le *memoryLease) Extend(ctx context.Context, ttl time.Duration) error {
	le.locker.mu.Lock()
	defer le.locker.mu.Unlock()
	e, held := le.locker.locks[le.name]
	if !held || e.token != le.token || !e.expires.After(time.Now()) {
		return ErrNotHeld
	}
	e.expires = time.Now().Add(ttl)
	le.locker.locks[le.name] = e
	return nil
}

func (le *memoryLease) Release(ctx context.Context) error {
	le.locker.mu.Lock()
	defer le.locker.mu.Unlock()
	e, held := le.locker.locks[le.name]
	if !held || e.token != le.token {
		return ErrNotHeld
	}
	delete(le.locker.locks, le.name)
	return nil
}
