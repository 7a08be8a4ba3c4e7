// Package cacheutil holds the read-through caching helper shared by cached
// provider wrappers.
package cacheutil

import (
	"sync"
	"time"
)

// CachedValue pairs a value with the time it was fetched, so callers can
// apply their own TTL.
type CachedValue[T any] struct {
	Value     T
	FetchedAt time.Time
}

// ReadThrough checks the cache under a read lock and falls back to fetching
// under the write lock. The cache is re-checked after the lock upgrade with a
// fresh timestamp: another goroutine may have filled it in between, and its
// entry must not look expired just because the first timestamp is stale.
//
// checkCache runs under RLock (and again under Lock); fetchAndCache runs
// under Lock and is expected to populate the cache itself.
func ReadThrough[T any](
	mu *sync.RWMutex,
	checkCache func(now time.Time) (T, bool),
	fetchAndCache func(now time.Time) (T, error),
) (T, error) {
	now := time.Now()
	mu.RLock()
	if value, ok := checkCache(now); ok {
		mu.RUnlock()
		return value, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	now = time.Now()
	if value, ok := checkCache(now); ok {
		return value, nil
	}
	return fetchAndCache(now)
}
