package integrations

import (
	"context"
	"sync"
	"time"

	"github.com/tutorhive/server/internal/cacheutil"
	"github.com/tutorhive/server/internal/logger"
)

// FreeBusyBudget bounds how long a conflict check may wait on the external
// calendar. Past the budget the check proceeds on local data alone.
const FreeBusyBudget = 5 * time.Second

// DefaultFreeBusyTTL keeps answers warm across a burst of booking attempts
// against the same tutor.
const DefaultFreeBusyTTL = 30 * time.Second

// CachedFreeBusy is a read-through cache in front of a calendar provider's
// free/busy lookups. A lookup failure or timeout degrades to an empty busy
// list: the database overlap check remains the source of truth, the external
// calendar only adds advisory conflicts.
type CachedFreeBusy struct {
	provider CalendarProvider
	ttl      time.Duration

	mu    sync.RWMutex
	cache map[string]cacheutil.CachedValue[[]BusyInterval]
}

// NewCachedFreeBusy wraps provider with a TTL cache. A non-positive ttl uses
// DefaultFreeBusyTTL.
func NewCachedFreeBusy(provider CalendarProvider, ttl time.Duration) *CachedFreeBusy {
	if ttl <= 0 {
		ttl = DefaultFreeBusyTTL
	}
	return &CachedFreeBusy{
		provider: provider,
		ttl:      ttl,
		cache:    make(map[string]cacheutil.CachedValue[[]BusyInterval]),
	}
}

// Busy returns the tutor's external busy intervals intersecting [from, to).
// Degrades to nil on provider failure; the error is logged, not returned.
func (c *CachedFreeBusy) Busy(ctx context.Context, calendarID string, from, to time.Time) []BusyInterval {
	key := calendarID + "/" + from.UTC().Format(time.RFC3339) + "/" + to.UTC().Format(time.RFC3339)

	intervals, err := cacheutil.ReadThrough(
		&c.mu,
		func(now time.Time) ([]BusyInterval, bool) {
			if entry, ok := c.cache[key]; ok && now.Sub(entry.FetchedAt) < c.ttl {
				return entry.Value, true
			}
			return nil, false
		},
		func(now time.Time) ([]BusyInterval, error) {
			fetchCtx, cancel := context.WithTimeout(ctx, FreeBusyBudget)
			defer cancel()
			intervals, err := c.provider.FreeBusy(fetchCtx, calendarID, from, to)
			if err != nil {
				return nil, err
			}
			c.cache[key] = cacheutil.CachedValue[[]BusyInterval]{Value: intervals, FetchedAt: now}
			return intervals, nil
		},
	)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().
			Err(err).
			Str("calendar_id", calendarID).
			Msg("free/busy lookup failed, proceeding without external calendar")
		return nil
	}
	return intervals
}

// AnyOverlap reports whether any busy interval intersects [start, end).
func AnyOverlap(busy []BusyInterval, start, end time.Time) bool {
	for _, b := range busy {
		if b.Start.Before(end) && b.End.After(start) {
			return true
		}
	}
	return false
}
