package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tutorhive/server/internal/booking"
	"github.com/tutorhive/server/internal/clock"
)

// MemoryQueue is an in-process Queue for development and tests.
type MemoryQueue struct {
	mu          sync.Mutex
	entries     map[string]PendingIntent
	byIdemKey   map[string]string // idempotency key -> entry id
	seqs        map[string]int64  // entry id -> insertion order
	nextSeq     int64
	maxAttempts int
}

// NewMemoryQueue creates an empty queue. maxAttempts applies to every
// enqueued intent; non-positive uses the default schedule.
func NewMemoryQueue(maxAttempts int) *MemoryQueue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultRetryConfig().MaxAttempts
	}
	return &MemoryQueue{
		entries:     make(map[string]PendingIntent),
		byIdemKey:   make(map[string]string),
		seqs:        make(map[string]int64),
		maxAttempts: maxAttempts,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, intents []booking.Intent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()
	for _, intent := range intents {
		key := string(intent.Kind) + "/" + intent.IdempotencyKey
		if _, dup := q.byIdemKey[key]; dup {
			continue
		}
		entry := PendingIntent{
			ID:            clock.NewIntentID(),
			Intent:        intent,
			Status:        StatusPending,
			MaxAttempts:   q.maxAttempts,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if !intent.RunAt.IsZero() && intent.RunAt.After(now) {
			entry.NextAttemptAt = intent.RunAt
		}
		q.entries[entry.ID] = entry
		q.byIdemKey[key] = entry.ID
		q.nextSeq++
		q.seqs[entry.ID] = q.nextSeq
	}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, now time.Time, limit int) ([]PendingIntent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []PendingIntent
	for _, e := range q.entries {
		if e.Status == StatusPending && !e.NextAttemptAt.After(now) {
			due = append(due, e)
		}
	}
	// Equal due times keep their enqueue order; intent ordering within one
	// transition is contractual.
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return q.seqs[due[i].ID] < q.seqs[due[j].ID]
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		e := q.entries[due[i].ID]
		e.Status = StatusProcessing
		e.Attempts++
		e.UpdatedAt = now
		q.entries[due[i].ID] = e
		due[i] = e
	}
	return due, nil
}

func (q *MemoryQueue) MarkSucceeded(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = StatusSucceeded
	e.UpdatedAt = time.Now().UTC()
	q.entries[id] = e
	return nil
}

func (q *MemoryQueue) MarkFailed(ctx context.Context, id string, lastError string, nextAttemptAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.LastError = lastError
	e.UpdatedAt = time.Now().UTC()
	if e.Attempts >= e.MaxAttempts {
		e.Status = StatusDead
	} else {
		e.Status = StatusPending
		e.NextAttemptAt = nextAttemptAt
	}
	q.entries[id] = e
	return nil
}

func (q *MemoryQueue) MarkDead(ctx context.Context, id string, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = StatusDead
	e.LastError = lastError
	e.UpdatedAt = time.Now().UTC()
	q.entries[id] = e
	return nil
}

func (q *MemoryQueue) DeadLetters(ctx context.Context, limit int) ([]PendingIntent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var dead []PendingIntent
	for _, e := range q.entries {
		if e.Status == StatusDead {
			dead = append(dead, e)
		}
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i].UpdatedAt.Before(dead[j].UpdatedAt) })
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}
	return dead, nil
}

func (q *MemoryQueue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok || e.Status != StatusDead {
		return ErrNotFound
	}
	e.Status = StatusPending
	e.Attempts = 0
	e.LastError = ""
	e.NextAttemptAt = time.Now().UTC()
	e.UpdatedAt = e.NextAttemptAt
	q.entries[id] = e
	return nil
}

func (q *MemoryQueue) DeleteDeadLetter(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok || e.Status != StatusDead {
		return ErrNotFound
	}
	delete(q.entries, id)
	return nil
}

func (q *MemoryQueue) PendingCount(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int
	for _, e := range q.entries {
		if e.Status == StatusPending || e.Status == StatusProcessing {
			n++
		}
	}
	return n, nil
}
