package events

import (
	"context"
	"sort"
	"sync"

	"github.com/tutorhive/server/internal/logger"
)

// Handler consumes one event. Handler errors are logged, never propagated:
// a listener failure must not affect the transition that produced the event.
type Handler func(ctx context.Context, e Event)

// Priority orders handlers for one event name. Lower runs first; handlers at
// equal priority run in registration order.
type Priority int

const (
	PriorityFirst   Priority = -100
	PriorityDefault Priority = 0
	PriorityLast    Priority = 100
)

type subscription struct {
	priority Priority
	seq      int
	fn       Handler
}

// Dispatcher fans events out to registered handlers. Publish is synchronous
// by default so callers can rely on projections being current; PublishAsync
// hands off to a goroutine per handler for listeners that may block.
type Dispatcher struct {
	mu   sync.RWMutex
	subs map[string][]subscription
	seq  int
	wg   sync.WaitGroup
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[string][]subscription)}
}

// Subscribe registers fn for the named event at the given priority.
func (d *Dispatcher) Subscribe(name string, priority Priority, fn Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	subs := append(d.subs[name], subscription{priority: priority, seq: d.seq, fn: fn})
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].priority < subs[j].priority })
	d.subs[name] = subs
}

// Publish delivers e to every handler in priority order, on the caller's
// goroutine. A panicking handler is recovered and logged; later handlers
// still run.
func (d *Dispatcher) Publish(ctx context.Context, e Event) {
	for _, sub := range d.handlers(e.EventName()) {
		d.invoke(ctx, e, sub.fn)
	}
}

// PublishAsync delivers e concurrently, one goroutine per handler. Ordering
// guarantees do not apply. Use Wait to drain in-flight deliveries.
func (d *Dispatcher) PublishAsync(ctx context.Context, e Event) {
	for _, sub := range d.handlers(e.EventName()) {
		d.wg.Add(1)
		go func(fn Handler) {
			defer d.wg.Done()
			d.invoke(ctx, e, fn)
		}(sub.fn)
	}
}

// Wait blocks until all asynchronous deliveries have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) handlers(name string) []subscription {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.subs[name]
}

func (d *Dispatcher) invoke(ctx context.Context, e Event, fn Handler) {
	defer func() {
		if r := recover(); r != nil {
			log := logger.FromContext(ctx)
			log.Error().
				Str("event", e.EventName()).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	fn(ctx, e)
}
