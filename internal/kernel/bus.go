package kernel

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Listener is a callable invoked with one Event.
type Listener func(Event)

// ListenerHandle identifies a subscription for removal. Go has no
// first-class function identity comparable the way Python's bound
// methods are, so Listen returns an opaque handle wrapping the
// callback; RemoveListener takes the handle back (spec §9).
type ListenerHandle struct {
	eventType string
	fn        Listener
	once      *atomic.Bool // nil for ordinary listeners
}

// EventBus fans events out to registered listeners through a
// WorkerPool, preserving MATCH_ALL-first, registration-order dispatch
// within a single Fire call (spec §4.2).
type EventBus struct {
	pool   *WorkerPool
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[string][]*ListenerHandle
}

// NewEventBus creates a bus that dispatches through pool. A nil logger
// defaults to slog.Default().
func NewEventBus(pool *WorkerPool, logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		pool:      pool,
		logger:    logger,
		listeners: make(map[string][]*ListenerHandle),
	}
}

// Listen appends listener under event_type. Duplicates are allowed.
func (b *EventBus) Listen(eventType string, listener Listener) *ListenerHandle {
	h := &ListenerHandle{eventType: eventType, fn: listener}
	b.mu.Lock()
	b.listeners[eventType] = append(b.listeners[eventType], h)
	b.mu.Unlock()
	return h
}

// ListenOnce registers listener to fire at most once. The guard flag
// is set atomically before invocation and before the listener is
// removed, so a second copy of the same dispatch enqueued before
// removal takes effect still does nothing (spec §3 invariant, §9).
func (b *EventBus) ListenOnce(eventType string, listener Listener) *ListenerHandle {
	var ran atomic.Bool
	h := &ListenerHandle{eventType: eventType, once: &ran}
	h.fn = func(e Event) {
		if !h.once.CompareAndSwap(false, true) {
			return
		}
		b.RemoveListener(h)
		listener(e)
	}
	b.mu.Lock()
	b.listeners[eventType] = append(b.listeners[eventType], h)
	b.mu.Unlock()
	return h
}

// RemoveListener removes the subscription identified by handle. A
// handle that is not (or no longer) registered is a silent no-op.
func (b *EventBus) RemoveListener(handle *ListenerHandle) {
	if handle == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	bucket := b.listeners[handle.eventType]
	for i, h := range bucket {
		if h == handle {
			bucket = append(bucket[:i], bucket[i+1:]...)
			if len(bucket) == 0 {
				delete(b.listeners, handle.eventType)
			} else {
				b.listeners[handle.eventType] = bucket
			}
			return
		}
	}
}

// Listeners returns a snapshot mapping event_type to listener count.
func (b *EventBus) Listeners() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.listeners))
	for eventType, bucket := range b.listeners {
		out[eventType] = len(bucket)
	}
	return out
}

// Fire publishes an event. Under lock it snapshots
// listeners[MATCH_ALL] ++ listeners[event_type] (MATCH_ALL first),
// releases the lock, then enqueues one job per listener at the
// priority derived from event_type. Returns immediately; dispatch
// happens asynchronously on the pool.
func (b *EventBus) Fire(eventType string, data map[string]any, origin EventOrigin) {
	event := newEvent(eventType, data, origin)

	b.mu.Lock()
	matchAll := b.listeners[MatchAll]
	specific := b.listeners[eventType]
	snapshot := make([]*ListenerHandle, 0, len(matchAll)+len(specific))
	snapshot = append(snapshot, matchAll...)
	snapshot = append(snapshot, specific...)
	b.mu.Unlock()

	if eventType != EventTimeChanged {
		b.logger.Info("bus handling event", "event_type", eventType, "origin", string(event.Origin))
	}

	if len(snapshot) == 0 {
		return
	}

	priority := PriorityForEvent(eventType)
	for _, h := range snapshot {
		listener := h.fn
		b.pool.AddJob(priority, func(arg any) {
			listener(arg.(Event))
		}, event, "listener:"+eventType)
	}
}
