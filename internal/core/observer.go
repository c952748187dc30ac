package core

import "time"

// EventKind names a lifecycle point in the client layer.
type EventKind string

const (
	EventEnqueue         EventKind = "enqueue"
	EventDequeue         EventKind = "dequeue"
	EventRetry           EventKind = "retry"
	EventUnitFailed      EventKind = "unit_failed"
	EventCircuitOpen     EventKind = "circuit_open"
	EventCircuitClose    EventKind = "circuit_close"
	EventCircuitReject   EventKind = "circuit_reject"
	EventRateReconcile   EventKind = "rate_reconcile"
	EventCacheHit        EventKind = "cache_hit"
	EventCacheMiss       EventKind = "cache_miss"
	EventCacheEvict      EventKind = "cache_evict"
	EventCacheBackendErr EventKind = "cache_backend_error"
	EventTokenRefresh    EventKind = "token_refresh"
	EventRefreshFailed   EventKind = "token_refresh_failed"
	EventTokenInvalid    EventKind = "token_invalid"
	EventDisconnect      EventKind = "disconnect"
)

// Event carries the details of a lifecycle point.
type Event struct {
	Kind      EventKind
	Component string
	UnitID    string
	Priority  Priority
	Key       string
	Attempt   int
	Wait      time.Duration
	Err       error
}

// Observer receives lifecycle events. Implementations must not block.
type Observer interface {
	Observe(event Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f.
func (f ObserverFunc) Observe(event Event) {
	if f != nil {
		f(event)
	}
}

// NopObserver discards events.
type NopObserver struct{}

// Observe does nothing.
func (NopObserver) Observe(Event) {}
