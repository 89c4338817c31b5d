package event

import (
	"io"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
)

// Handler is a function that handles an event.
type Handler func(Event)

type subscription struct {
	id        string
	eventType string
	handler   Handler
}

const wildcard = "*"

// Bus is a synchronous pub-sub event bus.
//
// Publish calls handlers on the publishing goroutine, which for everything in
// this module is the update loop. Handlers therefore observe events in the
// order the underlying transitions happened, and must not block.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]subscription
	nextID        atomic.Uint64
	logger        *slog.Logger
}

// NewBus creates a new event bus. A nil logger discards handler panics.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{
		subscriptions: make(map[string][]subscription),
		logger:        logger.With("component", "event_bus"),
	}
}

// Subscribe registers a handler for a specific event type and returns a
// subscription ID for Unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := "sub-" + strconv.FormatUint(b.nextID.Add(1), 10)
	b.subscriptions[eventType] = append(b.subscriptions[eventType], subscription{
		id:        id,
		eventType: eventType,
		handler:   handler,
	})
	return id
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(wildcard, handler)
}

// Unsubscribe removes a subscription by ID and reports whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id == id {
				b.subscriptions[eventType] = append(subs[:i:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish dispatches ev to the handlers of its type, then to wildcard
// handlers, each group in registration order. A panicking handler is logged
// and skipped.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	eventType := ev.EventType()
	specific := append([]subscription(nil), b.subscriptions[eventType]...)
	all := append([]subscription(nil), b.subscriptions[wildcard]...)
	b.mu.RUnlock()

	for _, sub := range specific {
		b.safeCall(sub.handler, ev)
	}
	for _, sub := range all {
		b.safeCall(sub.handler, ev)
	}
}

func (b *Bus) safeCall(handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", ev.EventType(), "panic", r, "stack", string(debug.Stack()))
		}
	}()
	handler(ev)
}

// Clear removes all subscriptions.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = make(map[string][]subscription)
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subscriptions {
		count += len(subs)
	}
	return count
}

// On subscribes a handler typed to one concrete event type.
func On[T Event](b *Bus, eventType string, fn func(T)) string {
	return b.Subscribe(eventType, func(ev Event) {
		if t, ok := ev.(T); ok {
			fn(t)
		}
	})
}
