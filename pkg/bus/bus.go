package bus

import (
	"fmt"
	"log/slog"
	"sync"
)

// Handler receives the data passed to Publish.
type Handler func(data any)

// EventBus is a synchronous, in-process publish/subscribe registry.
//
// Subscribers are invoked on the publisher's goroutine in registration order.
// Publish works on a snapshot of the subscriber list taken when it starts, so a
// handler may subscribe or publish again without affecting the dispatch in flight.
type EventBus struct {
	log *slog.Logger

	mu        sync.RWMutex
	observers map[string][]Handler
}

func NewEventBus(log *slog.Logger) *EventBus {
	if log == nil {
		log = slog.Default()
	}

	return &EventBus{
		log:       log.With("component", "bus"),
		observers: make(map[string][]Handler),
	}
}

// Subscribe appends handler to the subscribers of key. Duplicates are kept.
func (b *EventBus) Subscribe(key string, handler Handler) {
	if handler == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers[key] = append(b.observers[key], handler)
}

// Publish invokes every subscriber of key with data. Publishing to a key without
// subscribers is a no-op. A panicking subscriber is logged and skipped.
func (b *EventBus) Publish(key string, data any) {
	b.mu.RLock()
	subs := make([]Handler, len(b.observers[key]))
	copy(subs, b.observers[key])
	b.mu.RUnlock()

	for i, handler := range subs {
		b.dispatch(key, i, handler, data)
	}
}

func (b *EventBus) dispatch(key string, index int, handler Handler, data any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Subscriber panicked", "event", key, "subscriber", index, "panic", fmt.Sprint(r))
		}
	}()

	handler(data)
}

// Subscribers reports how many handlers are registered under key.
func (b *EventBus) Subscribers(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers[key])
}

// ClearSubscribers drops every subscription.
func (b *EventBus) ClearSubscribers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = make(map[string][]Handler)
}
