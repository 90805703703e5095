// Package events provides the synchronous, typed, in-process event bus.
//
// Publishing is synchronous by contract: handlers run on the publisher's
// goroutine in registration order, so they must be short or enqueue further
// work themselves. A panic in one handler is logged and does not prevent
// later handlers from running.
package events

import (
	"context"
	"sync"

	"github.com/mirahq/mira/internal/observability"
)

// Event is anything with a stable bus name. Event structs live in
// pkg/models.
type Event interface {
	EventName() string
}

// Handler receives a published event.
type Handler func(ctx context.Context, evt Event)

// SubscriberID identifies one registration for unsubscription.
type SubscriberID uint64

type registration struct {
	id SubscriberID
	fn Handler
}

// Bus is the process-wide event bus. The zero value is not usable; call
// NewBus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	nextID   SubscriberID
	closed   bool
	logger   *observability.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *observability.Logger) *Bus {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Bus{
		handlers: make(map[string][]registration),
		logger:   logger.Component("events"),
	}
}

// Subscribe registers fn for the named event and returns an id for
// Unsubscribe. Registration order is delivery order.
func (b *Bus) Subscribe(event string, fn Handler) SubscriberID {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	b.nextID++
	id := b.nextID
	b.handlers[event] = append(b.handlers[event], registration{id: id, fn: fn})
	return id
}

// Unsubscribe removes one registration. Unknown ids are ignored.
func (b *Bus) Unsubscribe(event string, id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.handlers[event]
	for i, r := range regs {
		if r.id == id {
			b.handlers[event] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// ClearSubscribers removes all registrations for the named event, or every
// registration when event is "".
func (b *Bus) ClearSubscribers(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if event == "" {
		b.handlers = make(map[string][]registration)
		return
	}
	delete(b.handlers, event)
}

// SubscriberCount returns the number of registrations for the named event.
func (b *Bus) SubscriberCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}

// Publish delivers evt to every subscriber of its name, synchronously and
// in registration order. A panicking handler is logged and skipped; later
// handlers still run. Publishing on a shut-down bus is a logged no-op.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		b.logger.Warn("publish on closed bus dropped", "event", evt.EventName())
		return
	}
	regs := make([]registration, len(b.handlers[evt.EventName()]))
	copy(regs, b.handlers[evt.EventName()])
	b.mu.RUnlock()

	for _, r := range regs {
		b.invoke(ctx, r, evt)
	}
}

func (b *Bus) invoke(ctx context.Context, r registration, evt Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("event handler panicked",
				"event", evt.EventName(),
				"subscriber", uint64(r.id),
				"panic", rec,
			)
		}
	}()
	r.fn(ctx, evt)
}

// Shutdown stops the bus: subsequent publishes are dropped and all
// registrations are released.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string][]registration)
}
