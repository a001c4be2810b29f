// Package bus implements the in-process event bus. Delivery is synchronous
// and single-threaded per publish: handlers for the event's kind run first
// in registration order, then catch-all handlers in registration order.
// Handlers must not block; anything that does I/O should hand the event off
// to the dispatcher instead of working inline.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
)

// Handler consumes a published event. A returned error is logged and does
// not stop delivery to the remaining handlers.
type Handler func(ev *Event) error

// Bus routes events to handlers keyed by kind, plus catch-all handlers
// that see every event.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
	catchAll []Handler
	logger   *slog.Logger

	onPublish      func(ev *Event)
	onHandlerError func(ev *Event)
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Kind][]Handler),
		logger:   logger.With("component", "bus"),
	}
}

// Subscribe registers a handler for one event kind. Handlers run in the
// order they were registered. There is no unsubscribe; registrations live
// for the life of the process.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// SubscribeAny registers a catch-all handler invoked for every event after
// the kind-specific handlers.
func (b *Bus) SubscribeAny(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.catchAll = append(b.catchAll, h)
}

// Publish delivers ev synchronously to every matching handler. A handler
// error or panic is logged and isolated; every registered handler is
// invoked exactly once per publish.
func (b *Bus) Publish(ev *Event) {
	if ev == nil {
		return
	}
	b.mu.RLock()
	kindHandlers := append([]Handler(nil), b.handlers[ev.Kind]...)
	catchAll := append([]Handler(nil), b.catchAll...)
	b.mu.RUnlock()

	if b.onPublish != nil {
		b.onPublish(ev)
	}
	for _, h := range kindHandlers {
		b.invoke(ev, h)
	}
	for _, h := range catchAll {
		b.invoke(ev, h)
	}
}

func (b *Bus) invoke(ev *Event, h Handler) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return h(ev)
	}()
	if err != nil {
		b.logger.Error("event handler failed",
			"event_id", ev.ID, "kind", string(ev.Kind), "error", err)
		if b.onHandlerError != nil {
			b.onHandlerError(ev)
		}
	}
}

// HandlerCount returns the number of registered handlers, catch-all
// included.
func (b *Bus) HandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.catchAll)
	for _, hs := range b.handlers {
		n += len(hs)
	}
	return n
}

// SetHooks installs observability callbacks fired on publish and on
// handler error. Both may be nil. Not safe to call after Publish traffic
// starts.
func (b *Bus) SetHooks(onPublish, onHandlerError func(ev *Event)) {
	b.onPublish = onPublish
	b.onHandlerError = onHandlerError
}
