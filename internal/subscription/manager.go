// Package subscription lets result consumers register interest in
// lifecycle events and be called back, without a second poll loop.
package subscription

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/majordomo/internal/bus"
)

// Callback receives a notified event. Failures are isolated per callback.
type Callback func(ev *bus.Event) error

// Manager holds (kind -> callback) registrations for the process
// lifetime. Registering the same callback twice yields two invocations.
type Manager struct {
	mu        sync.RWMutex
	callbacks map[bus.Kind][]Callback
	logger    *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		callbacks: make(map[bus.Kind][]Callback),
		logger:    logger.With("component", "subscriptions"),
	}
}

// Subscribe registers cb for one event kind.
func (m *Manager) Subscribe(kind bus.Kind, cb Callback) {
	if cb == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[kind] = append(m.callbacks[kind], cb)
}

// Notify invokes every callback registered for ev.Kind. A callback error
// or panic is logged and does not stop the remaining callbacks.
func (m *Manager) Notify(ev *bus.Event) {
	if ev == nil {
		return
	}
	m.mu.RLock()
	callbacks := append([]Callback(nil), m.callbacks[ev.Kind]...)
	m.mu.RUnlock()

	for _, cb := range callbacks {
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("callback panic: %v", r)
				}
			}()
			return cb(ev)
		}()
		if err != nil {
			m.logger.Error("subscription callback failed",
				"event_id", ev.ID, "kind", string(ev.Kind), "error", err)
		}
	}
}

// SubscriptionCount returns the total registered-callback count.
func (m *Manager) SubscriptionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, cbs := range m.callbacks {
		n += len(cbs)
	}
	return n
}

// AttachTo wires the manager to the bus for the task lifecycle kinds, so
// publishing task_complete or task_failed fans out to subscribers.
func (m *Manager) AttachTo(b *bus.Bus) {
	for _, kind := range []bus.Kind{bus.KindTaskComplete, bus.KindTaskFailed} {
		k := kind
		b.Subscribe(k, func(ev *bus.Event) error {
			m.Notify(ev)
			return nil
		})
	}
}
