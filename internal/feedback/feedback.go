// Package feedback is the delivery sink for task results. The manager
// fans "tell this user" requests out to per-channel deliverers; the wire
// protocols themselves live behind the Deliverer interface. Delivery is
// best-effort and never affects already-terminal task state.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ThreadContext carries channel-specific reply context captured at
// dispatch time, so a result lands in the conversation that asked for it.
type ThreadContext struct {
	Channel  string
	ThreadID string
}

// Deliverer pushes text to a user over one channel.
type Deliverer interface {
	Name() string
	Deliver(ctx context.Context, userID, text string, thread ThreadContext) error
}

// Manager routes delivery requests to the deliverer matching the channel
// hint, falling back to the default deliverer when the hint is empty or
// unknown.
type Manager struct {
	mu         sync.RWMutex
	deliverers map[string]Deliverer
	fallback   Deliverer
	logger     *slog.Logger
}

// NewManager creates a manager that falls back to logging deliveries.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "feedback")
	return &Manager{
		deliverers: make(map[string]Deliverer),
		fallback:   &logDeliverer{logger: logger},
		logger:     logger,
	}
}

// Register adds a channel deliverer, replacing any previous one with the
// same name.
func (m *Manager) Register(d Deliverer) {
	if d == nil || d.Name() == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliverers[d.Name()] = d
}

// SetFallback replaces the default deliverer.
func (m *Manager) SetFallback(d Deliverer) {
	if d == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = d
}

// Deliver sends text to userID over the channel named by channelHint. A
// delivery failure is logged as a warning and returned, but callers treat
// it as best-effort.
func (m *Manager) Deliver(ctx context.Context, userID, text, channelHint string, thread ThreadContext) error {
	m.mu.RLock()
	d, ok := m.deliverers[channelHint]
	if !ok {
		d = m.fallback
	}
	m.mu.RUnlock()

	if err := d.Deliver(ctx, userID, text, thread); err != nil {
		m.logger.Warn("feedback delivery failed",
			"user_id", userID, "channel", channelHint, "deliverer", d.Name(), "error", err)
		return fmt.Errorf("deliver via %s: %w", d.Name(), err)
	}
	return nil
}

// logDeliverer writes deliveries to the log. It is the fallback when no
// channel adapter is registered.
type logDeliverer struct {
	logger *slog.Logger
}

func (l *logDeliverer) Name() string { return "log" }

func (l *logDeliverer) Deliver(ctx context.Context, userID, text string, thread ThreadContext) error {
	l.logger.Info("delivering result", "user_id", userID, "thread_id", thread.ThreadID, "text", text)
	return nil
}
