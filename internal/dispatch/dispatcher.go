// Package dispatch converts routed work into persisted, queued tasks. The
// dispatcher owns task creation; workers own everything after the claim.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/majordomo/internal/bus"
	"github.com/basket/majordomo/internal/persistence"
)

// SystemUserID is the identity assigned to tasks derived from events that
// carry no user, such as internal cron fires.
const SystemUserID = "system"

// ErrQueueSaturated is returned when dispatch would push the queued
// backlog past the configured maximum.
var ErrQueueSaturated = errors.New("task queue saturated")

// Dispatcher persists tasks into the durable queue.
type Dispatcher struct {
	store         *persistence.Store
	logger        *slog.Logger
	maxQueueDepth int

	onDispatch func()
}

// New creates a dispatcher. maxQueueDepth <= 0 disables backpressure.
func New(store *persistence.Store, maxQueueDepth int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:         store,
		logger:        logger.With("component", "dispatcher"),
		maxQueueDepth: maxQueueDepth,
	}
}

// SetDispatchHook installs a counter callback fired per accepted
// dispatch. Used for metrics; may be nil.
func (d *Dispatcher) SetDispatchHook(fn func()) {
	d.onDispatch = fn
}

// Dispatch persists task in queued state and returns an opaque handle the
// caller can use for cancellation lookups. The handle is stable across
// retries of the same task.
func (d *Dispatcher) Dispatch(ctx context.Context, task *persistence.Task) (string, error) {
	if task == nil {
		return "", errors.New("nil task")
	}
	if task.UserID == "" {
		task.UserID = SystemUserID
	}
	if d.maxQueueDepth > 0 {
		depth, err := d.store.QueueDepth(ctx)
		if err != nil {
			return "", fmt.Errorf("check queue depth: %w", err)
		}
		if depth >= d.maxQueueDepth {
			return "", fmt.Errorf("%w: depth %d", ErrQueueSaturated, depth)
		}
	}

	id, err := d.store.CreateTask(ctx, task)
	if err != nil {
		return "", fmt.Errorf("persist task: %w", err)
	}
	if d.onDispatch != nil {
		d.onDispatch()
	}
	d.logger.Info("task dispatched",
		"task_id", id, "title", task.Title, "user_id", task.UserID,
		"agent_slug", task.AgentSlug, "source_event_id", task.SourceEventID)
	return id, nil
}

// DispatchFromEvent builds a task from an event and dispatches it. The
// task back-references the event via source_event_id, carries the event's
// channel and reply context for later delivery, and defaults the user to
// SystemUserID when the event has none. agentSlug may be empty; routing
// then happens at execution time.
func (d *Dispatcher) DispatchFromEvent(ctx context.Context, ev *bus.Event, agentSlug string) (string, error) {
	if ev == nil {
		return "", errors.New("nil event")
	}
	userID := ev.UserID
	if userID == "" {
		userID = SystemUserID
	}
	title := ev.PayloadString("title")
	if title == "" {
		title = ev.PayloadString("message")
	}
	if title == "" {
		title = fmt.Sprintf("%s event", ev.Kind)
	}
	input, err := json.Marshal(ev.Payload)
	if err != nil {
		return "", fmt.Errorf("encode event payload: %w", err)
	}

	task := &persistence.Task{
		Title:         title,
		UserID:        userID,
		AgentSlug:     agentSlug,
		SourceEventID: ev.ID,
		SourceChannel: ev.SourceChannel,
		ThreadContext: ev.PayloadString("thread_context"),
		InputData:     string(input),
	}
	return d.Dispatch(ctx, task)
}

// dispatchableKinds are the event kinds the catch-all handler turns into
// tasks. Lifecycle and system kinds stay on the bus only, so a completed
// task never re-dispatches itself.
var dispatchableKinds = map[bus.Kind]bool{
	bus.KindUserMessage:    true,
	bus.KindWebhook:        true,
	bus.KindCron:           true,
	bus.KindChannelMessage: true,
	bus.KindAPICall:        true,
}

// AttachTo registers the dispatcher as the bus's catch-all handler,
// turning every dispatchable event into a queued task.
func (d *Dispatcher) AttachTo(b *bus.Bus) {
	b.SubscribeAny(func(ev *bus.Event) error {
		if !dispatchableKinds[ev.Kind] {
			return nil
		}
		agentSlug := ev.PayloadString("agent_slug")
		_, err := d.DispatchFromEvent(context.Background(), ev, agentSlug)
		return err
	})
}
