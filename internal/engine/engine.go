// Package engine runs the worker pool. Workers pull queued tasks from the
// store, resolve an agent, execute it, and record the outcome. Terminal
// writes are compare-and-set transitions, so a worker retried after a
// crash cannot double-apply a state another attempt already wrote.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/majordomo/internal/agent"
	"github.com/basket/majordomo/internal/bus"
	"github.com/basket/majordomo/internal/feedback"
	"github.com/basket/majordomo/internal/persistence"
)

// Config holds the worker pool dependencies.
type Config struct {
	WorkerCount  int
	PollInterval time.Duration
	TaskTimeout  time.Duration

	Store    *persistence.Store
	Catalog  *agent.Catalog
	Router   *agent.Router
	Bus      *bus.Bus
	Feedback *feedback.Manager
	Logger   *slog.Logger

	// Observability hooks; all optional.
	OnComplete func(duration time.Duration)
	OnFail     func()
	OnRetry    func()
}

// Engine is the worker pool.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	startOnce   sync.Once
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	activeTasks atomic.Int64
}

// New creates an engine with defaults applied.
func New(cfg Config) *Engine {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		logger: logger.With("component", "engine"),
	}
}

// Start recovers tasks stranded by a previous crash, then launches the
// workers. Subsequent calls are no-ops.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		recovered, err := e.cfg.Store.RecoverRunningTasks(ctx)
		if err != nil {
			e.logger.Error("startup recovery failed", "error", err)
		} else if recovered > 0 {
			e.logger.Info("recovered stranded tasks", "count", recovered)
		}

		ctx, e.cancel = context.WithCancel(ctx)
		for i := 0; i < e.cfg.WorkerCount; i++ {
			e.wg.Add(1)
			go e.worker(ctx, i)
		}
		e.logger.Info("worker pool started",
			"workers", e.cfg.WorkerCount, "poll_interval", e.cfg.PollInterval)
	})
}

// Drain stops claiming new tasks and waits up to timeout for in-flight
// tasks to finish.
func (e *Engine) Drain(timeout time.Duration) error {
	if e.cancel != nil {
		e.cancel()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("drain timed out after %s with %d active tasks", timeout, e.activeTasks.Load())
	}
}

// ActiveTasks returns the number of tasks currently executing.
func (e *Engine) ActiveTasks() int64 {
	return e.activeTasks.Load()
}

func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	logger := e.logger.With("worker", id)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// Empty the claimable backlog before sleeping again.
		for {
			if ctx.Err() != nil {
				return
			}
			task, err := e.cfg.Store.ClaimNextQueuedTask(ctx)
			if err != nil {
				logger.Error("claim failed", "error", err)
				break
			}
			if task == nil {
				break
			}
			e.handleTask(ctx, logger, task)
		}
	}
}

func (e *Engine) handleTask(ctx context.Context, logger *slog.Logger, task *persistence.Task) {
	e.activeTasks.Add(1)
	defer e.activeTasks.Add(-1)
	started := time.Now()

	// The claim re-checks the flag, but it may have been set since.
	if cancelled, err := e.cfg.Store.IsCancelRequested(ctx, task.ID); err == nil && cancelled {
		if ok, err := e.cfg.Store.CancelTask(ctx, task.ID); err != nil {
			logger.Error("cancel transition failed", "task_id", task.ID, "error", err)
		} else if ok {
			logger.Info("task cancelled before execution", "task_id", task.ID)
		}
		return
	}

	tc := agent.TaskContext{
		TaskID:    task.ID,
		Title:     task.Title,
		UserID:    task.UserID,
		AgentSlug: task.AgentSlug,
		Input:     task.Input(),
	}

	ag, routeErr := e.resolveAgent(ctx, tc)
	if routeErr != nil {
		logger.Error("agent resolution errored", "task_id", task.ID, "error", routeErr)
	}
	if ag == nil {
		// Routing failure is permanent; it is not retried.
		e.failPermanently(ctx, logger, task, "no suitable agent found for this task")
		return
	}

	if err := agent.ValidateInput(ag, tc.Input); err != nil {
		e.failPermanently(ctx, logger, task, err.Error())
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
	result, execErr := e.execute(execCtx, ag, tc)
	cancel()

	if execErr != nil {
		e.handleFailure(ctx, logger, task, ag.Slug(), execErr)
		return
	}

	output := encodeResult(result)
	if err := e.cfg.Store.CompleteTask(ctx, task.ID, output); err != nil {
		if errors.Is(err, persistence.ErrStatusConflict) {
			// Another attempt (or a cancel) already wrote a terminal
			// state; this attempt's result is discarded.
			logger.Warn("success write lost status race", "task_id", task.ID)
			return
		}
		logger.Error("complete transition failed", "task_id", task.ID, "error", err)
		return
	}
	if task.SourceEventID != "" {
		if err := e.cfg.Store.MarkEventProcessed(ctx, task.SourceEventID); err != nil {
			logger.Warn("mark event processed failed",
				"task_id", task.ID, "event_id", task.SourceEventID, "error", err)
		}
	}

	duration := time.Since(started)
	logger.Info("task succeeded",
		"task_id", task.ID, "agent_slug", ag.Slug(), "duration_ms", duration.Milliseconds())
	if e.cfg.OnComplete != nil {
		e.cfg.OnComplete(duration)
	}

	summary := ""
	if result != nil {
		summary = result.Summary
	}
	e.publishLifecycle(bus.KindTaskComplete, task, map[string]any{
		"agent_slug": ag.Slug(),
		"summary":    summary,
	})
	e.deliverResult(ctx, task, summaryOr(summary, "Task completed: "+task.Title))
}

// resolveAgent looks up an explicit slug in the catalog, or routes by
// confidence when the task has none. A nil agent with nil error means no
// capable handler.
func (e *Engine) resolveAgent(ctx context.Context, tc agent.TaskContext) (agent.Agent, error) {
	if tc.AgentSlug != "" {
		ag, err := e.cfg.Catalog.Get(tc.AgentSlug)
		if err != nil {
			if errors.Is(err, agent.ErrAgentNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return ag, nil
	}
	return e.cfg.Router.Resolve(ctx, tc)
}

// execute runs the agent with panics converted to errors; an agent can
// never crash the worker.
func (e *Engine) execute(ctx context.Context, ag agent.Agent, tc agent.TaskContext) (result *agent.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("agent %s panicked: %v", ag.Slug(), r)
		}
	}()
	return ag.Execute(ctx, tc)
}

// failPermanently writes a terminal failure that consumes no retry, then
// emits the failure event and delivers the bad news.
func (e *Engine) failPermanently(ctx context.Context, logger *slog.Logger, task *persistence.Task, reason string) {
	if err := e.cfg.Store.FailTask(ctx, task.ID, reason); err != nil {
		if errors.Is(err, persistence.ErrStatusConflict) {
			logger.Warn("failure write lost status race", "task_id", task.ID)
			return
		}
		logger.Error("fail transition failed", "task_id", task.ID, "error", err)
		return
	}
	logger.Warn("task failed permanently", "task_id", task.ID, "reason", reason)
	if e.cfg.OnFail != nil {
		e.cfg.OnFail()
	}
	e.publishLifecycle(bus.KindTaskFailed, task, map[string]any{"error": reason})
	e.deliverResult(ctx, task, "Task failed: "+reason)
}

func (e *Engine) handleFailure(ctx context.Context, logger *slog.Logger, task *persistence.Task, slug string, execErr error) {
	decision, err := e.cfg.Store.HandleTaskFailure(ctx, task.ID, execErr.Error())
	if err != nil {
		if errors.Is(err, persistence.ErrStatusConflict) {
			logger.Warn("failure handling lost status race", "task_id", task.ID)
			return
		}
		logger.Error("failure handling errored", "task_id", task.ID, "error", err)
		return
	}

	switch decision.Outcome {
	case persistence.FailureOutcomeRetried:
		logger.Warn("task will retry",
			"task_id", task.ID, "agent_slug", slug,
			"retry_count", decision.RetryCount, "backoff_until", decision.BackoffUntil,
			"error", execErr)
		if e.cfg.OnRetry != nil {
			e.cfg.OnRetry()
		}
	case persistence.FailureOutcomeExhausted:
		logger.Error("task failed after retries",
			"task_id", task.ID, "agent_slug", slug,
			"retry_count", decision.RetryCount, "error", execErr)
		if e.cfg.OnFail != nil {
			e.cfg.OnFail()
		}
		e.publishLifecycle(bus.KindTaskFailed, task, map[string]any{
			"agent_slug":  slug,
			"error":       execErr.Error(),
			"retry_count": decision.RetryCount,
		})
		e.deliverResult(ctx, task, fmt.Sprintf("Task failed after %d attempts: %s", decision.RetryCount, execErr))
	}
}

// publishLifecycle emits a task_complete or task_failed event.
func (e *Engine) publishLifecycle(kind bus.Kind, task *persistence.Task, extra map[string]any) {
	if e.cfg.Bus == nil {
		return
	}
	payload := map[string]any{
		"task_id": task.ID,
		"title":   task.Title,
	}
	for k, v := range extra {
		payload[k] = v
	}
	ev := bus.NewEvent(kind, payload)
	ev.UserID = task.UserID
	ev.SourceChannel = task.SourceChannel
	e.cfg.Bus.Publish(ev)
}

// deliverResult pushes a user-facing summary through the feedback
// manager for channel-originated tasks. Delivery is best-effort.
func (e *Engine) deliverResult(ctx context.Context, task *persistence.Task, text string) {
	if e.cfg.Feedback == nil || task.SourceChannel == "" {
		return
	}
	thread := feedback.ThreadContext{
		Channel:  task.SourceChannel,
		ThreadID: task.ThreadContext,
	}
	_ = e.cfg.Feedback.Deliver(ctx, task.UserID, text, task.SourceChannel, thread)
}

func encodeResult(result *agent.Result) string {
	if result == nil {
		return "{}"
	}
	encoded, err := json.Marshal(map[string]any{
		"summary": result.Summary,
		"output":  result.Output,
	})
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

func summaryOr(summary, fallback string) string {
	if summary != "" {
		return summary
	}
	return fallback
}
