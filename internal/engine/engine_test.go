package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/majordomo/internal/agent"
	"github.com/basket/majordomo/internal/bus"
	"github.com/basket/majordomo/internal/feedback"
	"github.com/basket/majordomo/internal/persistence"
)

type stubAgent struct {
	slug    string
	caps    []string
	schema  json.RawMessage
	execute func(ctx context.Context, tc agent.TaskContext) (*agent.Result, error)
}

func (s *stubAgent) Slug() string           { return s.slug }
func (s *stubAgent) Capabilities() []string { return s.caps }

func (s *stubAgent) Confidence(tc agent.TaskContext) float64 {
	return agent.KeywordConfidence(tc, s.caps)
}

func (s *stubAgent) Execute(ctx context.Context, tc agent.TaskContext) (*agent.Result, error) {
	if s.execute != nil {
		return s.execute(ctx, tc)
	}
	return &agent.Result{Summary: "done"}, nil
}

func (s *stubAgent) InputSchema() json.RawMessage { return s.schema }

type captureDeliverer struct {
	mu       sync.Mutex
	messages []string
	threads  []feedback.ThreadContext
}

func (c *captureDeliverer) Name() string { return "capture" }

func (c *captureDeliverer) Deliver(ctx context.Context, userID, text string, thread feedback.ThreadContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, text)
	c.threads = append(c.threads, thread)
	return nil
}

func (c *captureDeliverer) last() (string, feedback.ThreadContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return "", feedback.ThreadContext{}, false
	}
	return c.messages[len(c.messages)-1], c.threads[len(c.threads)-1], true
}

type testHarness struct {
	engine  *Engine
	store   *persistence.Store
	bus     *bus.Bus
	catalog *agent.Catalog
	capture *captureDeliverer

	mu       sync.Mutex
	complete []*bus.Event
	failed   []*bus.Event
}

func newHarness(t *testing.T, agents ...agent.Agent) *testHarness {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	catalog := agent.NewCatalog(nil)
	for _, a := range agents {
		if err := catalog.Register(a); err != nil {
			t.Fatalf("register agent: %v", err)
		}
	}

	b := bus.New(nil)
	capture := &captureDeliverer{}
	fm := feedback.NewManager(nil)
	fm.Register(capture)

	h := &testHarness{
		store:   store,
		bus:     b,
		catalog: catalog,
		capture: capture,
	}
	b.Subscribe(bus.KindTaskComplete, func(ev *bus.Event) error {
		h.mu.Lock()
		h.complete = append(h.complete, ev)
		h.mu.Unlock()
		return nil
	})
	b.Subscribe(bus.KindTaskFailed, func(ev *bus.Event) error {
		h.mu.Lock()
		h.failed = append(h.failed, ev)
		h.mu.Unlock()
		return nil
	})

	h.engine = New(Config{
		Store:    store,
		Catalog:  catalog,
		Router:   agent.NewRouter(catalog, nil, nil),
		Bus:      b,
		Feedback: fm,
	})
	return h
}

// claimAndHandle claims the next queued task and runs it synchronously.
func (h *testHarness) claimAndHandle(t *testing.T) *persistence.Task {
	t.Helper()
	ctx := context.Background()
	task, err := h.store.ClaimNextQueuedTask(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task == nil {
		t.Fatalf("no claimable task")
	}
	h.engine.handleTask(ctx, h.engine.logger, task)
	return task
}

func (h *testHarness) lifecycleCounts() (complete, failed int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.complete), len(h.failed)
}

func TestSuccessPath(t *testing.T) {
	h := newHarness(t, &stubAgent{
		slug: "echo",
		caps: []string{"echo"},
		execute: func(ctx context.Context, tc agent.TaskContext) (*agent.Result, error) {
			return &agent.Result{Summary: "echoed: " + tc.Title, Output: tc.Input}, nil
		},
	})
	ctx := context.Background()

	if err := h.store.RecordEvent(ctx, "ev-1", "channel_message", map[string]any{"message": "hi"}, "chat", "user-1"); err != nil {
		t.Fatalf("record event: %v", err)
	}
	taskID, err := h.store.CreateTask(ctx, &persistence.Task{
		Title:         "say hello",
		UserID:        "user-1",
		AgentSlug:     "echo",
		SourceEventID: "ev-1",
		SourceChannel: "capture",
		ThreadContext: "thread-42",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	h.claimAndHandle(t)

	got, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.TaskStatusSuccess {
		t.Fatalf("status = %s, want success", got.Status)
	}
	if !strings.Contains(got.OutputData, "echoed: say hello") {
		t.Fatalf("output missing summary: %s", got.OutputData)
	}

	rec, err := h.store.GetEventRecord(ctx, "ev-1")
	if err != nil {
		t.Fatalf("get event record: %v", err)
	}
	if !rec.Processed {
		t.Fatalf("source event not marked processed")
	}

	complete, failed := h.lifecycleCounts()
	if complete != 1 || failed != 0 {
		t.Fatalf("lifecycle events: %d complete, %d failed", complete, failed)
	}
	h.mu.Lock()
	ev := h.complete[0]
	h.mu.Unlock()
	if ev.PayloadString("task_id") != taskID || ev.UserID != "user-1" {
		t.Fatalf("task_complete payload wrong: %+v", ev)
	}

	text, thread, ok := h.capture.last()
	if !ok {
		t.Fatalf("no feedback delivered")
	}
	if !strings.Contains(text, "echoed: say hello") {
		t.Fatalf("feedback text: %q", text)
	}
	if thread.Channel != "capture" || thread.ThreadID != "thread-42" {
		t.Fatalf("thread context: %+v", thread)
	}
}

func TestRoutingFailureIsTerminal(t *testing.T) {
	h := newHarness(t) // empty catalog
	ctx := context.Background()

	taskID, err := h.store.CreateTask(ctx, &persistence.Task{
		Title:  "unroutable gibberish",
		UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	h.claimAndHandle(t)

	got, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.TaskStatusFailure {
		t.Fatalf("status = %s, want failure", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("routing failure must not consume retries, retry_count = %d", got.RetryCount)
	}
	if _, failed := h.lifecycleCounts(); failed != 1 {
		t.Fatalf("expected one task_failed event")
	}
}

func TestUnknownExplicitSlugIsTerminal(t *testing.T) {
	h := newHarness(t, &stubAgent{slug: "echo", caps: []string{"echo"}})
	ctx := context.Background()

	taskID, err := h.store.CreateTask(ctx, &persistence.Task{
		Title:     "echo something",
		UserID:    "user-1",
		AgentSlug: "no-such-agent",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	h.claimAndHandle(t)

	got, _ := h.store.GetTask(ctx, taskID)
	if got.Status != persistence.TaskStatusFailure {
		t.Fatalf("explicit unknown slug should fail, got %s", got.Status)
	}
}

func TestTransientFailureRetries(t *testing.T) {
	h := newHarness(t, &stubAgent{
		slug: "flaky",
		caps: []string{"flaky"},
		execute: func(ctx context.Context, tc agent.TaskContext) (*agent.Result, error) {
			return nil, errors.New("upstream timeout")
		},
	})
	ctx := context.Background()

	taskID, err := h.store.CreateTask(ctx, &persistence.Task{
		Title:     "flaky work",
		UserID:    "user-1",
		AgentSlug: "flaky",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	h.claimAndHandle(t)

	got, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.TaskStatusQueued {
		t.Fatalf("status = %s, want queued for retry", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", got.RetryCount)
	}
	// A retry is internal; no lifecycle event fires until exhaustion.
	if complete, failed := h.lifecycleCounts(); complete != 0 || failed != 0 {
		t.Fatalf("retry must not publish lifecycle events: %d complete, %d failed", complete, failed)
	}
}

func TestExhaustedRetriesPublishFailure(t *testing.T) {
	h := newHarness(t, &stubAgent{
		slug: "broken",
		caps: []string{"broken"},
		execute: func(ctx context.Context, tc agent.TaskContext) (*agent.Result, error) {
			return nil, errors.New("always fails")
		},
	})
	ctx := context.Background()

	taskID, err := h.store.CreateTask(ctx, &persistence.Task{
		Title:     "broken work",
		UserID:    "user-1",
		AgentSlug: "broken",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	for i := 0; i <= persistence.MaxRetries; i++ {
		// Clear the backoff so the next attempt is immediately claimable.
		if _, err := h.store.DB().ExecContext(ctx, `
			UPDATE tasks SET available_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, taskID); err != nil {
			t.Fatalf("reset backoff: %v", err)
		}
		h.claimAndHandle(t)
	}

	got, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.TaskStatusFailure {
		t.Fatalf("status = %s, want failure after exhaustion", got.Status)
	}
	if got.RetryCount != persistence.MaxRetries+1 {
		t.Fatalf("retry_count = %d, want %d", got.RetryCount, persistence.MaxRetries+1)
	}
	if _, failed := h.lifecycleCounts(); failed != 1 {
		t.Fatalf("exactly one task_failed expected, got %d", failed)
	}
}

func TestSchemaViolationIsPermanent(t *testing.T) {
	h := newHarness(t, &stubAgent{
		slug:   "strict",
		caps:   []string{"strict"},
		schema: json.RawMessage(`{"type":"object","required":["url"],"properties":{"url":{"type":"string"}}}`),
	})
	ctx := context.Background()

	taskID, err := h.store.CreateTask(ctx, &persistence.Task{
		Title:     "strict work",
		UserID:    "user-1",
		AgentSlug: "strict",
		InputData: `{"nope":true}`,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	h.claimAndHandle(t)

	got, _ := h.store.GetTask(ctx, taskID)
	if got.Status != persistence.TaskStatusFailure {
		t.Fatalf("schema violation should be terminal, got %s", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("schema violation must not be retried, retry_count = %d", got.RetryCount)
	}
}

func TestAgentPanicIsRetried(t *testing.T) {
	h := newHarness(t, &stubAgent{
		slug: "crashy",
		caps: []string{"crashy"},
		execute: func(ctx context.Context, tc agent.TaskContext) (*agent.Result, error) {
			panic("boom")
		},
	})
	ctx := context.Background()

	taskID, err := h.store.CreateTask(ctx, &persistence.Task{
		Title:     "crashy work",
		UserID:    "user-1",
		AgentSlug: "crashy",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	h.claimAndHandle(t)

	got, _ := h.store.GetTask(ctx, taskID)
	if got.Status != persistence.TaskStatusQueued {
		t.Fatalf("panicking agent should be retried, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "panicked") {
		t.Fatalf("error should record the panic: %q", got.Error)
	}
}

func TestCancelBetweenClaimAndExecution(t *testing.T) {
	executed := false
	h := newHarness(t, &stubAgent{
		slug: "slow",
		caps: []string{"slow"},
		execute: func(ctx context.Context, tc agent.TaskContext) (*agent.Result, error) {
			executed = true
			return &agent.Result{Summary: "should not run"}, nil
		},
	})
	ctx := context.Background()

	taskID, err := h.store.CreateTask(ctx, &persistence.Task{
		Title:     "slow work",
		UserID:    "user-1",
		AgentSlug: "slow",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	task, err := h.store.ClaimNextQueuedTask(ctx)
	if err != nil || task == nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := h.store.RequestCancel(ctx, taskID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	h.engine.handleTask(ctx, h.engine.logger, task)

	if executed {
		t.Fatalf("agent ran despite cancellation request")
	}
	got, _ := h.store.GetTask(ctx, taskID)
	if got.Status != persistence.TaskStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestRoutingByConfidence(t *testing.T) {
	var ran string
	mk := func(slug string, caps []string) *stubAgent {
		return &stubAgent{
			slug: slug,
			caps: caps,
			execute: func(ctx context.Context, tc agent.TaskContext) (*agent.Result, error) {
				ran = slug
				return &agent.Result{Summary: "ok"}, nil
			},
		}
	}
	h := newHarness(t,
		mk("mailer", []string{"email", "inbox"}),
		mk("scraper", []string{"scrape", "web"}),
	)
	ctx := context.Background()

	if _, err := h.store.CreateTask(ctx, &persistence.Task{
		Title:  "scrape the web for updates",
		UserID: "user-1",
	}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	h.claimAndHandle(t)
	if ran != "scraper" {
		t.Fatalf("routed to %q, want scraper", ran)
	}
}

func TestWorkerLoopEndToEnd(t *testing.T) {
	h := newHarness(t, &stubAgent{slug: "echo", caps: []string{"echo"}})
	ctx := context.Background()

	h.engine.cfg.WorkerCount = 1
	h.engine.cfg.PollInterval = 20 * time.Millisecond
	h.engine.Start(ctx)
	defer func() {
		if err := h.engine.Drain(2 * time.Second); err != nil {
			t.Fatalf("drain: %v", err)
		}
	}()

	taskID, err := h.store.CreateTask(ctx, &persistence.Task{
		Title:     "background echo",
		UserID:    "user-1",
		AgentSlug: "echo",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := h.store.GetTask(ctx, taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.Status.IsTerminal() {
			if got.Status != persistence.TaskStatusSuccess {
				t.Fatalf("terminal status = %s, want success", got.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed, status %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
