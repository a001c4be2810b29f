package cron

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/majordomo/internal/bus"
	"github.com/basket/majordomo/internal/persistence"
)

func newTestEngine(t *testing.T) (*Engine, *persistence.Store, *bus.Bus) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "cron.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	b := bus.New(nil)
	e := NewEngine(Config{Store: store, Bus: b, Interval: time.Hour})
	return e, store, b
}

func TestAddIdempotent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	job := persistence.ScheduledJob{ID: "job-1", UserID: "u", Name: "five", CronExpr: "*/5 * * * *"}

	if err := e.Add(context.Background(), job); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := e.Add(context.Background(), job); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if e.TriggerCount() != 1 {
		t.Fatalf("identical re-registration should be a no-op, got %d triggers", e.TriggerCount())
	}
}

func TestAddReplacesChangedExpression(t *testing.T) {
	e, _, _ := newTestEngine(t)
	job := persistence.ScheduledJob{ID: "job-1", UserID: "u", Name: "five", CronExpr: "*/5 * * * *"}
	if err := e.Add(context.Background(), job); err != nil {
		t.Fatalf("add: %v", err)
	}

	job.CronExpr = "*/10 * * * *"
	if err := e.Add(context.Background(), job); err != nil {
		t.Fatalf("add changed: %v", err)
	}
	if e.TriggerCount() != 1 {
		t.Fatalf("changed expression should replace, not duplicate; got %d", e.TriggerCount())
	}
}

func TestAddRejectsMalformed(t *testing.T) {
	e, _, _ := newTestEngine(t)
	job := persistence.ScheduledJob{ID: "job-1", UserID: "u", Name: "bad", CronExpr: "* * * *"}
	if err := e.Add(context.Background(), job); err == nil {
		t.Fatalf("malformed expression must be rejected")
	}
	if e.Registered("job-1") {
		t.Fatalf("rejected job must not leave a trigger behind")
	}
}

func TestRemoveIdempotent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	job := persistence.ScheduledJob{ID: "job-1", UserID: "u", Name: "five", CronExpr: "*/5 * * * *"}
	if err := e.Add(context.Background(), job); err != nil {
		t.Fatalf("add: %v", err)
	}

	e.Remove("job-1")
	if e.Registered("job-1") {
		t.Fatalf("trigger still registered after remove")
	}
	// Removing again, or removing an unknown id, is a no-op.
	e.Remove("job-1")
	e.Remove("never-existed")
}

func TestReconcileRegistersAndDeregisters(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	job := &persistence.ScheduledJob{UserID: "u", Name: "weekdays", CronExpr: "0 9 * * 1-5", Enabled: true}
	if err := store.CreateSchedule(ctx, job); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	e.reconcile(ctx)
	if !e.Registered(job.ID) {
		t.Fatalf("reconcile did not register the enabled job")
	}

	if _, err := store.DeleteSchedule(ctx, job.ID); err != nil {
		t.Fatalf("delete schedule: %v", err)
	}
	e.reconcile(ctx)
	if e.Registered(job.ID) {
		t.Fatalf("reconcile did not deregister the deleted job")
	}
}

func TestReconcileSkipsDisabled(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	job := &persistence.ScheduledJob{UserID: "u", Name: "dormant", CronExpr: "* * * * *", Enabled: false}
	if err := store.CreateSchedule(ctx, job); err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	e.reconcile(ctx)
	if e.Registered(job.ID) {
		t.Fatalf("disabled job must not get a trigger")
	}
}

func TestFirePublishesCronEvent(t *testing.T) {
	e, store, b := newTestEngine(t)
	ctx := context.Background()

	job := &persistence.ScheduledJob{
		UserID:    "user-7",
		Name:      "report",
		CronExpr:  "*/5 * * * *",
		AgentSlug: "reporter",
		Payload:   `{"title":"weekly report","depth":"full"}`,
		Enabled:   true,
	}
	if err := store.CreateSchedule(ctx, job); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	var mu sync.Mutex
	var got *bus.Event
	b.Subscribe(bus.KindCron, func(ev *bus.Event) error {
		mu.Lock()
		got = ev
		mu.Unlock()
		return nil
	})

	e.fire(*job)

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatalf("no cron event published")
	}
	if got.UserID != "user-7" {
		t.Fatalf("event user_id: %q", got.UserID)
	}
	if got.PayloadString("job_id") != job.ID {
		t.Fatalf("event missing job_id")
	}
	if got.PayloadString("agent_slug") != "reporter" {
		t.Fatalf("event missing agent_slug")
	}
	if got.PayloadString("depth") != "full" {
		t.Fatalf("job payload not merged into event")
	}

	updated, err := store.GetSchedule(ctx, job.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if updated.LastRunAt == nil {
		t.Fatalf("last_run_at not recorded")
	}
	if updated.NextRunAt == nil {
		t.Fatalf("next_run_at not recomputed for recurring job")
	}
}

func TestOnceJobFiresOnceAndClearsNextRun(t *testing.T) {
	e, store, b := newTestEngine(t)
	ctx := context.Background()

	fireAt := time.Now().UTC().Add(50 * time.Millisecond)
	job := &persistence.ScheduledJob{
		UserID:    "u",
		Name:      "one-shot",
		CronExpr:  OnceSentinel,
		Enabled:   true,
		NextRunAt: &fireAt,
	}
	if err := store.CreateSchedule(ctx, job); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	var mu sync.Mutex
	fires := 0
	b.Subscribe(bus.KindCron, func(ev *bus.Event) error {
		mu.Lock()
		fires++
		mu.Unlock()
		return nil
	})

	if err := e.Add(ctx, *job); err != nil {
		t.Fatalf("add once: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := fires
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("one-shot never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	updated, err := store.GetSchedule(ctx, job.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if updated.NextRunAt != nil {
		t.Fatalf("one-shot should clear next_run_at after firing")
	}
	if updated.LastRunAt == nil {
		t.Fatalf("one-shot should record last_run_at")
	}

	// Reconciling again must not re-register the fired one-shot.
	e.reconcile(ctx)
	if e.Registered(job.ID) {
		t.Fatalf("fired one-shot re-registered")
	}
	mu.Lock()
	n := fires
	mu.Unlock()
	if n != 1 {
		t.Fatalf("one-shot fired %d times", n)
	}
}

func TestOnceJobRequiresNextRun(t *testing.T) {
	e, _, _ := newTestEngine(t)
	job := persistence.ScheduledJob{ID: "job-1", UserID: "u", Name: "broken", CronExpr: OnceSentinel}
	if err := e.Add(context.Background(), job); err == nil {
		t.Fatalf("@once without next_run_at must be rejected")
	}
}
