// Package cron keeps a live set of scheduled triggers synchronized with
// the schedules table. The table is the source of truth: a periodic
// reconciliation pass registers triggers for enabled jobs, re-registers
// jobs whose expression changed, and drops triggers whose job disappeared
// or was disabled. Each fire publishes a cron event onto the bus; the
// engine is the sole writer of last_run_at and next_run_at.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/majordomo/internal/bus"
	"github.com/basket/majordomo/internal/persistence"
)

// Config holds the dependencies for the cron engine.
type Config struct {
	Store    *persistence.Store
	Bus      *bus.Bus
	Logger   *slog.Logger
	Interval time.Duration // reconciliation interval; defaults to 30s
}

// trigger is one live registration: either a cron entry or a one-shot
// timer, never both.
type trigger struct {
	signature string
	entryID   cronlib.EntryID
	timer     *time.Timer
	isOnce    bool
}

// Engine reconciles the schedules table into live triggers.
type Engine struct {
	store    *persistence.Store
	bus      *bus.Bus
	logger   *slog.Logger
	interval time.Duration
	runner   *cronlib.Cron

	mu       sync.Mutex
	triggers map[string]*trigger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onFire func()
}

// NewEngine creates a cron engine. Start must be called before triggers
// fire.
func NewEngine(cfg Config) *Engine {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    cfg.Store,
		bus:      cfg.Bus,
		logger:   logger.With("component", "cron"),
		interval: interval,
		runner: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithLocation(time.UTC),
		),
		triggers: make(map[string]*trigger),
		ctx:      context.Background(),
	}
}

// SetFireHook installs a counter callback fired once per trigger fire.
// Used for metrics; may be nil.
func (e *Engine) SetFireHook(fn func()) {
	e.onFire = fn
}

// Start runs an immediate reconciliation pass, starts the trigger runner,
// and begins the periodic reconciliation loop.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.runner.Start()
	e.reconcile(e.ctx)
	e.wg.Add(1)
	go e.loop(e.ctx)
	e.logger.Info("cron engine started", "interval", e.interval)
}

// Stop cancels the loop, stops the runner, and drops all live triggers.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	stopCtx := e.runner.Stop()
	<-stopCtx.Done()

	e.mu.Lock()
	for id, tr := range e.triggers {
		if tr.timer != nil {
			tr.timer.Stop()
		}
		delete(e.triggers, id)
	}
	e.mu.Unlock()
	e.logger.Info("cron engine stopped")
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reconcile(ctx)
		}
	}
}

// reconcile loads all enabled jobs and brings the live trigger set in
// line: register missing, re-register changed, deregister orphaned.
func (e *Engine) reconcile(ctx context.Context) {
	jobs, err := e.store.ListEnabledSchedules(ctx)
	if err != nil {
		e.logger.Error("reconcile: list schedules failed", "error", err)
		return
	}

	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		seen[job.ID] = true
		if err := e.Add(ctx, job); err != nil {
			e.logger.Error("reconcile: register trigger failed",
				"schedule_id", job.ID, "name", job.Name, "cron_expr", job.CronExpr, "error", err)
		}
	}

	e.mu.Lock()
	var orphaned []string
	for id := range e.triggers {
		if !seen[id] {
			orphaned = append(orphaned, id)
		}
	}
	e.mu.Unlock()
	for _, id := range orphaned {
		e.Remove(id)
	}
}

// jobSignature identifies what a live trigger was built from, so a
// changed expression (or a moved one-shot) forces re-registration.
func jobSignature(job persistence.ScheduledJob) string {
	if job.CronExpr == OnceSentinel && job.NextRunAt != nil {
		return fmt.Sprintf("%s@%d", OnceSentinel, job.NextRunAt.Unix())
	}
	return job.CronExpr
}

// Add registers a live trigger for job. Adding a job that is already
// registered with the same expression is a no-op; a changed expression
// replaces the old trigger. A malformed expression is rejected with a
// descriptive error and nothing is registered.
func (e *Engine) Add(ctx context.Context, job persistence.ScheduledJob) error {
	if err := ValidateExpression(job.CronExpr); err != nil {
		return err
	}

	if job.CronExpr == OnceSentinel {
		return e.addOnce(job)
	}

	signature := jobSignature(job)
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.triggers[job.ID]; ok {
		if existing.signature == signature {
			return nil
		}
		e.dropLocked(job.ID, existing)
	}

	snapshot := job
	entryID, err := e.runner.AddFunc(job.CronExpr, func() {
		e.fire(snapshot)
	})
	if err != nil {
		return fmt.Errorf("register trigger for %q: %w", job.CronExpr, err)
	}
	e.triggers[job.ID] = &trigger{signature: signature, entryID: entryID}
	e.logger.Debug("trigger registered", "schedule_id", job.ID, "cron_expr", job.CronExpr)
	return nil
}

// addOnce registers a one-shot timer for an @once job. A job that
// already fired (last_run_at set, next_run_at cleared) stays unregistered
// until its owner disables or deletes it.
func (e *Engine) addOnce(job persistence.ScheduledJob) error {
	if job.NextRunAt == nil {
		if job.LastRunAt != nil {
			return nil
		}
		return fmt.Errorf("%s schedule %q has no next_run_at", OnceSentinel, job.Name)
	}

	signature := jobSignature(job)
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.triggers[job.ID]; ok {
		if existing.signature == signature {
			return nil
		}
		e.dropLocked(job.ID, existing)
	}

	delay := time.Until(*job.NextRunAt)
	if delay < 0 {
		// The daemon was down when the one-shot came due; fire it now.
		delay = 0
	}
	snapshot := job
	timer := time.AfterFunc(delay, func() {
		e.fire(snapshot)
	})
	e.triggers[job.ID] = &trigger{signature: signature, timer: timer, isOnce: true}
	e.logger.Debug("one-shot trigger registered", "schedule_id", job.ID, "fire_at", job.NextRunAt)
	return nil
}

// Remove deregisters the live trigger for jobID. Removing an unknown id
// is a no-op.
func (e *Engine) Remove(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr, ok := e.triggers[jobID]
	if !ok {
		return
	}
	e.dropLocked(jobID, tr)
	e.logger.Debug("trigger removed", "schedule_id", jobID)
}

func (e *Engine) dropLocked(jobID string, tr *trigger) {
	if tr.timer != nil {
		tr.timer.Stop()
	} else {
		e.runner.Remove(tr.entryID)
	}
	delete(e.triggers, jobID)
}

// Registered reports whether a live trigger exists for jobID.
func (e *Engine) Registered(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.triggers[jobID]
	return ok
}

// TriggerCount returns the number of live triggers.
func (e *Engine) TriggerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.triggers)
}

// fire publishes a cron event for the job and records the run. The event
// payload carries the job's task payload plus job_id and agent_slug; the
// dispatcher's catch-all handler turns it into a task.
func (e *Engine) fire(job persistence.ScheduledJob) {
	ctx := e.ctx
	now := time.Now().UTC()

	payload := map[string]any{}
	if current, err := e.store.GetSchedule(ctx, job.ID); err == nil {
		// Fire from the freshest row so an edited payload wins.
		job = *current
	}
	for k, v := range decodePayload(job.Payload) {
		payload[k] = v
	}
	payload["job_id"] = job.ID
	if job.AgentSlug != "" {
		payload["agent_slug"] = job.AgentSlug
	}
	if _, ok := payload["title"]; !ok {
		payload["title"] = job.Name
	}

	ev := bus.NewEvent(bus.KindCron, payload)
	ev.UserID = job.UserID
	e.bus.Publish(ev)
	if e.onFire != nil {
		e.onFire()
	}

	var nextRun *time.Time
	if job.CronExpr != OnceSentinel {
		next, err := NextRunTime(job.CronExpr, now)
		if err == nil {
			nextRun = &next
		}
	}
	if err := e.store.UpdateScheduleRun(ctx, job.ID, now, nextRun); err != nil {
		e.logger.Error("record schedule run failed", "schedule_id", job.ID, "error", err)
	}
	if job.CronExpr == OnceSentinel {
		e.mu.Lock()
		if tr, ok := e.triggers[job.ID]; ok && tr.isOnce {
			delete(e.triggers, job.ID)
		}
		e.mu.Unlock()
	}

	e.logger.Info("schedule fired",
		"schedule_id", job.ID, "name", job.Name, "user_id", job.UserID, "next_run_at", nextRun)
}

func decodePayload(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
