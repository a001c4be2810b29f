package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task is a persisted unit of work. Status writes outside this package go
// through the transition methods below; reaching success, failure, or
// cancelled is final.
type Task struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	UserID         string     `json:"user_id"`
	AgentSlug      string     `json:"agent_slug,omitempty"`
	WorkflowID     string     `json:"workflow_id,omitempty"`
	SourceEventID  string     `json:"source_event_id,omitempty"`
	SourceChannel  string     `json:"source_channel,omitempty"`
	ThreadContext  string     `json:"thread_context,omitempty"`
	Status         TaskStatus `json:"status"`
	RetryCount     int        `json:"retry_count"`
	AvailableAt    time.Time  `json:"available_at"`
	InputData      string     `json:"input_data"`
	OutputData     string     `json:"output_data,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Input decodes the task's input_data JSON. A corrupt payload yields an
// empty map.
func (t *Task) Input() map[string]any {
	out := map[string]any{}
	if t.InputData != "" {
		_ = json.Unmarshal([]byte(t.InputData), &out)
	}
	return out
}

// FailureOutcome reports how a transient failure was handled.
type FailureOutcome string

const (
	FailureOutcomeRetried   FailureOutcome = "retried"
	FailureOutcomeExhausted FailureOutcome = "exhausted"
)

// FailureDecision is the result of HandleTaskFailure.
type FailureDecision struct {
	Outcome      FailureOutcome `json:"outcome"`
	RetryCount   int            `json:"retry_count"`
	BackoffUntil *time.Time     `json:"backoff_until,omitempty"`
}

// TaskEvent is one audit row recording a status transition.
type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	EventType string     `json:"event_type"`
	StateFrom TaskStatus `json:"state_from"`
	StateTo   TaskStatus `json:"state_to"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

const taskColumns = `
	id, title, user_id,
	COALESCE(agent_slug, ''), COALESCE(workflow_id, ''), COALESCE(source_event_id, ''),
	COALESCE(source_channel, ''), COALESCE(thread_context, ''),
	status, retry_count, available_at,
	input_data, COALESCE(output_data, ''), COALESCE(error, ''),
	created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	return scanFn(
		&task.ID,
		&task.Title,
		&task.UserID,
		&task.AgentSlug,
		&task.WorkflowID,
		&task.SourceEventID,
		&task.SourceChannel,
		&task.ThreadContext,
		&task.Status,
		&task.RetryCount,
		&task.AvailableAt,
		&task.InputData,
		&task.OutputData,
		&task.Error,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
}

// CreateTask inserts t in queued state, ready for a worker to claim, and
// returns its id. A missing ID or InputData is filled in; UserID must be
// set by the caller.
func (s *Store) CreateTask(ctx context.Context, t *Task) (string, error) {
	if t.UserID == "" {
		return "", errors.New("task user_id required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.InputData == "" {
		t.InputData = "{}"
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, title, user_id, agent_slug, workflow_id, source_event_id,
				source_channel, thread_context, status, retry_count, available_at,
				input_data, created_at, updated_at
			)
			VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, 0, CURRENT_TIMESTAMP, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, t.ID, t.Title, t.UserID, t.AgentSlug, t.WorkflowID, t.SourceEventID,
			t.SourceChannel, t.ThreadContext, TaskStatusQueued, t.InputData); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, t.ID, "", TaskStatusQueued, "task.enqueued", `{"reason":"dispatch"}`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	t.Status = TaskStatusQueued
	return t.ID, nil
}

// ClaimNextQueuedTask atomically moves the oldest available queued task to
// running and returns it. A task whose cancellation was requested while
// queued is moved straight to cancelled instead, and the scan continues.
// Returns (nil, nil) when the queue is empty.
func (s *Store) ClaimNextQueuedTask(ctx context.Context) (*Task, error) {
	var result *Task
	err := retryOnBusy(ctx, 5, func() error {
		for {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin claim tx: %w", err)
			}

			var task Task
			var cancelRequested int
			row := tx.QueryRowContext(ctx, `
				SELECT `+taskColumns+`, cancel_requested
				FROM tasks
				WHERE status = ? AND available_at <= CURRENT_TIMESTAMP
				ORDER BY created_at ASC, rowid ASC
				LIMIT 1;`, TaskStatusQueued)
			if scanErr := scanTaskWithCancel(row.Scan, &task, &cancelRequested); scanErr != nil {
				_ = tx.Rollback()
				if errors.Is(scanErr, sql.ErrNoRows) {
					result = nil
					return nil
				}
				return fmt.Errorf("select queued task: %w", scanErr)
			}

			if cancelRequested == 1 {
				ok, err := s.transitionTaskTx(ctx, tx, task.ID,
					[]TaskStatus{TaskStatusQueued}, TaskStatusCancelled,
					"task.cancelled", `{"reason":"cancel_before_start"}`, nil, nil)
				if err != nil {
					_ = tx.Rollback()
					return fmt.Errorf("cancel queued task: %w", err)
				}
				if err := tx.Commit(); err != nil {
					return fmt.Errorf("commit cancel tx: %w", err)
				}
				_ = ok
				continue
			}

			ok, err := s.transitionTaskTx(ctx, tx, task.ID,
				[]TaskStatus{TaskStatusQueued}, TaskStatusRunning,
				"task.claimed", `{"reason":"worker_claim"}`, nil, nil)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("claim task transition: %w", err)
			}
			if !ok {
				_ = tx.Rollback()
				result = nil
				return nil
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit claim tx: %w", err)
			}
			task.Status = TaskStatusRunning
			result = &task
			return nil
		}
	})
	return result, err
}

func scanTaskWithCancel(scanFn func(dest ...any) error, task *Task, cancelRequested *int) error {
	return scanFn(
		&task.ID,
		&task.Title,
		&task.UserID,
		&task.AgentSlug,
		&task.WorkflowID,
		&task.SourceEventID,
		&task.SourceChannel,
		&task.ThreadContext,
		&task.Status,
		&task.RetryCount,
		&task.AvailableAt,
		&task.InputData,
		&task.OutputData,
		&task.Error,
		&task.CreatedAt,
		&task.UpdatedAt,
		cancelRequested,
	)
}

// CompleteTask writes the terminal success state for a running task.
// Returns ErrStatusConflict when the task is no longer running, which a
// crashed-and-retried worker must treat as already handled.
func (s *Store) CompleteTask(ctx context.Context, taskID, output string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete task tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	ok, err := s.transitionTaskTx(ctx, tx, taskID,
		[]TaskStatus{TaskStatusRunning}, TaskStatusSuccess,
		"task.succeeded", `{"reason":"agent_success"}`, &output, nil)
	if err != nil {
		return fmt.Errorf("complete task transition: %w", err)
	}
	if !ok {
		return ErrStatusConflict
	}
	return tx.Commit()
}

// FailTask writes the terminal failure state without consuming a retry.
// Used for permanent faults such as routing failures and schema
// violations.
func (s *Store) FailTask(ctx context.Context, taskID, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fail task tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	ok, err := s.transitionTaskTx(ctx, tx, taskID,
		[]TaskStatus{TaskStatusQueued, TaskStatusRunning, TaskStatusRetrying},
		TaskStatusFailure,
		"task.failed",
		`{"reason":"permanent_failure"}`, nil, &errMsg)
	if err != nil {
		return fmt.Errorf("fail task transition: %w", err)
	}
	if !ok {
		return ErrStatusConflict
	}
	return tx.Commit()
}

// retryDelay is the backoff before retry n becomes claimable again:
// RetryBackoffBase * 2^n, so 2s, 4s, 8s.
func retryDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	return time.Duration(1<<uint(retryCount)) * RetryBackoffBase
}

// HandleTaskFailure records a transient execution failure for a running
// task. It increments retry_count and either requeues the task with
// backoff (retrying, then queued with a future available_at) or, past
// MaxRetries, writes the terminal failure state.
func (s *Store) HandleTaskFailure(ctx context.Context, taskID, errMsg string) (FailureDecision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FailureDecision{}, fmt.Errorf("begin handle failure tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status TaskStatus
	var retryCount int
	if err := tx.QueryRowContext(ctx, `
		SELECT status, retry_count FROM tasks WHERE id = ?;
	`, taskID).Scan(&status, &retryCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FailureDecision{}, ErrTaskNotFound
		}
		return FailureDecision{}, fmt.Errorf("select task for failure handling: %w", err)
	}
	if status != TaskStatusRunning {
		return FailureDecision{}, ErrStatusConflict
	}

	nextRetry := retryCount + 1
	decision := FailureDecision{RetryCount: nextRetry}

	if nextRetry > MaxRetries {
		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusRunning}, TaskStatusFailure,
			"task.failed",
			fmt.Sprintf(`{"reason":"retries_exhausted","retry_count":%d}`, nextRetry),
			nil, &errMsg)
		if err != nil {
			return FailureDecision{}, fmt.Errorf("transition to failure: %w", err)
		}
		if !ok {
			return FailureDecision{}, ErrStatusConflict
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET retry_count = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, nextRetry, taskID, TaskStatusFailure); err != nil {
			return FailureDecision{}, fmt.Errorf("update exhausted retry count: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return FailureDecision{}, fmt.Errorf("commit exhausted tx: %w", err)
		}
		decision.Outcome = FailureOutcomeExhausted
		return decision, nil
	}

	delay := retryDelay(nextRetry)
	availableAt := time.Now().UTC().Add(delay)
	decision.Outcome = FailureOutcomeRetried
	decision.BackoffUntil = &availableAt

	ok, err := s.transitionTaskTx(ctx, tx, taskID,
		[]TaskStatus{TaskStatusRunning}, TaskStatusRetrying,
		"task.retrying",
		fmt.Sprintf(`{"reason":"transient_failure","retry_count":%d,"delay_ms":%d}`, nextRetry, delay.Milliseconds()),
		nil, &errMsg)
	if err != nil {
		return FailureDecision{}, fmt.Errorf("transition to retrying: %w", err)
	}
	if !ok {
		return FailureDecision{}, ErrStatusConflict
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET retry_count = ?, available_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, nextRetry, availableAt, taskID, TaskStatusRetrying); err != nil {
		return FailureDecision{}, fmt.Errorf("update retry metadata: %w", err)
	}
	ok, err = s.transitionTaskTx(ctx, tx, taskID,
		[]TaskStatus{TaskStatusRetrying}, TaskStatusQueued,
		"task.requeued", `{"reason":"retry_scheduled"}`, nil, nil)
	if err != nil {
		return FailureDecision{}, fmt.Errorf("transition to queued after retry: %w", err)
	}
	if !ok {
		return FailureDecision{}, ErrStatusConflict
	}
	if err := tx.Commit(); err != nil {
		return FailureDecision{}, fmt.Errorf("commit retry tx: %w", err)
	}
	return decision, nil
}

// CancelTask cancels a non-terminal task. It sets cancel_requested first
// so a worker mid-claim sees the flag, then transitions to cancelled.
// Returns false when the task was already terminal.
func (s *Store) CancelTask(ctx context.Context, taskID string) (bool, error) {
	_, _ = s.RequestCancel(ctx, taskID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin cancel task tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	errMsg := "cancelled"
	ok, err := s.transitionTaskTx(ctx, tx, taskID,
		[]TaskStatus{TaskStatusPending, TaskStatusQueued, TaskStatusRunning, TaskStatusRetrying},
		TaskStatusCancelled,
		"task.cancelled", `{"reason":"cancel_request"}`, nil, &errMsg)
	if err != nil {
		return false, fmt.Errorf("cancel task transition: %w", err)
	}
	if !ok {
		return false, nil
	}
	return true, tx.Commit()
}

// RequestCancel sets the cooperative cancellation flag for a non-terminal
// task. Workers check it before starting execution.
func (s *Store) RequestCancel(ctx context.Context, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET cancel_requested = 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?, ?, ?);
	`, taskID, TaskStatusPending, TaskStatusQueued, TaskStatusRunning, TaskStatusRetrying)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// IsCancelRequested reads the cooperative cancellation flag.
func (s *Store) IsCancelRequested(ctx context.Context, taskID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM tasks WHERE id = ?;`, taskID).Scan(&flag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrTaskNotFound
		}
		return false, err
	}
	return flag == 1, nil
}

// RecoverRunningTasks requeues tasks left running by a crashed worker.
// Called once at startup before workers begin claiming.
func (s *Store) RecoverRunningTasks(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin recover tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM tasks WHERE status = ?;
	`, TaskStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("query recoverable tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan recoverable task: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate recoverable tasks: %w", err)
	}

	var recovered int64
	for _, id := range ids {
		ok, err := s.transitionTaskTx(ctx, tx, id,
			[]TaskStatus{TaskStatusRunning}, TaskStatusQueued,
			"task.recovered", `{"reason":"startup_recovery"}`, nil, nil)
		if err != nil {
			return 0, fmt.Errorf("recover task transition: %w", err)
		}
		if ok {
			recovered++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recover tx: %w", err)
	}
	return recovered, nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = ?;
	`, taskID).Scan, &task)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

// QueueDepth counts queued tasks.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var queued int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE status = ?;`, TaskStatusQueued).Scan(&queued); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return queued, nil
}

// TaskCounts returns queued and running counts for the status surface.
func (s *Store) TaskCounts(ctx context.Context) (queued, running int, err error) {
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE status = ?;`, TaskStatusQueued).Scan(&queued); err != nil {
		return 0, 0, fmt.Errorf("count queued: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE status = ?;`, TaskStatusRunning).Scan(&running); err != nil {
		return 0, 0, fmt.Errorf("count running: %w", err)
	}
	return queued, running, nil
}

// ListTaskEvents returns the audit trail for one task, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var te TaskEvent
		if err := rows.Scan(&te.EventID, &te.TaskID, &te.EventType, &te.StateFrom, &te.StateTo, &te.Payload, &te.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, te)
	}
	return out, rows.Err()
}
