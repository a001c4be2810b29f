package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ScheduledJob is a persistent cron definition. The cron engine is the
// sole writer of LastRunAt and NextRunAt; everything else belongs to the
// job's creator.
type ScheduledJob struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron_expression"`
	AgentSlug string     `json:"agent_slug,omitempty"`
	Payload   string     `json:"task_payload"`
	Enabled   bool       `json:"is_enabled"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

const scheduleColumns = `
	id, user_id, name, cron_expr, COALESCE(agent_slug, ''), payload,
	enabled, next_run_at, last_run_at, created_at, updated_at`

func scanSchedule(scanFn func(dest ...any) error, job *ScheduledJob) error {
	var enabled int
	var nextRun, lastRun sql.NullTime
	if err := scanFn(
		&job.ID, &job.UserID, &job.Name, &job.CronExpr, &job.AgentSlug, &job.Payload,
		&enabled, &nextRun, &lastRun, &job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		return err
	}
	job.Enabled = enabled != 0
	if nextRun.Valid {
		t := nextRun.Time
		job.NextRunAt = &t
	}
	if lastRun.Valid {
		t := lastRun.Time
		job.LastRunAt = &t
	}
	return nil
}

// CreateSchedule inserts a new job. A (user_id, name) collision returns
// ErrScheduleExists and the job is not created.
func (s *Store) CreateSchedule(ctx context.Context, job *ScheduledJob) error {
	if job.UserID == "" || job.Name == "" {
		return errors.New("schedule user_id and name required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Payload == "" {
		job.Payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, user_id, name, cron_expr, agent_slug, payload, enabled, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, job.ID, job.UserID, job.Name, job.CronExpr, job.AgentSlug, job.Payload, boolToInt(job.Enabled), job.NextRunAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: %s/%s", ErrScheduleExists, job.UserID, job.Name)
		}
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// GetSchedule fetches one job by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*ScheduledJob, error) {
	var job ScheduledJob
	err := scanSchedule(s.db.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules WHERE id = ?;
	`, id).Scan, &job)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return &job, nil
}

// ListSchedules returns every job, enabled or not, ordered by user and
// name.
func (s *Store) ListSchedules(ctx context.Context) ([]ScheduledJob, error) {
	return s.querySchedules(ctx, `
		SELECT `+scheduleColumns+` FROM schedules ORDER BY user_id ASC, name ASC;
	`)
}

// ListEnabledSchedules returns the jobs the cron engine reconciles
// against.
func (s *Store) ListEnabledSchedules(ctx context.Context) ([]ScheduledJob, error) {
	return s.querySchedules(ctx, `
		SELECT `+scheduleColumns+` FROM schedules WHERE enabled = 1 ORDER BY user_id ASC, name ASC;
	`)
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()
	var out []ScheduledJob
	for rows.Next() {
		var job ScheduledJob
		if err := scanSchedule(rows.Scan, &job); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// DeleteSchedule removes a job. Deleting a missing id is a no-op; the
// returned bool reports whether a row was removed.
func (s *Store) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, id)
	if err != nil {
		return false, fmt.Errorf("delete schedule: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetScheduleEnabled flips a job's enabled flag.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// UpdateScheduleRun records a fire: last_run_at and the recomputed
// next_run_at. Only the cron engine calls this.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, lastRun, nextRun, id)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
