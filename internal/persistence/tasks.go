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

// ErrTaskNotFound is returned for operations on an unknown task id.
var ErrTaskNotFound = errors.New("scheduled task not found")

// CreateScheduledTask inserts a new task definition and returns its id.
// The caller supplies the precomputed first run time.
func (s *Store) CreateScheduledTask(ctx context.Context, t ScheduledTask, nextRun time.Time) (string, error) {
	if t.GroupID == "" || t.Prompt == "" {
		return "", fmt.Errorf("group_id and prompt are required")
	}
	switch t.ScheduleType {
	case "cron", "interval", "once":
	default:
		return "", fmt.Errorf("invalid schedule_type %q", t.ScheduleType)
	}
	mode := strings.ToLower(strings.TrimSpace(t.ContextMode))
	if mode == "" {
		mode = "isolated"
	}
	switch mode {
	case "shared", "isolated":
	default:
		return "", fmt.Errorf("invalid context_mode %q", t.ContextMode)
	}

	id := t.ID
	if id == "" {
		id = uuid.NewString()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_tasks
				(id, group_id, prompt, schedule_type, schedule_value, context_mode, status, next_run_at)
			VALUES (?, ?, ?, ?, ?, ?, 'active', ?);
		`, id, t.GroupID, t.Prompt, t.ScheduleType, t.ScheduleValue, mode, nextRun.UTC())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create scheduled task: %w", err)
	}
	return id, nil
}

// PauseTask moves an active task to paused.
func (s *Store) PauseTask(ctx context.Context, id string) error {
	return s.setTaskStatus(ctx, id, TaskStatusActive, TaskStatusPaused)
}

// ResumeTask moves a paused task back to active with a fresh next run time.
func (s *Store) ResumeTask(ctx context.Context, id string, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET status = 'active', next_run_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'paused';
	`, nextRun.UTC(), id)
	if err != nil {
		return fmt.Errorf("resume task %s: %w", id, err)
	}
	return requireRow(res, id)
}

// CancelTask marks a task cancelled. Cancelled tasks are never fired again.
func (s *Store) CancelTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET status = 'cancelled', next_run_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN ('active', 'paused');
	`, id)
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", id, err)
	}
	return requireRow(res, id)
}

// DueTasks returns active tasks whose next run time has passed.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, prompt, schedule_type, schedule_value, context_mode,
			status, next_run_at, last_run_at, created_at, updated_at
		FROM scheduled_tasks
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// MarkTaskRan records a fire. A nil next marks the task done (once tasks).
func (s *Store) MarkTaskRan(ctx context.Context, id string, ranAt time.Time, next *time.Time) error {
	var res sql.Result
	var err error
	if next == nil {
		res, err = s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET status = 'done', last_run_at = ?, next_run_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'active';
		`, ranAt.UTC(), id)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET last_run_at = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'active';
		`, ranAt.UTC(), next.UTC(), id)
	}
	if err != nil {
		return fmt.Errorf("mark task ran %s: %w", id, err)
	}
	return requireRow(res, id)
}

// GetScheduledTask returns one task by id.
func (s *Store) GetScheduledTask(ctx context.Context, id string) (*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, prompt, schedule_type, schedule_value, context_mode,
			status, next_run_at, last_run_at, created_at, updated_at
		FROM scheduled_tasks WHERE id = ?;
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrTaskNotFound
	}
	return &tasks[0], nil
}

// ListTasksForGroup returns all non-cancelled tasks owned by a group.
func (s *Store) ListTasksForGroup(ctx context.Context, groupID string) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, prompt, schedule_type, schedule_value, context_mode,
			status, next_run_at, last_run_at, created_at, updated_at
		FROM scheduled_tasks
		WHERE group_id = ? AND status != 'cancelled'
		ORDER BY created_at ASC;
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for %s: %w", groupID, err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) setTaskStatus(ctx context.Context, id, from, to string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, id, from)
	if err != nil {
		return fmt.Errorf("set task %s status %s: %w", id, to, err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	return nil
}

func scanTasks(rows *sql.Rows) ([]ScheduledTask, error) {
	var out []ScheduledTask
	for rows.Next() {
		var t ScheduledTask
		var nextRun, lastRun sql.NullTime
		if err := rows.Scan(&t.ID, &t.GroupID, &t.Prompt, &t.ScheduleType, &t.ScheduleValue,
			&t.ContextMode, &t.Status, &nextRun, &lastRun, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if nextRun.Valid {
			v := nextRun.Time
			t.NextRunAt = &v
		}
		if lastRun.Valid {
			v := lastRun.Time
			t.LastRunAt = &v
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
