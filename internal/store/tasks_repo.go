package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"netcollect/internal/core"
)

const taskColumns = `id, interval_type, interval_value, cron, service_type, service_config, status,
	run_count, skipped_count, rejected_count, last_run_at, next_run_at, last_execution_id, last_error,
	created_at, updated_at`

// SaveTask inserts the task or replaces its stored state.
func (s *Store) SaveTask(ctx context.Context, task *core.Task) error {
	cfg, err := json.Marshal(task.Target.ServiceConfig)
	if err != nil {
		return fmt.Errorf("encode service_config: %w", err)
	}
	next := task.NextRunAt
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			interval_type = excluded.interval_type,
			interval_value = excluded.interval_value,
			cron = excluded.cron,
			service_type = excluded.service_type,
			service_config = excluded.service_config,
			status = excluded.status,
			run_count = excluded.run_count,
			skipped_count = excluded.skipped_count,
			rejected_count = excluded.rejected_count,
			last_run_at = excluded.last_run_at,
			next_run_at = excluded.next_run_at,
			last_execution_id = excluded.last_execution_id,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, task.ID, nullableString(string(task.Recurrence.Unit)), task.Recurrence.Interval, nullableString(task.Recurrence.Cron),
		task.Target.ServiceType, string(cfg), task.Status,
		task.RunCount, task.SkippedCount, task.RejectedCount,
		nullableTime(task.LastRunAt), nullableTime(&next), nullableString(task.LastExecutionID), nullableString(task.LastError),
		task.CreatedAt.UTC().Format(time.RFC3339Nano), task.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// DeleteTask removes the task definition. Deleting an unknown id is not an
// error; its recorded results are kept.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// ListTasks returns every stored task ordered by id.
func (s *Store) ListTasks(ctx context.Context) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		id            string
		unit          sql.NullString
		interval      sql.NullInt64
		cronExpr      sql.NullString
		serviceType   string
		serviceConfig string
		status        string
		runCount      int
		skipped       int
		rejected      int
		lastRun       sql.NullString
		nextRun       sql.NullString
		lastExecID    sql.NullString
		lastError     sql.NullString
		createdAt     string
		updatedAt     string
	)
	if err := scanner.Scan(&id, &unit, &interval, &cronExpr, &serviceType, &serviceConfig, &status,
		&runCount, &skipped, &rejected, &lastRun, &nextRun, &lastExecID, &lastError, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task := &core.Task{
		ID: id,
		Recurrence: core.Recurrence{
			Unit:     core.Unit(unit.String),
			Interval: int(interval.Int64),
			Cron:     cronExpr.String,
		},
		Target:          core.Target{ServiceType: core.ServiceType(serviceType)},
		Status:          core.TaskStatus(status),
		RunCount:        runCount,
		SkippedCount:    skipped,
		RejectedCount:   rejected,
		LastRunAt:       parseTime(lastRun),
		LastExecutionID: lastExecID.String,
		LastError:       lastError.String,
	}
	if err := json.Unmarshal([]byte(serviceConfig), &task.Target.ServiceConfig); err != nil {
		return nil, fmt.Errorf("decode service_config of task %s: %w", id, err)
	}
	if t := parseTime(nextRun); t != nil {
		task.NextRunAt = *t
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		task.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		task.UpdatedAt = t
	}
	return task, nil
}
