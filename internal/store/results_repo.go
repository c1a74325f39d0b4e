package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"netcollect/internal/core"
)

// Results adapts the store to core.ResultLog.
func (s *Store) Results() *ResultLog {
	return &ResultLog{store: s}
}

// ResultLog is the SQLite-backed result log.
type ResultLog struct {
	store *Store
}

// Append inserts result and prunes rows beyond the retention cap.
func (l *ResultLog) Append(ctx context.Context, result core.ExecutionResult) error {
	db := l.store.DB
	_, err := db.ExecContext(ctx, `
		INSERT INTO results (execution_id, task_id, status, output, error_message, error_code, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, result.ExecutionID, result.TaskID, result.Status, result.Output,
		nullableString(result.ErrorMessage), nullableString(result.ErrorCode),
		result.StartedAt.UTC().Format(time.RFC3339Nano), result.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	if keep := l.store.Retention; keep > 0 {
		if _, err := db.ExecContext(ctx, `
			DELETE FROM results
			WHERE seq <= (SELECT seq FROM results ORDER BY seq DESC LIMIT 1 OFFSET ?)
		`, keep); err != nil {
			return fmt.Errorf("prune results: %w", err)
		}
	}
	return nil
}

// List returns matching results in insertion order; Limit keeps the newest.
func (l *ResultLog) List(ctx context.Context, filter core.ResultFilter) ([]core.ExecutionResult, error) {
	query := `SELECT execution_id, task_id, status, output, error_message, error_code, started_at, duration_ms, seq
		FROM results`
	var args []any
	if filter.TaskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, filter.TaskID)
	}
	query += ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	query = `SELECT execution_id, task_id, status, output, error_message, error_code, started_at, duration_ms
		FROM (` + query + `) ORDER BY seq ASC`

	rows, err := l.store.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()
	results := []core.ExecutionResult{}
	for rows.Next() {
		var (
			r          core.ExecutionResult
			status     string
			output     sql.NullString
			errMsg     sql.NullString
			errCode    sql.NullString
			startedAt  string
			durationMS int64
		)
		if err := rows.Scan(&r.ExecutionID, &r.TaskID, &status, &output, &errMsg, &errCode, &startedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Status = core.ResultStatus(status)
		r.Output = output.String
		r.ErrorMessage = errMsg.String
		r.ErrorCode = errCode.String
		r.Duration = time.Duration(durationMS) * time.Millisecond
		if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			r.StartedAt = t
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
