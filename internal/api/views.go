package api

import (
	"time"

	"netcollect/internal/core"
)

// TaskView is the JSON rendering of a task.
type TaskView struct {
	TaskID          string          `json:"task_id"`
	Config          core.TaskConfig `json:"config"`
	Schedule        string          `json:"schedule"`
	Status          string          `json:"status"`
	RunCount        int             `json:"run_count"`
	SkippedCount    int             `json:"skipped_count"`
	RejectedCount   int             `json:"rejected_count"`
	LastRunAt       *string         `json:"last_run_at"`
	NextRunAt       string          `json:"next_run_at"`
	LastExecutionID string          `json:"last_execution_id,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
}

// ResultView is the JSON rendering of an execution result.
type ResultView struct {
	ExecutionID  string  `json:"execution_id"`
	TaskID       string  `json:"task_id"`
	Status       string  `json:"status"`
	Output       string  `json:"output,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	ErrorCode    string  `json:"error_code,omitempty"`
	StartedAt    string  `json:"started_at"`
	DurationMS   float64 `json:"duration_ms"`
}

// NewTaskView renders task with times in loc.
func NewTaskView(task *core.Task, loc *time.Location) TaskView {
	cfg := core.TaskConfig{
		Cron:          task.Recurrence.Cron,
		ServiceType:   string(task.Target.ServiceType),
		ServiceConfig: task.Target.ServiceConfig,
	}
	if cfg.Cron == "" {
		interval := task.Recurrence.Interval
		cfg.IntervalType = string(task.Recurrence.Unit)
		cfg.IntervalValue = &interval
	}
	var last *string
	if task.LastRunAt != nil {
		formatted := formatTime(*task.LastRunAt, loc)
		last = &formatted
	}
	return TaskView{
		TaskID:          task.ID,
		Config:          cfg,
		Schedule:        task.Recurrence.String(),
		Status:          string(task.Status),
		RunCount:        task.RunCount,
		SkippedCount:    task.SkippedCount,
		RejectedCount:   task.RejectedCount,
		LastRunAt:       last,
		NextRunAt:       formatTime(task.NextRunAt, loc),
		LastExecutionID: task.LastExecutionID,
		LastError:       task.LastError,
		CreatedAt:       formatTime(task.CreatedAt, loc),
		UpdatedAt:       formatTime(task.UpdatedAt, loc),
	}
}

// NewResultView renders r with times in loc.
func NewResultView(r core.ExecutionResult, loc *time.Location) ResultView {
	return ResultView{
		ExecutionID:  r.ExecutionID,
		TaskID:       r.TaskID,
		Status:       string(r.Status),
		Output:       r.Output,
		ErrorMessage: r.ErrorMessage,
		ErrorCode:    r.ErrorCode,
		StartedAt:    formatTime(r.StartedAt, loc),
		DurationMS:   float64(r.Duration) / float64(time.Millisecond),
	}
}

func formatTime(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(time.RFC3339)
}
