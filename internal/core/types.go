package core

import (
	"fmt"
	"strings"
	"time"

	"netcollect/internal/apperr"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusScheduled TaskStatus = "scheduled"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// ResultStatus describes the outcome of one firing.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
	ResultTimeout ResultStatus = "timeout"
)

// ServiceType names the collector a task targets.
type ServiceType string

const (
	ServiceShell         ServiceType = "shell"
	ServiceStructuredCLI ServiceType = "structured-cli"
	ServiceSNMP          ServiceType = "snmp"
)

// ParseServiceType accepts the canonical names and the collector aliases
// used by the gateway directory.
func ParseServiceType(raw string) (ServiceType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "shell", "ssh":
		return ServiceShell, nil
	case "structured-cli", "cli", "netmiko":
		return ServiceStructuredCLI, nil
	case "snmp":
		return ServiceSNMP, nil
	case "":
		return "", apperr.Required("service_type")
	default:
		return "", apperr.Validation("service_type",
			fmt.Sprintf("unsupported service_type %q (supported: shell, structured-cli, snmp)", raw))
	}
}

// Target is what a task invokes on each firing. ServiceConfig is forwarded
// to the collector unchanged.
type Target struct {
	ServiceType   ServiceType    `json:"service_type"`
	ServiceConfig map[string]any `json:"service_config"`
}

// Task is a recurring collection job.
type Task struct {
	ID         string
	Recurrence Recurrence
	Target     Target
	Status     TaskStatus

	RunCount      int
	SkippedCount  int
	RejectedCount int

	LastRunAt       *time.Time
	NextRunAt       time.Time
	LastExecutionID string
	LastError       string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() *Task {
	c := *t
	if t.LastRunAt != nil {
		v := *t.LastRunAt
		c.LastRunAt = &v
	}
	c.Target.ServiceConfig = cloneConfig(t.Target.ServiceConfig)
	return &c
}

func cloneConfig(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = cloneConfig(vv)
		case []any:
			out[k] = append([]any(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}

// ExecutionResult is the immutable record of one firing.
type ExecutionResult struct {
	ExecutionID  string
	TaskID       string
	Status       ResultStatus
	Output       string
	ErrorMessage string
	ErrorCode    string
	StartedAt    time.Time
	Duration     time.Duration
}

// TaskConfig is the client-facing definition accepted when creating a task.
// A missing interval defaults to every 5 minutes.
type TaskConfig struct {
	IntervalType  string         `json:"interval_type,omitempty"`
	IntervalValue *int           `json:"interval_value,omitempty"`
	Cron          string         `json:"cron,omitempty"`
	ServiceType   string         `json:"service_type"`
	ServiceConfig map[string]any `json:"service_config,omitempty"`
}

// NewTask builds an unvalidated task from cfg; Scheduler.Add validates it.
func (cfg TaskConfig) NewTask(id string) *Task {
	rec := Recurrence{Cron: strings.TrimSpace(cfg.Cron)}
	if rec.Cron == "" {
		rec.Unit = Unit(cfg.IntervalType)
		if rec.Unit == "" {
			rec.Unit = UnitMinutes
		}
		rec.Interval = 5
		if cfg.IntervalValue != nil {
			rec.Interval = *cfg.IntervalValue
		}
	}
	return &Task{
		ID:         strings.TrimSpace(id),
		Recurrence: rec,
		Target:     Target{ServiceType: ServiceType(cfg.ServiceType), ServiceConfig: cfg.ServiceConfig},
	}
}
