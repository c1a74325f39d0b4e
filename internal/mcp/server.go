// Package mcp exposes the scheduler as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"netcollect/internal/api"
	"netcollect/internal/apperr"
	"netcollect/internal/core"
)

// Server holds the MCP tool surface of the scheduler.
type Server struct {
	scheduler *core.Scheduler
	logger    *slog.Logger
	location  *time.Location
	mcp       *server.MCPServer
}

// NewServer creates the MCP server and registers its tools.
func NewServer(scheduler *core.Scheduler, logger *slog.Logger, location *time.Location, version string) *Server {
	if location == nil {
		location = time.UTC
	}
	s := &Server{
		scheduler: scheduler,
		logger:    logger.With("component", "mcp"),
		location:  location,
		mcp: server.NewMCPServer(
			"netcollect",
			version,
			server.WithToolCapabilities(true),
		),
	}
	s.registerTools()
	return s
}

// Handler returns the streamable HTTP transport for mounting at /mcp.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp)
}

// ServeStdio serves the tools over stdin/stdout until ctx is done.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("MCP server starting on stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("netcollect_create_task",
		mcp.WithDescription("Create a recurring collection task. Use interval_type/interval_value for a fixed rate or cron for a 5-field cron expression."),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Unique task id"),
		),
		mcp.WithString("service_type",
			mcp.Required(),
			mcp.Description("Collector to invoke"),
			mcp.Enum(string(core.ServiceShell), string(core.ServiceStructuredCLI), string(core.ServiceSNMP)),
		),
		mcp.WithObject("service_config",
			mcp.Description("Collector request: connection fields plus command, commands or oid"),
		),
		mcp.WithString("interval_type",
			mcp.Description("seconds, minutes, hours or days (default minutes)"),
			mcp.Enum(string(core.UnitSeconds), string(core.UnitMinutes), string(core.UnitHours), string(core.UnitDays)),
		),
		mcp.WithNumber("interval_value",
			mcp.Description("Interval length, at least 1 (default 5)"),
			mcp.Min(1),
		),
		mcp.WithString("cron",
			mcp.Description("5-field cron expression, e.g. '*/10 * * * *'; overrides the interval"),
		),
	), s.handleCreateTask)

	s.mcp.AddTool(mcp.NewTool("netcollect_list_tasks",
		mcp.WithDescription("List every task with its schedule state"),
	), s.handleListTasks)

	s.mcp.AddTool(mcp.NewTool("netcollect_get_task",
		mcp.WithDescription("Show one task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task id"),
		),
	), s.handleGetTask)

	s.mcp.AddTool(mcp.NewTool("netcollect_delete_task",
		mcp.WithDescription("Delete a task and cancel its future firings"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task id"),
		),
	), s.handleDeleteTask)

	s.mcp.AddTool(mcp.NewTool("netcollect_run_task",
		mcp.WithDescription("Dispatch a task immediately without moving its schedule"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task id"),
		),
	), s.handleRunTask)

	s.mcp.AddTool(mcp.NewTool("netcollect_list_results",
		mcp.WithDescription("List execution results, oldest first"),
		mcp.WithString("task_id",
			mcp.Description("Only results of this task"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Keep only the newest N results, default 20"),
			mcp.Min(1),
			mcp.Max(500),
		),
	), s.handleListResults)

	s.mcp.AddTool(mcp.NewTool("netcollect_preview_recurrence",
		mcp.WithDescription("Preview the next firing times of an interval or cron recurrence"),
		mcp.WithString("interval_type",
			mcp.Description("seconds, minutes, hours or days"),
		),
		mcp.WithNumber("interval_value",
			mcp.Description("Interval length"),
		),
		mcp.WithString("cron",
			mcp.Description("5-field cron expression"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of firing times, default 5"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handlePreview)

	s.logger.Info("MCP tools registered", "count", 7)
}

func (s *Server) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	cfg := taskConfig(request)
	cfg.ServiceType = mcp.ParseString(request, "service_type", "")
	if raw, ok := request.GetArguments()["service_config"].(map[string]any); ok {
		cfg.ServiceConfig = raw
	}

	task, err := s.scheduler.Add(ctx, cfg.NewTask(taskID))
	if err != nil {
		return toolError("create task", err), nil
	}
	s.logger.Info("task created", "task_id", task.ID, "schedule", task.Recurrence.String())
	return mcp.NewToolResultText(fmt.Sprintf("Task created\nID: %s\nSchedule: %s\nService: %s\nNext run: %s",
		task.ID,
		task.Recurrence.String(),
		task.Target.ServiceType,
		formatTime(task.NextRunAt, s.location),
	)), nil
}

func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks := s.scheduler.List()
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks"), nil
	}
	views := make([]api.TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, api.NewTaskView(t, s.location))
	}
	return jsonResult(views)
}

func (s *Server) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := s.scheduler.Get(mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return toolError("get task", err), nil
	}
	return jsonResult(api.NewTaskView(task, s.location))
}

func (s *Server) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.scheduler.Remove(ctx, taskID); err != nil {
		return toolError("delete task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task deleted: %s", taskID)), nil
}

func (s *Server) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	execID, err := s.scheduler.RunNow(taskID)
	if err != nil {
		return toolError("run task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task dispatched\nTask ID: %s\nExecution ID: %s", taskID, execID)), nil
}

func (s *Server) handleListResults(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := core.ResultFilter{
		TaskID: mcp.ParseString(request, "task_id", ""),
		Limit:  int(mcp.ParseFloat64(request, "limit", 20)),
	}
	results, err := s.scheduler.Results().List(ctx, filter)
	if err != nil {
		return toolError("list results", err), nil
	}
	if len(results) == 0 {
		return mcp.NewToolResultText("No results"), nil
	}
	views := make([]api.ResultView, 0, len(results))
	for _, r := range results {
		views = append(views, api.NewResultView(r, s.location))
	}
	return jsonResult(views)
}

func (s *Server) handlePreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rec := taskConfig(request).NewTask("").Recurrence
	if err := rec.Validate(); err != nil {
		return toolError("preview", err), nil
	}
	count := int(mcp.ParseFloat64(request, "count", 5))
	times, err := core.Preview(rec, time.Now().In(s.location), count)
	if err != nil {
		return toolError("preview", err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Schedule: %s\n", rec.String())
	fmt.Fprintf(&b, "Timezone: %s\n\n", s.location)
	b.WriteString("Next firings:\n")
	for i, t := range times {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

// taskConfig reads the recurrence arguments shared by create and preview.
func taskConfig(request mcp.CallToolRequest) core.TaskConfig {
	cfg := core.TaskConfig{
		IntervalType: mcp.ParseString(request, "interval_type", ""),
		Cron:         mcp.ParseString(request, "cron", ""),
	}
	if _, ok := request.GetArguments()["interval_value"]; ok {
		v := int(mcp.ParseFloat64(request, "interval_value", 0))
		cfg.IntervalValue = &v
	}
	return cfg
}

func toolError(action string, err error) *mcp.CallToolResult {
	msg := err.Error()
	if e, ok := apperr.As(err); ok {
		msg = fmt.Sprintf("%s failed [%s]: %s", action, e.Code(), e.Message)
		if e.Field != "" {
			msg += " (field: " + e.Field + ")"
		}
	}
	return mcp.NewToolResultError(msg)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func formatTime(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02 15:04:05 MST")
}
