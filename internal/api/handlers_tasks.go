package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"netcollect/internal/core"
	"netcollect/internal/httpx"
)

type createTaskRequest struct {
	TaskID string          `json:"task_id"`
	Config core.TaskConfig `json:"config"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := httpx.Bind(r, &req, "task_id", "config"); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	task, err := s.scheduler.Add(r.Context(), req.Config.NewTask(req.TaskID))
	if err != nil {
		s.logger.Warn("create task", "task_id", req.TaskID, "err", err)
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"task_id":     task.ID,
		"status":      task.Status,
		"next_run_at": formatTime(task.NextRunAt, s.location),
		"task":        NewTaskView(task, s.location),
		"timestamp":   httpx.Now(),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.scheduler.List()
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, NewTaskView(t, s.location))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"tasks":     views,
		"count":     len(views),
		"timestamp": httpx.Now(),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.scheduler.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, NewTaskView(task, s.location))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.scheduler.Remove(r.Context(), taskID); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"task_id":   taskID,
		"status":    "deleted",
		"timestamp": httpx.Now(),
	})
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	execID, err := s.scheduler.RunNow(taskID)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
		"task_id":      taskID,
		"execution_id": execID,
		"status":       "dispatched",
		"timestamp":    httpx.Now(),
	})
}
