package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"netcollect/internal/apperr"
	"netcollect/internal/core"
	"netcollect/internal/httpx"
)

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	filter := core.ResultFilter{TaskID: strings.TrimSpace(r.URL.Query().Get("task_id"))}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			httpx.WriteErr(w, apperr.Validation("limit", "limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}
	results, err := s.scheduler.Results().List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list results", "task_id", filter.TaskID, "err", err)
		httpx.WriteErr(w, apperr.Internal(err))
		return
	}
	views := make([]ResultView, 0, len(results))
	for _, res := range results {
		views = append(views, NewResultView(res, s.location))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"results":   views,
		"count":     len(views),
		"timestamp": httpx.Now(),
	})
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	execID := chi.URLParam(r, "executionID")
	if err := s.scheduler.Cancel(execID); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"execution_id": execID,
		"status":       "canceling",
		"timestamp":    httpx.Now(),
	})
}
