package api

import (
	"net/http"
	"strings"
	"time"

	"netcollect/internal/apperr"
	"netcollect/internal/core"
	"netcollect/internal/httpx"
)

type previewRequest struct {
	core.TaskConfig
	Count int    `json:"count,omitempty"`
	Now   string `json:"now,omitempty"`
}

type previewResponse struct {
	Schedule  string   `json:"schedule"`
	Timezone  string   `json:"timezone"`
	NextTimes []string `json:"next_times"`
}

func (s *Server) handleRecurrencePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	base := time.Now()
	if raw := strings.TrimSpace(req.Now); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteErr(w, apperr.Validation("now", "now must be an RFC3339 timestamp"))
			return
		}
		base = parsed
	}
	if req.Count == 0 {
		req.Count = 5
	}
	rec := req.NewTask("").Recurrence
	if err := rec.Validate(); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	times, err := core.Preview(rec, base.In(s.location), req.Count)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, formatTime(t, s.location))
	}
	httpx.WriteJSON(w, http.StatusOK, previewResponse{
		Schedule:  rec.String(),
		Timezone:  s.location.String(),
		NextTimes: formatted,
	})
}
