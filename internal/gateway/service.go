package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"netcollect/internal/httpx"
)

// ServiceName is the name the gateway reports in health payloads.
const ServiceName = "api-gateway"

// Handler exposes the router over HTTP.
type Handler struct {
	router  *Router
	maxBody int64
}

// NewHandler creates the gateway HTTP surface. Request bodies larger than
// maxBody are rejected with 413.
func NewHandler(router *Router, maxBody int64) *Handler {
	return &Handler{router: router, maxBody: maxBody}
}

// Routes registers the gateway endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Get("/services", h.handleServices)
	r.HandleFunc("/api/{service}", h.handleProxy)
	r.HandleFunc("/api/{service}/*", h.handleProxy)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.Health(w, ServiceName, map[string]any{"services": h.router.Directory().Names()})
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.router.ListServices(r.Context()))
}

func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 && r.ContentLength > h.maxBody {
		writeTooLarge(w)
		return
	}
	var body []byte
	if r.Body != nil {
		reader := r.Body
		if h.maxBody > 0 {
			reader = http.MaxBytesReader(w, r.Body, h.maxBody)
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeTooLarge(w)
				return
			}
			httpx.WriteError(w, http.StatusBadRequest, "validation", "failed to read request body")
			return
		}
		body = data
	}

	resp, err := h.router.Forward(r.Context(), Request{
		Service: chi.URLParam(r, "service"),
		Path:    chi.URLParam(r, "*"),
		Method:  r.Method,
		Query:   r.URL.Query(),
		Header:  r.Header,
		Body:    body,
	})
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeTooLarge(w http.ResponseWriter) {
	httpx.WriteError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
}
