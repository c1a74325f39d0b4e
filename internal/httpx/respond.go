package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"netcollect/internal/apperr"
)

// MaxRequestBody bounds request bodies decoded by Bind.
const MaxRequestBody = 4 << 20

// WriteJSON encodes data with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError writes the standard error envelope.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// WriteErr maps a classified error onto status and envelope.
func WriteErr(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	detail := errorDetail{Code: string(apperr.KindInternal), Message: "internal error"}
	if e, ok := apperr.As(err); ok {
		detail = errorDetail{Code: e.Code(), Message: e.Message, Field: e.Field}
		if detail.Message == "" {
			detail.Message = e.Error()
		}
	}
	WriteJSON(w, status, errorBody{Error: detail})
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// ParseError extracts code and message from an error envelope. Bodies that do
// not follow the envelope yield a trimmed excerpt as the message.
func ParseError(body []byte) (code, message string) {
	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && len(env.Error) > 0 {
		var detail errorDetail
		if err := json.Unmarshal(env.Error, &detail); err == nil {
			return detail.Code, detail.Message
		}
		var plain string
		if err := json.Unmarshal(env.Error, &plain); err == nil {
			return "", plain
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return "", msg
}

// Bind decodes the JSON request body into dst after checking that every
// required field is present and non-empty.
func Bind(r *http.Request, dst any, required ...string) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBody))
	if err != nil {
		return apperr.Validation("", "failed to read request body")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return apperr.Validation("", "invalid JSON payload")
	}
	for _, name := range required {
		if missing(fields[name]) {
			return apperr.Required(name)
		}
	}
	if err := json.Unmarshal(data, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return apperr.Validation(typeErr.Field, fmt.Sprintf("invalid type for field %s", typeErr.Field))
		}
		return apperr.Validation("", "invalid JSON payload")
	}
	return nil
}

func missing(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	if bytes.Equal(trimmed, []byte(`""`)) {
		return true
	}
	return false
}

// Health writes the standard health payload merged with extra fields.
func Health(w http.ResponseWriter, service string, extra map[string]any) {
	payload := map[string]any{
		"status":    "healthy",
		"service":   service,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		payload[k] = v
	}
	WriteJSON(w, http.StatusOK, payload)
}

// Now formats the current time the way every response does.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
