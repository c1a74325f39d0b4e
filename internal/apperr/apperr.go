// Package apperr defines the error taxonomy shared by the gateway, the
// collectors and the scheduler, and its mapping onto HTTP responses.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is the coarse error class surfaced to API callers.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindConnect     Kind = "connect"
	KindExecution   Kind = "execution"
	KindUnavailable Kind = "unavailable"
	KindInternal    Kind = "internal"
)

// Reason refines connect and execution failures.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonTimeout       Reason = "timeout"
	ReasonAuthFailure   Reason = "auth_failure"
	ReasonUnreachable   Reason = "unreachable"
	ReasonProtocolError Reason = "protocol_error"
	ReasonOther         Reason = "other"
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Reason  Reason
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Reason != ReasonNone {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Code is the machine readable error code used in JSON bodies.
func (e *Error) Code() string {
	if e.Reason == ReasonNone {
		return string(e.Kind)
	}
	return string(e.Kind) + "_" + string(e.Reason)
}

// Validation reports a missing or malformed input field.
func Validation(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

// Required reports a missing required field.
func Required(field string) *Error {
	return Validation(field, fmt.Sprintf("missing required field: %s", field))
}

// NotFound reports an unknown session, task or service key.
func NotFound(what, key string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", what, key)}
}

// Conflict reports a request that clashes with current state.
func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

// Connect wraps a failure to establish a protocol session.
func Connect(reason Reason, err error) *Error {
	return &Error{Kind: KindConnect, Reason: reason, Message: fmt.Sprintf("connect failed: %v", err), Err: err}
}

// Execution wraps a failure while running a command on an established session.
func Execution(reason Reason, err error) *Error {
	return &Error{Kind: KindExecution, Reason: reason, Message: fmt.Sprintf("execution failed: %v", err), Err: err}
}

// Unavailable reports that a backend service could not be reached.
func Unavailable(service string, err error) *Error {
	return &Error{Kind: KindUnavailable, Message: fmt.Sprintf("service %s unavailable", service), Err: err}
}

// Internal wraps an unexpected failure.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// As extracts the classified error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the error's kind, KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the error's reason. Context deadlines count as timeouts.
func ReasonOf(err error) Reason {
	if e, ok := As(err); ok && e.Reason != ReasonNone {
		return e.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return ReasonNone
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsTimeout reports whether err represents a timeout of any kind.
func IsTimeout(err error) bool { return ReasonOf(err) == ReasonTimeout }

// HTTPStatus maps an error onto the status code returned to API callers.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromResponse rebuilds a classified error from a non-2xx response produced by
// one of our services. code and message come from the JSON error body and may
// be empty when the body was not ours.
func FromResponse(status int, code, message string) *Error {
	if message == "" {
		message = http.StatusText(status)
	}
	kind, reason := splitCode(code)
	if kind == "" {
		switch status {
		case http.StatusBadRequest:
			kind = KindValidation
		case http.StatusNotFound:
			kind = KindNotFound
		case http.StatusConflict:
			kind = KindConflict
		case http.StatusServiceUnavailable, http.StatusBadGateway:
			kind = KindUnavailable
		case http.StatusGatewayTimeout:
			kind, reason = KindExecution, ReasonTimeout
		default:
			kind, reason = KindExecution, ReasonOther
		}
	}
	return &Error{Kind: kind, Reason: reason, Message: message}
}

var knownKinds = []Kind{KindValidation, KindNotFound, KindConflict, KindConnect, KindExecution, KindUnavailable, KindInternal}

func splitCode(code string) (Kind, Reason) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", ReasonNone
	}
	for _, k := range knownKinds {
		if code == string(k) {
			return k, ReasonNone
		}
		if strings.HasPrefix(code, string(k)+"_") {
			return k, Reason(strings.TrimPrefix(code, string(k)+"_"))
		}
	}
	return "", ReasonNone
}
