// Package apperr defines the structured error contract every
// client-visible failure must satisfy. Handlers and middleware return
// *Error values; the router's error boundary serializes them with their
// declared status code. Anything else is wrapped generically before it
// reaches a client.
package apperr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Kind classifies a structured error for handling purposes.
type Kind string

const (
	KindBadRequest      Kind = "bad_request"
	KindUnauthorized    Kind = "unauthorized"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindPayloadTooLarge Kind = "payload_too_large"
	KindUnavailable     Kind = "unavailable"
	KindInternal        Kind = "internal"
)

// Error is the uniform client-facing error shape: a kind, the HTTP
// status it carries, a message, and optional error-specific fields.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Fields  map[string]any
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause attaches an underlying error for server-side logging. The
// cause is never serialized to the client.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithField attaches an error-specific field to the serialized body.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// Body returns the JSON response body: { "message": ..., ...Fields }.
func (e *Error) Body() []byte {
	payload := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		payload[k] = v
	}
	payload["message"] = e.Message
	data, err := json.Marshal(payload)
	if err != nil {
		return []byte(`{"message":"internal server error"}`)
	}
	return data
}

func newError(kind Kind, status int, message string) *Error {
	return &Error{Kind: kind, Status: status, Message: message}
}

// BadRequest builds a 400 error.
func BadRequest(message string) *Error {
	return newError(KindBadRequest, http.StatusBadRequest, message)
}

// Unauthorized builds a 401 error.
func Unauthorized(message string) *Error {
	return newError(KindUnauthorized, http.StatusUnauthorized, message)
}

// Forbidden builds a 403 error.
func Forbidden(message string) *Error {
	return newError(KindForbidden, http.StatusForbidden, message)
}

// NotFound builds a 404 error.
func NotFound(message string) *Error {
	return newError(KindNotFound, http.StatusNotFound, message)
}

// PayloadTooLarge builds a 413 error.
func PayloadTooLarge(message string) *Error {
	return newError(KindPayloadTooLarge, http.StatusRequestEntityTooLarge, message)
}

// Unavailable builds a 503 error.
func Unavailable(message string) *Error {
	return newError(KindUnavailable, http.StatusServiceUnavailable, message)
}

// Internal builds a 500 error with a sanitized message. The cause stays
// server-side.
func Internal(err error) *Error {
	return newError(KindInternal, http.StatusInternalServerError, "internal server error").WithCause(err)
}

// FromError extracts a structured error from an error chain.
func FromError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
