// Package httpapi holds the plain-HTTP surface shared by handlers: JSON
// responses and the error-to-status mapping.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/livesync/oplog"
	"github.com/hazyhaar/livesync/snapshot"
)

// StatusError carries an HTTP status code alongside the underlying error.
// Handlers return it when they want a specific status on the wire.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string { return e.Err.Error() }
func (e *StatusError) Unwrap() error { return e.Err }

// E wraps err with an explicit status code.
func E(code int, err error) *StatusError {
	return &StatusError{Code: code, Err: err}
}

// WriteJSON writes v as a JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// StatusFromError maps an error to its HTTP status. An explicit StatusError
// in the valid HTTP error range (400-599) is honored; codes outside that
// range, and unrecognized errors, become 500.
func StatusFromError(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		if se.Code >= 400 && se.Code < 600 {
			return se.Code
		}
		return http.StatusInternalServerError
	}

	var invalid *oplog.ErrInvalidOp
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case snapshot.IsNotFound(err):
		return http.StatusNotFound
	case snapshot.IsUnavailable(err):
		return http.StatusServiceUnavailable
	}
	if _, ok := snapshot.IsConflict(err); ok {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// WriteError maps err to a status and writes a JSON error body. Client
// errors (<500) log a one-line summary; server errors log full detail.
func WriteError(logger *slog.Logger, w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFromError(err)
	if code < 500 {
		logger.Warn("request failed", "status", code, "path", r.URL.Path, "error", err.Error())
	} else {
		logger.Error("request failed", "status", code, "method", r.Method,
			"path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
	}
	WriteJSON(w, code, map[string]string{"error": err.Error()})
}
