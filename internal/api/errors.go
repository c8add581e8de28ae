package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-thermostat/internal/thermostat"
)

// Error represents a structured error response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorBody is the envelope every error response is written in.
type errorBody struct {
	Error Error `json:"error"`
}

// Common error codes.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeNotFound           = "not_found"
	ErrCodeUnauthorized       = "unauthorised"
	ErrCodeForbidden          = "forbidden"
	ErrCodeConflict           = "conflict"
	ErrCodeTimeout            = "timeout"
	ErrCodeInternal           = "internal_error"
	ErrCodeServiceUnavailable = "service_unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: Error{Code: code, Message: message}})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="thermostatd"`)
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// statusForError maps a thermostat error onto an HTTP status and code.
// ErrDuplicate is checked before ErrInvalidArgument since both wrap it.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, thermostat.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, thermostat.ErrDuplicate):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, thermostat.ErrInvalidArgument),
		errors.Is(err, thermostat.ErrLinkUnavailable):
		return http.StatusBadRequest, ErrCodeBadRequest
	case errors.Is(err, thermostat.ErrRemoteUpdateDisabled),
		errors.Is(err, thermostat.ErrNotConnected):
		return http.StatusForbidden, ErrCodeForbidden
	case errors.Is(err, thermostat.ErrTimeout):
		return http.StatusGatewayTimeout, ErrCodeTimeout
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// writeThermostatError writes err with the status statusForError picks.
// Internal errors are logged and their detail withheld from the client.
func (s *Server) writeThermostatError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusForError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("thermostat operation failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", r.Context().Value(ctxKeyRequestID),
			"error", err,
		)
		message = "thermostat operation failed"
	}
	writeError(w, status, code, message)
}
