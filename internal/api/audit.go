package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/nerrad567/gray-logic-thermostat/internal/audit"
)

// recordAudit stores an operator action. Failures are logged and never
// fail the request that already succeeded.
func (s *Server) recordAudit(r *http.Request, action, thermostatID string, details map[string]any) {
	if s.audit == nil {
		return
	}
	subject, _ := r.Context().Value(ctxKeySubject).(string)
	entry := &audit.Entry{
		Action:       action,
		ThermostatID: thermostatID,
		Subject:      subject,
		Source:       audit.SourceAPI,
		Details:      details,
	}
	if err := s.audit.Record(context.WithoutCancel(r.Context()), entry); err != nil {
		s.logger.Error("failed to record audit entry",
			"action", action,
			"thermostat_id", thermostatID,
			"request_id", r.Context().Value(ctxKeyRequestID),
			"error", err,
		)
	}
}

// handleListAudit returns recorded operator actions, newest first.
// Query: action, thermostat_id, limit (1-200), offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "audit log is not available")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:       q.Get("action"),
		ThermostatID: q.Get("thermostat_id"),
	}
	var ok bool
	if filter.Limit, ok = intParam(w, q.Get("limit"), "limit", 1, audit.MaxLimit); !ok {
		return
	}
	if filter.Offset, ok = intParam(w, q.Get("offset"), "offset", 0, -1); !ok {
		return
	}

	page, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list audit entries", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// intParam parses an optional integer query parameter bounded below by
// lo and, when hi >= 0, above by hi. An empty value yields 0.
func intParam(w http.ResponseWriter, raw, name string, lo, hi int) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || (hi >= 0 && n > hi) {
		writeBadRequest(w, "invalid "+name+" parameter")
		return 0, false
	}
	return n, true
}
