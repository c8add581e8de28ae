package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-thermostat/internal/audit"
)

// maxIDLen bounds the {id} path parameter.
const maxIDLen = 64

// createThermostatRequest is the body of POST /thermostats.
type createThermostatRequest struct {
	Label string `json:"label"`
	Port  string `json:"port"`
}

// updateThermostatRequest is the body of POST or PATCH /thermostats/{id}.
type updateThermostatRequest struct {
	DesiredTemperature *float64 `json:"desired_temperature"`
}

// handleListAvailablePorts lists serial ports not bound to a thermostat.
func (s *Server) handleListAvailablePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.thermostats.ListAvailablePorts()
	if err != nil {
		s.writeThermostatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ports)
}

// handleListThermostats returns every registered thermostat.
func (s *Server) handleListThermostats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.thermostats.ListThermostats())
}

// handleCreateThermostat connects a new thermostat and answers 201 with a
// Location header pointing at it.
func (s *Server) handleCreateThermostat(w http.ResponseWriter, r *http.Request) {
	var req createThermostatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	st, err := s.thermostats.ConnectThermostat(r.Context(), req.Label, req.Port)
	if err != nil {
		s.writeThermostatError(w, r, err)
		return
	}

	s.logger.Info("thermostat connected via API",
		"thermostat_id", st.ID,
		"label", st.Label,
		"port", st.Port,
		"request_id", r.Context().Value(ctxKeyRequestID),
	)
	s.recordAudit(r, audit.ActionConnect, st.ID, map[string]any{
		"label": st.Label,
		"port":  st.Port,
	})
	w.Header().Set("Location", "/api/v1/thermostats/"+url.PathEscape(st.ID))
	writeJSON(w, http.StatusCreated, st)
}

// handleGetThermostat returns one thermostat.
func (s *Server) handleGetThermostat(w http.ResponseWriter, r *http.Request) {
	id, ok := thermostatID(w, r)
	if !ok {
		return
	}
	st, err := s.thermostats.GetThermostat(id)
	if err != nil {
		s.writeThermostatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleUpdateThermostat applies a desired temperature and returns the
// confirmed state. A body without desired_temperature just returns the
// current state.
func (s *Server) handleUpdateThermostat(w http.ResponseWriter, r *http.Request) {
	id, ok := thermostatID(w, r)
	if !ok {
		return
	}

	var req updateThermostatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.DesiredTemperature == nil {
		s.handleGetThermostat(w, r)
		return
	}
	if math.IsNaN(*req.DesiredTemperature) || math.IsInf(*req.DesiredTemperature, 0) {
		writeBadRequest(w, "desired_temperature must be a finite number")
		return
	}

	st, err := s.thermostats.SetThermostatDesiredTemperature(r.Context(), id, *req.DesiredTemperature)
	if err != nil {
		s.writeThermostatError(w, r, err)
		return
	}
	s.recordAudit(r, audit.ActionSetTemperature, id, map[string]any{
		"desired_temperature": *req.DesiredTemperature,
	})
	writeJSON(w, http.StatusOK, st)
}

// handleDeleteThermostat disconnects a thermostat and forgets it.
func (s *Server) handleDeleteThermostat(w http.ResponseWriter, r *http.Request) {
	id, ok := thermostatID(w, r)
	if !ok {
		return
	}
	if err := s.thermostats.DisconnectThermostat(r.Context(), id); err != nil {
		s.writeThermostatError(w, r, err)
		return
	}
	s.recordAudit(r, audit.ActionDisconnect, id, nil)
	s.logger.Info("thermostat disconnected via API",
		"thermostat_id", id,
		"request_id", r.Context().Value(ctxKeyRequestID),
	)
	w.WriteHeader(http.StatusNoContent)
}

// thermostatID reads and bounds the {id} path parameter.
func thermostatID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxIDLen {
		writeBadRequest(w, "invalid thermostat ID")
		return "", false
	}
	return id, true
}

// decodeJSON decodes the request body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "request body too large")
			return false
		}
		writeBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}
