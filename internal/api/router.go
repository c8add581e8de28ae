package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeBadRequest, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Health and metrics stay open for monitoring.
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/available-ports", s.handleListAvailablePorts)

			r.Route("/thermostats", func(r chi.Router) {
				r.Get("/", s.handleListThermostats)
				r.Post("/", s.handleCreateThermostat)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetThermostat)
					r.Post("/", s.handleUpdateThermostat)
					r.Patch("/", s.handleUpdateThermostat)
					r.Delete("/", s.handleDeleteThermostat)
					r.Get("/temperature/history", s.handleTemperatureHistory)
					r.Get("/updates", s.handleThermostatUpdates)
				})
			})

			r.Get("/audit", s.handleListAudit)
			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.thermostats.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     s.version,
		"thermostats": stats.Thermostats,
		"connected":   stats.Connected,
	})
}
