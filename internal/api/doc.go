// Package api implements the HTTP REST API and WebSocket server for thermostatd.
//
// This package provides:
//   - REST endpoints to discover ports, connect, query, adjust and
//     disconnect thermostats
//   - Averaged temperature history per thermostat
//   - An audit trail of connects, disconnects and set-point changes
//   - A WebSocket hub that relays every applied thermostat frame
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//   - Optional JWT bearer authentication
//
// # Error mapping
//
// Thermostat errors map onto HTTP status codes: invalid input 400, a label
// or port already in use 409, a locked or disconnected thermostat 403, an
// unconfirmed set-point 504, an unknown thermostat 404 and any other link
// failure 500. Error bodies are {"error":{"code":...,"message":...}}.
//
// # Live updates
//
// /api/v1/ws accepts channel subscriptions ("thermostat.state_changed" for
// every thermostat, "thermostat.{id}" for one). /api/v1/thermostats/{id}/updates
// is pre-subscribed to a single thermostat and starts with its current state.
package api
