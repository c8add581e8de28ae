// Package audit records operator actions on thermostats.
//
// Every successful connect, disconnect, and set-point change is written to
// the audit_logs table together with who asked for it (the bearer token
// subject, when auth is enabled) and where the request came from (HTTP API
// or MQTT). Entries are listed newest first with simple filtering.
package audit
