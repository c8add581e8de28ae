package thermostat

import (
	"time"
)

// State is the last known condition of one thermostat.
//
// The optional fields stay nil until the device has reported them at least
// once. State values handed out by this package are copies; mutating them
// has no effect on the session that produced them.
type State struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Port  string `json:"port"`

	DesiredTemperature   *float64   `json:"desired_temperature,omitempty"`
	AmbientTemperature   *float64   `json:"ambient_temperature,omitempty"`
	HeaterOn             *bool      `json:"heater_on,omitempty"`
	RemoteUpdateDisabled *bool      `json:"remote_update_disabled,omitempty"`
	LastUpdate           *time.Time `json:"last_update,omitempty"`
}

// Clone returns a deep copy of the state so the caller owns every pointer.
func (s State) Clone() State {
	out := s
	out.DesiredTemperature = clonePtr(s.DesiredTemperature)
	out.AmbientTemperature = clonePtr(s.AmbientTemperature)
	out.HeaterOn = clonePtr(s.HeaterOn)
	out.RemoteUpdateDisabled = clonePtr(s.RemoteUpdateDisabled)
	out.LastUpdate = clonePtr(s.LastUpdate)
	return out
}

// Locked reports whether the device has refused remote set-points.
func (s State) Locked() bool {
	return s.RemoteUpdateDisabled != nil && *s.RemoteUpdateDisabled
}

// StaleAt reports whether the state was last refreshed more than maxAge
// before now. A state that has never been refreshed is always stale.
func (s State) StaleAt(now time.Time, maxAge time.Duration) bool {
	if s.LastUpdate == nil {
		return true
	}
	return now.Sub(*s.LastUpdate) > maxAge
}

// apply overwrites every attribute carried by fields and stamps the update.
func (s *State) apply(fields []Field, now time.Time) {
	for _, f := range fields {
		switch f.Key {
		case KeyDesiredTemperature:
			s.DesiredTemperature = ptr(f.Number)
		case KeyAmbientTemperature:
			s.AmbientTemperature = ptr(f.Number)
		case KeyHeaterOn:
			s.HeaterOn = ptr(f.Flag)
		case KeyRemoteUpdateDisabled:
			s.RemoteUpdateDisabled = ptr(f.Flag)
		}
	}
	s.LastUpdate = ptr(now)
}

// PortInfo describes a serial port that can be offered for a new thermostat.
type PortInfo struct {
	// Label is a human readable description, usually the USB product string.
	Label string `json:"label"`

	// Port is the system name used to open the device.
	Port string `json:"port"`
}

// SessionStats holds per-session counters.
type SessionStats struct {
	FramesRx      uint64 `json:"frames_rx"`
	FramesDropped uint64 `json:"frames_dropped"`
	CommandsTx    uint64 `json:"commands_tx"`
	ErrorsTotal   uint64 `json:"errors_total"`
	Connected     bool   `json:"connected"`
}

// ManagerStats summarises the registry for health and metrics endpoints.
type ManagerStats struct {
	Thermostats     int    `json:"thermostats"`
	Connected       int    `json:"connected"`
	ReconcilePasses uint64 `json:"reconcile_passes"`
	FramesRx        uint64 `json:"frames_rx"`
	FramesDropped   uint64 `json:"frames_dropped"`
	CommandsTx      uint64 `json:"commands_tx"`
	LastPassMillis  int64  `json:"last_pass_ms"`
}

func ptr[T any](v T) *T {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
