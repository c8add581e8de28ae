package mqtt

// Topic namespaces.
const (
	// TopicPrefixThermostat is the root of every per-thermostat topic.
	TopicPrefixThermostat = "thermostatd/thermostat"

	// TopicPrefixSystem carries daemon-level status.
	TopicPrefixSystem = "thermostatd/system"
)

// Topics builds topic strings. The zero value is ready to use:
//
//	mqtt.Topics{}.ThermostatState(id) // thermostatd/thermostat/{id}/state
type Topics struct{}

// ThermostatState is where the retained state snapshot of a thermostat is
// published after every applied frame.
func (Topics) ThermostatState(id string) string {
	return TopicPrefixThermostat + "/" + id + "/state"
}

// ThermostatSet receives set-point commands for one thermostat.
func (Topics) ThermostatSet(id string) string {
	return TopicPrefixThermostat + "/" + id + "/set"
}

// ThermostatSetResult carries the outcome of a command sent to ThermostatSet.
func (Topics) ThermostatSetResult(id string) string {
	return TopicPrefixThermostat + "/" + id + "/set/result"
}

// AllThermostatStates matches the state topic of every thermostat.
func (Topics) AllThermostatStates() string {
	return TopicPrefixThermostat + "/+/state"
}

// AllThermostatSets matches the command topic of every thermostat.
func (Topics) AllThermostatSets() string {
	return TopicPrefixThermostat + "/+/set"
}

// SystemStatus carries the online/offline status of thermostatd, including
// the broker-published last will.
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}
