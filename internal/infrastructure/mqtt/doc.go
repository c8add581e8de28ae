// Package mqtt is the broker client thermostatd uses to mirror thermostat
// state onto MQTT and accept set-point commands from it.
//
// # Topics
//
//	thermostatd/thermostat/{id}/state       retained JSON snapshot
//	thermostatd/thermostat/{id}/set         {"desired_temperature": 21.5}
//	thermostatd/thermostat/{id}/set/result  outcome of the last command
//	thermostatd/system/status               online/offline, last will
//
// # Behaviour
//
// The client reconnects with exponential backoff and replays its
// subscriptions after each reconnect. A last will marks the daemon offline
// if it disappears without calling Close. Handlers run on paho goroutines
// and are wrapped with panic recovery.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllThermostatSets(), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
package mqtt
