// Package influxdb exports thermostat telemetry to InfluxDB v2.
//
// Each applied frame becomes one point in the "thermostat" measurement,
// tagged with the thermostat ID and label and carrying whichever of
// desired_temperature, ambient_temperature, heater_on and
// remote_update_disabled the frame reported. Points are batched by the
// client and written in the background; failed batches are reported through
// SetOnError rather than to the caller.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // export switched off
//	}
//	defer client.Close()
package influxdb
