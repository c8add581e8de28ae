package thermostat

import "time"

// measurementThermostat is the time-series measurement for telemetry.
const measurementThermostat = "thermostat"

// PointWriter writes one time-series point. It is satisfied by
// *influxdb.Client.
type PointWriter interface {
	WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time)
}

// InfluxSink writes every applied frame as a "thermostat" point tagged with
// the thermostat ID and label. Writes are batched by the client.
type InfluxSink struct {
	Writer PointWriter
}

var _ StateSink = InfluxSink{}

// OnStateChanged implements StateSink.
func (s InfluxSink) OnStateChanged(st State) {
	if s.Writer == nil || st.LastUpdate == nil {
		return
	}

	fields := make(map[string]interface{}, 4)
	if st.DesiredTemperature != nil {
		fields["desired_temperature"] = *st.DesiredTemperature
	}
	if st.AmbientTemperature != nil {
		fields["ambient_temperature"] = *st.AmbientTemperature
	}
	if st.HeaterOn != nil {
		fields["heater_on"] = *st.HeaterOn
	}
	if st.RemoteUpdateDisabled != nil {
		fields["remote_update_disabled"] = *st.RemoteUpdateDisabled
	}
	if len(fields) == 0 {
		return
	}

	s.Writer.WritePointWithTime(measurementThermostat,
		map[string]string{
			"thermostat_id": st.ID,
			"label":         st.Label,
		},
		fields,
		*st.LastUpdate,
	)
}
