// Package thermostat manages serial links to hardware thermostats.
//
// Each thermostat is a small microcontroller attached over an asynchronous
// serial line. It speaks a line-oriented ASCII protocol: telemetry frames
// arrive unsolicited (and in reply to an update request), commands are
// written without any acknowledgement. This package turns that into a
// synchronized in-memory state model with a request/response surface.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────────┐
//	│                               Manager                                │
//	│                                                                      │
//	│  ┌──────────────┐   ┌──────────────┐   ┌──────────────────────────┐  │
//	│  │   Registry   │   │  Reconciler  │   │     Port Discovery       │  │
//	│  │ (manager.go) │   │ (manager.go) │   │     (discovery.go)       │  │
//	│  │ • connect    │   │ • reopen     │   │ • enumerate              │  │
//	│  │ • disconnect │   │ • refresh    │   │ • exclude bound/aliases  │  │
//	│  └──────┬───────┘   └──────┬───────┘   └──────────────────────────┘  │
//	│         └────────┬─────────┘                                         │
//	│                  ▼                                                   │
//	│         ┌──────────────────┐     ┌──────────────┐                    │
//	│         │ Session (1/port) │────▶│    Codec     │                    │
//	│         │   (session.go)   │     │  (codec.go)  │                    │
//	│         └────────┬─────────┘     └──────────────┘                    │
//	└──────────────────│───────────────────────────────────────────────────┘
//	                   ▼
//	            StateSink (SQLite, history, MQTT, InfluxDB, WebSocket)
//
// # Wire Protocol
//
// Frames are terminated by a single line feed. Inbound telemetry is a
// comma-separated list of key:value pairs in any order:
//
//	D:20.5,A:21.0,H:0,L:0
//
// D is the desired temperature, A the ambient temperature (both °C), H the
// heater relay and L the front-panel lock that rejects remote set-points.
// Outbound commands are "U" (send a status frame now) and "D:<value>".
// The port runs at 115200 baud, 8 data bits, no parity, 1 stop bit.
//
// # Concurrency
//
//   - The Manager holds one registry lock for connect, disconnect and
//     for a whole reconciliation pass. It is never held while a caller
//     waits for a set-point confirmation.
//   - Each Session owns its serial handle. Its receive goroutine is the
//     only writer of the session's State; everyone else gets copies.
//   - Outbound writes on one Session are serialized by a session-local
//     mutex that is independent of the registry lock.
//
// # Usage
//
//	repo := thermostat.NewSQLiteRepository(db.DB)
//	mgr, err := thermostat.NewManager(thermostat.DefaultManagerConfig(), thermostat.ManagerDeps{
//	    Store:  repo,
//	    Sink:   thermostat.MultiSink{repo, hub},
//	    Opener: thermostat.OpenSerialPort,
//	    Lister: thermostat.SerialPortLister{},
//	})
//	if err != nil {
//	    return err
//	}
//	mgr.Start(ctx)
//	defer mgr.Close()
//
//	st, err := mgr.ConnectThermostat(ctx, "Living room", "/dev/ttyACM0")
//	st, err = mgr.SetThermostatDesiredTemperature(ctx, st.ID, 21.5)
package thermostat
