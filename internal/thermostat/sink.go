package thermostat

// StateSink receives a snapshot after every inbound frame a Session applies.
//
// Calls for one Session are made sequentially from its receive goroutine,
// so implementations should return quickly. A panic in a sink is recovered
// and logged; it never takes the link down.
type StateSink interface {
	OnStateChanged(state State)
}

// SinkFunc adapts an ordinary function to StateSink.
type SinkFunc func(state State)

// OnStateChanged implements StateSink.
func (f SinkFunc) OnStateChanged(state State) {
	f(state)
}

// MultiSink fans a snapshot out to several sinks in order.
// Each sink receives its own copy.
type MultiSink []StateSink

// OnStateChanged implements StateSink.
func (m MultiSink) OnStateChanged(state State) {
	for _, s := range m {
		if s == nil {
			continue
		}
		s.OnStateChanged(state.Clone())
	}
}

type noopSink struct{}

func (noopSink) OnStateChanged(State) {}
