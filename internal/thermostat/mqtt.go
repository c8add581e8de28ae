package thermostat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-thermostat/internal/infrastructure/mqtt"
)

// mqttCommandTimeout bounds a set-point command received over MQTT.
// It covers the full confirmation loop.
const mqttCommandTimeout = 10 * time.Second

// MQTTClient is the subset of the MQTT client used by MQTTBridge.
// It is satisfied by *mqtt.Client.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// DesiredTemperatureSetter changes a thermostat set-point. It is satisfied
// by *Manager.
type DesiredTemperatureSetter interface {
	SetThermostatDesiredTemperature(ctx context.Context, id string, celsius float64) (State, error)
}

// SetCommand is the payload accepted on a thermostat's set topic.
type SetCommand struct {
	DesiredTemperature *float64 `json:"desired_temperature"`
}

// SetResult is published on the set/result topic after each command.
type SetResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	State *State `json:"state,omitempty"`
}

// MQTTBridge publishes thermostat state to MQTT and accepts set-point
// commands from it.
//
// Every applied frame is published retained on
// thermostatd/thermostat/{id}/state. Commands on
// thermostatd/thermostat/{id}/set are forwarded to the setter and answered
// on thermostatd/thermostat/{id}/set/result.
type MQTTBridge struct {
	client MQTTClient
	setter DesiredTemperatureSetter
	qos    byte

	wg sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex
}

var _ StateSink = (*MQTTBridge)(nil)

// NewMQTTBridge creates a bridge. setter may be nil for a publish-only bridge.
func NewMQTTBridge(client MQTTClient, setter DesiredTemperatureSetter, qos byte) *MQTTBridge {
	return &MQTTBridge{
		client: client,
		setter: setter,
		qos:    qos,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the bridge.
func (b *MQTTBridge) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

func (b *MQTTBridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

// OnStateChanged implements StateSink.
func (b *MQTTBridge) OnStateChanged(st State) {
	payload, err := json.Marshal(st)
	if err != nil {
		b.getLogger().Error("encoding thermostat state failed", "thermostat_id", st.ID, "error", err)
		return
	}

	if err := b.client.Publish(mqtt.Topics{}.ThermostatState(st.ID), payload, b.qos, true); err != nil {
		b.getLogger().Warn("publishing thermostat state failed", "thermostat_id", st.ID, "error", err)
	}
}

// Start subscribes to set-point commands. It does nothing without a setter.
func (b *MQTTBridge) Start() error {
	if b.setter == nil {
		return nil
	}
	if err := b.client.Subscribe(mqtt.Topics{}.AllThermostatSets(), b.qos, b.handleSet); err != nil {
		return fmt.Errorf("subscribing to thermostat commands: %w", err)
	}
	return nil
}

// Stop unsubscribes and waits for in-flight commands.
func (b *MQTTBridge) Stop() error {
	var err error
	if b.setter != nil {
		err = b.client.Unsubscribe(mqtt.Topics{}.AllThermostatSets())
	}
	b.wg.Wait()
	return err
}

// handleSet decodes a command and runs it off the MQTT router goroutine,
// since confirmation can take several seconds.
func (b *MQTTBridge) handleSet(topic string, payload []byte) error {
	id, ok := thermostatIDFromSetTopic(topic)
	if !ok {
		return fmt.Errorf("%w: unexpected command topic %q", ErrInvalidArgument, topic)
	}

	var cmd SetCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("%w: decoding command: %w", ErrInvalidArgument, err)
	}
	if cmd.DesiredTemperature == nil {
		return fmt.Errorf("%w: desired_temperature is required", ErrInvalidArgument)
	}

	celsius := *cmd.DesiredTemperature
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runSet(id, celsius)
	}()
	return nil
}

func (b *MQTTBridge) runSet(id string, celsius float64) {
	ctx, cancel := context.WithTimeout(context.Background(), mqttCommandTimeout)
	defer cancel()

	result := SetResult{OK: true}
	st, err := b.setter.SetThermostatDesiredTemperature(ctx, id, celsius)
	if err != nil {
		result = SetResult{Error: err.Error()}
		b.getLogger().Warn("mqtt set-point command failed", "thermostat_id", id, "error", err)
	} else {
		result.State = &st
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := b.client.Publish(mqtt.Topics{}.ThermostatSetResult(id), payload, b.qos, false); err != nil {
		b.getLogger().Warn("publishing set-point result failed", "thermostat_id", id, "error", err)
	}
}

// thermostatIDFromSetTopic extracts {id} from thermostatd/thermostat/{id}/set.
func thermostatIDFromSetTopic(topic string) (string, bool) {
	prefix := mqtt.TopicPrefixThermostat + "/"
	if !strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, "/set") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(topic, prefix), "/set")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
