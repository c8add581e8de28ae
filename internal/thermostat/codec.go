package thermostat

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Frame keys understood by Decode.
const (
	// KeyDesiredTemperature carries the set-point in °C.
	KeyDesiredTemperature = "D"

	// KeyAmbientTemperature carries the measured room temperature in °C.
	KeyAmbientTemperature = "A"

	// KeyHeaterOn is "1" while the heater relay is energised.
	KeyHeaterOn = "H"

	// KeyRemoteUpdateDisabled is "1" while the front panel lock is engaged.
	KeyRemoteUpdateDisabled = "L"
)

// Frame delimiters.
const (
	frameTerminator = '\n'
	fieldSeparator  = ","
	valueSeparator  = ":"
	flagTrue        = "1"
)

// Field is one recognised key:value pair of an inbound frame.
// Number is set for temperature keys, Flag for boolean keys.
type Field struct {
	Key    string
	Number float64
	Flag   bool
}

// Decode parses one inbound frame into its recognised fields, in wire order.
//
// The trailing line feed (and a carriage return some firmware sends before
// it) is not part of the content. Unknown keys are skipped so newer firmware
// can add fields. A temperature that is missing or not a finite decimal
// fails the whole frame with ErrProtocol.
//
// Decode does not retain or modify frame.
func Decode(frame []byte) ([]Field, error) {
	line := strings.TrimRight(string(frame), "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, nil
	}

	parts := strings.Split(line, fieldSeparator)
	fields := make([]Field, 0, len(parts))

	for _, part := range parts {
		key, value, hasValue := strings.Cut(part, valueSeparator)
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case KeyDesiredTemperature, KeyAmbientTemperature:
			if !hasValue {
				return nil, fmt.Errorf("%w: field %s has no value", ErrProtocol, key)
			}
			n, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: field %s: %w", ErrProtocol, key, err)
			}
			if math.IsNaN(n) || math.IsInf(n, 0) {
				return nil, fmt.Errorf("%w: field %s: non-finite value %q", ErrProtocol, key, value)
			}
			fields = append(fields, Field{Key: key, Number: n})

		case KeyHeaterOn, KeyRemoteUpdateDisabled:
			fields = append(fields, Field{Key: key, Flag: value == flagTrue})
		}
	}

	return fields, nil
}

// commandKind identifies an outbound command.
type commandKind int

const (
	commandRequestUpdate commandKind = iota
	commandSetDesired
)

// Command is an outbound instruction for the device.
type Command struct {
	kind  commandKind
	value float64
}

// RequestUpdate asks the device to send a status frame immediately.
func RequestUpdate() Command {
	return Command{kind: commandRequestUpdate}
}

// SetDesired asks the device to change its set-point.
func SetDesired(celsius float64) Command {
	return Command{kind: commandSetDesired, value: celsius}
}

// String returns the command without its terminator, for logs.
func (c Command) String() string {
	return string(bytes.TrimRight(Encode(c), "\n"))
}

// Encode renders a command in wire format, terminator included.
// Set-points use fixed-point notation with six decimals, never exponents.
func Encode(c Command) []byte {
	switch c.kind {
	case commandSetDesired:
		buf := make([]byte, 0, 16)
		buf = append(buf, KeyDesiredTemperature...)
		buf = append(buf, valueSeparator...)
		buf = strconv.AppendFloat(buf, c.value, 'f', 6, 64)
		return append(buf, frameTerminator)
	default:
		return []byte{'U', frameTerminator}
	}
}
