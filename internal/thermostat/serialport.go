package thermostat

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Line parameters. The firmware is fixed at 115200 8N1.
const (
	baudRate = 115200
	dataBits = 8
)

// Port is an open serial handle. A Session owns exactly one at a time.
type Port interface {
	io.ReadWriteCloser
}

// PortOpener opens a serial port by system name.
//
// Implementations should wrap failures with ErrLinkUnavailable when the
// device is missing, busy or not permitted, and ErrLinkError otherwise.
// Unclassified errors are classified by the Session.
type PortOpener func(name string) (Port, error)

// PortLister enumerates the serial ports present on the host.
type PortLister interface {
	ListPorts() ([]PortInfo, error)
}

// serialMode returns the fixed line settings for thermostat links.
func serialMode() *serial.Mode {
	return &serial.Mode{
		BaudRate: baudRate,
		DataBits: dataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// OpenSerialPort opens a physical serial port at 115200 8N1.
func OpenSerialPort(name string) (Port, error) {
	p, err := serial.Open(name, serialMode())
	if err != nil {
		return nil, classifySerialError(name, err)
	}
	return p, nil
}

// classifySerialError maps driver errors onto the link error taxonomy.
func classifySerialError(name string, err error) error {
	if code, ok := serialErrorCode(err); ok {
		switch code {
		case serial.PortNotFound, serial.InvalidSerialPort, serial.PortBusy,
			serial.PermissionDenied, serial.PortClosed:
			return fmt.Errorf("%w: %s: %w", ErrLinkUnavailable, name, err)
		default:
			return fmt.Errorf("%w: %s: %w", ErrLinkError, name, err)
		}
	}

	// The driver passes open(2) errors through unwrapped.
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %s: %w", ErrLinkUnavailable, name, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrLinkError, name, err)
}

// serialErrorCode extracts the driver error code. The driver returns
// *serial.PortError from Open and serial.PortError from some helpers.
func serialErrorCode(err error) (serial.PortErrorCode, bool) {
	var ptrErr *serial.PortError
	if errors.As(err, &ptrErr) && ptrErr != nil {
		return ptrErr.Code(), true
	}
	var valErr serial.PortError
	if errors.As(err, &valErr) {
		return valErr.Code(), true
	}
	return 0, false
}

// SerialPortLister enumerates host serial ports, labelling USB devices with
// their product string.
type SerialPortLister struct{}

// ListPorts implements PortLister.
func (SerialPortLister) ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerating serial ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		if d == nil || d.Name == "" {
			continue
		}
		ports = append(ports, PortInfo{
			Label: portLabel(d),
			Port:  d.Name,
		})
	}
	return ports, nil
}

func portLabel(d *enumerator.PortDetails) string {
	if d.IsUSB && d.Product != "" {
		return d.Product
	}
	return filepath.Base(d.Name)
}
