package thermostat

import "errors"

// Domain errors for the thermostat package.
var (
	// ErrInvalidArgument is returned for bad input such as a blank label or
	// a port that is already bound to another thermostat.
	ErrInvalidArgument = errors.New("thermostat: invalid argument")

	// ErrDuplicate is returned together with ErrInvalidArgument when a label
	// or port is already in use.
	ErrDuplicate = errors.New("thermostat: label or port already in use")

	// ErrNotFound is returned when no thermostat has the requested ID.
	ErrNotFound = errors.New("thermostat: not found")

	// ErrNotConnected is returned when an operation needs an open link.
	ErrNotConnected = errors.New("thermostat: not connected")

	// ErrAlreadyConnected is returned by Connect on an open session.
	ErrAlreadyConnected = errors.New("thermostat: already connected")

	// ErrLinkUnavailable is returned when the serial port cannot be opened
	// because it is missing, invalid, busy or not permitted.
	ErrLinkUnavailable = errors.New("thermostat: serial link unavailable")

	// ErrLinkError is returned for I/O failures on a link.
	ErrLinkError = errors.New("thermostat: serial link error")

	// ErrRemoteUpdateDisabled is returned when the device reports that its
	// set-point is locked against remote changes.
	ErrRemoteUpdateDisabled = errors.New("thermostat: remote update disabled on device")

	// ErrTimeout is returned when the device did not confirm a set-point
	// within the confirmation budget.
	ErrTimeout = errors.New("thermostat: timed out waiting for confirmation")

	// ErrProtocol is returned when an inbound frame is malformed.
	ErrProtocol = errors.New("thermostat: protocol error")
)
