package thermostat

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Session timing and buffer limits.
const (
	// DefaultConfirmAttempts is how many times SetDesiredTemperature checks
	// for confirmation before giving up.
	DefaultConfirmAttempts = 10

	// DefaultConfirmInterval is the wait before each confirmation check.
	DefaultConfirmInterval = 500 * time.Millisecond

	// confirmTolerance is how far the reported set-point may differ from the
	// requested one and still count as confirmed. The firmware stores
	// tenths of a degree.
	confirmTolerance = 0.05

	// readBufferSize bounds one inbound frame. Longer lines are discarded.
	readBufferSize = 512

	// closeWaitTimeout bounds how long Disconnect waits for the receive
	// goroutine after closing the port.
	closeWaitTimeout = 2 * time.Second
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// SessionConfig tunes the set-point confirmation loop.
type SessionConfig struct {
	// ConfirmAttempts is the number of checks. Default: 10.
	ConfirmAttempts int

	// ConfirmInterval is the wait before each check. Default: 500ms.
	ConfirmInterval time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.ConfirmAttempts <= 0 {
		c.ConfirmAttempts = DefaultConfirmAttempts
	}
	if c.ConfirmInterval <= 0 {
		c.ConfirmInterval = DefaultConfirmInterval
	}
	return c
}

// link is one open period of a Session's port.
// Whoever detaches the link from the Session closes its port.
type link struct {
	port    Port
	closing atomic.Bool
	done    *closeOnce // closed when the receive goroutine exits
}

// Session owns the serial link to one thermostat.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - State is written only by the receive goroutine; readers get copies.
//   - Outbound writes are serialized by writeMu, which is never held while
//     waiting on anything but the port itself.
type Session struct {
	id    string
	label string
	port  string

	cfg  SessionConfig
	open PortOpener
	sink StateSink
	now  func() time.Time

	stateMu sync.RWMutex
	state   State

	connMu sync.Mutex
	link   *link

	writeMu sync.Mutex

	logger   Logger
	loggerMu sync.RWMutex

	framesRx      atomic.Uint64
	framesDropped atomic.Uint64
	commandsTx    atomic.Uint64
	errorsTotal   atomic.Uint64
}

// NewSession creates a closed session for the given thermostat.
//
// Parameters:
//   - state: Initial state; ID, Label and Port are fixed for the session's life
//   - open: Opens the port on Connect
//   - sink: Notified after every applied frame (nil for none)
//   - cfg: Confirmation loop tuning; zero values take defaults
func NewSession(state State, open PortOpener, sink StateSink, cfg SessionConfig) *Session {
	if sink == nil {
		sink = noopSink{}
	}
	return &Session{
		id:     state.ID,
		label:  state.Label,
		port:   state.Port,
		cfg:    cfg.withDefaults(),
		open:   open,
		sink:   sink,
		now:    time.Now,
		state:  state.Clone(),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the session.
func (s *Session) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

func (s *Session) getLogger() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

// ID returns the thermostat ID.
func (s *Session) ID() string { return s.id }

// Label returns the thermostat label.
func (s *Session) Label() string { return s.label }

// Port returns the system name of the serial port.
func (s *Session) Port() string { return s.port }

// State returns a copy of the current state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state.Clone()
}

// IsConnected reports whether the port is currently open.
func (s *Session) IsConnected() bool {
	return s.currentLink() != nil
}

func (s *Session) currentLink() *link {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.link
}

// Stats returns the session counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		FramesRx:      s.framesRx.Load(),
		FramesDropped: s.framesDropped.Load(),
		CommandsTx:    s.commandsTx.Load(),
		ErrorsTotal:   s.errorsTotal.Load(),
		Connected:     s.IsConnected(),
	}
}

// Connect opens the serial port, starts the receive goroutine and asks the
// device for a status frame.
//
// Returns:
//   - ErrAlreadyConnected if the port is already open
//   - ErrLinkUnavailable if the device is missing, busy or not permitted
//   - ErrLinkError for other I/O failures, including the initial update request
func (s *Session) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.connMu.Lock()
	if s.link != nil {
		s.connMu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, s.port)
	}

	p, err := s.open(s.port)
	if err != nil {
		s.connMu.Unlock()
		s.errorsTotal.Add(1)
		return classifyOpenError(s.port, err)
	}

	l := &link{port: p, done: newCloseOnce()}
	s.link = l
	s.connMu.Unlock()

	go s.receiveLoop(l)

	s.getLogger().Info("thermostat link opened", "thermostat_id", s.id, "port", s.port)

	if err := s.RequestUpdate(); err != nil {
		s.closeLink(l)
		return err
	}
	return nil
}

// classifyOpenError makes sure open failures carry a link sentinel.
func classifyOpenError(port string, err error) error {
	switch {
	case errors.Is(err, ErrLinkUnavailable), errors.Is(err, ErrLinkError):
		return err
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s: %w", ErrLinkUnavailable, port, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrLinkError, port, err)
	}
}

// Disconnect stops the receive goroutine and closes the port.
// Calling it on a closed session does nothing.
func (s *Session) Disconnect() {
	s.connMu.Lock()
	l := s.link
	s.link = nil
	s.connMu.Unlock()

	if l == nil {
		return
	}
	s.shutdownLink(l)
	s.getLogger().Info("thermostat link closed", "thermostat_id", s.id, "port", s.port)
}

// closeLink detaches l if it is still the current link and shuts it down.
func (s *Session) closeLink(l *link) {
	s.connMu.Lock()
	owned := s.link == l
	if owned {
		s.link = nil
	}
	s.connMu.Unlock()

	if owned {
		s.shutdownLink(l)
	}
}

// shutdownLink closes a detached link's port and waits for its reader.
func (s *Session) shutdownLink(l *link) {
	l.closing.Store(true)
	if err := l.port.Close(); err != nil {
		s.getLogger().Warn("closing serial port failed", "port", s.port, "error", err)
	}

	select {
	case <-l.done.Done():
	case <-time.After(closeWaitTimeout):
		s.getLogger().Warn("serial reader did not stop after close", "port", s.port)
	}
}

// RequestUpdate asks the device to send a status frame now.
func (s *Session) RequestUpdate() error {
	return s.write(RequestUpdate())
}

// write sends one command. Writes are serialized per session.
func (s *Session) write(cmd Command) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	l := s.currentLink()
	if l == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, s.port)
	}

	if _, err := l.port.Write(Encode(cmd)); err != nil {
		s.errorsTotal.Add(1)
		return fmt.Errorf("%w: writing %q to %s: %w", ErrLinkError, cmd, s.port, err)
	}
	s.commandsTx.Add(1)

	s.getLogger().Debug("sent command to thermostat", "thermostat_id", s.id, "command", cmd.String())
	return nil
}

// SetDesiredTemperature sends a new set-point and waits until the device
// reports it back.
//
// The device has no acknowledgement, so the session checks the reported
// set-point after each ConfirmInterval and asks for a fresh status frame
// when it does not match yet. The set-point counts as confirmed when the
// reported value is within 0.05 °C of celsius.
//
// Parameters:
//   - ctx: Cancels the wait; the set-point may still be applied by the device
//   - celsius: The requested set-point
//
// Returns:
//   - State: The confirming snapshot
//   - error: ErrNotConnected, ErrRemoteUpdateDisabled (nothing written),
//     ErrLinkError, ErrTimeout, or the context error
func (s *Session) SetDesiredTemperature(ctx context.Context, celsius float64) (State, error) {
	if math.IsNaN(celsius) || math.IsInf(celsius, 0) {
		return State{}, fmt.Errorf("%w: desired temperature must be finite", ErrInvalidArgument)
	}
	if !s.IsConnected() {
		return State{}, fmt.Errorf("%w: %s", ErrNotConnected, s.port)
	}
	if s.State().Locked() {
		return State{}, fmt.Errorf("%w: %s", ErrRemoteUpdateDisabled, s.label)
	}

	if err := s.write(SetDesired(celsius)); err != nil {
		return State{}, err
	}

	timer := time.NewTimer(s.cfg.ConfirmInterval)
	defer timer.Stop()

	for attempt := 1; attempt <= s.cfg.ConfirmAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return State{}, ctx.Err()
		case <-timer.C:
		}

		snapshot := s.State()
		if confirms(snapshot, celsius) {
			return snapshot, nil
		}

		if attempt < s.cfg.ConfirmAttempts {
			if err := s.RequestUpdate(); err != nil {
				return State{}, err
			}
			timer.Reset(s.cfg.ConfirmInterval)
		}
	}

	return State{}, fmt.Errorf("%w: %s did not report %.1f after %d checks",
		ErrTimeout, s.label, celsius, s.cfg.ConfirmAttempts)
}

func confirms(st State, celsius float64) bool {
	return st.DesiredTemperature != nil && math.Abs(*st.DesiredTemperature-celsius) <= confirmTolerance
}

// receiveLoop reads frames until the link is closed or fails.
func (s *Session) receiveLoop(l *link) {
	defer l.done.Close()

	r := bufio.NewReaderSize(l.port, readBufferSize)
	discarding := false

	for {
		line, err := r.ReadSlice(frameTerminator)
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			if !discarding {
				s.framesDropped.Add(1)
				s.getLogger().Warn("discarding oversized frame", "port", s.port)
			}
			discarding = true
			continue
		case err != nil:
			s.handleReadError(l, err)
			return
		case discarding:
			discarding = false
			continue
		}

		s.handleFrame(line)
	}
}

// handleReadError marks the session closed unless the close was requested.
// Reconciliation reopens the link later.
func (s *Session) handleReadError(l *link, err error) {
	if l.closing.Load() {
		return
	}

	s.errorsTotal.Add(1)
	s.getLogger().Warn("serial read failed, closing link",
		"thermostat_id", s.id,
		"port", s.port,
		"error", err,
	)

	s.connMu.Lock()
	owned := s.link == l
	if owned {
		s.link = nil
	}
	s.connMu.Unlock()

	if owned {
		l.closing.Store(true)
		l.port.Close() //nolint:errcheck // Link already failed
	}
}

// handleFrame decodes and applies one frame, then notifies the sink.
func (s *Session) handleFrame(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	fields, err := Decode(line)
	if err != nil {
		s.framesDropped.Add(1)
		s.getLogger().Warn("dropping malformed frame",
			"thermostat_id", s.id,
			"frame", string(bytes.TrimSpace(line)),
			"error", err,
		)
		return
	}

	s.stateMu.Lock()
	s.state.apply(fields, s.now())
	snapshot := s.state.Clone()
	s.stateMu.Unlock()

	s.framesRx.Add(1)
	s.getLogger().Debug("received frame from thermostat", "thermostat_id", s.id, "fields", len(fields))

	s.notify(snapshot)
}

// notify hands a snapshot to the sink, recovering from sink panics.
func (s *Session) notify(snapshot State) {
	defer func() {
		if r := recover(); r != nil {
			s.getLogger().Error("state sink panic recovered",
				"thermostat_id", s.id,
				"panic", r,
			)
		}
	}()
	s.sink.OnStateChanged(snapshot)
}
