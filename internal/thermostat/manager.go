package thermostat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Reconciliation defaults.
const (
	// DefaultReconcileInterval is the period of the repair loop.
	DefaultReconcileInterval = 60 * time.Second

	// DefaultStaleAfter is how old a state may get before the repair loop
	// asks the device for a fresh frame.
	DefaultStaleAfter = time.Minute
)

// Store creates and deletes thermostat records.
// It allocates the identity of every new thermostat.
type Store interface {
	Create(ctx context.Context, label, port string) (State, error)
	Delete(ctx context.Context, id string) error
}

// ManagerConfig contains Manager settings.
type ManagerConfig struct {
	// ReconcileInterval is the repair loop period. Default: 60s.
	ReconcileInterval time.Duration

	// StaleAfter is the freshness threshold. Default: 1 minute.
	StaleAfter time.Duration

	// IgnorePatterns are regular expressions of port names hidden from
	// ListAvailablePorts. Nil means DefaultIgnorePatterns.
	IgnorePatterns []string

	// Session tunes the set-point confirmation loop of every session.
	Session SessionConfig
}

// DefaultManagerConfig returns the standard settings.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ReconcileInterval: DefaultReconcileInterval,
		StaleAfter:        DefaultStaleAfter,
		IgnorePatterns:    DefaultIgnorePatterns(),
		Session: SessionConfig{
			ConfirmAttempts: DefaultConfirmAttempts,
			ConfirmInterval: DefaultConfirmInterval,
		},
	}
}

// ManagerDeps are the collaborators of a Manager. Nil fields take defaults:
// an in-memory store, no sink, and the host's serial ports.
type ManagerDeps struct {
	Store  Store
	Sink   StateSink
	Opener PortOpener
	Lister PortLister
}

// Manager owns every configured thermostat and its Session.
//
// Thread Safety:
//   - mu serializes ConnectThermostat, DisconnectThermostat, Restore,
//     Close and each full reconciliation pass.
//   - sessionsMu guards the map itself, so reads never wait for a pass.
//   - Lock order is mu, then sessionsMu, then any Session lock.
type Manager struct {
	cfg    ManagerConfig
	store  Store
	sink   StateSink
	open   PortOpener
	lister PortLister
	ignore []*regexp.Regexp
	now    func() time.Time

	mu sync.Mutex

	sessionsMu sync.RWMutex
	sessions   map[string]*Session

	loopMu   sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}

	logger   Logger
	loggerMu sync.RWMutex

	passes         atomic.Uint64
	lastPassMillis atomic.Int64
}

// NewManager creates a Manager.
//
// Returns:
//   - *Manager: Ready for Start
//   - error: If an ignore pattern does not compile
func NewManager(cfg ManagerConfig, deps ManagerDeps) (*Manager, error) {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultReconcileInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.IgnorePatterns == nil {
		cfg.IgnorePatterns = DefaultIgnorePatterns()
	}
	cfg.Session = cfg.Session.withDefaults()

	ignore, err := compileIgnorePatterns(cfg.IgnorePatterns)
	if err != nil {
		return nil, err
	}

	if deps.Store == nil {
		deps.Store = NewMemoryStore()
	}
	if deps.Sink == nil {
		deps.Sink = noopSink{}
	}
	if deps.Opener == nil {
		deps.Opener = OpenSerialPort
	}
	if deps.Lister == nil {
		deps.Lister = SerialPortLister{}
	}

	return &Manager{
		cfg:      cfg,
		store:    deps.Store,
		sink:     deps.Sink,
		open:     deps.Opener,
		lister:   deps.Lister,
		ignore:   ignore,
		now:      time.Now,
		sessions: make(map[string]*Session),
		logger:   noopLogger{},
	}, nil
}

// SetLogger sets the logger for the manager and the sessions it creates.
func (m *Manager) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	m.loggerMu.Lock()
	m.logger = logger
	m.loggerMu.Unlock()

	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	for _, s := range m.sessions {
		s.SetLogger(logger)
	}
}

func (m *Manager) getLogger() Logger {
	m.loggerMu.RLock()
	defer m.loggerMu.RUnlock()
	return m.logger
}

// ListAvailablePorts returns the ports that can be used for a new thermostat.
// Ports bound to a registered thermostat and ignored aliases are excluded.
func (m *Manager) ListAvailablePorts() ([]PortInfo, error) {
	ports, err := m.lister.ListPorts()
	if err != nil {
		return nil, err
	}

	m.sessionsMu.RLock()
	bound := make(map[string]bool, len(m.sessions))
	for _, s := range m.sessions {
		bound[s.Port()] = true
	}
	m.sessionsMu.RUnlock()

	return filterPorts(ports, bound, m.ignore), nil
}

// ConnectThermostat creates a thermostat on port, opens its link and
// registers it.
//
// The uniqueness check, record creation, link open and registration run
// under the registry lock, so concurrent calls cannot claim one port twice.
// If the link cannot be opened the new record is deleted again.
//
// Returns:
//   - State: The initial state (usually without telemetry yet)
//   - error: ErrInvalidArgument for blank or duplicate label/port,
//     ErrLinkUnavailable or ErrLinkError from the link, or a store error
func (m *Manager) ConnectThermostat(ctx context.Context, label, port string) (State, error) {
	label = strings.TrimSpace(label)
	port = strings.TrimSpace(port)
	if label == "" {
		return State{}, fmt.Errorf("%w: label must not be blank", ErrInvalidArgument)
	}
	if port == "" {
		return State{}, fmt.Errorf("%w: port must not be blank", ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkUnique(label, port); err != nil {
		return State{}, err
	}

	st, err := m.store.Create(ctx, label, port)
	if err != nil {
		return State{}, fmt.Errorf("creating thermostat: %w", err)
	}

	sess := m.newSession(st)
	if err := sess.Connect(ctx); err != nil {
		if delErr := m.store.Delete(context.WithoutCancel(ctx), st.ID); delErr != nil {
			m.getLogger().Error("rolling back thermostat record failed",
				"thermostat_id", st.ID,
				"error", delErr,
			)
		}
		return State{}, err
	}

	m.register(sess)
	m.getLogger().Info("thermostat connected", "thermostat_id", st.ID, "label", label, "port", port)

	return sess.State(), nil
}

// checkUnique rejects a label or port already held by a registered
// thermostat. Caller must hold mu.
func (m *Manager) checkUnique(label, port string) error {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()

	for _, s := range m.sessions {
		if s.Port() == port {
			return fmt.Errorf("%w: %w: port %s is bound to %q", ErrInvalidArgument, ErrDuplicate, port, s.Label())
		}
		if strings.EqualFold(s.Label(), label) {
			return fmt.Errorf("%w: %w: label %q", ErrInvalidArgument, ErrDuplicate, label)
		}
	}
	return nil
}

func (m *Manager) newSession(st State) *Session {
	sess := NewSession(st, m.open, m.sink, m.cfg.Session)
	sess.now = m.now
	sess.SetLogger(m.getLogger())
	return sess
}

// register adds a session to the map. Caller must hold mu.
func (m *Manager) register(sess *Session) {
	m.sessionsMu.Lock()
	m.sessions[sess.ID()] = sess
	m.sessionsMu.Unlock()
}

// Restore registers thermostats loaded from persistent storage without
// opening their links. The next reconciliation pass connects them.
// Entries that clash with an already registered label or port are skipped
// and reported in the returned error.
func (m *Manager) Restore(states []State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, st := range states {
		if st.ID == "" {
			errs = append(errs, fmt.Errorf("%w: restored thermostat %q has no id", ErrInvalidArgument, st.Label))
			continue
		}
		if m.lookup(st.ID) != nil {
			continue
		}
		if err := m.checkUnique(st.Label, st.Port); err != nil {
			errs = append(errs, fmt.Errorf("restoring %s: %w", st.ID, err))
			continue
		}
		m.register(m.newSession(st))
	}

	return errors.Join(errs...)
}

// DisconnectThermostat deletes a thermostat and closes its link.
//
// Returns:
//   - error: ErrNotFound if id is unknown, or a store error (in which case
//     the thermostat stays registered)
func (m *Manager) DisconnectThermostat(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.lookup(id)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting thermostat %s: %w", id, err)
	}

	m.sessionsMu.Lock()
	delete(m.sessions, id)
	m.sessionsMu.Unlock()

	sess.Disconnect()
	m.getLogger().Info("thermostat disconnected", "thermostat_id", id, "port", sess.Port())

	return nil
}

func (m *Manager) lookup(id string) *Session {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	return m.sessions[id]
}

// ListThermostats returns a snapshot of every thermostat, ordered by label.
func (m *Manager) ListThermostats() []State {
	sessions := m.snapshotSessions()
	out := make([]State, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.State())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// GetThermostat returns a snapshot of one thermostat.
func (m *Manager) GetThermostat(id string) (State, error) {
	sess := m.lookup(id)
	if sess == nil {
		return State{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess.State(), nil
}

// IsConnected reports whether the thermostat's link is open.
func (m *Manager) IsConnected(id string) (bool, error) {
	sess := m.lookup(id)
	if sess == nil {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess.IsConnected(), nil
}

// SetThermostatDesiredTemperature changes a thermostat's set-point and
// waits for the device to confirm it. The registry lock is not held while
// waiting.
func (m *Manager) SetThermostatDesiredTemperature(ctx context.Context, id string, celsius float64) (State, error) {
	sess := m.lookup(id)
	if sess == nil {
		return State{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess.SetDesiredTemperature(ctx, celsius)
}

// snapshotSessions returns the registered sessions ordered by ID.
func (m *Manager) snapshotSessions() []*Session {
	m.sessionsMu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.sessionsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Reconcile runs one repair pass over every registered thermostat.
//
// Closed links are reopened; open links whose state is older than
// StaleAfter get an update request. Failures are logged per thermostat and
// do not stop the pass. The registry lock is held for the whole pass.
func (m *Manager) Reconcile(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	log := m.getLogger()

	for _, sess := range m.snapshotSessions() {
		if ctx.Err() != nil {
			return
		}

		if !sess.IsConnected() {
			if err := sess.Connect(ctx); err != nil {
				log.Warn("reconnecting thermostat failed",
					"thermostat_id", sess.ID(),
					"port", sess.Port(),
					"error", err,
				)
			}
			continue
		}

		if sess.State().StaleAt(m.now(), m.cfg.StaleAfter) {
			if err := sess.RequestUpdate(); err != nil {
				log.Warn("requesting thermostat update failed",
					"thermostat_id", sess.ID(),
					"port", sess.Port(),
					"error", err,
				)
			}
		}
	}

	m.passes.Add(1)
	m.lastPassMillis.Store(time.Since(start).Milliseconds())
}

// Start launches the reconciliation loop. The first pass runs immediately.
// Calling Start on a running Manager does nothing.
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	if m.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.loopDone = make(chan struct{})

	go m.reconcileLoop(loopCtx, m.loopDone)
}

func (m *Manager) reconcileLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	m.Reconcile(ctx)

	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reconcile(ctx)
		}
	}
}

// Close stops the reconciliation loop, then closes every link under the
// registry lock. Thermostats stay registered and persisted.
func (m *Manager) Close() error {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.loopDone
	m.cancel, m.loopDone = nil, nil
	m.loopMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sess := range m.snapshotSessions() {
		sess.Disconnect()
	}
	return nil
}

// Stats returns registry-wide counters.
func (m *Manager) Stats() ManagerStats {
	stats := ManagerStats{
		ReconcilePasses: m.passes.Load(),
		LastPassMillis:  m.lastPassMillis.Load(),
	}
	for _, sess := range m.snapshotSessions() {
		ss := sess.Stats()
		stats.Thermostats++
		if ss.Connected {
			stats.Connected++
		}
		stats.FramesRx += ss.FramesRx
		stats.FramesDropped += ss.FramesDropped
		stats.CommandsTx += ss.CommandsTx
	}
	return stats
}
