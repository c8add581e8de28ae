package thermostat

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type fakeLister struct {
	ports []PortInfo
	err   error
}

func (l fakeLister) ListPorts() ([]PortInfo, error) {
	return l.ports, l.err
}

type managerFixture struct {
	mgr    *Manager
	store  *MemoryStore
	opener *fakeOpener
	sink   chanSink
	clock  *fakeClock

	mu      sync.Mutex
	devices map[string]*fakeDevice
}

func newManagerFixture(t *testing.T, cfg ManagerConfig, lister PortLister) *managerFixture {
	t.Helper()
	f := &managerFixture{
		store:   NewMemoryStore(),
		opener:  newFakeOpener(),
		sink:    newChanSink(),
		clock:   newFakeClock(),
		devices: make(map[string]*fakeDevice),
	}
	f.opener.device = f.device

	if cfg.Session == (SessionConfig{}) {
		cfg.Session = fastSession
	}
	if lister == nil {
		lister = fakeLister{}
	}

	mgr, err := NewManager(cfg, ManagerDeps{
		Store:  f.store,
		Sink:   f.sink,
		Opener: f.opener.Open,
		Lister: lister,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	mgr.now = f.clock.Now
	f.mgr = mgr
	t.Cleanup(func() { mgr.Close() }) //nolint:errcheck // Test cleanup
	return f
}

// device returns the simulated thermostat behind port, creating it on
// first use.
func (f *managerFixture) device(port string) *fakeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.devices[port]
	if d == nil {
		d = newFakeDevice(20, 19)
		f.devices[port] = d
	}
	return d
}

// connect attaches a thermostat and waits for its first status frame.
func (f *managerFixture) connect(t *testing.T, label, port string) State {
	t.Helper()
	st, err := f.mgr.ConnectThermostat(context.Background(), label, port)
	if err != nil {
		t.Fatalf("ConnectThermostat(%q, %q) error = %v", label, port, err)
	}
	f.sink.next(t)
	return st
}

func TestManager_ConnectThermostat(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{}, nil)

	st, err := f.mgr.ConnectThermostat(context.Background(), "  Living Room ", " /dev/ttyUSB0 ")
	if err != nil {
		t.Fatalf("ConnectThermostat() error = %v", err)
	}
	if st.ID == "" {
		t.Error("ID not allocated")
	}
	if st.Label != "Living Room" || st.Port != "/dev/ttyUSB0" {
		t.Errorf("label/port = %q/%q, want trimmed values", st.Label, st.Port)
	}
	if f.store.Len() != 1 {
		t.Errorf("store records = %d, want 1", f.store.Len())
	}

	applied := f.sink.next(t)
	if applied.ID != st.ID || applied.DesiredTemperature == nil {
		t.Errorf("first notification = %+v", applied)
	}

	connected, err := f.mgr.IsConnected(st.ID)
	if err != nil || !connected {
		t.Errorf("IsConnected() = %v, %v", connected, err)
	}

	got, err := f.mgr.GetThermostat(st.ID)
	if err != nil {
		t.Fatalf("GetThermostat() error = %v", err)
	}
	if diff := cmp.Diff(applied, got); diff != "" {
		t.Errorf("GetThermostat() mismatch (-notified +got):\n%s", diff)
	}
}

func TestManager_ConnectThermostat_Validation(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{}, nil)
	f.connect(t, "Hall", "/dev/ttyUSB0")

	tests := []struct {
		name          string
		label, port   string
		wantDuplicate bool
	}{
		{"blank label", "  ", "/dev/ttyUSB1", false},
		{"blank port", "Kitchen", "", false},
		{"port in use", "Kitchen", "/dev/ttyUSB0", true},
		{"label in use", "Hall", "/dev/ttyUSB1", true},
		{"label differs only in case", "hALL", "/dev/ttyUSB1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mgr.ConnectThermostat(context.Background(), tt.label, tt.port)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("error = %v, want ErrInvalidArgument", err)
			}
			if got := errors.Is(err, ErrDuplicate); got != tt.wantDuplicate {
				t.Errorf("errors.Is(err, ErrDuplicate) = %v, want %v", got, tt.wantDuplicate)
			}
		})
	}

	if f.store.Len() != 1 {
		t.Errorf("store records = %d, want 1", f.store.Len())
	}
	if f.opener.openCount("/dev/ttyUSB1") != 0 {
		t.Error("rejected request opened a port")
	}
}

func TestManager_ConnectThermostat_RollsBackOnLinkFailure(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{}, nil)
	f.opener.setErr("/dev/ttyUSB9", fmt.Errorf("open /dev/ttyUSB9: %w", fs.ErrNotExist))

	_, err := f.mgr.ConnectThermostat(context.Background(), "Attic", "/dev/ttyUSB9")
	if !errors.Is(err, ErrLinkUnavailable) {
		t.Fatalf("error = %v, want ErrLinkUnavailable", err)
	}
	if f.store.Len() != 0 {
		t.Errorf("store records = %d, want rollback to 0", f.store.Len())
	}
	if len(f.mgr.ListThermostats()) != 0 {
		t.Error("failed thermostat registered")
	}

	// The label and port are free again.
	f.opener.setErr("/dev/ttyUSB9", nil)
	f.connect(t, "Attic", "/dev/ttyUSB9")
}

func TestManager_ConnectThermostat_ConcurrentSamePort(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{}, nil)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.mgr.ConnectThermostat(context.Background(), fmt.Sprintf("T%d", i), "/dev/ttyUSB0")
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else if !errors.Is(err, ErrDuplicate) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if got := f.opener.openCount("/dev/ttyUSB0"); got != 1 {
		t.Errorf("port opened %d times, want 1", got)
	}
}

func TestManager_DisconnectThermostat(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{}, nil)
	st := f.connect(t, "Hall", "/dev/ttyUSB0")
	port := f.opener.port(t, "/dev/ttyUSB0")

	if err := f.mgr.DisconnectThermostat(context.Background(), st.ID); err != nil {
		t.Fatalf("DisconnectThermostat() error = %v", err)
	}
	if !port.isClosed() {
		t.Error("port not closed")
	}
	if f.store.Len() != 0 {
		t.Errorf("store records = %d, want 0", f.store.Len())
	}
	if _, err := f.mgr.GetThermostat(st.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetThermostat() after disconnect error = %v, want ErrNotFound", err)
	}

	err := f.mgr.DisconnectThermostat(context.Background(), st.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("second DisconnectThermostat() error = %v, want ErrNotFound", err)
	}

	// The port can be reused.
	f.connect(t, "Hall", "/dev/ttyUSB0")
}

func TestManager_ListThermostatsSortedByLabel(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{}, nil)
	f.connect(t, "Office", "/dev/ttyUSB0")
	f.connect(t, "Bedroom", "/dev/ttyUSB1")
	f.connect(t, "Kitchen", "/dev/ttyUSB2")

	var labels []string
	for _, st := range f.mgr.ListThermostats() {
		labels = append(labels, st.Label)
	}
	if diff := cmp.Diff([]string{"Bedroom", "Kitchen", "Office"}, labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
}

func TestManager_ListAvailablePorts(t *testing.T) {
	lister := fakeLister{ports: []PortInfo{
		{Label: "ttyUSB1", Port: "/dev/ttyUSB1"},
		{Label: "FT232R USB UART", Port: "/dev/ttyUSB0"},
		{Label: "ttyS0", Port: "/dev/ttyS0"},
		{Label: "cu.usbserial", Port: "/dev/cu.usbserial"},
		{Label: "tty.usbserial", Port: "/dev/tty.usbserial"},
	}}
	f := newManagerFixture(t, ManagerConfig{IgnorePatterns: []string{`^/dev/ttyS`, `^/dev/tty\.`}}, lister)
	f.connect(t, "Hall", "/dev/ttyUSB0")

	got, err := f.mgr.ListAvailablePorts()
	if err != nil {
		t.Fatalf("ListAvailablePorts() error = %v", err)
	}
	want := []PortInfo{
		{Label: "cu.usbserial", Port: "/dev/cu.usbserial"},
		{Label: "ttyUSB1", Port: "/dev/ttyUSB1"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ListAvailablePorts() mismatch (-want +got):\n%s", diff)
	}
}

func TestManager_ListAvailablePorts_ReleasedOnDisconnect(t *testing.T) {
	lister := fakeLister{ports: []PortInfo{{Label: "FT232R USB UART", Port: "/dev/ttyUSB0"}}}
	f := newManagerFixture(t, ManagerConfig{}, lister)
	st := f.connect(t, "Hall", "/dev/ttyUSB0")

	got, err := f.mgr.ListAvailablePorts()
	if err != nil {
		t.Fatalf("ListAvailablePorts() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ListAvailablePorts() while bound = %v, want none", got)
	}

	if err := f.mgr.DisconnectThermostat(context.Background(), st.ID); err != nil {
		t.Fatalf("DisconnectThermostat() error = %v", err)
	}

	got, err = f.mgr.ListAvailablePorts()
	if err != nil {
		t.Fatalf("ListAvailablePorts() error = %v", err)
	}
	if diff := cmp.Diff(lister.ports, got); diff != "" {
		t.Errorf("ListAvailablePorts() after disconnect mismatch (-want +got):\n%s", diff)
	}
}

func TestManager_ListAvailablePorts_ListerError(t *testing.T) {
	boom := errors.New("enumeration failed")
	f := newManagerFixture(t, ManagerConfig{}, fakeLister{err: boom})

	if _, err := f.mgr.ListAvailablePorts(); !errors.Is(err, boom) {
		t.Errorf("ListAvailablePorts() error = %v, want %v", err, boom)
	}
}

func TestNewManager_BadIgnorePattern(t *testing.T) {
	_, err := NewManager(ManagerConfig{IgnorePatterns: []string{"(["}}, ManagerDeps{})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("NewManager() error = %v, want ErrInvalidArgument", err)
	}
}

func TestManager_SetThermostatDesiredTemperature(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{}, nil)
	st := f.connect(t, "Hall", "/dev/ttyUSB0")

	got, err := f.mgr.SetThermostatDesiredTemperature(context.Background(), st.ID, 22.5)
	if err != nil {
		t.Fatalf("SetThermostatDesiredTemperature() error = %v", err)
	}
	if *got.DesiredTemperature != 22.5 {
		t.Errorf("DesiredTemperature = %v, want 22.5", *got.DesiredTemperature)
	}

	if _, err := f.mgr.SetThermostatDesiredTemperature(context.Background(), "missing", 20); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id error = %v, want ErrNotFound", err)
	}

	f.device("/dev/ttyUSB0").setLocked(true)
	if err := f.mgr.sessionFor(t, st.ID).RequestUpdate(); err != nil {
		t.Fatalf("RequestUpdate() error = %v", err)
	}
	waitFor(t, "lock to be reported", func() bool {
		cur, _ := f.mgr.GetThermostat(st.ID)
		return cur.Locked()
	})
	if _, err := f.mgr.SetThermostatDesiredTemperature(context.Background(), st.ID, 19); !errors.Is(err, ErrRemoteUpdateDisabled) {
		t.Errorf("locked error = %v, want ErrRemoteUpdateDisabled", err)
	}
}

// sessionFor returns the registered session for id.
func (m *Manager) sessionFor(t *testing.T, id string) *Session {
	t.Helper()
	s := m.lookup(id)
	if s == nil {
		t.Fatalf("no session %s", id)
	}
	return s
}

func TestManager_SetDoesNotBlockRegistry(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{
		Session: SessionConfig{ConfirmAttempts: 10, ConfirmInterval: 50 * time.Millisecond},
	}, nil)
	st := f.connect(t, "Hall", "/dev/ttyUSB0")
	f.device("/dev/ttyUSB0").mu.Lock()
	f.device("/dev/ttyUSB0").ignoreD = true
	f.device("/dev/ttyUSB0").mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := f.mgr.SetThermostatDesiredTemperature(context.Background(), st.ID, 25)
		done <- err
	}()

	// While the confirmation loop waits, the registry stays usable.
	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	f.connect(t, "Kitchen", "/dev/ttyUSB1")
	f.mgr.Reconcile(context.Background())
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("registry blocked for %v during set-point confirmation", elapsed)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("SetThermostatDesiredTemperature() error = %v, want ErrTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("set-point call never returned")
	}
}

func TestManager_ReconcileReopensFailedLinks(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{}, nil)
	st := f.connect(t, "Hall", "/dev/ttyUSB0")

	f.opener.port(t, "/dev/ttyUSB0").fail()
	waitFor(t, "link to drop", func() bool {
		ok, _ := f.mgr.IsConnected(st.ID)
		return !ok
	})

	// Still unplugged: the pass logs and moves on.
	f.opener.setErr("/dev/ttyUSB0", fs.ErrNotExist)
	f.mgr.Reconcile(context.Background())
	if ok, _ := f.mgr.IsConnected(st.ID); ok {
		t.Fatal("connected while device missing")
	}

	// Plugged back in.
	f.opener.setErr("/dev/ttyUSB0", nil)
	f.mgr.Reconcile(context.Background())
	if ok, _ := f.mgr.IsConnected(st.ID); !ok {
		t.Fatal("Reconcile() did not reopen the link")
	}
	f.sink.next(t)

	if got := f.opener.openCount("/dev/ttyUSB0"); got != 2 {
		t.Errorf("open count = %d, want 2", got)
	}
	if passes := f.mgr.Stats().ReconcilePasses; passes != 2 {
		t.Errorf("ReconcilePasses = %d, want 2", passes)
	}
}

func TestManager_ReconcileRefreshesStaleState(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{StaleAfter: time.Minute}, nil)
	f.connect(t, "Hall", "/dev/ttyUSB0")
	port := f.opener.port(t, "/dev/ttyUSB0")
	base := port.count("U\n")

	f.clock.Advance(30 * time.Second)
	f.mgr.Reconcile(context.Background())
	if got := port.count("U\n") - base; got != 0 {
		t.Errorf("fresh state: %d update requests, want 0", got)
	}

	f.clock.Advance(time.Minute)
	f.mgr.Reconcile(context.Background())
	if got := port.count("U\n") - base; got != 1 {
		t.Errorf("stale state: %d update requests, want 1", got)
	}

	st := f.sink.next(t)
	if !st.LastUpdate.Equal(f.clock.Now()) {
		t.Errorf("LastUpdate = %v, want %v", st.LastUpdate, f.clock.Now())
	}
}

func TestManager_RestoreThenReconcile(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{}, nil)

	restored := []State{
		{ID: "a", Label: "Hall", Port: "/dev/ttyUSB0", DesiredTemperature: ptr(19.0)},
		{ID: "b", Label: "Kitchen", Port: "/dev/ttyUSB1"},
		{ID: "c", Label: "hall", Port: "/dev/ttyUSB2"},
		{ID: "", Label: "Ghost", Port: "/dev/ttyUSB3"},
	}
	err := f.mgr.Restore(restored)
	if err == nil {
		t.Fatal("Restore() error = nil, want errors for the clashing and id-less entries")
	}
	if !errors.Is(err, ErrDuplicate) || !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Restore() error = %v", err)
	}

	list := f.mgr.ListThermostats()
	if len(list) != 2 {
		t.Fatalf("registered %d thermostats, want 2", len(list))
	}
	if *list[0].DesiredTemperature != 19 {
		t.Error("restored state lost")
	}
	for _, st := range list {
		if ok, _ := f.mgr.IsConnected(st.ID); ok {
			t.Errorf("%s connected before reconciliation", st.ID)
		}
	}

	// Restoring again is a no-op for known IDs.
	if err := f.mgr.Restore(restored[:2]); err != nil {
		t.Errorf("second Restore() error = %v", err)
	}

	f.mgr.Reconcile(context.Background())
	for _, id := range []string{"a", "b"} {
		if ok, _ := f.mgr.IsConnected(id); !ok {
			t.Errorf("%s not connected after Reconcile", id)
		}
	}
}

func TestManager_StartRunsReconciliation(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{ReconcileInterval: 10 * time.Millisecond}, nil)
	if err := f.mgr.Restore([]State{{ID: "a", Label: "Hall", Port: "/dev/ttyUSB0"}}); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	f.mgr.Start(context.Background())
	f.mgr.Start(context.Background()) // second call is ignored

	waitFor(t, "reconciliation to connect", func() bool {
		ok, _ := f.mgr.IsConnected("a")
		return ok
	})
	waitFor(t, "several passes", func() bool { return f.mgr.Stats().ReconcilePasses >= 3 })

	if err := f.mgr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	passes := f.mgr.Stats().ReconcilePasses
	time.Sleep(50 * time.Millisecond)
	if f.mgr.Stats().ReconcilePasses != passes {
		t.Error("reconciliation kept running after Close")
	}
}

func TestManager_CloseKeepsRegistrations(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{}, nil)
	st := f.connect(t, "Hall", "/dev/ttyUSB0")
	port := f.opener.port(t, "/dev/ttyUSB0")

	if err := f.mgr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !port.isClosed() {
		t.Error("port not closed")
	}
	if ok, err := f.mgr.IsConnected(st.ID); err != nil || ok {
		t.Errorf("IsConnected() = %v, %v; want false, nil", ok, err)
	}
	if f.store.Len() != 1 {
		t.Error("Close deleted the stored thermostat")
	}
}

func TestManager_Stats(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{}, nil)
	f.connect(t, "Hall", "/dev/ttyUSB0")
	f.connect(t, "Kitchen", "/dev/ttyUSB1")
	if err := f.mgr.Restore([]State{{ID: "x", Label: "Loft", Port: "/dev/ttyUSB2"}}); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	stats := f.mgr.Stats()
	if stats.Thermostats != 3 || stats.Connected != 2 {
		t.Errorf("Thermostats/Connected = %d/%d, want 3/2", stats.Thermostats, stats.Connected)
	}
	if stats.FramesRx != 2 || stats.CommandsTx != 2 {
		t.Errorf("FramesRx/CommandsTx = %d/%d, want 2/2", stats.FramesRx, stats.CommandsTx)
	}
}
