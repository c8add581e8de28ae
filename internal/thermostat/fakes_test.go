package thermostat

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// waitTimeout bounds every wait on an asynchronous event in this package's tests.
const waitTimeout = 2 * time.Second

// fakePort is an in-memory serial port. Bytes passed to send arrive on
// Read; bytes the session writes are recorded and handed to onWrite.
type fakePort struct {
	name string
	r    *io.PipeReader
	w    *io.PipeWriter

	mu       sync.Mutex
	writes   []string
	closed   bool
	writeErr error
	onWrite  func(p *fakePort, cmd string)
}

func newFakePort(name string) *fakePort {
	r, w := io.Pipe()
	return &fakePort{name: name, r: r, w: w}
}

func (p *fakePort) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return 0, err
	}
	cmd := string(b)
	p.writes = append(p.writes, cmd)
	hook := p.onWrite
	p.mu.Unlock()

	if hook != nil {
		go hook(p, cmd)
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.r.Close()
}

// send delivers a frame to the session's receive goroutine.
func (p *fakePort) send(frame string) {
	p.w.Write([]byte(frame)) //nolint:errcheck // Fails only once the port is closed
}

// fail makes the next Read return an I/O error, as when a device is unplugged.
func (p *fakePort) fail() {
	p.w.CloseWithError(errors.New("device unplugged")) //nolint:errcheck // Always nil
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePort) setWriteErr(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

// Writes returns every command written so far.
func (p *fakePort) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

// count returns how many written commands equal cmd.
func (p *fakePort) count(cmd string) int {
	n := 0
	for _, w := range p.Writes() {
		if w == cmd {
			n++
		}
	}
	return n
}

// fakeOpener opens fakePorts and remembers each one by name.
type fakeOpener struct {
	mu     sync.Mutex
	ports  map[string]*fakePort
	opens  map[string]int
	errs   map[string]error
	device func(name string) *fakeDevice
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		ports: make(map[string]*fakePort),
		opens: make(map[string]int),
		errs:  make(map[string]error),
	}
}

func (o *fakeOpener) Open(name string) (Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.errs[name]; err != nil {
		return nil, err
	}
	p := newFakePort(name)
	if o.device != nil {
		if d := o.device(name); d != nil {
			p.onWrite = d.handle
		}
	}
	o.ports[name] = p
	o.opens[name]++
	return p, nil
}

func (o *fakeOpener) setErr(name string, err error) {
	o.mu.Lock()
	o.errs[name] = err
	o.mu.Unlock()
}

// port returns the most recently opened port for name.
func (o *fakeOpener) port(t *testing.T, name string) *fakePort {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.ports[name]
	if p == nil {
		t.Fatalf("port %s was never opened", name)
	}
	return p
}

func (o *fakeOpener) openCount(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[name]
}

// fakeDevice emulates thermostat firmware: it answers U with a status
// frame and stores D set-points unless the panel lock is engaged.
type fakeDevice struct {
	mu      sync.Mutex
	desired float64
	ambient float64
	heater  bool
	locked  bool
	silent  bool // ignore every command
	ignoreD bool // accept D but never apply it
}

func newFakeDevice(desired, ambient float64) *fakeDevice {
	return &fakeDevice{desired: desired, ambient: ambient}
}

func (d *fakeDevice) handle(p *fakePort, cmd string) {
	d.mu.Lock()
	if d.silent {
		d.mu.Unlock()
		return
	}
	line := strings.TrimSuffix(cmd, "\n")
	switch {
	case line == "U":
		frame := d.frameLocked()
		d.mu.Unlock()
		p.send(frame)
		return
	case strings.HasPrefix(line, "D:"):
		if v, err := strconv.ParseFloat(strings.TrimPrefix(line, "D:"), 64); err == nil && !d.locked && !d.ignoreD {
			d.desired = v
		}
	}
	d.mu.Unlock()
}

func (d *fakeDevice) frameLocked() string {
	return fmt.Sprintf("D:%.1f,A:%.1f,H:%s,L:%s\n", d.desired, d.ambient, flag(d.heater), flag(d.locked))
}

func (d *fakeDevice) setLocked(v bool) {
	d.mu.Lock()
	d.locked = v
	d.mu.Unlock()
}

func flag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// chanSink collects snapshots.
type chanSink chan State

func newChanSink() chanSink { return make(chanSink, 256) }

func (c chanSink) OnStateChanged(st State) { c <- st }

// next waits for the next snapshot.
func (c chanSink) next(t *testing.T) State {
	t.Helper()
	select {
	case st := <-c:
		return st
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for state notification")
		return State{}
	}
}

// waitFor polls cond until it holds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fastSession is a confirmation config that keeps tests quick.
var fastSession = SessionConfig{ConfirmAttempts: 5, ConfirmInterval: 20 * time.Millisecond}
