package dsm

import (
	"context"
	"testing"
	"time"

	"mced.dev/brightness"
	"mced.dev/bus"
	"mced.dev/collab"
	"mced.dev/compositor"
	"mced.dev/fbgate"
	"mced.dev/internal/clock"
	"mced.dev/suspend"
)

type fakeCurve struct {
	max int
}

func (c *fakeCurve) MaxLevel() (int, error) { return c.max, nil }
func (c *fakeCurve) Set(level int) error    { return nil }

type fakePending struct {
	done chan struct{}
	err  error
}

func newFakePending() *fakePending { return &fakePending{done: make(chan struct{})} }

func (p *fakePending) Done() <-chan struct{}  { return p.done }
func (p *fakePending) Err() error             { return p.err }
func (p *fakePending) Store(dest ...any) error { return nil }
func (p *fakePending) Cancel()                 {}

type fakeTransport struct {
	next  *fakePending
	owner bool
}

func (t *fakeTransport) CallAsync(ctx context.Context, dest, path, iface, method string, args ...any) collab.PendingCall {
	t.next = newFakePending()
	return t.next
}
func (t *fakeTransport) Subscribe(iface, member string, ch chan<- collab.Signal) func() { return func() {} }
func (t *fakeTransport) Emit(path, iface, member string, args ...any) error             { return nil }
func (t *fakeTransport) NameHasOwner(name string) (bool, error)                         { return t.owner, nil }
func (t *fakeTransport) WatchNameOwner(name string, fn func(present bool))              { fn(t.owner) }
func (t *fakeTransport) Close() error                                                   { return nil }

type fakeSensors struct{ enabled bool }

func (s *fakeSensors) Proximity() bool      { return false }
func (s *fakeSensors) AmbientLight() int    { return 0 }
func (s *fakeSensors) Subscribe(onProximity func(bool), onAmbientLight func(int)) func() {
	return func() {}
}
func (s *fakeSensors) SetEnabled(enabled bool) { s.enabled = enabled }

type fakeLED struct{}

func (fakeLED) Activate(string)   {}
func (fakeLED) Deactivate(string) {}

type recordingLED struct{ active map[string]bool }

func newRecordingLED() *recordingLED { return &recordingLED{active: make(map[string]bool)} }

func (l *recordingLED) Activate(pattern string)   { l.active[pattern] = true }
func (l *recordingLED) Deactivate(pattern string) { l.active[pattern] = false }

// driveCompositorAck completes the in-flight compositor call and lets the
// machine observe the reply, simulating what Run's select loop does when
// Compositor.PendingDone() fires.
func driveCompositorAck(m *Machine, transport *fakeTransport) {
	if transport.next == nil {
		return
	}
	close(transport.next.done)
	m.Compositor.PollReply()
}

func newTestMachine(t *testing.T) (*Machine, *fakeTransport, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(0, 0))
	curve := &fakeCurve{max: 100}
	eng, err := brightness.Open(clk, curve)
	if err != nil {
		t.Fatal(err)
	}
	gate, err := fbgate.Open(fbgate.NoopBackend{}, fakeLED{}, "/nonexistent/wake", "/nonexistent/sleep")
	if err != nil {
		t.Fatal(err)
	}
	transport := &fakeTransport{owner: true}
	med := compositor.New(transport, fakeLED{}, clk, func() (int, bool) { return 0, false }, "org.example.comp", "/comp", "org.example.comp", compositor.DefaultConfig())

	req := bus.NewChannel(Off)
	published := bus.NewChannel(Undef)
	m := New(req, published)
	m.FB = gate
	m.Brightness = eng
	m.Compositor = med
	m.Sensors = &fakeSensors{}
	m.Clock = clk
	m.Blockers = func() RequestBlockers { return RequestBlockers{SystemStateIsUser: true} }
	m.OracleInputs = func() suspend.Inputs {
		return suspend.Inputs{Policy: suspend.Enabled, SystemStateIsUser: true}
	}
	m.Levels = func(s DisplayState) (int, int) {
		switch s {
		case On:
			return 80, 1
		case Dim:
			return 20, 1
		default:
			return 0, 1
		}
	}
	return m, transport, clk
}

func TestCanonicalFilterCoercesDisallowedRequestToOff(t *testing.T) {
	m, _, _ := newTestMachine(t)
	m.Blockers = func() RequestBlockers { return RequestBlockers{SystemStateIsUser: false} }
	got := m.Request.Publish(On)
	if got != Off {
		t.Fatalf("expected coercion to Off, got %v", got)
	}
}

func TestColdUnblankBringsDisplayOn(t *testing.T) {
	m, transport, _ := newTestMachine(t)

	m.Request.Publish(On)
	m.rethink()
	driveCompositorAck(m, transport) // setUpdatesEnabled(true) ack
	m.rethink()

	if m.Current() != On {
		t.Fatalf("expected On, got %v (phase=%s)", m.Current(), m.Phase())
	}
	if m.Published.Get() != On {
		t.Fatalf("expected Published=On, got %v", m.Published.Get())
	}
}

func TestHotBlankGoesToOff(t *testing.T) {
	m, transport, _ := newTestMachine(t)

	m.Request.Publish(On)
	m.rethink()
	driveCompositorAck(m, transport)
	m.rethink()
	if m.Current() != On {
		t.Fatalf("precondition failed: expected On, got %v", m.Current())
	}

	var statusInd []string
	m.DisplayStatusInd = func(collapsed string) { statusInd = append(statusInd, collapsed) }

	m.Request.Publish(Off)
	m.rethink()
	driveCompositorAck(m, transport) // setUpdatesEnabled(false) ack
	m.rethink()

	if m.Current() != Off {
		t.Fatalf("expected Off, got %v (phase=%s)", m.Current(), m.Phase())
	}
	if !m.FB.Suspended() {
		t.Fatal("expected frame buffer suspended once Off is committed")
	}
	found := false
	for _, s := range statusInd {
		if s == "off" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a display_status_ind(\"off\"), got %v", statusInd)
	}
}

func TestSuspendWatchdogFiresAfterOneSecondThenCancelsOnObserve(t *testing.T) {
	led := newRecordingLED()
	clk := clock.NewFake(time.Unix(0, 0))
	gate, err := fbgate.Open(fbgate.NoopBackend{}, led, "/nonexistent/wake", "/nonexistent/sleep")
	if err != nil {
		t.Fatal(err)
	}
	m := &Machine{FB: gate, Clock: clk}

	m.armWatchdog(true)
	if m.FB.Suspended() {
		t.Fatal("precondition failed: gate should not report suspended yet")
	}
	clk.Advance(time.Second)
	m.fireWatchdog()
	if !led.active["fb-suspend-timeout"] {
		t.Fatal("expected the suspend watchdog's panic LED pattern to activate after 1s with no observed completion")
	}

	m.FB.Observe('S')
	if !m.FB.Suspended() {
		t.Fatal("expected Suspended() true after observing 'S'")
	}
	m.disarmWatchdog()
	if led.active["fb-suspend-timeout"] {
		t.Fatal("expected the suspend watchdog's panic LED pattern to clear once completion was observed")
	}
}

func TestResumeWatchdogFiresAfterOneSecondThenCancelsOnObserve(t *testing.T) {
	led := newRecordingLED()
	clk := clock.NewFake(time.Unix(0, 0))
	gate, err := fbgate.Open(fbgate.NoopBackend{}, led, "/nonexistent/wake", "/nonexistent/sleep")
	if err != nil {
		t.Fatal(err)
	}
	m := &Machine{FB: gate, Clock: clk}

	m.armWatchdog(false)
	clk.Advance(time.Second)
	m.fireWatchdog()
	if !led.active["fb-resume-timeout"] {
		t.Fatal("expected the resume watchdog's panic LED pattern to activate after 1s with no observed completion")
	}

	m.FB.Observe('W')
	if m.FB.Suspended() {
		t.Fatal("expected Suspended() false after observing 'W'")
	}
	m.disarmWatchdog()
	if led.active["fb-resume-timeout"] {
		t.Fatal("expected the resume watchdog's panic LED pattern to clear once completion was observed")
	}
}

func TestCompositorNeverToldEnabledWhileFBSuspended(t *testing.T) {
	m, transport, _ := newTestMachine(t)
	m.Request.Publish(On)
	m.rethink()
	driveCompositorAck(m, transport)
	m.rethink()
	m.Request.Publish(Off)
	m.rethink()
	driveCompositorAck(m, transport)
	m.rethink()

	if !m.FB.Suspended() {
		t.Fatal("expected fb suspended after going Off")
	}
	if m.Compositor.State() == compositor.Enabled {
		t.Fatal("invariant violated: compositor enabled while fb suspended")
	}
}
