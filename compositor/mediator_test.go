package compositor

import (
	"context"
	"testing"
	"time"

	"mced.dev/collab"
	"mced.dev/internal/clock"
)

type fakePending struct {
	done      chan struct{}
	err       error
	cancelled bool
}

func newFakePending() *fakePending { return &fakePending{done: make(chan struct{})} }

func (p *fakePending) Done() <-chan struct{}       { return p.done }
func (p *fakePending) Err() error                  { return p.err }
func (p *fakePending) Store(dest ...any) error      { return nil }
func (p *fakePending) Cancel()                      { p.cancelled = true }

type fakeTransport struct {
	calls       []string
	next        *fakePending
	owner       bool
}

func (t *fakeTransport) CallAsync(ctx context.Context, dest, path, iface, method string, args ...any) collab.PendingCall {
	t.calls = append(t.calls, method)
	t.next = newFakePending()
	return t.next
}
func (t *fakeTransport) Subscribe(iface, member string, ch chan<- collab.Signal) func() { return func() {} }
func (t *fakeTransport) Emit(path, iface, member string, args ...any) error             { return nil }
func (t *fakeTransport) NameHasOwner(name string) (bool, error)                         { return t.owner, nil }
func (t *fakeTransport) WatchNameOwner(name string, fn func(present bool))              {}
func (t *fakeTransport) Close() error                                                   { return nil }

type fakeLED struct {
	activated, deactivated []string
}

func (f *fakeLED) Activate(p string)   { f.activated = append(f.activated, p) }
func (f *fakeLED) Deactivate(p string) { f.deactivated = append(f.deactivated, p) }

func testConfig() Config {
	return Config{
		MethodCallTimeout: time.Minute,
		PanicLEDRampStart: 10 * time.Millisecond,
		PanicLEDRampFloor: 2 * time.Millisecond,
		PanicLEDRampDecay: 0.5,
		CoreDumpDelay:     10 * time.Millisecond,
		KillDelay:         10 * time.Millisecond,
		VerifyDelay:       10 * time.Millisecond,
	}
}

func TestRequestSupersedesPendingCall(t *testing.T) {
	transport := &fakeTransport{}
	led := &fakeLED{}
	clk := clock.NewFake(time.Unix(0, 0))
	m := New(transport, led, clk, func() (int, bool) { return 0, false }, "org.example.comp", "/comp", "org.example.comp", testConfig())

	m.Request(context.Background(), true)
	first := transport.next
	m.Request(context.Background(), false)

	if !first.cancelled {
		t.Fatal("expected first pending call to be cancelled when superseded")
	}
	if len(transport.calls) != 2 {
		t.Fatalf("expected two calls, got %d", len(transport.calls))
	}
}

func TestPollReplySetsEnabledOnSuccess(t *testing.T) {
	transport := &fakeTransport{}
	led := &fakeLED{}
	clk := clock.NewFake(time.Unix(0, 0))
	m := New(transport, led, clk, nil, "svc", "/p", "iface", testConfig())

	m.Request(context.Background(), true)
	close(transport.next.done)
	m.PollReply()

	if m.State() != Enabled {
		t.Fatalf("expected Enabled, got %v", m.State())
	}
}

func TestPollReplySetsErrorOnFailure(t *testing.T) {
	transport := &fakeTransport{}
	led := &fakeLED{}
	clk := clock.NewFake(time.Unix(0, 0))
	m := New(transport, led, clk, nil, "svc", "/p", "iface", testConfig())

	m.Request(context.Background(), true)
	transport.next.err = context.DeadlineExceeded
	close(transport.next.done)
	m.PollReply()

	if m.State() != Error {
		t.Fatalf("expected Error, got %v", m.State())
	}
}

func TestEscalationChainActivatesPanicLEDThenKillsUnknownPidSkipped(t *testing.T) {
	transport := &fakeTransport{}
	led := &fakeLED{}
	clk := clock.NewFake(time.Unix(0, 0))
	pidCalls := 0
	m := New(transport, led, clk, func() (int, bool) { pidCalls++; return 0, false }, "svc", "/p", "iface", testConfig())

	m.Request(context.Background(), true)

	// wait -> panic LED
	m.Tick()
	if len(led.activated) != 1 || led.activated[0] != "unblank-failed" {
		t.Fatalf("expected unblank-failed LED pattern, got %v", led.activated)
	}

	// panic LED -> core dump (pid unknown, skipped, but chain advances)
	m.Tick()
	// core dump -> kill (pid unknown, signal skipped)
	m.Tick()
	if len(led.activated) != 1 {
		t.Fatalf("expected kill-in-progress LED skipped since pid unknown, got %v", led.activated)
	}
	if pidCalls == 0 {
		t.Fatal("expected pid lookup to be consulted during escalation")
	}
}

func TestRampDecaysTowardFloorAcrossIncidents(t *testing.T) {
	cfg := testConfig()
	start := cfg.PanicLEDRampStart
	d1 := decayRamp(start, cfg.PanicLEDRampDecay, cfg.PanicLEDRampFloor)
	d2 := decayRamp(d1, cfg.PanicLEDRampDecay, cfg.PanicLEDRampFloor)
	if d1 >= start {
		t.Fatal("expected ramp to shrink after first incident")
	}
	if d2 > d1 {
		t.Fatal("expected ramp to continue shrinking or hold floor")
	}
	if d2 < cfg.PanicLEDRampFloor {
		t.Fatal("expected ramp never to go below the floor")
	}
}

func TestVerifyClearsKillLEDAndMarksErrorWhenGone(t *testing.T) {
	transport := &fakeTransport{owner: false}
	led := &fakeLED{}
	clk := clock.NewFake(time.Unix(0, 0))
	m := New(transport, led, clk, func() (int, bool) { return 123, true }, "svc", "/p", "iface", testConfig())
	m.Request(context.Background(), true)
	m.st = stageVerify
	led.activated = append(led.activated, "compositor-kill-in-progress")

	m.verify()

	if m.State() != Error {
		t.Fatalf("expected Error after verify finds no owner, got %v", m.State())
	}
	if len(led.deactivated) == 0 {
		t.Fatal("expected kill-in-progress LED to be deactivated")
	}
}
