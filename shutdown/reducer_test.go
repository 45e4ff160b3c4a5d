package shutdown

import (
	"testing"

	"mced.dev/lifecycle"
)

type fakeHolder struct {
	opens, closes int
	openErr       error
}

func (f *fakeHolder) Open() error  { f.opens++; return f.openErr }
func (f *fakeHolder) Close() error { f.closes++; return nil }

func TestLatchMonotoneUntilUserOrActdead(t *testing.T) {
	h := &fakeHolder{}
	r := NewReducer(h)

	r.OnShutdownSignal(SignalThermal)
	if !r.Latched() {
		t.Fatal("expected latch set")
	}
	r.OnShutdownSignal(SignalNormal)
	r.OnShutdownSignal(SignalBatteryEmpty)
	r.OnSystemState(lifecycle.StateShutdown)
	if !r.Latched() {
		t.Fatal("expected latch to remain set through repeated signals")
	}
	if h.opens != 1 {
		t.Fatalf("holder opened %d times, want 1 (idempotent)", h.opens)
	}

	r.OnSystemState(lifecycle.StateUser)
	if r.Latched() {
		t.Fatal("expected latch cleared on USER entry")
	}
	if h.closes != 1 {
		t.Fatalf("holder closed %d times, want 1", h.closes)
	}
}

func TestLatchClearedByActDead(t *testing.T) {
	r := NewReducer(nil)
	r.OnSystemState(lifecycle.StateReboot)
	if !r.Latched() {
		t.Fatal("expected latch set on REBOOT")
	}
	r.OnSystemState(lifecycle.StateActDead)
	if r.Latched() {
		t.Fatal("expected latch cleared on ACTDEAD")
	}
}

func TestUnrelatedSystemStatesDoNotAffectLatch(t *testing.T) {
	r := NewReducer(nil)
	r.OnSystemState(lifecycle.StateBoot)
	if r.Latched() {
		t.Fatal("BOOT must not set the latch")
	}
}
