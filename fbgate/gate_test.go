package fbgate

import "testing"

type fakeLED struct {
	activated, deactivated []string
}

func (f *fakeLED) Activate(p string)   { f.activated = append(f.activated, p) }
func (f *fakeLED) Deactivate(p string) { f.deactivated = append(f.deactivated, p) }

func TestSynchronousGateUpdatesFactInline(t *testing.T) {
	led := &fakeLED{}
	g, err := Open(NoopBackend{}, led, "/nonexistent/wake", "/nonexistent/sleep")
	if err != nil {
		t.Fatal(err)
	}
	if !g.Synchronous() {
		t.Fatal("expected synchronous operation when notification paths are missing")
	}
	if err := g.PowerDown(); err != nil {
		t.Fatal(err)
	}
	if !g.Suspended() {
		t.Fatal("expected suspended=true immediately after synchronous power_down")
	}
	if err := g.PowerUp(); err != nil {
		t.Fatal(err)
	}
	if g.Suspended() {
		t.Fatal("expected suspended=false immediately after synchronous power_up")
	}
}

func TestObserveTracksLastByte(t *testing.T) {
	g := &Gate{}
	g.Observe('S')
	if !g.Suspended() {
		t.Fatal("expected suspended after 'S'")
	}
	g.Observe('W')
	if g.Suspended() {
		t.Fatal("expected awake after 'W'")
	}
}

func TestLEDPatternNamesDistinguishSuspendResume(t *testing.T) {
	if LEDPattern(true) == LEDPattern(false) {
		t.Fatal("expected distinct LED patterns for suspend vs resume")
	}
}

func TestWatchdogFiresDistinctPatterns(t *testing.T) {
	led := &fakeLED{}
	g := &Gate{led: led}
	g.FireWatchdog(true)
	g.FireWatchdog(false)
	if len(led.activated) != 2 || led.activated[0] == led.activated[1] {
		t.Fatalf("expected two distinct activations, got %v", led.activated)
	}
	g.CancelWatchdog(true)
	if len(led.deactivated) != 1 {
		t.Fatalf("expected one deactivation, got %v", led.deactivated)
	}
}
