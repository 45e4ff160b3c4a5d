package brightness

import (
	"testing"
	"time"

	"mced.dev/internal/clock"
)

type fakeCurve struct {
	max     int
	maxErr  error
	writes  []int
}

func (c *fakeCurve) MaxLevel() (int, error) { return c.max, c.maxErr }
func (c *fakeCurve) Set(level int) error {
	c.writes = append(c.writes, level)
	return nil
}

func TestOpenPrimesCachedLevelOffByOne(t *testing.T) {
	curve := &fakeCurve{max: 100}
	clk := clock.NewFake(time.Unix(0, 0))
	e, err := Open(clk, curve)
	if err != nil {
		t.Fatal(err)
	}
	if e.Current() != 99 {
		t.Fatalf("current = %d, want 99 (max-1)", e.Current())
	}
	if len(curve.writes) != 1 || curve.writes[0] != 99 {
		t.Fatalf("writes = %v, want [99]", curve.writes)
	}
}

func TestSetFadeSameLevelCancelsWithoutWrite(t *testing.T) {
	curve := &fakeCurve{max: 100}
	clk := clock.NewFake(time.Unix(0, 0))
	e, _ := Open(clk, curve)
	curve.writes = nil
	if err := e.SetFade(FadeDefault, e.Current(), 500); err != nil {
		t.Fatal(err)
	}
	if len(curve.writes) != 0 {
		t.Fatalf("expected no writes, got %v", curve.writes)
	}
	if e.Active() {
		t.Fatal("expected no fade in flight")
	}
}

func TestSetFadeSmallDiffWritesImmediately(t *testing.T) {
	curve := &fakeCurve{max: 100}
	clk := clock.NewFake(time.Unix(0, 0))
	e, _ := Open(clk, curve)
	target := e.Current() + 1
	if err := e.SetFade(FadeDefault, target, 500); err != nil {
		t.Fatal(err)
	}
	if e.Active() {
		t.Fatal("expected immediate write, no timer")
	}
	if e.Current() != target {
		t.Fatalf("current = %d, want %d", e.Current(), target)
	}
}

func TestSetFadeShortDurationWritesImmediately(t *testing.T) {
	curve := &fakeCurve{max: 100}
	clk := clock.NewFake(time.Unix(0, 0))
	e, _ := Open(clk, curve)
	e.current = 10
	if err := e.SetFade(FadeDefault, 50, 10); err != nil { // < 12ms
		t.Fatal(err)
	}
	if e.Active() {
		t.Fatal("expected immediate write for sub-threshold duration")
	}
	if e.Current() != 50 {
		t.Fatalf("current = %d, want 50", e.Current())
	}
}

func TestSetFadeInterpolatesWithoutOvershoot(t *testing.T) {
	curve := &fakeCurve{max: 100}
	clk := clock.NewFake(time.Unix(0, 0))
	e, _ := Open(clk, curve)
	e.current = 0
	curve.writes = nil

	if err := e.SetFade(FadeDefault, 90, 90); err != nil {
		t.Fatal(err)
	}
	if !e.Active() {
		t.Fatal("expected fade in flight")
	}

	steps := 0
	for e.Active() && steps < 1000 {
		clk.Advance(4 * time.Millisecond)
		e.Tick()
		steps++
	}
	if e.Current() != 90 {
		t.Fatalf("final level = %d, want 90", e.Current())
	}
	// No single tick should overshoot by more than one step beyond the
	// ideal per-tick delta.
	prev := 0
	for _, w := range curve.writes {
		d := w - prev
		if d < 0 {
			d = -d
		}
		if d > 5 {
			t.Fatalf("overshoot: jumped from %d to %d", prev, w)
		}
		prev = w
	}
}

func TestCanPreempt(t *testing.T) {
	cases := []struct {
		current, next FadeType
		want          bool
	}{
		{FadeIdle, FadeALS, true},
		{FadeBlank, FadeDefault, false},
		{FadeBlank, FadeUnblank, false},
		{FadeUnblank, FadeUnblank, true},
		{FadeUnblank, FadeDefault, false},
		{FadeDimming, FadeALS, false},
		{FadeDimming, FadeDefault, true},
		{FadeDefault, FadeALS, false},
	}
	for _, c := range cases {
		if got := canPreempt(c.current, c.next); got != c.want {
			t.Errorf("canPreempt(%v, %v) = %v, want %v", c.current, c.next, got, c.want)
		}
	}
}

func TestDimLevelFloor(t *testing.T) {
	if got := DimLevel(1, 100); got != 1 {
		t.Fatalf("DimLevel(1,100) = %d, want 1", got)
	}
	if got := DimLevel(100, 100); got != 30 {
		t.Fatalf("DimLevel(100,100) = %d, want 30", got)
	}
	if got := DimLevel(10, 100); got != 5 {
		t.Fatalf("DimLevel(10,100) = %d, want 5 (on/2)", got)
	}
}

func TestFaderOpacityEmittedWhenDimRangeTooNarrow(t *testing.T) {
	curve := &fakeCurve{max: 100}
	clk := clock.NewFake(time.Unix(0, 0))
	e, _ := Open(clk, curve)
	e.current = 5
	var gotPercent, gotDuration int
	calls := 0
	e.OnFaderOpacity = func(percent, durationMs int) {
		calls++
		gotPercent, gotDuration = percent, durationMs
	}
	if err := e.SetFade(FadeDimming, 1, 100); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected fader opacity signal once, got %d calls", calls)
	}
	if gotPercent != 50 {
		t.Fatalf("percent = %d, want 50", gotPercent)
	}
	if gotDuration != 100 {
		t.Fatalf("duration = %d, want 100", gotDuration)
	}
}
