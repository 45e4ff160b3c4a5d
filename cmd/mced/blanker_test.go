package main

import (
	"testing"
	"time"

	"mced.dev/blanking"
	"mced.dev/bus"
	"mced.dev/dsm"
	"mced.dev/internal/clock"
)

func newTestBlanker(t *testing.T) (*blanker, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(0, 0))
	requests := bus.NewChannel(dsm.Off)
	published := bus.NewChannel(dsm.Off)
	b := newBlanker(clk, requests, published, newSharedState())
	return b, clk
}

func TestBlankerRearmOnArmsDim(t *testing.T) {
	b, _ := newTestBlanker(t)
	b.published.Publish(dsm.On)
	b.rearm()
	if b.set.Kind() != "dim" {
		t.Fatalf("expected dim timer armed for ON, got %q", b.set.Kind())
	}
}

func TestBlankerRearmDimArmsOff(t *testing.T) {
	b, _ := newTestBlanker(t)
	b.published.Publish(dsm.Dim)
	b.rearm()
	if b.set.Kind() != "off" {
		t.Fatalf("expected off timer armed for DIM, got %q", b.set.Kind())
	}
}

func TestBlankerRearmOffDisarms(t *testing.T) {
	b, _ := newTestBlanker(t)
	b.published.Publish(dsm.Off)
	b.rearm()
	if b.set.Kind() != "" {
		t.Fatalf("expected no timer armed for OFF, got %q", b.set.Kind())
	}
}

func TestBlankerRearmStayOnInhibitsDim(t *testing.T) {
	b, _ := newTestBlanker(t)
	b.state.mu.Lock()
	b.state.inhibit = blanking.InhibitStayOn
	b.state.mu.Unlock()
	b.published.Publish(dsm.On)
	b.rearm()
	if b.set.Kind() != "" {
		t.Fatalf("STAY_ON should inhibit the dim timer, got %q", b.set.Kind())
	}
}

func TestBlankerRearmOnWithTouchLockArmsOff(t *testing.T) {
	b, _ := newTestBlanker(t)
	b.state.mu.Lock()
	b.state.touchLock = true
	b.state.mu.Unlock()
	b.published.Publish(dsm.On)
	b.rearm()
	if b.set.Kind() != "off" {
		t.Fatalf("touch lock while ON should arm the off timer, got %q", b.set.Kind())
	}
	b.fire()
	if got := b.requests.Get(); got != dsm.Off {
		t.Fatalf("expected an Off request once the touch-lock off timer fires, got %v", got)
	}
}

func TestBlankerFireDimPublishesDim(t *testing.T) {
	b, _ := newTestBlanker(t)
	b.published.Publish(dsm.On)
	b.rearm()
	b.fire()
	if got := b.requests.Get(); got != dsm.Dim {
		t.Fatalf("expected a Dim request, got %v", got)
	}
}

func TestBlankerFireOffRespectsTouchLock(t *testing.T) {
	b, _ := newTestBlanker(t)
	b.offOverride = func() offOverride { return offOverrideUseLPM }
	b.state.mu.Lock()
	b.state.touchLock = true
	b.state.mu.Unlock()
	b.published.Publish(dsm.Dim)
	b.rearm()
	b.fire()
	if got := b.requests.Get(); got != dsm.Off {
		t.Fatalf("touch lock must force OFF even with the LPM override set, got %v", got)
	}
}

func TestBlankerFireOffUsesLPMOverride(t *testing.T) {
	b, _ := newTestBlanker(t)
	b.offOverride = func() offOverride { return offOverrideUseLPM }
	b.published.Publish(dsm.Dim)
	b.rearm()
	b.fire()
	if got := b.requests.Get(); got != dsm.LPMOn {
		t.Fatalf("expected LPM_ON with the override set and no touch lock, got %v", got)
	}
}

func TestBlankerPauseSuppressesOffArming(t *testing.T) {
	b, clk := newTestBlanker(t)
	b.AddPauseClient("owner1")
	b.published.Publish(dsm.Dim)
	b.rearm()
	if b.set.Kind() != "" {
		t.Fatalf("an active pause client should suppress the off timer, got %q", b.set.Kind())
	}
	clk.Advance(2 * time.Minute)
	b.rearm()
	if b.set.Kind() != "off" {
		t.Fatalf("expired pause should re-arm the off timer, got %q", b.set.Kind())
	}
}
