package main

import (
	"context"
	"time"

	"mced.dev/blanking"
	"mced.dev/bus"
	"mced.dev/dsm"
	"mced.dev/internal/clock"
)

// offOverride is the persisted display_off_override setting (§6).
type offOverride int

const (
	offOverrideDisabled offOverride = iota
	offOverrideUseLPM
)

// blanker is the §4.5 blanking timer set wired to the DSM's request
// channel: it re-evaluates arming on every state/exception change and
// publishes the next target when its single reusable timer fires. It runs
// its own small select loop rather than folding into dsm.Machine.Run,
// since bus.Channel.Publish is safe for concurrent callers (§4.1) and the
// blanking timer set is independently cancellable per §5.
type blanker struct {
	set   *blanking.Set
	dim   *blanking.DimIndex
	pause *blanking.PauseSet
	clock clock.Clock

	state *sharedState

	requests  *bus.Channel[dsm.DisplayState]
	published *bus.Channel[dsm.DisplayState]

	blankTimeout  func() time.Duration
	pausePeriod   func() time.Duration
	offOverride   func() offOverride
	wakeups       chan struct{}
}

func newBlanker(clk clock.Clock, requests, published *bus.Channel[dsm.DisplayState], state *sharedState) *blanker {
	b := &blanker{
		set:       blanking.NewSet(clk),
		dim:       blanking.NewDimIndex(nil),
		pause:     blanking.NewPauseSet(),
		clock:     clk,
		state:     state,
		requests:  requests,
		published: published,
		blankTimeout: func() time.Duration { return 30 * time.Second },
		pausePeriod:  func() time.Duration { return 60 * time.Second },
		offOverride:  func() offOverride { return offOverrideDisabled },
		wakeups:      make(chan struct{}, 1),
	}
	published.AddTrigger(func(dsm.DisplayState) { b.wakeup() })
	return b
}

func (b *blanker) wakeup() {
	select {
	case b.wakeups <- struct{}{}:
	default:
	}
}

// Run drives the blanker until ctx is cancelled.
func (b *blanker) Run(ctx context.Context) {
	b.rearm()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.wakeups:
			b.rearm()
		case <-b.set.C():
			b.fire()
			b.rearm()
		}
	}
}

func (b *blanker) rearm() {
	now := b.clock.Now()
	b.pause.Expire(now)
	ex := b.state.exceptions(b.pause.Active(now))

	switch b.published.Get().Collapsed() {
	case "on":
		armed := blanking.EvaluateOnArming(ex)
		switch {
		case armed.Dim:
			b.set.Arm("dim", time.Duration(b.dim.Current(15))*time.Second)
		case armed.Off:
			b.set.Arm("off", b.blankTimeout())
		default:
			b.set.Disarm()
		}
	case "dim":
		armed := blanking.EvaluateDimArming(ex)
		if armed.Off {
			b.set.Arm("off", b.blankTimeout())
		} else {
			b.set.Disarm()
		}
	default:
		b.set.Disarm()
	}
}

func (b *blanker) fire() {
	switch b.set.Kind() {
	case "dim":
		b.requests.Publish(dsm.Dim)
	case "off":
		b.requests.Publish(b.offTarget())
	}
}

func (b *blanker) offTarget() dsm.DisplayState {
	v := b.state.snapshot()
	if v.touchLock {
		return dsm.Off
	}
	if b.offOverride() == offOverrideUseLPM {
		return dsm.LPMOn
	}
	return dsm.Off
}

// AddPauseClient implements req_display_blanking_pause (§6).
func (b *blanker) AddPauseClient(owner string) {
	b.pause.Add(owner, b.clock.Now(), b.pausePeriod())
	b.wakeup()
}

// RemovePauseClient implements req_display_cancel_blanking_pause (§6).
func (b *blanker) RemovePauseClient(owner string) {
	b.pause.Remove(owner)
	b.wakeup()
}
