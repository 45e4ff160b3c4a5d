// Package brightness implements the Brightness Engine (C4, §4.4): a
// timestamp-interpolated fader with typed fade classes and priority
// rules, driving a collab.BrightnessCurve sink.
//
// The timestamp-based (not step-counted) interpolation is grounded on the
// teacher's frame-time throttling in gui/saver/saver.go ("now :=
// screen.Now(); d := now.Sub(s.before)"), generalized from a single fixed
// 40ms throttle into an arbitrary start/end monotonic interpolation so
// that timer jitter cannot produce overshoot (§4.4 step 4).
package brightness

import (
	"fmt"
	"time"

	"mced.dev/collab"
	"mced.dev/internal/clock"
	"mced.dev/mcelog"
)

// FadeType classifies an in-flight fade for the §3/§4.4 precedence
// matrix.
type FadeType int

const (
	FadeIdle FadeType = iota
	FadeDefault
	FadeDimming
	FadeALS
	FadeBlank
	FadeUnblank
)

func (t FadeType) String() string {
	switch t {
	case FadeIdle:
		return "idle"
	case FadeDefault:
		return "default"
	case FadeDimming:
		return "dimming"
	case FadeALS:
		return "als"
	case FadeBlank:
		return "blank"
	case FadeUnblank:
		return "unblank"
	default:
		return "?"
	}
}

// minTimerResolution is the minimum brightness timer tick (§4.4).
const minTimerResolution = 4 * time.Millisecond

// record is the §3 fade record.
type record struct {
	typ                    FadeType
	startLevel, endLevel   int
	startTick, endTick     time.Time
}

// canPreempt reports whether an ongoing fade of type current may be
// pre-empted by an incoming fade of type next (§3 precedence matrix).
func canPreempt(current, next FadeType) bool {
	switch current {
	case FadeIdle:
		return true
	case FadeBlank:
		// BLANK cannot be cancelled.
		return false
	case FadeUnblank:
		// UNBLANK accepts only target adjustment: the only "pre-emption"
		// allowed is another UNBLANK retargeting the same fade.
		return next == FadeUnblank
	case FadeDimming, FadeDefault:
		// DIMMING/DEFAULT reject ALS.
		return next != FadeALS
	default:
		return true
	}
}

// Engine is the §4.4 brightness engine.
type Engine struct {
	Clock clock.Clock
	Curve collab.BrightnessCurve

	// OnFaderOpacity is invoked when the UI-side fader-opacity signal
	// should toggle (§4.4 dim-level derivation, §6 fader_opacity_ind).
	OnFaderOpacity func(percent, durationMs int)

	sched schedElevator

	max     int
	current int

	fade  *record
	timer clock.Timer
}

// Open probes max from curve (with a safe default on failure) and primes
// the cached level to curve.MaxLevel()-derived state, applying the §9
// off-by-one quirk: some devices expose the real backlight level through
// a sysfs node that is not the one mced writes, so the kernel can
// silently ignore the first real write after boot if it believes the
// value is unchanged. Forcing the cached value one below the probed
// value guarantees the first write is observed as a change. This quirk
// is driver-specific and is retained verbatim from
// original_source/modules/display.c rather than re-derived.
func Open(clk clock.Clock, curve collab.BrightnessCurve) (*Engine, error) {
	const safeDefaultMax = 255
	max, err := curve.MaxLevel()
	if err != nil {
		mcelog.Warnf("brightness: max_brightness probe failed, using default %d: %v", safeDefaultMax, err)
		max = safeDefaultMax
	}
	e := &Engine{
		Clock: clk,
		Curve: curve,
		max:   max,
	}
	e.primeCachedLevel(max)
	return e, nil
}

func (e *Engine) primeCachedLevel(reportedByKernel int) {
	e.current = reportedByKernel
	if e.current > 0 {
		_ = e.Curve.Set(e.current - 1)
		e.current--
	}
}

// Max returns the probed maximum brightness level.
func (e *Engine) Max() int { return e.max }

// Current returns the last committed (or in-flight target, once a fade
// completes) brightness level.
func (e *Engine) Current() int { return e.current }

func clip(level, max int) int {
	if level < 0 {
		return 0
	}
	if level > max {
		return max
	}
	return level
}

// DimLevel computes the §4.4 dim-brightness derivation:
// dim = min(max*0.30, on/2), clamped >= 1.
func DimLevel(on, max int) int {
	dim := int(float64(max) * 0.30)
	if half := on / 2; half < dim {
		dim = half
	}
	if dim < 1 {
		dim = 1
	}
	return dim
}

// SetFade starts (or rejects, or short-circuits) a fade to target over
// durationMs, per the §4.4 algorithm.
func (e *Engine) SetFade(typ FadeType, target int, durationMs int) error {
	target = clip(target, e.max)

	if e.fade != nil && !canPreempt(e.fade.typ, typ) {
		return fmt.Errorf("brightness: fade %s cannot pre-empt in-flight %s", typ, e.fade.typ)
	}

	e.maybeEmitFaderOpacity(target, durationMs)

	if e.current == target {
		e.cancelFade()
		return nil
	}

	duration := time.Duration(durationMs) * time.Millisecond
	diff := target - e.current
	if diff < 0 {
		diff = -diff
	}
	if diff <= 1 || duration < 3*minTimerResolution {
		e.cancelFade()
		e.write(target)
		return nil
	}

	steps := diff
	interval := duration / time.Duration(steps)
	if interval < minTimerResolution {
		interval = minTimerResolution
	}

	now := e.Clock.Now()
	e.fade = &record{
		typ:        typ,
		startLevel: e.current,
		endLevel:   target,
		startTick:  now,
		endTick:    now.Add(duration),
	}
	e.sched.acquire()
	if e.timer == nil {
		e.timer = e.Clock.NewTimer(interval)
	} else {
		e.timer.Reset(interval)
	}
	return nil
}

// maybeEmitFaderOpacity implements §4.4's "fader opacity" signal: when
// hardware dimming alone would not be perceptible, (on-dim) < max*0.10,
// the UI-side opacity overlay is asked to kick in at 50%.
func (e *Engine) maybeEmitFaderOpacity(target, durationMs int) {
	if e.OnFaderOpacity == nil {
		return
	}
	on := e.current
	if target > on {
		on = target
	}
	dim := DimLevel(on, e.max)
	if float64(on-dim) < float64(e.max)*0.10 {
		e.OnFaderOpacity(50, durationMs)
	}
}

// Tick should be called whenever the Engine's timer fires; it advances
// the fade by one interpolation step and re-arms or completes.
func (e *Engine) Tick() {
	if e.fade == nil || e.timer == nil {
		return
	}
	now := e.Clock.Now()
	f := e.fade
	if !now.Before(f.endTick) {
		e.write(f.endLevel)
		e.completeFade()
		return
	}
	elapsed := now.Sub(f.startTick)
	total := f.endTick.Sub(f.startTick)
	level := f.startLevel + int(float64(f.endLevel-f.startLevel)*float64(elapsed)/float64(total))
	e.write(level)

	remaining := f.endTick.Sub(now)
	diff := f.endLevel - level
	if diff < 0 {
		diff = -diff
	}
	if diff == 0 {
		diff = 1
	}
	interval := remaining / time.Duration(diff)
	if interval < minTimerResolution {
		interval = minTimerResolution
	}
	e.timer.Reset(interval)
}

// TimerChan exposes the armed timer's channel for the DSM's select loop;
// nil when no fade is in flight.
func (e *Engine) TimerChan() <-chan time.Time {
	if e.timer == nil {
		return nil
	}
	return e.timer.C()
}

// Precommit writes level directly, bypassing any fade, and cancels any
// fade in flight. The DSM uses this on LEAVE_POWER_ON to pre-stage the
// resume level for the next powered-on state while the panel is still
// blanked, so WAIT_RESUME's unblank fade starts from the correct
// baseline instead of whatever level the prior power-on interval left
// behind (§4.8 brightness coupling).
func (e *Engine) Precommit(level int) {
	e.cancelFade()
	e.write(level)
}

// Active reports whether a fade is currently in flight.
func (e *Engine) Active() bool { return e.fade != nil }

// ActiveType reports the in-flight fade's type, or FadeIdle.
func (e *Engine) ActiveType() FadeType {
	if e.fade == nil {
		return FadeIdle
	}
	return e.fade.typ
}

func (e *Engine) cancelFade() {
	if e.fade == nil {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.fade = nil
	e.sched.release()
}

func (e *Engine) completeFade() {
	if e.fade == nil {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.fade = nil
	e.sched.release()
}

func (e *Engine) write(level int) {
	level = clip(level, e.max)
	if err := e.Curve.Set(level); err != nil {
		mcelog.Warnf("brightness: set level %d: %v", level, err)
	}
	e.current = level
}
