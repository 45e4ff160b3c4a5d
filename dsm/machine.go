package dsm

import (
	"context"
	"time"

	"mced.dev/brightness"
	"mced.dev/bus"
	"mced.dev/collab"
	"mced.dev/compositor"
	"mced.dev/fbgate"
	"mced.dev/internal/clock"
	"mced.dev/mcelog"
	"mced.dev/shutdown"
	"mced.dev/suspend"
)

// phase is the internal fine-grained state of §4.8's twenty-state graph.
type phase int

const (
	phaseUnset phase = iota
	phaseRendererInitStart
	phaseRendererWaitStart
	phaseEnterPowerOn
	phaseStayPowerOn
	phaseLeavePowerOn
	phaseRendererInitStop
	phaseRendererWaitStop
	phaseWaitFadeToBlack
	phaseWaitFadeToTarget
	phaseInitSuspend
	phaseWaitSuspend
	phaseEnterPowerOff
	phaseStayPowerOff
	phaseLeavePowerOff
	phaseInitResume
	phaseWaitResume
	phaseEnterLogicalOff
	phaseStayLogicalOff
	phaseLeaveLogicalOff
)

func (p phase) String() string {
	switch p {
	case phaseUnset:
		return "UNSET"
	case phaseRendererInitStart:
		return "RENDERER_INIT_START"
	case phaseRendererWaitStart:
		return "RENDERER_WAIT_START"
	case phaseEnterPowerOn:
		return "ENTER_POWER_ON"
	case phaseStayPowerOn:
		return "STAY_POWER_ON"
	case phaseLeavePowerOn:
		return "LEAVE_POWER_ON"
	case phaseRendererInitStop:
		return "RENDERER_INIT_STOP"
	case phaseRendererWaitStop:
		return "RENDERER_WAIT_STOP"
	case phaseWaitFadeToBlack:
		return "WAIT_FADE_TO_BLACK"
	case phaseWaitFadeToTarget:
		return "WAIT_FADE_TO_TARGET"
	case phaseInitSuspend:
		return "INIT_SUSPEND"
	case phaseWaitSuspend:
		return "WAIT_SUSPEND"
	case phaseEnterPowerOff:
		return "ENTER_POWER_OFF"
	case phaseStayPowerOff:
		return "STAY_POWER_OFF"
	case phaseLeavePowerOff:
		return "LEAVE_POWER_OFF"
	case phaseInitResume:
		return "INIT_RESUME"
	case phaseWaitResume:
		return "WAIT_RESUME"
	case phaseEnterLogicalOff:
		return "ENTER_LOGICAL_OFF"
	case phaseStayLogicalOff:
		return "STAY_LOGICAL_OFF"
	case phaseLeaveLogicalOff:
		return "LEAVE_LOGICAL_OFF"
	default:
		return "?"
	}
}

// RequestBlockers are the predicates the req_display_state_* bus methods
// consult before admitting a request (§6): proximity covered, an active
// call/alarm exception, and the system state being outside USER/ACTDEAD.
type RequestBlockers struct {
	ProximityCovered  bool
	CallOrAlarmActive bool
	SystemStateIsUser bool
}

// Machine is the §4.8 display state machine: the sole cooperative
// scheduler driving the frame-buffer gate, brightness engine, compositor
// mediator and suspend oracle to fixpoint on every rethink, matching the
// teacher's top-level `for { a.Frame() }` loop generalized from "one
// frame per iteration" to "one fixpoint pass per rethink".
type Machine struct {
	FB         *fbgate.Gate
	Brightness *brightness.Engine
	Compositor *compositor.Mediator
	Sensors    collab.SensorGateway
	Shutdown   *shutdown.Reducer
	Clock      clock.Clock

	// Request is the external display-state-request channel (§4.1),
	// filtered by CanonicalRequestFilter before Machine ever sees it.
	Request *bus.Channel[DisplayState]
	// Published is the DSM's own output channel: every stable commit and
	// every transient PowerUp/PowerDown marker between LEAVE_*/ENTER_* is
	// written here directly (§4.1: "Transient values are written directly
	// to the display-state channel by the DSM while waiting").
	Published *bus.Channel[DisplayState]

	// DisplayStatusInd is invoked with the collapsed state string
	// whenever it changes (§6 display_status_ind, deduplicated exactly
	// as modules/display.c's mdy_datapipe_execute_display_state_curr
	// does around STAY_POWER_ON/STAY_POWER_OFF self-transitions).
	DisplayStatusInd func(collapsed string)

	// Blockers supplies the request-admission predicates for the
	// canonical filter; nil yields all-zero predicates, so the system
	// state is not USER and every target other than OFF is coerced to OFF
	// (cmd/mced always sets this).
	Blockers func() RequestBlockers

	// OracleInputs supplies every suspend.Inputs field the machine does
	// not own itself (call/alarm/system-state/update-mode/etc.); the
	// machine fills in Now and CompositorUI before calling suspend.Evaluate.
	OracleInputs func() suspend.Inputs

	// Levels computes the (level, durationMs) brightness fade target for
	// a stable display state; nil falls back to a bare on/off mapping
	// derived from Brightness.Max, sufficient for tests.
	Levels func(state DisplayState) (level, durationMs int)

	wakeups chan struct{}

	phase   phase
	current DisplayState
	target  DisplayState
	wantSet bool

	// reannounce is set externally (e.g. a compositor restart observed
	// mid STAY_POWER_ON) to force a re-entry into the bring-up sequence
	// without a new target (§4.8 STAY_POWER_ON guard).
	reannounce bool

	wakelockHeld bool
	releaseTimer clock.Timer

	// watchdogTimer backs the §4.3 1-second suspend/resume completion
	// watchdog: armed whenever FB.PowerDown/PowerUp is issued, disarmed
	// (and its panic-LED pattern cancelled if it had fired) once
	// FB.Suspended() reports the matching fact.
	watchdogTimer      clock.Timer
	watchdogFired      bool
	watchdogSuspending bool

	lastCollapsed string
}

// New wires Machine's canonical request filter onto req, matching §4.1's
// "the display-state-request channel is filtered by a single canonical
// filter that coerces invalid or forbidden targets to OFF ... and never
// emits transient states from the filter".
func New(req, published *bus.Channel[DisplayState]) *Machine {
	m := &Machine{
		Request:   req,
		Published: published,
		wakeups:   make(chan struct{}, 1),
		current:   Off,
		target:    Off,
		phase:     phaseUnset,
	}
	req.AddFilter(CanonicalRequestFilter(m.allowed, func() DisplayState { return m.current }))
	req.AddTrigger(func(s DisplayState) {
		m.target = s
		m.wantSet = true
		m.Wakeup()
	})
	return m
}

// Reannounce marks the compositor re-announcement flag, forcing
// STAY_POWER_ON/STAY_LOGICAL_OFF to re-enter the bring-up/stop sequence
// on the next rethink even without a new target.
func (m *Machine) Reannounce() {
	m.reannounce = true
	m.Wakeup()
}

// Current returns the last stable state committed by the machine.
func (m *Machine) Current() DisplayState { return m.current }

// Phase exposes the internal fine-grained phase, for diagnostics and
// scenario tests.
func (m *Machine) Phase() string { return m.phase.String() }

func (m *Machine) allowed(target DisplayState) bool {
	if target == Off {
		return true
	}
	var b RequestBlockers
	if m.Blockers != nil {
		b = m.Blockers()
	}
	if !b.SystemStateIsUser {
		return false
	}
	switch target {
	case On, Dim:
		if b.ProximityCovered && b.CallOrAlarmActive {
			return false
		}
	case LPMOn:
		if b.ProximityCovered {
			return false
		}
	}
	return true
}

// Wakeup schedules a rethink; coalesces with any already-pending wakeup,
// matching the teacher's Platform.Wakeup()/wakeups chan struct{} idiom
// reused verbatim per §4.8.
func (m *Machine) Wakeup() {
	select {
	case m.wakeups <- struct{}{}:
	default:
	}
}

// Run drives the machine until ctx is cancelled. It owns the cooperative
// main scheduler's select loop (§5): wakeups, the fb-gate's reader-task
// events, the brightness fader timer, the compositor escalation timer and
// pending-reply channel, the wake-lock release linger timer, and the
// suspend/resume completion watchdog.
func (m *Machine) Run(ctx context.Context) {
	m.rethink()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wakeups:
			m.rethink()
		case b, ok := <-m.FB.Events():
			if ok {
				m.FB.Observe(b)
			}
			m.rethink()
		case <-m.Brightness.TimerChan():
			m.Brightness.Tick()
			m.rethink()
		case <-m.Compositor.TimerChan():
			m.Compositor.Tick()
			m.rethink()
		case <-m.Compositor.PendingDone():
			m.Compositor.PollReply()
			m.rethink()
		case <-m.releaseTimerChan():
			m.completeWakelockRelease()
			m.rethink()
		case <-m.watchdogTimerChan():
			m.fireWatchdog()
			m.rethink()
		}
	}
}

// rethink steps to fixpoint, then yields — the single cooperative step
// function of §4.8. Bounded defensively: a transition table this size
// should never cycle without an external event, but an accidental cycle
// must not hang the only scheduler thread.
func (m *Machine) rethink() {
	const maxSteps = 64
	for i := 0; i < maxSteps; i++ {
		if !m.step() {
			return
		}
	}
	mcelog.Errorf("dsm: rethink exceeded %d steps without reaching fixpoint, phase=%s", maxSteps, m.phase)
}

func (m *Machine) needsPower(s DisplayState) bool {
	return s == On || s == Dim || s == LPMOn
}

func (m *Machine) needsRenderer(s DisplayState) bool {
	return s == On || s == Dim
}

// step executes one transition of the §4.8 graph and reports whether
// state changed (the fixpoint-loop termination signal).
func (m *Machine) step() bool {
	switch m.phase {
	case phaseUnset:
		if !m.wantSet {
			return false
		}
		m.acquireWakelock()
		m.phase = phaseRendererInitStart
		return true

	case phaseRendererInitStart:
		if !m.needsRenderer(m.target) || !m.Compositor.Available() {
			m.phase = phaseWaitFadeToTarget
			return true
		}
		m.Compositor.Request(context.Background(), true)
		m.phase = phaseRendererWaitStart
		return true

	case phaseRendererWaitStart:
		if m.Compositor.PendingDone() != nil {
			return false
		}
		if m.Compositor.State() == compositor.Enabled {
			m.phase = phaseWaitFadeToTarget
		} else {
			m.phase = phaseRendererInitStart
		}
		return true

	case phaseWaitFadeToTarget:
		if m.current == On || m.current == Dim {
			m.phase = phaseEnterPowerOn
			return true
		}
		if !m.Brightness.Active() {
			level, duration := m.levelsFor(m.target)
			if err := m.Brightness.SetFade(brightness.FadeUnblank, level, duration); err != nil {
				mcelog.Warnf("dsm: unblank fade: %v", err)
			}
		}
		if !m.Brightness.Active() {
			m.phase = phaseEnterPowerOn
			return true
		}
		return false

	case phaseEnterPowerOn:
		m.commit(m.target)
		m.phase = phaseStayPowerOn
		return true

	case phaseStayPowerOn:
		if m.wantSet || m.reannounce {
			m.reannounce = false
			m.phase = phaseLeavePowerOn
			return true
		}
		return false

	case phaseLeavePowerOn:
		m.publishTransient(PowerDown)
		if m.needsPower(m.target) {
			m.phase = phaseRendererInitStart
			return true
		}
		m.precommitResumeLevel()
		if err := m.Brightness.SetFade(brightness.FadeBlank, 0, 250); err != nil {
			mcelog.Warnf("dsm: blank fade: %v", err)
		}
		m.phase = phaseWaitFadeToBlack
		return true

	case phaseWaitFadeToBlack:
		if !m.Brightness.Active() {
			m.phase = phaseRendererInitStop
			return true
		}
		return false

	case phaseRendererInitStop:
		if !m.needsRenderer(m.current) || !m.Compositor.Available() {
			m.phase = phaseEnterLogicalOff
			return true
		}
		m.Compositor.Request(context.Background(), false)
		m.phase = phaseRendererWaitStop
		return true

	case phaseRendererWaitStop:
		if m.Compositor.PendingDone() != nil {
			return false
		}
		if m.Compositor.State() == compositor.Disabled {
			m.phase = phaseInitSuspend
		} else {
			m.phase = phaseRendererInitStop
		}
		return true

	case phaseInitSuspend:
		level := suspend.Evaluate(m.fullOracleInputs())
		if level >= suspend.EARLY && !m.FB.Suspended() {
			if err := m.FB.PowerDown(); err != nil {
				mcelog.Warnf("dsm: fb power_down: %v", err)
			}
			m.armWatchdog(true)
			m.phase = phaseWaitSuspend
		} else {
			m.phase = phaseEnterLogicalOff
		}
		return true

	case phaseWaitSuspend:
		if m.FB.Suspended() {
			m.disarmWatchdog()
			m.phase = phaseEnterPowerOff
			return true
		}
		return false

	case phaseEnterPowerOff:
		m.commit(m.target)
		m.phase = phaseStayPowerOff
		return true

	case phaseStayPowerOff:
		level := suspend.Evaluate(m.fullOracleInputs())
		if level >= suspend.LATE {
			if m.Sensors != nil {
				m.Sensors.SetEnabled(false)
			}
			m.releaseWakelock()
		} else {
			m.acquireWakelock()
			if m.Sensors != nil {
				m.Sensors.SetEnabled(true)
			}
		}
		if m.wantSet || level < suspend.EARLY {
			m.phase = phaseLeavePowerOff
			return true
		}
		return false

	case phaseLeavePowerOff:
		m.publishTransient(PowerUp)
		m.acquireWakelock()
		level := suspend.Evaluate(m.fullOracleInputs())
		if m.needsPower(m.target) || level < suspend.EARLY {
			m.phase = phaseInitResume
		} else {
			m.phase = phaseEnterPowerOff
		}
		return true

	case phaseInitResume:
		if err := m.FB.PowerUp(); err != nil {
			mcelog.Warnf("dsm: fb power_up: %v", err)
		}
		m.armWatchdog(false)
		m.phase = phaseWaitResume
		return true

	case phaseWaitResume:
		if !m.FB.Suspended() {
			m.disarmWatchdog()
			if m.Brightness.Current() == 0 {
				_ = m.Brightness.SetFade(brightness.FadeDefault, 1, 1)
			}
			level, duration := m.levelsFor(m.target)
			if err := m.Brightness.SetFade(brightness.FadeUnblank, level, duration); err != nil {
				mcelog.Warnf("dsm: resume unblank fade: %v", err)
			}
			m.phase = phaseRendererInitStart
			return true
		}
		if !m.needsPower(m.target) {
			m.phase = phaseEnterLogicalOff
			return true
		}
		return false

	case phaseEnterLogicalOff:
		m.commit(m.target)
		m.phase = phaseStayLogicalOff
		return true

	case phaseStayLogicalOff:
		level := suspend.Evaluate(m.fullOracleInputs())
		if m.wantSet || level >= suspend.EARLY {
			m.phase = phaseLeaveLogicalOff
			return true
		}
		if m.reannounce && m.needsRenderer(m.current) && m.Compositor.Available() {
			m.reannounce = false
			m.phase = phaseRendererInitStop
			return true
		}
		return false

	case phaseLeaveLogicalOff:
		if m.wantSet {
			m.phase = phaseRendererInitStart
		} else {
			m.phase = phaseInitSuspend
		}
		return true
	}
	return false
}

func (m *Machine) commit(s DisplayState) {
	m.current = s
	m.wantSet = false
	m.publish(s)
}

func (m *Machine) publish(s DisplayState) {
	m.Published.Publish(s)
	collapsed := s.Collapsed()
	if collapsed == m.lastCollapsed {
		return
	}
	m.lastCollapsed = collapsed
	if m.DisplayStatusInd != nil {
		m.DisplayStatusInd(collapsed)
	}
}

func (m *Machine) publishTransient(s DisplayState) {
	m.Published.Publish(s)
}

// acquireWakelock cancels any pending linger release and marks the
// display wake-lock held (§5: "single reference per process; acquired at
// DSM rethink scheduling").
func (m *Machine) acquireWakelock() {
	if m.releaseTimer != nil {
		m.releaseTimer.Stop()
	}
	m.wakelockHeld = true
}

// releaseWakelock implements the literal one-second linger observed in
// original_source/modules/display.c's mdy_stm_release_wakelock: rather
// than unlocking immediately, a timed 1-second lock is taken in place of
// the direct unlock (which is present in the source only as a commented-
// out call).
func (m *Machine) releaseWakelock() {
	if !m.wakelockHeld || m.Clock == nil {
		return
	}
	const linger = time.Second
	if m.releaseTimer == nil {
		m.releaseTimer = m.Clock.NewTimer(linger)
	} else {
		m.releaseTimer.Reset(linger)
	}
}

func (m *Machine) releaseTimerChan() <-chan time.Time {
	if m.releaseTimer == nil {
		return nil
	}
	return m.releaseTimer.C()
}

func (m *Machine) completeWakelockRelease() {
	m.wakelockHeld = false
}

// WakelockHeld reports the display wake-lock's current state for
// diagnostics and tests; suspend.Inputs has no field for it.
func (m *Machine) WakelockHeld() bool { return m.wakelockHeld }

// armWatchdog starts the §4.3 1-second suspend/resume completion watchdog
// whenever FB.PowerDown/PowerUp is issued.
func (m *Machine) armWatchdog(suspending bool) {
	if m.Clock == nil {
		return
	}
	now := m.Clock.Now()
	d := fbgate.WatchdogDeadline(now).Sub(now)
	m.watchdogSuspending = suspending
	m.watchdogFired = false
	if m.watchdogTimer == nil {
		m.watchdogTimer = m.Clock.NewTimer(d)
	} else {
		m.watchdogTimer.Reset(d)
	}
}

// disarmWatchdog stops the watchdog and cancels its panic-LED pattern if
// it had already fired.
func (m *Machine) disarmWatchdog() {
	if m.watchdogTimer != nil {
		m.watchdogTimer.Stop()
	}
	if m.watchdogFired {
		m.FB.CancelWatchdog(m.watchdogSuspending)
		m.watchdogFired = false
	}
}

func (m *Machine) watchdogTimerChan() <-chan time.Time {
	if m.watchdogTimer == nil {
		return nil
	}
	return m.watchdogTimer.C()
}

func (m *Machine) fireWatchdog() {
	m.watchdogFired = true
	m.FB.FireWatchdog(m.watchdogSuspending)
}

func (m *Machine) fullOracleInputs() suspend.Inputs {
	var in suspend.Inputs
	if m.OracleInputs != nil {
		in = m.OracleInputs()
	}
	if m.Clock != nil {
		in.Now = m.Clock.Now()
	}
	switch m.Compositor.State() {
	case compositor.Disabled:
		in.CompositorUI = suspend.CompositorDisabled
	case compositor.Enabled:
		in.CompositorUI = suspend.CompositorEnabled
	case compositor.Error:
		in.CompositorUI = suspend.CompositorError
	default:
		in.CompositorUI = suspend.CompositorUnknown
	}
	return in
}

func (m *Machine) levelsFor(s DisplayState) (level, durationMs int) {
	if m.Levels != nil {
		return m.Levels(s)
	}
	max := m.Brightness.Max()
	switch s {
	case On:
		return max, 250
	case Dim:
		return brightness.DimLevel(max, max), 250
	case LPMOn:
		return brightness.DimLevel(max, max), 250
	default:
		return 0, 250
	}
}

// precommitResumeLevel computes the brightness level for the next stable
// target and writes it immediately while the panel is still blanked, so
// the first frame after the matching resume already has a valid level
// (§4.8 brightness coupling).
func (m *Machine) precommitResumeLevel() {
	level, _ := m.levelsFor(m.target)
	m.Brightness.Precommit(level)
}
