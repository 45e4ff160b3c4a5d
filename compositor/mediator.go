// Package compositor implements the Compositor Mediator (C6, §4.6): an
// asynchronous setUpdatesEnabled remote call with escalating liveness
// enforcement (panic-LED -> core-dump signal -> kill -> verify).
package compositor

import (
	"context"
	"time"

	"mced.dev/collab"
	"mced.dev/internal/clock"
	"mced.dev/mcelog"
)

// UIState is the compositor's tracked updates-enabled state (§4.6).
type UIState int

const (
	Unknown UIState = iota
	Disabled
	Enabled
	Error
)

func (s UIState) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Enabled:
		return "enabled"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// stage is the liveness-escalation chain position (§4.6).
type stage int

const (
	stageIdle stage = iota
	stageWaitingReply
	stagePanicLED
	stageCoreDump
	stageKill
	stageVerify
)

// Config tunes the escalation chain (§6 persistent configuration, §5
// timeouts).
type Config struct {
	MethodCallTimeout time.Duration // 120s: deliberately generous (§5)
	PanicLEDRampStart time.Duration // 15s initial
	PanicLEDRampFloor time.Duration // 1.5s floor
	PanicLEDRampDecay float64       // x0.75 per incident
	CoreDumpDelay     time.Duration // default 30s; 0 disables core-dump step
	KillDelay         time.Duration // 25s after core-dump step
	VerifyDelay       time.Duration // 5s after kill
}

// DefaultConfig matches §4.6's stated defaults.
func DefaultConfig() Config {
	return Config{
		MethodCallTimeout: 120 * time.Second,
		PanicLEDRampStart: 15 * time.Second,
		PanicLEDRampFloor: 1500 * time.Millisecond,
		PanicLEDRampDecay: 0.75,
		CoreDumpDelay:     30 * time.Second,
		KillDelay:         25 * time.Second,
		VerifyDelay:       5 * time.Second,
	}
}

// PidLookup is the best-effort, possibly-not-yet-resolved compositor pid
// source (§4.6: "Pid lookup is asynchronous and may not have resolved at
// step 2/3; steps tolerate pid = unknown and skip").
type PidLookup func() (pid int, ok bool)

// Mediator is the §4.6 compositor mediator.
type Mediator struct {
	Transport collab.Transport
	LED       collab.LEDPatternEngine
	Clock     clock.Clock
	Pid       PidLookup
	Config    Config

	Service, Path, Iface string

	// Probe reports whether a debugger is already attached to the
	// compositor, via a PTRACE_ATTACH/PTRACE_DETACH probe (§4.6 step 2).
	// Overridable for tests.
	Probe func(pid int) (attached bool, err error)
	// Signal sends sig to pid. Overridable for tests.
	Signal func(pid int, sig Signal) error

	pending   collab.PendingCall
	state     UIState
	requested bool // the last requested boolean, valid while waiting
	available bool

	st    stage
	ramp  time.Duration
	timer clock.Timer

	// requestedAt anchors the core-dump/kill/verify escalation chain to
	// the original Request() call (§4.6, original_source
	// mdy_compositor_schedule_killer): each step's deadline is computed
	// from this timestamp, not from when the previous step actually
	// fired, so the chain runs independently of the panic-LED ramp timer.
	requestedAt        time.Time
	coreDumpAt, killAt time.Time
	verifyAt           time.Time
}

// Signal abstracts the OS signal values §4.6 sends (SIGXCPU+SIGCONT, then
// SIGKILL) without importing syscall into the platform-independent parts
// of this package.
type Signal int

const (
	SIGXCPU Signal = iota
	SIGCONT
	SIGKILL
)

// New constructs a Mediator wired to a real collab.Transport. It tracks
// the compositor's bus-name ownership so callers can cheaply test
// Available() without issuing a fresh NameHasOwner round-trip per rethink
// (§4.8: "RENDERER_INIT_START -> WAIT_FADE_TO_TARGET if compositor
// unavailable").
func New(transport collab.Transport, led collab.LEDPatternEngine, clk clock.Clock, pid PidLookup, service, path, iface string, cfg Config) *Mediator {
	m := &Mediator{
		Transport: transport,
		LED:       led,
		Clock:     clk,
		Pid:       pid,
		Config:    cfg,
		Service:   service,
		Path:      path,
		Iface:     iface,
		Probe:     ptraceProbe,
		Signal:    sendSignal,
		ramp:      cfg.PanicLEDRampStart,
	}
	if transport != nil {
		transport.WatchNameOwner(service, func(present bool) {
			m.available = present
			if !present {
				m.state = Unknown
				m.cancelEscalation()
			}
		})
	}
	return m
}

// State returns the tracked UI state.
func (m *Mediator) State() UIState { return m.state }

// Available reports whether the compositor currently owns its bus name.
func (m *Mediator) Available() bool { return m.available }

// Request starts an asynchronous setUpdatesEnabled(enabled) call,
// cancelling any pending call it supersedes (§4.6).
func (m *Mediator) Request(ctx context.Context, enabled bool) {
	if m.pending != nil {
		m.pending.Cancel()
	}
	m.requested = enabled
	m.requestedAt = m.Clock.Now()
	m.scheduleChain()
	m.pending = m.Transport.CallAsync(ctx, m.Service, m.Path, m.Iface, "setUpdatesEnabled", enabled)
	m.enterStage(stageWaitingReply)
}

// PollReply is called when PendingDone fires. If the pending call has
// completed, it consumes the reply, cancels the escalation chain and sets
// State to Enabled or Disabled (or Error when the call failed); otherwise
// it does nothing. The escalation timer is handled by Tick.
func (m *Mediator) PollReply() {
	if m.pending == nil {
		return
	}
	select {
	case <-m.pending.Done():
	default:
		return
	}
	err := m.pending.Err()
	m.pending = nil
	m.cancelEscalation()
	if err != nil {
		mcelog.Warnf("compositor: setUpdatesEnabled error: %v", err)
		m.state = Error
		return
	}
	if m.requested {
		m.state = Enabled
	} else {
		m.state = Disabled
	}
	// A successful ack shortens the next incident's panic-LED ramp delay
	// back toward the floor only via explicit incidents (§4.6); a clean
	// ack does not itself decay the ramp.
}

// PendingDone exposes the in-flight call's reply channel for the caller's
// select loop; nil when no call is outstanding.
func (m *Mediator) PendingDone() <-chan struct{} {
	if m.pending == nil {
		return nil
	}
	return m.pending.Done()
}

// TimerChan exposes the escalation timer's channel for the caller's
// select loop.
func (m *Mediator) TimerChan() <-chan time.Time {
	if m.timer == nil {
		return nil
	}
	return m.timer.C()
}

// Tick advances the escalation chain; call it when TimerChan fires.
func (m *Mediator) Tick() {
	switch m.st {
	case stageWaitingReply:
		m.enterStage(stagePanicLED)
	case stagePanicLED:
		if m.Config.CoreDumpDelay <= 0 {
			// Core-dump step disabled; go straight to kill.
			m.enterStage(stageKill)
			return
		}
		m.enterStage(stageCoreDump)
	case stageCoreDump:
		m.enterStage(stageKill)
	case stageKill:
		m.enterStage(stageVerify)
	case stageVerify:
		m.verify()
	}
}

func (m *Mediator) enterStage(next stage) {
	m.st = next
	switch next {
	case stageWaitingReply:
		m.arm(m.ramp)
	case stagePanicLED:
		pattern := blankFailPattern(!m.requested)
		if m.LED != nil {
			m.LED.Activate(pattern)
		}
		mcelog.Warnf("compositor: no reply after %s, panic LED %q active", m.ramp, pattern)
		m.ramp = decayRamp(m.ramp, m.Config.PanicLEDRampDecay, m.Config.PanicLEDRampFloor)
		m.armUntil(m.nextChainDeadline())
	case stageCoreDump:
		m.attemptCoreDump()
		m.armUntil(m.killAt)
	case stageKill:
		m.attemptKill()
		m.armUntil(m.verifyAt)
	case stageVerify:
		m.verify()
	}
}

// scheduleChain computes the core-dump/kill/verify deadlines once, at
// Request() time, so they stay fixed relative to requestedAt regardless of
// how long the panic-LED ramp takes to fire.
func (m *Mediator) scheduleChain() {
	if m.Config.CoreDumpDelay > 0 {
		m.coreDumpAt = m.requestedAt.Add(m.Config.CoreDumpDelay)
		m.killAt = m.coreDumpAt.Add(m.Config.KillDelay)
	} else {
		m.coreDumpAt = time.Time{}
		m.killAt = m.requestedAt.Add(m.Config.KillDelay)
	}
	m.verifyAt = m.killAt.Add(m.Config.VerifyDelay)
}

// nextChainDeadline is the deadline for the step following the panic-LED
// stage: core-dump if enabled, kill otherwise.
func (m *Mediator) nextChainDeadline() time.Time {
	if m.Config.CoreDumpDelay > 0 {
		return m.coreDumpAt
	}
	return m.killAt
}

// armUntil arms the escalation timer for the time remaining until deadline,
// per the current clock.
func (m *Mediator) armUntil(deadline time.Time) {
	m.arm(deadline.Sub(m.Clock.Now()))
}

func (m *Mediator) attemptCoreDump() {
	pid, ok := m.pidOrUnknown()
	if !ok {
		return
	}
	attached, err := m.Probe(pid)
	if err != nil {
		mcelog.Warnf("compositor: ptrace probe pid %d: %v", pid, err)
		return
	}
	if attached {
		mcelog.Infof("compositor: debugger already attached to pid %d, skipping core-dump signal", pid)
		return
	}
	if err := m.Signal(pid, SIGXCPU); err != nil {
		mcelog.Warnf("compositor: SIGXCPU pid %d: %v", pid, err)
		return
	}
	_ = m.Signal(pid, SIGCONT)
}

func (m *Mediator) attemptKill() {
	pid, ok := m.pidOrUnknown()
	if !ok {
		return
	}
	if m.LED != nil {
		m.LED.Activate("compositor-kill-in-progress")
	}
	if err := m.Signal(pid, SIGKILL); err != nil {
		mcelog.Warnf("compositor: SIGKILL pid %d: %v", pid, err)
	}
}

func (m *Mediator) verify() {
	exists := false
	if pid, ok := m.pidOrUnknown(); ok {
		if present, err := m.Transport.NameHasOwner(m.Service); err == nil {
			exists = present
		} else {
			_ = pid
		}
	}
	if m.LED != nil {
		m.LED.Deactivate("compositor-kill-in-progress")
	}
	if !exists {
		m.state = Error
		m.st = stageIdle
		m.cancelEscalation()
	}
}

func (m *Mediator) pidOrUnknown() (int, bool) {
	if m.Pid == nil {
		return 0, false
	}
	return m.Pid()
}

func (m *Mediator) arm(d time.Duration) {
	if d <= 0 {
		d = time.Nanosecond
	}
	if m.timer == nil {
		m.timer = m.Clock.NewTimer(d)
	} else {
		m.timer.Reset(d)
	}
}

func (m *Mediator) cancelEscalation() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.st = stageIdle
	if m.LED != nil {
		m.LED.Deactivate(blankFailPattern(true))
		m.LED.Deactivate(blankFailPattern(false))
	}
}

func blankFailPattern(blanking bool) string {
	if blanking {
		return "blank-failed"
	}
	return "unblank-failed"
}

func decayRamp(cur time.Duration, decay float64, floor time.Duration) time.Duration {
	next := time.Duration(float64(cur) * decay)
	if next < floor {
		next = floor
	}
	return next
}

