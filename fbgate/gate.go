// Package fbgate implements the Frame-Buffer Power Gate (C3, §4.3):
// sleep/wake the panel, and observe kernel sleep/wake completion through
// a dedicated reader task.
//
// The reader-task shape — block on a kernel notification path, push a
// one-byte event to a channel read by the single-threaded scheduler, and
// be cancellable via closing the underlying file descriptor — is
// grounded on the teacher's driver/wshat.Open, which spawns one goroutine
// per GPIO pin that blocks on WaitForEdge and feeds gui.ButtonEvent to a
// shared channel; here it is generalized from GPIO edges to the two
// well-known /sys/power/wait_for_fb_{wake,sleep} paths (§6).
package fbgate

import (
	"fmt"
	"time"

	"mced.dev/collab"
	"mced.dev/mcelog"
)

// Backend performs the actual panel power transition. Exactly one is
// passed to Open; cmd/mced picks it from the -fb-device flag (empty
// selects NoopBackend).
type Backend interface {
	PowerUp() error
	PowerDown() error
}

// watchdogTimeout is the §4.3 1-second completion watchdog.
const watchdogTimeout = time.Second

// Gate is the §4.3 frame-buffer power gate.
type Gate struct {
	backend Backend
	led     collab.LEDPatternEngine

	reader *reader // nil selects synchronous operation (§4.3)

	suspended bool
}

// Open selects backend and, when the kernel notification paths are
// available, starts the asynchronous reader task. When wakePath or
// sleepPath cannot be opened, the gate runs synchronously (e.g. on
// platforms where the compositor owns panel power and NoopBackend is used).
func Open(backend Backend, led collab.LEDPatternEngine, wakePath, sleepPath string) (*Gate, error) {
	g := &Gate{backend: backend, led: led}
	r, err := newReader(wakePath, sleepPath)
	if err != nil {
		mcelog.Warnf("fbgate: kernel notification reader unavailable, operating synchronously: %v", err)
		g.reader = nil
		return g, nil
	}
	g.reader = r
	return g, nil
}

// Close tears down the reader task, if any.
func (g *Gate) Close() {
	if g.reader != nil {
		g.reader.close()
	}
}

// Suspended reports the last-observed suspend/awake fact.
func (g *Gate) Suspended() bool { return g.suspended }

// Events exposes the reader task's event channel for the DSM's select
// loop; nil when operating synchronously.
func (g *Gate) Events() <-chan byte {
	if g.reader == nil {
		return nil
	}
	return g.reader.events
}

// Observe applies a raw 'W'/'S' byte read from Events to the gate's
// suspended fact — "the last byte read determines current
// suspended/awake fact" (§4.3).
func (g *Gate) Observe(b byte) {
	switch b {
	case 'S':
		g.suspended = true
	case 'W':
		g.suspended = false
	}
}

// PowerDown suspends the panel. When operating synchronously the ioctl/
// HAL call is assumed to complete the transition and the fact is updated
// inline; otherwise completion is observed asynchronously via Events, and
// the caller is responsible for driving the watchdog (WatchdogDeadline).
func (g *Gate) PowerDown() error {
	if err := g.backend.PowerDown(); err != nil {
		return fmt.Errorf("fbgate: power_down: %w", err)
	}
	if g.reader == nil {
		g.suspended = true
	}
	return nil
}

// PowerUp wakes the panel; see PowerDown for the synchronous/async split.
func (g *Gate) PowerUp() error {
	if err := g.backend.PowerUp(); err != nil {
		return fmt.Errorf("fbgate: power_up: %w", err)
	}
	if g.reader == nil {
		g.suspended = false
	}
	return nil
}

// Synchronous reports whether the gate has no reader task and therefore
// completes transitions inline.
func (g *Gate) Synchronous() bool { return g.reader == nil }

// WatchdogDeadline returns the time at which, if completion of an
// in-flight transition has not been observed, the caller should activate
// the panic-LED pattern named by LEDPattern.
func WatchdogDeadline(started time.Time) time.Time {
	return started.Add(watchdogTimeout)
}

// LEDPattern returns the distinct panic-LED pattern name for a suspend
// vs. resume watchdog timeout (§4.3).
func LEDPattern(suspending bool) string {
	if suspending {
		return "fb-suspend-timeout"
	}
	return "fb-resume-timeout"
}

// FireWatchdog activates the appropriate panic-LED pattern.
func (g *Gate) FireWatchdog(suspending bool) {
	if g.led == nil {
		return
	}
	g.led.Activate(LEDPattern(suspending))
}

// CancelWatchdog deactivates the panic-LED pattern once completion is
// observed.
func (g *Gate) CancelWatchdog(suspending bool) {
	if g.led == nil {
		return
	}
	g.led.Deactivate(LEDPattern(suspending))
}
