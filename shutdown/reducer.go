// Package shutdown implements the Shutdown/System-State Reducer (C9,
// §4.9): a monotonic latch set by any of the three shutdown bus signals
// or a system-state transition to SHUTDOWN/REBOOT, cleared only by
// re-entry to USER/ACTDEAD.
package shutdown

import "mced.dev/lifecycle"

// Signal identifies which of the three shutdown bus signals fired (§1,
// §6): normal, thermal, or battery-empty.
type Signal int

const (
	SignalNormal Signal = iota
	SignalThermal
	SignalBatteryEmpty
)

// FBHolder is the frame-buffer holder handle collaborator (§4.9, §4.3):
// opened when the latch is set, closed when it clears.
type FBHolder interface {
	Open() error
	Close() error
}

// Reducer owns the shutting-down latch (§3).
type Reducer struct {
	holder  FBHolder
	latched bool
	held    bool
}

func NewReducer(holder FBHolder) *Reducer {
	return &Reducer{holder: holder}
}

// Latched reports the current value of the shutting-down flag.
func (r *Reducer) Latched() bool { return r.latched }

// OnSystemState feeds a system-state transition into the reducer.
func (r *Reducer) OnSystemState(s lifecycle.SystemState) {
	switch s {
	case lifecycle.StateShutdown, lifecycle.StateReboot:
		r.set()
	case lifecycle.StateUser, lifecycle.StateActDead:
		r.clear()
	}
}

// OnShutdownSignal feeds one of the three shutdown bus signals into the
// reducer (§1, §6); the particular signal does not affect behaviour, all
// three set the same latch.
func (r *Reducer) OnShutdownSignal(Signal) {
	r.set()
}

func (r *Reducer) set() {
	r.latched = true
	if !r.held && r.holder != nil {
		if err := r.holder.Open(); err != nil {
			// Best-effort: the latch state itself is still authoritative
			// even if the holder handle could not be opened.
			return
		}
		r.held = true
	}
}

func (r *Reducer) clear() {
	r.latched = false
	if r.held && r.holder != nil {
		r.holder.Close()
		r.held = false
	}
}
