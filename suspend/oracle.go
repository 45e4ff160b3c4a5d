// Package suspend implements the Suspend Policy Oracle (C7, §4.7): a pure
// function from a small flag set to an allowed suspend level, kept free
// of I/O and goroutines per §9's design note ("the suspend oracle is pure
// over this set plus the configuration values — test it in isolation").
package suspend

import "time"

// Level is the allowed suspend level; ON < EARLY < LATE, where a lower
// level is more restrictive.
type Level int

const (
	ON Level = iota
	EARLY
	LATE
)

func (l Level) String() string {
	switch l {
	case ON:
		return "ON"
	case EARLY:
		return "EARLY"
	case LATE:
		return "LATE"
	default:
		return "?"
	}
}

// PolicyMode is the configured use_autosuspend value (§6).
type PolicyMode int

const (
	Enabled PolicyMode = iota
	Disabled
	EarlyOnly
)

// CallState enumerates the call exception states relevant to §4.7's
// blockers.
type CallState int

const (
	CallNone CallState = iota
	CallRinging
	CallActive
	CallOther
)

// CompositorUIState mirrors compositor.UIState without importing that
// package, keeping the oracle dependency-free; dsm maps the real enum
// onto this one.
type CompositorUIState int

const (
	CompositorUnknown CompositorUIState = iota
	CompositorDisabled
	CompositorEnabled
	CompositorError
)

// Inputs are every predicate §4.7 blocks LATE or EARLY on.
type Inputs struct {
	Policy PolicyMode

	Call             CallState
	CallStateChanged time.Time // zero if not recently changed
	Now              time.Time

	AlarmRingingOrVisible bool
	NotifOrLingerUI       bool

	SystemStateIsUser bool
	BootupIncomplete  bool // desktop-ready timer running, or init-done absent
	ShuttingDown      bool
	UpdateInProgress  bool

	ModuleUnloading bool
	UpdateMode      bool
	CompositorUI    CompositorUIState
}

// blockLate reports whether a blocker for the LATE level is active
// (§4.7, first bullet).
func (in Inputs) blockLate() bool {
	if in.Call == CallRinging {
		return true
	}
	if !in.CallStateChanged.IsZero() {
		var window time.Duration
		if in.Call == CallActive {
			window = 60 * time.Second
		} else {
			window = 5 * time.Second
		}
		if in.Now.Sub(in.CallStateChanged) < window {
			return true
		}
	}
	if in.AlarmRingingOrVisible {
		return true
	}
	if in.NotifOrLingerUI {
		return true
	}
	if !in.SystemStateIsUser {
		return true
	}
	if in.BootupIncomplete {
		return true
	}
	if in.ShuttingDown {
		return true
	}
	if in.UpdateInProgress {
		return true
	}
	return false
}

// blockEarly reports whether a blocker for the EARLY level is active
// (§4.7, second bullet).
func (in Inputs) blockEarly() bool {
	if in.ModuleUnloading {
		return true
	}
	if in.UpdateMode {
		return true
	}
	if in.CompositorUI != CompositorDisabled {
		return true
	}
	return false
}

// Evaluate computes allowed_level starting from LATE and applying the
// blockers: LATE if nothing blocks late; else EARLY if only late is
// blocked; else ON (§4.7).
func Evaluate(in Inputs) Level {
	var level Level
	switch {
	case !in.blockLate():
		level = LATE
	case !in.blockEarly():
		level = EARLY
	default:
		level = ON
	}

	switch in.Policy {
	case Disabled:
		if level > ON {
			level = ON
		}
	case EarlyOnly:
		if level > EARLY {
			level = EARLY
		}
	case Enabled:
		// no extra restriction
	}
	return level
}
