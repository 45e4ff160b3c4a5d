// Package blanking implements the Blanking Timer Set (C5, §4.5):
// inactivity-driven dim/blank/LPM timers, adaptive dimming, and
// blanking-pause periods.
//
// The single-reusable-timer idiom (Stop and Reset instead of
// allocating a fresh timer per re-arm) is grounded on the teacher's
// Events(deadline) loop in cmd/controller/platform_rpi.go, which keeps
// exactly one *time.Timer alive across the process lifetime and resets
// it on every iteration.
package blanking

import (
	"time"

	"mced.dev/internal/clock"
)

// InhibitMode is the persisted inhibit_blank_mode setting (§6).
type InhibitMode int

const (
	InhibitOff InhibitMode = iota
	InhibitStayOnWithCharger
	InhibitStayDimWithCharger
	InhibitStayOn
	InhibitStayDim
)

// Exceptions is the small flag set driving §4.5's arming policy — the
// "exception-state masks and call-state flags" §9 calls out as suited to
// a pure evaluation.
type Exceptions struct {
	UpdateMode    bool
	Inhibit       InhibitMode
	ChargerOn     bool
	CallException bool
	Ringing       bool
	HandsetRoute  bool
	ProximityCovered bool
	TouchLock     bool
	PauseActive   bool
}

// Armed are the timers that should be armed for the current display state
// and Exceptions, per the §4.5 precedence list.
type Armed struct {
	Dim bool
	Off bool
	// The off timer's destination (OFF or LPM_ON) is not part of Armed;
	// the caller chooses it when the timer fires (cmd/mced's
	// blanker.offTarget).
}

// EvaluateOnArming implements §4.5 items 1-9 for display == ON.
func EvaluateOnArming(ex Exceptions) Armed {
	switch {
	case ex.UpdateMode:
		return Armed{}
	case ex.Inhibit == InhibitStayOn:
		return Armed{}
	case ex.Inhibit == InhibitStayOnWithCharger && ex.ChargerOn:
		return Armed{}
	case ex.CallException && ex.Ringing:
		return Armed{}
	case ex.CallException && ex.HandsetRoute && ex.ProximityCovered:
		return Armed{}
	case ex.CallException:
		return Armed{Dim: true}
	case ex.TouchLock:
		return Armed{Off: true}
	case ex.PauseActive:
		return Armed{}
	default:
		return Armed{Dim: true}
	}
}

// EvaluateDimArming implements §4.5's DIM-state rule: STAY_DIM (± charger)
// or an active blanking pause suppresses the OFF timer.
func EvaluateDimArming(ex Exceptions) Armed {
	stayDim := ex.Inhibit == InhibitStayDim ||
		(ex.Inhibit == InhibitStayDimWithCharger && ex.ChargerOn)
	if stayDim || ex.PauseActive {
		return Armed{}
	}
	return Armed{Off: true}
}

// DimIndex walks the configured dim_timeout_list on every activity event
// while the adaptive timer is armed (§4.5 "Adaptive dimming").
type DimIndex struct {
	Timeouts     []int // seconds, progressively longer
	idx          int
	lastActivity time.Time
}

// NewDimIndex starts at the first (shortest) configured timeout.
func NewDimIndex(timeouts []int) *DimIndex {
	return &DimIndex{Timeouts: timeouts}
}

// Current returns the dim timeout (seconds) for the current walk
// position, or fallback if no list is configured.
func (d *DimIndex) Current(fallback int) int {
	if len(d.Timeouts) == 0 {
		return fallback
	}
	return d.Timeouts[d.idx]
}

// Activity advances the walk, never past the last configured entry
// (§8 boundary: "Adaptive-dim walks at most to the last entry"). The
// first activity, or one more than adaptivePeriod after the previous one,
// restarts the walk at the first entry instead.
func (d *DimIndex) Activity(now time.Time, adaptivePeriod time.Duration) {
	if len(d.Timeouts) == 0 {
		return
	}
	if d.lastActivity.IsZero() || now.Sub(d.lastActivity) > adaptivePeriod {
		d.idx = 0
	} else if d.idx < len(d.Timeouts)-1 {
		d.idx++
	}
	d.lastActivity = now
}

// PauseSet is the bounded blanking-pause client set (§3): while
// non-empty, dim/off timers are inhibited for at most pause-period
// seconds, after which all clients are evicted.
type PauseSet struct {
	clients map[string]struct{}
	deadline time.Time
}

const maxPauseClients = 5

// NewPauseSet creates an empty pause set.
func NewPauseSet() *PauseSet {
	return &PauseSet{clients: make(map[string]struct{})}
}

// Add registers owner as a pause client, (re)starting the pause-period
// deadline. Idempotent: adding the same owner N times has the same
// effect as adding it once (§8 round-trip property).
func (p *PauseSet) Add(owner string, now time.Time, pausePeriod time.Duration) {
	if _, ok := p.clients[owner]; !ok && len(p.clients) >= maxPauseClients {
		return
	}
	p.clients[owner] = struct{}{}
	p.deadline = now.Add(pausePeriod)
}

// Remove drops owner; a non-existent client is a no-op (§7: "blanking-
// pause for non-existent client" is accepted as a no-op).
func (p *PauseSet) Remove(owner string) {
	delete(p.clients, owner)
}

// Active reports whether the pause set is non-empty and has not expired.
func (p *PauseSet) Active(now time.Time) bool {
	if len(p.clients) == 0 {
		return false
	}
	return now.Before(p.deadline)
}

// Expire evicts every client once the pause-period deadline has passed
// (§4.5 PAUSE timer expiry).
func (p *PauseSet) Expire(now time.Time) {
	if !now.Before(p.deadline) {
		for k := range p.clients {
			delete(p.clients, k)
		}
	}
}

// Set is the reusable-timer set itself: at most one of DIM/OFF/LPMOff/
// Pause/Adaptive is armed at a time per category, each backed by the same
// reset-in-place *clock.Timer idiom the teacher uses for its frame
// deadline.
type Set struct {
	clock clock.Clock
	timer clock.Timer
	kind  string
}

// NewSet creates an empty timer set.
func NewSet(clk clock.Clock) *Set {
	return &Set{clock: clk}
}

// Arm (re)starts the set's single timer for duration, tagged with kind
// (one of "dim", "off", "lpm-off", "pause") so the firing handler knows
// which logical timer expired. Re-evaluation always disarms before
// re-arming (§4.5: "re-evaluated on every triggering input ... Timers are
// cancelled on every re-evaluation before re-arming", §5).
func (s *Set) Arm(kind string, d time.Duration) {
	s.Disarm()
	s.kind = kind
	if s.timer == nil {
		s.timer = s.clock.NewTimer(d)
	} else {
		s.timer.Reset(d)
	}
}

// Disarm cancels any pending timer.
func (s *Set) Disarm() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.kind = ""
}

// Kind returns the tag passed to the most recent Arm, or "" if disarmed.
func (s *Set) Kind() string { return s.kind }

// C exposes the timer channel for the DSM's select loop.
func (s *Set) C() <-chan time.Time {
	if s.timer == nil {
		return nil
	}
	return s.timer.C()
}
