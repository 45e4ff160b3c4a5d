package main

import (
	"sync"
	"time"

	"mced.dev/blanking"
	"mced.dev/dsm"
	"mced.dev/lifecycle"
	"mced.dev/suspend"
)

// sharedState collects every externally-fed flag the DSM's request filter,
// the suspend oracle and the blanking timer set read on every
// re-evaluation (§4.5, §4.7). Call/alarm/notification/touch-lock policy is
// explicitly out of scope (spec §1 Non-goals: "touchscreen lock policy,
// call/alarm UI policy"); this struct only holds the flags those
// collaborators would set, defaulting to benign values, with setters ready
// for whichever bus signals or sockets a deployment wires them from.
type sharedState struct {
	mu sync.Mutex

	systemState  lifecycle.SystemState
	updateMode   bool
	bootupDone   bool
	moduleUnload bool

	proximityCovered bool
	touchLock        bool
	chargerOn        bool
	inhibit          blanking.InhibitMode

	callException bool
	ringing       bool
	handsetRoute  bool
	callState     suspend.CallState
	callChanged   time.Time

	alarmActive bool
	notifActive bool
}

func newSharedState() *sharedState {
	return &sharedState{systemState: lifecycle.StateUndef}
}

func (s *sharedState) setSystemState(v lifecycle.SystemState) {
	s.mu.Lock()
	s.systemState = v
	s.mu.Unlock()
}

func (s *sharedState) setUpdateMode(v bool) {
	s.mu.Lock()
	s.updateMode = v
	s.mu.Unlock()
}

func (s *sharedState) setBootupDone(v bool) {
	s.mu.Lock()
	s.bootupDone = v
	s.mu.Unlock()
}

func (s *sharedState) setProximityCovered(v bool) {
	s.mu.Lock()
	s.proximityCovered = v
	s.mu.Unlock()
}

func (s *sharedState) snapshot() sharedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s
}

// blockers implements dsm.Machine.Blockers.
func (s *sharedState) blockers() dsm.RequestBlockers {
	v := s.snapshot()
	return dsm.RequestBlockers{
		ProximityCovered:  v.proximityCovered,
		CallOrAlarmActive: v.callException || v.alarmActive,
		SystemStateIsUser: v.systemState == lifecycle.StateUser || v.systemState == lifecycle.StateActDead,
	}
}

// oracleInputs implements the non-Now, non-CompositorUI half of
// dsm.Machine.OracleInputs (the machine itself fills those two in).
func (s *sharedState) oracleInputs(policy suspend.PolicyMode, shuttingDown bool) suspend.Inputs {
	v := s.snapshot()
	return suspend.Inputs{
		Policy:                policy,
		Call:                  v.callState,
		CallStateChanged:      v.callChanged,
		AlarmRingingOrVisible: v.alarmActive,
		NotifOrLingerUI:       v.notifActive,
		SystemStateIsUser:     v.systemState == lifecycle.StateUser,
		BootupIncomplete:      !v.bootupDone,
		ShuttingDown:          shuttingDown,
		UpdateInProgress:      v.updateMode,
		ModuleUnloading:       v.moduleUnload,
		UpdateMode:            v.updateMode,
	}
}

// exceptions implements the blanking.Exceptions input for blanking.Set's
// arming evaluation.
func (s *sharedState) exceptions(pauseActive bool) blanking.Exceptions {
	v := s.snapshot()
	return blanking.Exceptions{
		UpdateMode:       v.updateMode,
		Inhibit:          v.inhibit,
		ChargerOn:        v.chargerOn,
		CallException:    v.callException,
		Ringing:          v.ringing,
		HandsetRoute:     v.handsetRoute,
		ProximityCovered: v.proximityCovered,
		TouchLock:        v.touchLock,
		PauseActive:      pauseActive,
	}
}
