//go:build linux

package brightness

import (
	"golang.org/x/sys/unix"

	"mced.dev/mcelog"
)

// fifoMidPriority is the mid-priority level within SCHED_FIFO's usual
// [1,99] range used while a brightness fade is armed.
const fifoMidPriority = 50

var priorSchedPolicy = -1

func elevateScheduling() {
	var param unix.SchedParam
	param.Priority = fifoMidPriority
	if err := unix.SchedSetscheduler(0, unix.SCHED_FIFO, &param); err != nil {
		// §9: "if the host runtime forbids real-time priority, degrade
		// silently (log once)".
		mcelog.Once("sched-elevate", "brightness: real-time scheduling unavailable, fades may stutter: %v", err)
		return
	}
	priorSchedPolicy = unix.SCHED_OTHER
}

func restoreScheduling() {
	if priorSchedPolicy < 0 {
		return
	}
	var param unix.SchedParam
	if err := unix.SchedSetscheduler(0, priorSchedPolicy, &param); err != nil {
		mcelog.Once("sched-restore", "brightness: failed to restore scheduling class: %v", err)
	}
	priorSchedPolicy = -1
}
