//go:build !linux

package brightness

import "mced.dev/mcelog"

func elevateScheduling() {
	mcelog.Once("sched-elevate", "brightness: real-time scheduling elevation not supported on this platform")
}

func restoreScheduling() {}
