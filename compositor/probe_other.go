//go:build !linux

package compositor

import "mced.dev/mcelog"

func ptraceProbe(pid int) (attached bool, err error) {
	mcelog.Once("compositor-ptrace", "compositor: ptrace probe unsupported on this platform, assuming no debugger attached")
	return false, nil
}

func sendSignal(pid int, sig Signal) error {
	mcelog.Once("compositor-signal", "compositor: signal delivery unsupported on this platform")
	return nil
}
