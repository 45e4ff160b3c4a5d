//go:build linux

package compositor

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// ptraceProbe attaches and immediately detaches to determine whether the
// compositor pid is already under a debugger (§4.6 step 2: "if the
// compositor is already being traced, skip the core-dump signal"). A
// failed PTRACE_ATTACH with EPERM most commonly means exactly that.
func ptraceProbe(pid int) (attached bool, err error) {
	attachErr := unix.PtraceAttach(pid)
	if attachErr == nil {
		// We attached successfully, meaning nothing else was tracing it.
		// Detach immediately and let the process continue.
		_ = unix.PtraceDetach(pid)
		return false, nil
	}
	if attachErr == unix.EPERM {
		return true, nil
	}
	if attachErr == unix.ESRCH {
		return false, fmt.Errorf("compositor: pid %d gone: %w", pid, attachErr)
	}
	return false, fmt.Errorf("compositor: ptrace attach pid %d: %w", pid, attachErr)
}

func sendSignal(pid int, sig Signal) error {
	var s syscall.Signal
	switch sig {
	case SIGXCPU:
		s = syscall.SIGXCPU
	case SIGCONT:
		s = syscall.SIGCONT
	case SIGKILL:
		s = syscall.SIGKILL
	default:
		return fmt.Errorf("compositor: unknown signal %d", sig)
	}
	return syscall.Kill(pid, s)
}
