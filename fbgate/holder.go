package fbgate

import (
	"fmt"
	"os"
	"os/exec"
	"time"
)

// FileBacked is implemented by backends that hold an inheritable file
// descriptor for the shutdown-grace holder to keep open (only
// IoctlBackend, on Linux; NoopBackend and HALFuncs have nothing to hand
// off and are not FileBacked).
type FileBacked interface {
	File() *os.File
}

// HolderEnv is the environment variable the detached holder process
// checks for on startup to know it should run HoldAndExit instead of the
// normal mced entry point (SpawnHolder sets it in the child's
// environment; cmd/mced's main checks it before dispatching to either
// role).
const HolderEnv = "MCED_FBGATE_HOLDER"

// MinGrace and MinSinceShutdown are the §4.3 grace-period floors: the
// holder keeps the frame-buffer device open for at least MinGrace after
// process exit, and at least MinSinceShutdown since shutdown start,
// whichever is later.
const (
	MinGrace        = 500 * time.Millisecond
	MinSinceShutdown = 6 * time.Second
)

// SpawnHolder forks a detached process that inherits fbFile (as fd 3) and
// keeps it open for the shutdown grace period before exiting. It is the
// mechanism behind "the process holds the frame-buffer device file open
// from shutdown start until a short grace ... after process exit" (§4.3).
//
// No process-detachment helper exists anywhere in the retrieval pack, so
// this is new code built directly on os/exec + a self-reexec convention
// (a named standard-library gap, recorded in DESIGN.md) rather than a
// third-party process-supervision library.
func SpawnHolder(fbFile *os.File, since time.Time) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("fbgate: resolve self for holder re-exec: %w", err)
	}
	grace := MinGrace
	if sinceShutdown := MinSinceShutdown - time.Since(since); sinceShutdown > grace {
		grace = sinceShutdown
	}

	cmd := exec.Command(self)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", HolderEnv, grace.String()))
	cmd.ExtraFiles = []*os.File{fbFile}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = os.Stderr
	setDetached(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("fbgate: spawn holder: %w", err)
	}
	return cmd.Process.Release()
}

// HoldAndExit is the detached holder's entire body: close everything
// except the inherited fb fd (3) and stderr, sleep the grace period, then
// exit. Called from cmd/mced's main when HolderEnv is set.
func HoldAndExit(grace time.Duration) {
	os.Stdin.Close()
	os.Stdout.Close()
	time.Sleep(grace)
	os.Exit(0)
}
