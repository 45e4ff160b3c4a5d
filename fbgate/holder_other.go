//go:build !linux

package fbgate

import "os/exec"

func setDetached(cmd *exec.Cmd) {}
