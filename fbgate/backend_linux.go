//go:build linux

package fbgate

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Linux framebuffer ioctl constants (linux/fb.h), following the same
// direct-ioctl convention as google-periph's host/fs ioctl helpers
// (ioctl.go / ioctl_mips_like.go): a raw syscall number plus an integer
// argument, no generated cgo bindings.
const (
	fbioblank        = 0x4611
	fbBlankUnblank   = 0
	fbBlankPowerdown = 4
)

// IoctlBackend drives the panel directly via FBIOBLANK (§4.3 backend (a)).
type IoctlBackend struct {
	f *os.File
}

// OpenIoctlBackend opens the framebuffer device node for ioctl use. The
// returned file is also the handle kept open across shutdown by the
// holder process (§4.3).
func OpenIoctlBackend(devicePath string) (*IoctlBackend, error) {
	f, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("fbgate: open %s: %w", devicePath, err)
	}
	return &IoctlBackend{f: f}, nil
}

func (b *IoctlBackend) Close() error { return b.f.Close() }

// File exposes the underlying descriptor so the shutdown-grace holder can
// inherit it into a detached process (§4.3).
func (b *IoctlBackend) File() *os.File { return b.f }

func (b *IoctlBackend) PowerUp() error {
	return b.ioctl(fbBlankUnblank)
}

func (b *IoctlBackend) PowerDown() error {
	return b.ioctl(fbBlankPowerdown)
}

func (b *IoctlBackend) ioctl(arg uintptr) error {
	if err := unix.IoctlSetInt(int(b.f.Fd()), fbioblank, int(arg)); err != nil {
		return fmt.Errorf("fbgate: FBIOBLANK(%d): %w", arg, err)
	}
	return nil
}
