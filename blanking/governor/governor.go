// Package governor applies the §3 governor map — an ordered list of
// (path-pattern, content-text) pairs written on transitions between the
// DEFAULT and INTERACTIVE CPU scaling policies — restricted to paths
// under /sys/devices/system/cpu/.
package governor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Mode is the persisted cpu_scaling_governor setting (§6).
type Mode int

const (
	Unset Mode = iota
	Default
	Interactive
)

const sysCPUPrefix = "/sys/devices/system/cpu/"

// Entry is one (path, content) pair in the governor map.
type Entry struct {
	Path    string
	Content string
}

// Apply writes every entry's content to its path, skipping (and logging
// via the returned error, never aborting the process, §7 "Configuration"
// error class) any path that does not resolve under sysCPUPrefix or does
// not already exist as a regular file.
func Apply(entries []Entry) []error {
	var errs []error
	for _, e := range entries {
		if err := writeOne(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func writeOne(e Entry) error {
	clean := filepath.Clean(e.Path)
	if !strings.HasPrefix(clean, sysCPUPrefix) {
		return fmt.Errorf("governor: refusing to write outside %s: %s", sysCPUPrefix, e.Path)
	}
	info, err := os.Stat(clean)
	if err != nil {
		return fmt.Errorf("governor: stat %s: %w", clean, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("governor: %s is not a regular file", clean)
	}
	if err := os.WriteFile(clean, []byte(e.Content), 0); err != nil {
		return fmt.Errorf("governor: write %s: %w", clean, err)
	}
	return nil
}

// ForMode builds the governor map transition entries for switching every
// known CPU's scaling_governor to mode, by globbing
// /sys/devices/system/cpu/cpu*/cpufreq/scaling_governor.
func ForMode(mode Mode) ([]Entry, error) {
	if mode == Unset {
		return nil, nil
	}
	content := "interactive"
	if mode == Default {
		content = "ondemand"
	}
	paths, err := filepath.Glob(sysCPUPrefix + "cpu[0-9]*/cpufreq/scaling_governor")
	if err != nil {
		return nil, fmt.Errorf("governor: glob: %w", err)
	}
	entries := make([]Entry, 0, len(paths))
	for _, p := range paths {
		entries = append(entries, Entry{Path: p, Content: content})
	}
	return entries, nil
}
