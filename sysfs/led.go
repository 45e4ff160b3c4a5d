package sysfs

import (
	"os"
	"strconv"
)

// LED is a minimal collab.LEDPatternEngine: each named pattern maps to a
// brightness sysfs node under /sys/class/leds, written 255/0 on
// activate/deactivate. Real devices typically drive a richer pattern
// daemon over the bus; this is the fallback used when none is configured.
type LED struct {
	dirs map[string]string
}

// NewLED builds an engine from a pattern-name to sysfs-directory mapping.
func NewLED(dirs map[string]string) *LED {
	return &LED{dirs: dirs}
}

func (l *LED) Activate(pattern string)   { l.write(pattern, 255) }
func (l *LED) Deactivate(pattern string) { l.write(pattern, 0) }

func (l *LED) write(pattern string, v int) {
	dir, ok := l.dirs[pattern]
	if !ok {
		return
	}
	_ = os.WriteFile(dir+"/brightness", []byte(strconv.Itoa(v)), 0o644)
}
