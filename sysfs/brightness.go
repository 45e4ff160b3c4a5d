// Package sysfs implements the collab.BrightnessCurve sink against a
// Linux backlight class device: each read or write of
// /sys/class/backlight/<name>/{brightness,max_brightness} opens the
// attribute afresh with os.ReadFile/os.WriteFile; no file is kept open.
//
// No library in the retrieval pack addresses plain sysfs attribute I/O
// (periph's own sysfs package targets GPIO/SPI chardev ioctls, a
// different concern) — justified as a standard-library leaf in DESIGN.md.
package sysfs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Backlight is a collab.BrightnessCurve backed by one backlight class
// device directory.
type Backlight struct {
	dir string
	max int
}

// OpenBacklight opens the backlight device at dir (typically
// /sys/class/backlight/<name>) and probes its maximum level.
func OpenBacklight(dir string) (*Backlight, error) {
	b := &Backlight{dir: dir}
	max, err := b.readInt("max_brightness")
	if err != nil {
		return nil, fmt.Errorf("sysfs: probe max_brightness: %w", err)
	}
	b.max = max
	return b, nil
}

// MaxLevel implements collab.BrightnessCurve.
func (b *Backlight) MaxLevel() (int, error) { return b.max, nil }

// Set implements collab.BrightnessCurve.
func (b *Backlight) Set(level int) error {
	return b.writeInt("brightness", level)
}

func (b *Backlight) readInt(name string) (int, error) {
	data, err := os.ReadFile(b.dir + "/" + name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func (b *Backlight) writeInt(name string, v int) error {
	return os.WriteFile(b.dir+"/"+name, []byte(strconv.Itoa(v)), 0o644)
}
