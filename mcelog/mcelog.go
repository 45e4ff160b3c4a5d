// Package mcelog is a thin wrapper over the standard log package.
//
// mced follows the teacher's choice of never pulling in a structured
// logging library: every package logs through here so the process-wide
// flag trimming (no date/time prefix; the supervisor that restarts mced
// already timestamps its output) lives in one place.
package mcelog

import "log"

func init() {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))
}

func Infof(format string, args ...any) {
	log.Printf("I: "+format, args...)
}

func Warnf(format string, args ...any) {
	log.Printf("W: "+format, args...)
}

func Errorf(format string, args ...any) {
	log.Printf("E: "+format, args...)
}

// Once logs format/args a single time per process, keyed by key. It is
// used for degraded-mode warnings that would otherwise be emitted on every
// fade or rethink (e.g. real-time scheduling unavailable).
func Once(key string, format string, args ...any) {
	onceMu.Lock()
	defer onceMu.Unlock()
	if onceSeen[key] {
		return
	}
	onceSeen[key] = true
	log.Printf("W: "+format, args...)
}
