package brightness

import "sync"

// schedElevator ref-counts real-time scheduling elevation across
// overlapping fades (§4.4 step 5, §5 "shared resources"): the process is
// elevated to a real-time FIFO class at mid-priority while any fade timer
// is armed, and restored once the last one drops. Platform-specific
// elevate/restore hooks live in sched_linux.go / sched_other.go,
// following the teacher's build-tag split for platform backends
// (lcd.go/lcd_linux.go, host/fs/fs_linux.go/fs_other.go in the periph
// packages).
type schedElevator struct {
	mu    sync.Mutex
	count int
}

func (s *schedElevator) acquire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	if s.count == 1 {
		elevateScheduling()
	}
}

func (s *schedElevator) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return
	}
	s.count--
	if s.count == 0 {
		restoreScheduling()
	}
}
