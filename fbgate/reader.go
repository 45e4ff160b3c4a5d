package fbgate

import (
	"fmt"
	"os"
)

// reader is the dedicated kernel-notification reader task (§4.3, §5 "the
// only true-parallel component"): two goroutines each block on a Read of
// one well-known path and push a one-byte event to a shared channel.
// Cancellation closes both files, unblocking the reads with an error,
// which is the async-cancel-with-EOF-fallback contract §9 requires be
// preserved.
type reader struct {
	wake, sleep *os.File
	events      chan byte
	done        chan struct{}
}

func newReader(wakePath, sleepPath string) (*reader, error) {
	wake, err := os.Open(wakePath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", wakePath, err)
	}
	sleep, err := os.Open(sleepPath)
	if err != nil {
		wake.Close()
		return nil, fmt.Errorf("open %s: %w", sleepPath, err)
	}
	r := &reader{
		wake:   wake,
		sleep:  sleep,
		events: make(chan byte, 4),
		done:   make(chan struct{}),
	}
	go r.watch(wake, 'W')
	go r.watch(sleep, 'S')
	return r, nil
}

func (r *reader) watch(f *os.File, event byte) {
	buf := make([]byte, 64)
	for {
		if _, err := f.Read(buf); err != nil {
			return
		}
		select {
		case r.events <- event:
		case <-r.done:
			return
		}
	}
}

func (r *reader) close() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
	r.wake.Close()
	r.sleep.Close()
}
