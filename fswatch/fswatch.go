// Package fswatch watches named entries of one directory with inotify for
// creation/deletion/modification and reports presence/content changes as
// Event values on the Watcher's Events channel. Its only user is
// config.Store (the settings file); the §6 flag files are not watched.
//
// Grounded on the teacher's inotify watcher
// (cmd/controller/platform_rpi.go: initSDCardNotifier), generalized from
// a single device-node watch to a set of file names in one directory.
// There is no fallback timer: when the directory does not exist, Open
// returns the os.Stat error.
package fswatch

import (
	"bytes"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"

	"mced.dev/mcelog"
)

// Event reports a change to one watched file: Present tells whether the
// file exists after the change; Content is its trimmed contents, read
// best-effort (absent for presence-only files).
type Event struct {
	Path    string
	Present bool
	Content string
}

// Watcher watches one directory's entries via inotify and emits Event
// values on Events for configured file names.
type Watcher struct {
	Events chan Event

	fd      int
	file    *os.File
	dir     string
	names   map[string]bool
}

// Open starts watching dir for creation/deletion/modification of the
// given file names. If dir cannot be stat'ed, Open returns nil and the
// os.Stat error (which matches os.ErrNotExist when dir is missing).
func Open(dir string, names ...string) (*Watcher, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fd), "inotify")
	flags := uint32(unix.IN_CREATE | unix.IN_DELETE | unix.IN_CLOSE_WRITE | unix.IN_MODIFY)
	if _, err := unix.InotifyAddWatch(fd, dir, flags); err != nil {
		f.Close()
		return nil, err
	}

	nameSet := make(map[string]bool, len(names))
	for _, n := range names {
		nameSet[n] = true
	}

	w := &Watcher{
		Events: make(chan Event, 16),
		fd:     fd,
		file:   f,
		dir:    dir,
		names:  nameSet,
	}

	for _, n := range names {
		w.Events <- w.readEvent(n)
	}

	go w.readLoop()
	return w, nil
}

func (w *Watcher) readEvent(name string) Event {
	path := filepath.Join(w.dir, name)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Event{Path: name, Present: false}
		}
		mcelog.Warnf("fswatch: read %s: %v", path, err)
		return Event{Path: name, Present: true}
	}
	return Event{Path: name, Present: true, Content: string(bytes.TrimSpace(b))}
}

// readLoop is the dedicated reader task (same shape as
// driver/wshat.Open's per-button goroutines): block on Read, decode
// kernel inotify events, forward the ones we care about.
func (w *Watcher) readLoop() {
	defer w.file.Close()
	var buf [(unix.SizeofInotifyEvent + unix.PathMax + 1) * 32]byte
	for {
		n, err := w.file.Read(buf[:])
		if err != nil {
			return
		}
		evts := buf[:n]
		for len(evts) > 0 {
			evt := (*unix.InotifyEvent)(unsafe.Pointer(&evts[0]))
			evts = evts[unix.SizeofInotifyEvent:]
			var name string
			if evt.Len > 0 {
				nameb := evts[:evt.Len-1]
				evts = evts[evt.Len:]
				nameb = bytes.TrimRight(nameb, "\x00")
				name = string(nameb)
			}
			if name != "" && w.names[name] {
				w.Events <- w.readEvent(name)
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.file.Close()
}
