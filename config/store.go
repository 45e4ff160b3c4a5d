// Package config implements the persistent configuration store
// collaborator (§1, §6 "Persistent configuration keys"): a flat settings
// blob encoded with github.com/fxamacker/cbor/v2, the same library the
// teacher uses to serialize its output descriptors
// (bc/urtypes/urtypes.go), generalized here from tagged wallet structs to
// a plain map[string]any settings file. External rewrites of the file
// (e.g. by a separate settings UI) are picked up via fswatch rather than
// polling.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"mced.dev/fswatch"
	"mced.dev/mcelog"
)

// Store is the collab.ConfigStore implementation.
type Store struct {
	path string

	mu       sync.Mutex
	values   map[string]any
	watchers map[string][]func()

	watcher *fswatch.Watcher
}

// Open loads path if it exists (a missing file is treated as empty
// settings, not an error) and starts watching its directory for external
// rewrites.
func Open(path string) (*Store, error) {
	s := &Store{path: path, values: map[string]any{}, watchers: map[string][]func(){}}
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	w, err := fswatch.Open(dir, name)
	if err != nil {
		mcelog.Warnf("config: watch %s: %v", path, err)
		return s, nil
	}
	s.watcher = w
	go s.watchLoop()
	return s, nil
}

func (s *Store) watchLoop() {
	for ev := range s.watcher.Events {
		if !ev.Present {
			continue
		}
		if err := s.load(); err != nil {
			mcelog.Warnf("config: reload after external change: %v", err)
			continue
		}
		s.notifyAll()
	}
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	values := map[string]any{}
	if len(b) > 0 {
		if err := cbor.Unmarshal(b, &values); err != nil {
			return fmt.Errorf("config: decode %s: %w", s.path, err)
		}
	}
	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
	return nil
}

func (s *Store) save() error {
	s.mu.Lock()
	b, err := cbor.Marshal(s.values)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(s.path, b, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", s.path, err)
	}
	return nil
}

// Set persists value under key, then notifies key's watchers.
func (s *Store) Set(key string, value any) error {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	if err := s.save(); err != nil {
		return err
	}
	s.notify(key)
	return nil
}

func (s *Store) Int(key string) (int, bool) {
	v, ok := s.get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func (s *Store) Bool(key string) (bool, bool) {
	v, ok := s.get(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func (s *Store) String(key string) (string, bool) {
	v, ok := s.get(key)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

func (s *Store) IntList(key string) ([]int, bool) {
	v, ok := s.get(key)
	if !ok {
		return nil, false
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]int, 0, len(raw))
	for _, e := range raw {
		switch n := e.(type) {
		case int64:
			out = append(out, int(n))
		case uint64:
			out = append(out, int(n))
		default:
			return nil, false
		}
	}
	return out, true
}

func (s *Store) get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Watch registers fn to be invoked whenever key's value changes, whether
// by Set or by an externally-detected file rewrite. Watchers are never
// unregistered early; ctx is accepted to satisfy collab.ConfigStore and
// to bound future per-key cleanup, but this process-lifetime store has
// no need to drop watchers before exit.
func (s *Store) Watch(ctx context.Context, key string, fn func()) {
	s.mu.Lock()
	s.watchers[key] = append(s.watchers[key], fn)
	s.mu.Unlock()
}

func (s *Store) notify(key string) {
	s.mu.Lock()
	fns := append([]func(){}, s.watchers[key]...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *Store) notifyAll() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.watchers))
	for k := range s.watchers {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	for _, k := range keys {
		s.notify(k)
	}
}

// Close stops the background file watcher, if any.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}
