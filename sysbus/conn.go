// Package sysbus is the one concrete collab.Transport: a system D-Bus
// connection via github.com/godbus/dbus/v5, matching the way the
// inhibit-lock reference client in the retrieval pack drives the same
// library (dbus.SystemBus, conn.Object, conn.Signal/RemoveSignal).
package sysbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"mced.dev/collab"
	"mced.dev/mcelog"
)

// Conn is the godbus-backed collab.Transport.
type Conn struct {
	bus *dbus.Conn

	mu        sync.Mutex
	subs      map[string][]subscription // keyed by iface+"."+member
	sigCh     chan *dbus.Signal
	closeOnce sync.Once
	done      chan struct{}

	nameMu  sync.Mutex
	watches map[string][]func(bool)
}

type subscription struct {
	id int
	ch chan<- collab.Signal
}

// System connects to the system bus, the bus mced's collaborators run on.
func System() (*Conn, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("sysbus: connect system bus: %w", err)
	}
	return newConn(bus), nil
}

func newConn(bus *dbus.Conn) *Conn {
	c := &Conn{
		bus:     bus,
		subs:    make(map[string][]subscription),
		sigCh:   make(chan *dbus.Signal, 32),
		done:    make(chan struct{}),
		watches: make(map[string][]func(bool)),
	}
	bus.Signal(c.sigCh)
	go c.dispatchLoop()
	return c
}

func (c *Conn) dispatchLoop() {
	for {
		select {
		case <-c.done:
			return
		case s := <-c.sigCh:
			if s == nil {
				continue
			}
			c.dispatch(s)
		}
	}
}

func (c *Conn) dispatch(s *dbus.Signal) {
	if s.Name == "org.freedesktop.DBus.NameOwnerChanged" && len(s.Body) == 3 {
		name, _ := s.Body[0].(string)
		newOwner, _ := s.Body[2].(string)
		c.nameMu.Lock()
		fns := append([]func(bool){}, c.watches[name]...)
		c.nameMu.Unlock()
		present := newOwner != ""
		for _, fn := range fns {
			fn(present)
		}
		return
	}

	key := s.Name
	c.mu.Lock()
	targets := append([]subscription{}, c.subs[key]...)
	c.mu.Unlock()
	for _, t := range targets {
		select {
		case t.ch <- collab.Signal{Sender: s.Sender, Path: string(s.Path), Name: s.Name, Body: s.Body}:
		default:
			mcelog.Warnf("sysbus: dropped signal %s, subscriber channel full", s.Name)
		}
	}
}

// CallAsync implements collab.Transport.
func (c *Conn) CallAsync(ctx context.Context, dest, path, iface, method string, args ...any) collab.PendingCall {
	call := &pendingCall{done: make(chan struct{}), cancelled: make(chan struct{})}
	obj := c.bus.Object(dest, dbus.ObjectPath(path))
	goCall := obj.GoWithContext(ctx, iface+"."+method, 0, nil, args...)
	go func() {
		select {
		case ret := <-goCall.Done:
			call.finish(ret)
		case <-call.cancelled:
			// Drain the reply so the underlying call object is released,
			// but do not surface it (§5: cancellation is client-side only).
			<-goCall.Done
		}
	}()
	return call
}

type pendingCall struct {
	mu        sync.Mutex
	done      chan struct{}
	cancelled chan struct{}
	finished  bool
	err       error
	call      *dbus.Call
}

func (p *pendingCall) finish(call *dbus.Call) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	p.call = call
	p.err = call.Err
	close(p.done)
}

func (p *pendingCall) Done() <-chan struct{} { return p.done }

func (p *pendingCall) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *pendingCall) Store(dest ...any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.call == nil {
		return fmt.Errorf("sysbus: store called before reply arrived")
	}
	return p.call.Store(dest...)
}

func (p *pendingCall) Cancel() {
	p.mu.Lock()
	if p.cancelled == nil {
		p.cancelled = make(chan struct{})
	}
	ch := p.cancelled
	p.mu.Unlock()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Subscribe implements collab.Transport.
func (c *Conn) Subscribe(iface, member string, ch chan<- collab.Signal) (cancel func()) {
	key := iface + "." + member
	match := fmt.Sprintf("type='signal',interface='%s',member='%s'", iface, member)
	_ = c.bus.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, match)

	c.mu.Lock()
	id := len(c.subs[key])
	c.subs[key] = append(c.subs[key], subscription{id: id, ch: ch})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.subs[key]
		for i, s := range list {
			if s.ch == ch {
				c.subs[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// Emit implements collab.Transport.
func (c *Conn) Emit(path, iface, member string, args ...any) error {
	return c.bus.Emit(dbus.ObjectPath(path), iface+"."+member, args...)
}

// NameHasOwner implements collab.Transport.
func (c *Conn) NameHasOwner(name string) (bool, error) {
	var has bool
	err := c.bus.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, name).Store(&has)
	if err != nil {
		return false, fmt.Errorf("sysbus: NameHasOwner %s: %w", name, err)
	}
	return has, nil
}

// WatchNameOwner implements collab.Transport.
func (c *Conn) WatchNameOwner(name string, fn func(present bool)) {
	match := fmt.Sprintf("type='signal',interface='org.freedesktop.DBus',member='NameOwnerChanged',arg0='%s'", name)
	_ = c.bus.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, match)

	c.nameMu.Lock()
	c.watches[name] = append(c.watches[name], fn)
	c.nameMu.Unlock()

	if has, err := c.NameHasOwner(name); err == nil {
		fn(has)
	}
}

// UnixProcessID resolves the pid of the process currently owning name, via
// org.freedesktop.DBus.GetConnectionUnixProcessID (§4.6 pid lookup).
func (c *Conn) UnixProcessID(name string) (int, error) {
	var pid uint32
	err := c.bus.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixProcessID", 0, name).Store(&pid)
	if err != nil {
		return 0, fmt.Errorf("sysbus: GetConnectionUnixProcessID %s: %w", name, err)
	}
	return int(pid), nil
}

// RequestName claims name on the bus for cmd/mced's own inbound method
// surface (§6), failing rather than queuing if another owner already
// holds it.
func (c *Conn) RequestName(name string) error {
	reply, err := c.bus.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("sysbus: request name %s: %w", name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("sysbus: name %s already owned", name)
	}
	return nil
}

// ExportMethods publishes table's entries as iface's methods at path,
// keyed by the exact wire method name (not necessarily matching the Go
// method name), for the §6 inbound bus surface
// (display_status_get, req_display_state_*, ...).
func (c *Conn) ExportMethods(path, iface string, table map[string]any) error {
	return c.bus.ExportMethodTable(table, dbus.ObjectPath(path), iface)
}

// Close implements collab.Transport.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.bus.RemoveSignal(c.sigCh)
		err = c.bus.Close()
	})
	return err
}
