// Package collab declares the narrow interfaces mced's core consumes from
// the surrounding, out-of-scope subsystems named in spec §1: configuration
// store, bus transport, sensor gateway, LED pattern engine and
// brightness-curve mapper. None of their implementations are part of the
// core; sysbus provides the one concrete, wired Transport (real D-Bus).
package collab

import "context"

// ConfigStore is a typed settings store with change notification (§1).
// Keys are the persistent configuration keys enumerated in §6.
type ConfigStore interface {
	Int(key string) (int, bool)
	Bool(key string) (bool, bool)
	String(key string) (string, bool)
	IntList(key string) ([]int, bool)

	// Watch invokes fn whenever key's value changes, until ctx is done.
	Watch(ctx context.Context, key string, fn func())
}

// PendingCall is a single outstanding remote method call; cancelling it
// is client-side book-keeping only — per §5, the wire call has already
// been sent and cannot be un-sent.
type PendingCall interface {
	// Done is closed when the reply (or error) has arrived.
	Done() <-chan struct{}
	// Err is the call error, if any, valid only after Done is closed.
	Err() error
	// Store unmarshals the reply body into dest, valid only after Done is
	// closed and Err is nil.
	Store(dest ...any) error
	// Cancel discards the reply when it arrives; safe to call more than
	// once and after Done has already fired.
	Cancel()
}

// Signal is a single inbound bus signal.
type Signal struct {
	Sender    string
	Path      string
	Interface string
	Name      string
	Body      []any
}

// Transport is the bus transport collaborator (§1): remote-method
// invocation and signal routing with asynchronous replies, name-ownership
// tracking, and pending-call cancellation. sysbus.Conn is the concrete,
// D-Bus-backed implementation.
type Transport interface {
	// CallAsync starts an asynchronous remote method call; the reply (or
	// error) arrives on the returned PendingCall.
	CallAsync(ctx context.Context, dest, path, iface, method string, args ...any) PendingCall

	// Subscribe routes matching signals to ch until the returned cancel
	// func is called.
	Subscribe(iface, member string, ch chan<- Signal) (cancel func())

	// Emit sends an outbound signal.
	Emit(path, iface, member string, args ...any) error

	// NameHasOwner reports whether a bus name currently has an owner.
	NameHasOwner(name string) (bool, error)

	// WatchNameOwner invokes fn(present) whenever name's ownership
	// changes; present tells whether the name has an owner afterwards.
	WatchNameOwner(name string, fn func(present bool))

	Close() error
}

// SensorGateway is the sensor gateway collaborator (§1): proximity,
// ambient-light and orientation events.
type SensorGateway interface {
	// Proximity reports the last-known proximity-covered state.
	Proximity() bool
	// AmbientLight reports the last-known ambient light level in lux.
	AmbientLight() int
	// Subscribe delivers future readings; cancel stops delivery.
	Subscribe(onProximity func(covered bool), onAmbientLight func(lux int)) (cancel func())
	// SetEnabled starts/stops the underlying hardware sensors — the DSM
	// suspends them while the display is off and LATE suspend is allowed
	// (§4.8, STAY_POWER_OFF).
	SetEnabled(enabled bool)
}

// LEDPatternEngine is the LED pattern engine collaborator (§1):
// activation/deactivation of named patterns (panic LED, kill-in-progress
// LED, etc., §4.3 and §4.6).
type LEDPatternEngine interface {
	Activate(pattern string)
	Deactivate(pattern string)
}

// BrightnessCurve is the brightness-curve mapper collaborator (§1): the
// device-class-specific sysfs value sink and max-level probe.
type BrightnessCurve interface {
	// MaxLevel probes (or returns a cached) maximum brightness level.
	MaxLevel() (int, error)
	// Set writes level to the backing sysfs node.
	Set(level int) error
}
