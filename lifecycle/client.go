// Package lifecycle implements the Lifecycle Socket Client (C2, §4.2):
// framed message exchange with the device-state manager over a datagram
// socket, process-watchdog heartbeat handling, system-state translation,
// and powerup/shutdown/reboot request submission.
//
// The reconnect-on-service-appearance lifecycle and the reader-goroutine
// shape (blocking Read, push decoded frame to a channel, exit on socket
// close) are grounded on the teacher's per-input reader goroutines
// (driver/wshat.Open) and its inotify watcher
// (cmd/controller/platform_rpi.go: initSDCardNotifier) — both spawn one
// goroutine per event source that blocks on a syscall and feeds a
// channel read by the single-threaded event loop.
package lifecycle

import (
	"context"
	"fmt"
	"net"
	"os"

	"mced.dev/bus"
	"mced.dev/collab"
	"mced.dev/mcelog"
)

// Heartbeat is the zero-payload event published whenever a PROCESSWD_PING
// is answered — it must fire even if the PONG send itself fails (§4.2
// step 3).
type Heartbeat struct{}

// Client is the §4.2 lifecycle socket client.
type Client struct {
	SocketPath  string // e.g. /run/dsme/dsmesock
	ServiceName string // bus name owning the device-state-manager service

	SystemState *bus.Channel[SystemState]
	Heartbeats  *bus.Channel[Heartbeat]

	Transport collab.Transport
	// UpdateMode reports the current update-mode flag (§4.2: shutdown /
	// reboot / powerup requests are rejected while true).
	UpdateMode func() bool

	available chan bool
	incoming  chan frame
	readerrs  chan error
	conn      *net.UnixConn
	pid       int
}

// NewClient wires a Client to serviceName's name-owner changes so it
// reconnects automatically whenever the device-state manager appears.
func NewClient(transport collab.Transport, socketPath, serviceName string, systemState *bus.Channel[SystemState], heartbeats *bus.Channel[Heartbeat]) *Client {
	c := &Client{
		SocketPath:  socketPath,
		ServiceName: serviceName,
		SystemState: systemState,
		Heartbeats:  heartbeats,
		Transport:   transport,
		UpdateMode:  func() bool { return false },
		available:   make(chan bool, 4),
		incoming:    make(chan frame, 8),
		readerrs:    make(chan error, 1),
		pid:         os.Getpid(),
	}
	transport.WatchNameOwner(serviceName, func(present bool) {
		select {
		case c.available <- present:
		default:
		}
	})
	return c
}

// Run drives the client's state machine until ctx is cancelled. cmd/mced
// runs it on a goroutine of its own; the datagram reader (spawned
// internally per connection) runs concurrently with it.
func (c *Client) Run(ctx context.Context) error {
	serviceUp := false
	if has, err := c.Transport.NameHasOwner(c.ServiceName); err == nil {
		serviceUp = has
	}
	if serviceUp {
		c.connect()
	}
	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return nil
		case up := <-c.available:
			serviceUp = up
			if up {
				c.connect()
			} else {
				c.teardown()
			}
		case f := <-c.incoming:
			c.handleFrame(f)
		case err := <-c.readerrs:
			mcelog.Warnf("lifecycle: socket error: %v", err)
			c.teardown()
			if serviceUp {
				// §4.2 step 6: reconnect only once the service reappears;
				// since it is still marked up, retry immediately.
				c.connect()
			}
		}
	}
}

func (c *Client) connect() {
	if c.conn != nil {
		return
	}
	raddr := &net.UnixAddr{Name: c.SocketPath, Net: "unixgram"}
	conn, err := net.DialUnix("unixgram", nil, raddr)
	if err != nil {
		mcelog.Warnf("lifecycle: dial %s: %v", c.SocketPath, err)
		return
	}
	c.conn = conn
	go c.readLoop(conn)

	if err := c.send(msgProcessWdCreate, encodePid(c.pid)); err != nil {
		mcelog.Warnf("lifecycle: register with process watchdog: %v", err)
		c.teardown()
		return
	}
	if err := c.send(msgStateQuery, nil); err != nil {
		mcelog.Warnf("lifecycle: state query: %v", err)
		c.teardown()
		return
	}
}

func (c *Client) teardown() {
	if c.conn == nil {
		return
	}
	c.conn.Close()
	c.conn = nil
}

// readLoop is the dedicated reader task: it blocks on Read until the
// socket is closed or errors, decoding each datagram and handing it to
// the main loop through incoming. Exits on the first error, which is the
// cancellation signal for this connection's lifetime (teardown closes the
// conn, which unblocks Read with an error).
func (c *Client) readLoop(conn *net.UnixConn) {
	buf := make([]byte, 65536)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			select {
			case c.readerrs <- err:
			default:
			}
			return
		}
		f, err := decodeFrame(buf[:n])
		if err != nil {
			mcelog.Warnf("lifecycle: %v", err)
			continue
		}
		c.incoming <- f
	}
}

func (c *Client) handleFrame(f frame) {
	switch f.Type {
	case msgProcessWdPing:
		// §4.2 step 3: the heartbeat must fire even if the PONG send
		// fails.
		sendErr := c.send(msgProcessWdPong, encodePid(c.pid))
		c.Heartbeats.Publish(Heartbeat{})
		if sendErr != nil {
			mcelog.Warnf("lifecycle: pong send: %v", sendErr)
			c.teardown()
		}
	case msgStateChangeInd:
		if len(f.Payload) < 4 {
			mcelog.Warnf("lifecycle: short STATE_CHANGE_IND payload")
			return
		}
		code := beUint32(f.Payload)
		state, known := translateState(code)
		if !known {
			mcelog.Warnf("lifecycle: unrecognised system-state code %d, treating as UNDEF", code)
		}
		c.SystemState.Publish(state)
	case msgClose:
		mcelog.Warnf("lifecycle: peer requested close")
		c.teardown()
	default:
		mcelog.Warnf("lifecycle: unknown message type 0x%x ignored", f.Type)
	}
}

func (c *Client) send(msgType uint32, payload []byte) error {
	if c.conn == nil {
		return fmt.Errorf("lifecycle: not connected")
	}
	_, err := c.conn.Write(encodeFrame(msgType, payload))
	if err != nil {
		return err
	}
	return nil
}

// RequestPowerup submits a POWERUP_REQ, unless update-mode blocks it.
func (c *Client) RequestPowerup() error { return c.requestGuarded(msgPowerupReq, "powerup") }

// RequestShutdown submits a SHUTDOWN_REQ, unless update-mode blocks it.
func (c *Client) RequestShutdown() error { return c.requestGuarded(msgShutdownReq, "shutdown") }

// RequestReboot submits a REBOOT_REQ, unless update-mode blocks it.
func (c *Client) RequestReboot() error { return c.requestGuarded(msgRebootReq, "reboot") }

func (c *Client) requestGuarded(msgType uint32, name string) error {
	if c.UpdateMode != nil && c.UpdateMode() {
		mcelog.Infof("lifecycle: %s request suppressed, update-mode is active", name)
		return nil
	}
	return c.send(msgType, nil)
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
