package lifecycle

import (
	"encoding/binary"
	"fmt"
)

// Message type tags exchanged with the device-state manager (§4.2, §6).
// The wire format is opaque length-prefixed frames with a 32-bit type
// tag; no framing library appears anywhere in the retrieval pack, so this
// is hand-rolled: 4-byte big-endian payload length, 4-byte big-endian
// type tag, payload.
const (
	msgProcessWdPong   uint32 = 0xA1
	msgProcessWdCreate uint32 = 0xA2
	msgProcessWdDelete uint32 = 0xA3
	msgStateQuery      uint32 = 0xB1
	msgPowerupReq      uint32 = 0xB2
	msgShutdownReq     uint32 = 0xB3
	msgRebootReq       uint32 = 0xB4

	msgClose            uint32 = 0xC1
	msgProcessWdPing    uint32 = 0xC2
	msgStateChangeInd   uint32 = 0xC3
)

// System-state codes as reported on the wire by STATE_CHANGE_IND (§4.2
// translation table).
const (
	dsmeShutdown uint32 = 1
	dsmeUser     uint32 = 2
	dsmeActDead  uint32 = 3
	dsmeReboot   uint32 = 4
	dsmeBoot     uint32 = 5
	dsmeTest     uint32 = 6
	dsmeMalf     uint32 = 7
	dsmeLocal    uint32 = 8
	dsmeNotSet   uint32 = 9
)

const frameHeaderLen = 8

// frame is a decoded wire message.
type frame struct {
	Type    uint32
	Payload []byte
}

// encodeFrame lays out a frame as length-prefix + type tag + payload,
// ready to hand to a datagram socket Write.
func encodeFrame(msgType uint32, payload []byte) []byte {
	buf := make([]byte, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], msgType)
	copy(buf[frameHeaderLen:], payload)
	return buf
}

// decodeFrame parses a single datagram. Unknown message types are
// returned to the caller rather than rejected here (§4.2: "unknown types
// are logged and ignored" — the log happens at the call site so it has
// access to the socket's logging context).
func decodeFrame(b []byte) (frame, error) {
	if len(b) < frameHeaderLen {
		return frame{}, fmt.Errorf("lifecycle: short frame (%d bytes)", len(b))
	}
	n := binary.BigEndian.Uint32(b[0:4])
	typ := binary.BigEndian.Uint32(b[4:8])
	if int(n) != len(b)-frameHeaderLen {
		return frame{}, fmt.Errorf("lifecycle: length mismatch: header says %d, got %d", n, len(b)-frameHeaderLen)
	}
	return frame{Type: typ, Payload: b[frameHeaderLen:]}, nil
}

func encodePid(pid int) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(pid))
	return buf
}
