// Package relay defines the wire framing for the TCP-relay multiplexer
// (component H): a fixed 8-byte header identifying which client connection
// a frame belongs to and whether it carries data or a disconnect notice.
// Only the framing is specified here — no relaying logic is attached.
package relay

import (
	"encoding/binary"
	"fmt"
)

// Frame type constants.
const (
	TypeData       uint32 = 0
	TypeDisconnect uint32 = 1
)

// HeaderSize is the fixed header size: ClientID(4) + Type(4).
const HeaderSize = 8

// Frame is one decoded relay multiplex frame.
type Frame struct {
	ClientID uint32
	Type     uint32
	Payload  []byte // only present for TypeData
}

// Encode serializes a Frame: [u32 client_id][u32 type][bytes?].
func Encode(f *Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], f.ClientID)
	binary.BigEndian.PutUint32(buf[4:8], f.Type)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Decode parses a single relay multiplex frame.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("relay: frame too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}
	f := &Frame{
		ClientID: binary.BigEndian.Uint32(data[0:4]),
		Type:     binary.BigEndian.Uint32(data[4:8]),
	}
	if len(data) > HeaderSize {
		f.Payload = make([]byte, len(data)-HeaderSize)
		copy(f.Payload, data[HeaderSize:])
	}
	return f, nil
}

// EncodeData builds a TypeData frame carrying payload for clientID.
func EncodeData(clientID uint32, payload []byte) []byte {
	return Encode(&Frame{ClientID: clientID, Type: TypeData, Payload: payload})
}

// EncodeDisconnect builds a TypeDisconnect frame for clientID, with no payload.
func EncodeDisconnect(clientID uint32) []byte {
	return Encode(&Frame{ClientID: clientID, Type: TypeDisconnect})
}
