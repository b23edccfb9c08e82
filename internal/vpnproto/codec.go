package vpnproto

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes a Message into a byte slice ready for a single overlay
// send. The length field covers only the payload, per the wire format in
// the VPN bridge specification.
func Encode(msg *Message) []byte {
	buf := make([]byte, HeaderSize+len(msg.Payload))
	buf[0] = msg.Type
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(msg.Payload)))
	copy(buf[HeaderSize:], msg.Payload)
	return buf
}

// Decode parses a single frame. It refuses to parse a header unless at
// least HeaderSize bytes are present, and refuses any payload whose
// declared length would overrun the buffer actually received — both cases
// return ErrProtocol so the caller can count the packet as dropped without
// otherwise touching state.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: frame too short: %d bytes (need at least %d)", ErrProtocol, len(data), HeaderSize)
	}

	typ := data[0]
	length := int(binary.BigEndian.Uint16(data[1:3]))
	if HeaderSize+length > len(data) {
		return nil, fmt.Errorf("%w: declared length %d overruns buffer of %d bytes", ErrProtocol, length, len(data)-HeaderSize)
	}

	payload := make([]byte, length)
	copy(payload, data[HeaderSize:HeaderSize+length])
	return &Message{Type: typ, Payload: payload}, nil
}

// EncodeData builds a DATA message carrying a raw IPv4 datagram.
func EncodeData(payload []byte) []byte {
	return Encode(&Message{Type: TypeData, Payload: payload})
}

// EncodeIPAssignment builds an IP_ASSIGNMENT message.
func EncodeIPAssignment(addr uint32) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, addr)
	return Encode(&Message{Type: TypeIPAssign, Payload: payload})
}

// DecodeIPAssignment extracts the assigned address from an IP_ASSIGNMENT
// payload. The caller must have already checked msg.Type == TypeIPAssign.
func DecodeIPAssignment(msg *Message) (uint32, error) {
	if len(msg.Payload) != 4 {
		return 0, fmt.Errorf("%w: IP_ASSIGNMENT payload must be 4 bytes, got %d", ErrProtocol, len(msg.Payload))
	}
	return binary.BigEndian.Uint32(msg.Payload), nil
}

// EncodeRouteUpdate builds a ROUTE_UPDATE message from a full snapshot of
// (peer, addr) pairs. Peer identities are encoded little-endian, matching
// how the overlay transport hands them to callers; addresses are encoded in
// network order per the wire format.
func EncodeRouteUpdate(records []RouteRecord) []byte {
	payload := make([]byte, len(records)*RouteRecordSize)
	for i, r := range records {
		off := i * RouteRecordSize
		binary.LittleEndian.PutUint64(payload[off:off+8], r.Peer)
		binary.BigEndian.PutUint32(payload[off+8:off+12], r.Addr)
	}
	return Encode(&Message{Type: TypeRouteUpdate, Payload: payload})
}

// DecodeRouteUpdate splits a ROUTE_UPDATE (or reserved ROUTE_DELTA) payload
// into its constituent records. The record count is payload length / 12;
// a payload whose length is not a multiple of 12 is rejected as malformed.
func DecodeRouteUpdate(msg *Message) ([]RouteRecord, error) {
	if len(msg.Payload)%RouteRecordSize != 0 {
		return nil, fmt.Errorf("%w: ROUTE_UPDATE payload length %d is not a multiple of %d", ErrProtocol, len(msg.Payload), RouteRecordSize)
	}
	n := len(msg.Payload) / RouteRecordSize
	records := make([]RouteRecord, n)
	for i := range records {
		off := i * RouteRecordSize
		records[i] = RouteRecord{
			Peer: binary.LittleEndian.Uint64(msg.Payload[off : off+8]),
			Addr: binary.BigEndian.Uint32(msg.Payload[off+8 : off+12]),
		}
	}
	return records, nil
}

// EncodePing builds an empty PING message.
func EncodePing() []byte { return Encode(&Message{Type: TypePing}) }

// EncodePong builds an empty PONG message.
func EncodePong() []byte { return Encode(&Message{Type: TypePong}) }
