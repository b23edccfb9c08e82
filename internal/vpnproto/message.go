// Package vpnproto defines the wire format for messages exchanged between
// bridge peers over the overlay transport.
package vpnproto

// Message type tags. The high bit is reserved for delta-form variants of an
// existing tag (see TypeRouteDelta) so it can never collide with a plain
// type; the TCP-relay multiplexer (internal/relay) uses an unrelated 8-byte
// header and cannot collide with these either.
const (
	TypeData        uint8 = 0x01
	TypeIPAssign    uint8 = 0x02
	TypeRouteUpdate uint8 = 0x03
	TypePing        uint8 = 0x04
	TypePong        uint8 = 0x05
	TypeRouteDelta  uint8 = 0x83 // reserved: full ROUTE_UPDATE shape, delta semantics unimplemented
)

// HeaderSize is the fixed header size: Type(1) + Length(2).
const HeaderSize = 3

// RouteRecordSize is the encoded size of one (peer, addr) tuple inside a
// ROUTE_UPDATE payload.
const RouteRecordSize = 12

// Message is the decoded form of one VPN protocol frame.
type Message struct {
	Type    uint8
	Payload []byte // raw payload bytes; interpret via the Type-specific helpers below
}

// RouteRecord is one entry of a ROUTE_UPDATE payload.
type RouteRecord struct {
	Peer uint64
	Addr uint32
}
