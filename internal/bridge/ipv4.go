package bridge

import "encoding/binary"

// extractDestination returns the 32-bit destination address of an IPv4
// datagram, read from bytes 16..19 in network order. Non-IPv4 or
// short (<20 byte) frames yield the sentinel 0 (spec.md §8 property 4).
func extractDestination(frame []byte) uint32 {
	if len(frame) < 20 {
		return 0
	}
	if frame[0]>>4 != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(frame[16:20])
}
