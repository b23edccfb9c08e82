// Package vaddr implements the host-only virtual address allocator: it hands
// out unique IPv4 addresses from a configured subnet, in numerical order,
// skipping the network and broadcast addresses and anything already in use.
package vaddr

import (
	"errors"
	"fmt"
)

// ErrExhausted is returned once the allocation cursor has passed the top of
// the subnet's address range. The allocator does not wrap around to reclaim
// released addresses — this is a deliberate spec choice (see DESIGN.md),
// not an oversight.
var ErrExhausted = errors.New("vaddr: subnet exhausted")

// Allocator produces unique VirtualAddress values inside base/mask,
// in ascending numerical order, and tracks which addresses are in use so
// they can be released on peer departure.
//
// Only the host peer constructs one of these; non-host peers never touch
// an Allocator and learn their address from an IP_ASSIGNMENT message
// instead.
type Allocator struct {
	base    uint32
	mask    uint32
	next    uint32
	inUse   map[uint32]bool
	network uint32
	bcast   uint32
}

// New creates an Allocator for the subnet base/mask and reserves the host's
// own address (network + 1) as already in use. base and mask must describe
// a subnet with at least two usable host addresses (a /30 or wider); New
// returns a ConfigError-shaped error otherwise.
func New(base, mask uint32) (*Allocator, error) {
	network := base & mask
	bcast := network | ^mask
	hostAddr := network + 1
	if bcast-network < 3 {
		return nil, fmt.Errorf("vaddr: subnet %#08x/%#08x has no usable host addresses", base, mask)
	}

	a := &Allocator{
		base:    base,
		mask:    mask,
		next:    network + 1,
		inUse:   make(map[uint32]bool),
		network: network,
		bcast:   bcast,
	}
	a.inUse[hostAddr] = true
	return a, nil
}

// HostAddress returns the address the host peer reserved for itself at
// construction time (network + 1).
func (a *Allocator) HostAddress() uint32 {
	return a.network + 1
}

// Allocate returns the next acceptable address: the lowest value at or
// above the internal cursor that is not the network address, not the
// broadcast address, and not already in use. It advances the cursor past
// whatever it returns (whether or not that value is skipped), so repeated
// calls are deterministic and strictly increasing until ErrExhausted.
func (a *Allocator) Allocate() (uint32, error) {
	for candidate := a.next; candidate <= a.bcast; candidate++ {
		if candidate == a.network || candidate == a.bcast || a.inUse[candidate] {
			continue
		}
		a.next = candidate + 1
		a.inUse[candidate] = true
		return candidate, nil
	}
	a.next = a.bcast + 1
	return 0, ErrExhausted
}

// Release marks addr as no longer in use. The cursor is never rewound, so a
// released address may or may not be handed out again depending on where
// the cursor already is — spec.md leaves reuse policy unspecified beyond
// "never return an address still in use", which this satisfies.
func (a *Allocator) Release(addr uint32) {
	delete(a.inUse, addr)
}

// InUse reports whether addr is currently allocated. Exposed for tests and
// for diagnostics; the bridge itself only calls Allocate/Release.
func (a *Allocator) InUse(addr uint32) bool {
	return a.inUse[addr]
}
