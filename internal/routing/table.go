// Package routing implements the bridge's virtual-address routing table: a
// concurrent mapping from VirtualAddress to RouteEntry, one entry per
// participating peer.
package routing

import "sync"

// VirtualAddress is a 32-bit IPv4 address in host byte order.
type VirtualAddress = uint32

// PeerIdentity is the overlay transport's opaque identity for a peer.
type PeerIdentity = uint64

// ConnectionHandle identifies a live overlay connection. Zero is a valid
// handle; whether an entry carries a connection is recorded in
// RouteEntry.HasConn.
type ConnectionHandle = uint64

// RouteEntry describes one peer's place in the mesh. The bridge inserts a
// single entry with IsLocal set (its own), with HasConn false and a zero
// Conn; Table itself does not enforce that only one entry is local.
type RouteEntry struct {
	Peer        PeerIdentity
	Conn        ConnectionHandle
	HasConn     bool
	Addr        VirtualAddress
	DisplayName string
	IsLocal     bool
}

// Table is a mutex-guarded VirtualAddress -> RouteEntry map. Writes are
// infrequent relative to the packet rate, so a single mutex held only for
// short lookups and mutations is sufficient; it must never be held across an
// overlay send or TUN I/O call.
type Table struct {
	mu      sync.Mutex
	entries map[VirtualAddress]RouteEntry
}

// New creates an empty Table.
func New() *Table {
	return &Table{entries: make(map[VirtualAddress]RouteEntry)}
}

// Insert adds or overwrites the entry for addr.
func (t *Table) Insert(addr VirtualAddress, entry RouteEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry.Addr = addr
	t.entries[addr] = entry
}

// RemoveByPeer scans the table for an entry belonging to peer and removes
// it, returning the VirtualAddress it held. The scan is O(n), which is
// acceptable since n is bounded by lobby size (tens of peers at most).
func (t *Table) RemoveByPeer(peer PeerIdentity) (VirtualAddress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, entry := range t.entries {
		if entry.Peer == peer {
			delete(t.entries, addr)
			return addr, true
		}
	}
	return 0, false
}

// Lookup returns the RouteEntry registered for addr, if any.
func (t *Table) Lookup(addr VirtualAddress) (RouteEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[addr]
	return entry, ok
}

// LookupByPeer returns the RouteEntry registered for peer, if any. The scan
// is O(n), like RemoveByPeer.
func (t *Table) LookupByPeer(peer PeerIdentity) (RouteEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.entries {
		if entry.Peer == peer {
			return entry, true
		}
	}
	return RouteEntry{}, false
}

// Snapshot returns a copy of every entry currently in the table, in no
// particular order. Used to build a ROUTE_UPDATE broadcast.
func (t *Table) Snapshot() []RouteEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RouteEntry, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, entry)
	}
	return out
}

// Len reports the number of entries currently in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
