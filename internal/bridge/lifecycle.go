package bridge

import (
	"github.com/meshvpn/meshvpnd/internal/config"
	"github.com/meshvpn/meshvpnd/internal/overlay"
	"github.com/meshvpn/meshvpnd/internal/routing"
	"github.com/meshvpn/meshvpnd/internal/vpnproto"
)

// onPeerJoined is the overlay.Session onJoined hook. Host only: allocate a
// virtual address for the new peer, unicast it as IP_ASSIGNMENT, insert the
// route, then broadcast a fresh ROUTE_UPDATE snapshot so every member
// converges on the same table (spec.md §4.E "peer-lifecycle hooks").
func (b *Bridge) onPeerJoined(peer overlay.PeerIdentity, conn *overlay.Connection) {
	if b.cfg.Role != config.RoleHost {
		return
	}
	if b.allocator == nil {
		log.Error("peer %d joined before allocator was ready", peer)
		return
	}

	addr, err := b.allocator.Allocate()
	if err != nil {
		log.Error("allocate address for peer %d: %v", peer, err)
		return
	}

	if err := conn.Send(vpnproto.EncodeIPAssignment(addr)); err != nil {
		log.Error("unicast IP_ASSIGNMENT to peer %d: %v", peer, err)
		b.allocator.Release(addr)
		return
	}

	b.table.Insert(addr, routing.RouteEntry{
		Peer:        peer,
		Conn:        conn.Handle(),
		HasConn:     true,
		DisplayName: b.displayNameFor(peer),
	})

	b.broadcastRouteUpdate()
}

// onPeerLeft is the overlay.Session onLeft hook: release the departed
// peer's route (and, on the host, its address) and re-broadcast the
// updated snapshot.
func (b *Bridge) onPeerLeft(peer overlay.PeerIdentity) {
	addr, ok := b.table.RemoveByPeer(peer)
	if !ok {
		return
	}
	if b.cfg.Role == config.RoleHost && b.allocator != nil {
		b.allocator.Release(addr)
	}
	b.broadcastRouteUpdate()
}

func (b *Bridge) broadcastRouteUpdate() {
	snapshot := b.table.Snapshot()
	records := make([]vpnproto.RouteRecord, len(snapshot))
	for i, entry := range snapshot {
		records[i] = vpnproto.RouteRecord{Peer: entry.Peer, Addr: entry.Addr}
	}
	b.session.Broadcast(vpnproto.EncodeRouteUpdate(records))
}
