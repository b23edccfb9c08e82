package bridge

import (
	"time"

	"github.com/meshvpn/meshvpnd/internal/config"
	"github.com/meshvpn/meshvpnd/internal/overlay"
	"github.com/meshvpn/meshvpnd/internal/routing"
	"github.com/meshvpn/meshvpnd/internal/tun"
	"github.com/meshvpn/meshvpnd/internal/util"
	"github.com/meshvpn/meshvpnd/internal/vpnproto"
)

// readLoop is the outbound (TUN -> overlay) pipeline: it repeatedly reads
// one frame from the TUN device, resolves its destination against the
// routing table, and hands it to the overlay for delivery.
func (b *Bridge) readLoop() {
	defer b.wg.Done()

	mtu := b.cfg.MTU
	if mtu == 0 {
		mtu = tun.DefaultMTU
	}
	buf := make([]byte, mtu)

	for b.running.Load() {
		n, err := b.dev.Read(buf)
		if err != nil {
			log.Error("fatal TUN read error, degrading: %v", err)
			return
		}
		if n == 0 {
			time.Sleep(readPollInterval)
			continue
		}

		frame := buf[:n]
		dst := extractDestination(frame)
		if dst == 0 {
			util.Stats.AddDropped()
			continue
		}

		entry, ok := b.table.Lookup(dst)
		if !ok || entry.IsLocal || !entry.HasConn {
			util.Stats.AddDropped()
			continue
		}

		conn, ok := b.session.Lookup(entry.Conn)
		if !ok {
			util.Stats.AddDropped()
			continue
		}

		payload := make([]byte, len(frame))
		copy(payload, frame)
		if err := conn.Send(vpnproto.EncodeData(payload)); err != nil {
			util.Stats.AddDropped()
			continue
		}
		util.Stats.AddSent(len(payload))
	}
}

// writeLoop is the inbound write side: it drains the write queue each turn
// (move-drain pattern: swap with an empty slice under the lock, then write
// outside it) and calls the TUN device's Write for each queued frame.
func (b *Bridge) writeLoop() {
	defer b.wg.Done()

	for b.running.Load() {
		b.writeMu.Lock()
		batch := b.writeQueue
		b.writeQueue = nil
		b.writeMu.Unlock()

		if len(batch) == 0 {
			time.Sleep(writeDrainInterval)
			continue
		}

		for _, frame := range batch {
			if _, err := b.dev.Write(frame); err != nil {
				log.Error("TUN write error: %v", err)
			}
		}
	}
}

func (b *Bridge) queueWrite(frame []byte) {
	b.writeMu.Lock()
	b.writeQueue = append(b.writeQueue, frame)
	b.writeMu.Unlock()
}

// handleVPNMessage is F's dispatch target: the sole entry point for
// decoding and acting on an inbound overlay message.
func (b *Bridge) handleVPNMessage(handle overlay.ConnectionHandle, peer overlay.PeerIdentity, data []byte) {
	msg, err := vpnproto.Decode(data)
	if err != nil {
		util.Stats.AddDropped()
		return
	}

	switch msg.Type {
	case vpnproto.TypeData:
		util.Stats.AddReceived(len(msg.Payload))
		b.queueWrite(msg.Payload)

	case vpnproto.TypeIPAssign:
		b.handleIPAssignment(msg)

	case vpnproto.TypeRouteUpdate, vpnproto.TypeRouteDelta:
		b.handleRouteUpdate(msg)

	case vpnproto.TypePing, vpnproto.TypePong:
		// No keepalive action defined at this layer.

	default:
		// Unknown types are accepted and ignored for forward-compatibility.
	}
}

func (b *Bridge) handleIPAssignment(msg *vpnproto.Message) {
	if b.cfg.Role == config.RoleHost {
		return // only meaningful for a non-host peer
	}

	addr, err := vpnproto.DecodeIPAssignment(msg)
	if err != nil {
		util.Stats.AddDropped()
		return
	}

	if err := b.dev.SetIP(addr, b.cfg.SubnetMask); err != nil {
		log.Error("configure assigned address %#x: %v", addr, err)
		return
	}
	if err := b.dev.SetUp(); err != nil {
		log.Error("bring up TUN after assignment: %v", err)
		return
	}

	b.localAddr.Store(addr)
	b.table.Insert(addr, routing.RouteEntry{Peer: b.localIdentity, IsLocal: true, DisplayName: b.cfg.DisplayName})
}

func (b *Bridge) handleRouteUpdate(msg *vpnproto.Message) {
	records, err := vpnproto.DecodeRouteUpdate(msg)
	if err != nil {
		util.Stats.AddDropped()
		return
	}

	for _, r := range records {
		if r.Peer == b.localIdentity {
			continue // already have our own local entry
		}
		handle, ok := b.session.HandleForPeer(r.Peer)
		if !ok {
			continue // eventual consistency: F will deliver it later
		}
		b.table.Insert(r.Addr, routing.RouteEntry{
			Peer:        r.Peer,
			Conn:        handle,
			HasConn:     true,
			DisplayName: b.displayNameFor(r.Peer),
		})
	}
}
