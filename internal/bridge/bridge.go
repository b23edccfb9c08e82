// Package bridge ties the TUN device, address allocator, routing table,
// VPN message codec, and overlay session layer into the running VPN: two
// I/O pipelines plus the peer-lifecycle hooks that keep the mesh's routing
// table consistent as peers join and leave.
package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshvpn/meshvpnd/internal/config"
	"github.com/meshvpn/meshvpnd/internal/overlay"
	"github.com/meshvpn/meshvpnd/internal/routing"
	"github.com/meshvpn/meshvpnd/internal/tun"
	"github.com/meshvpn/meshvpnd/internal/util"
	"github.com/meshvpn/meshvpnd/internal/vaddr"
)

var log = util.NewLogger("bridge")

// readPollInterval is the brief yield between empty non-blocking TUN reads
// (spec.md §4.E "yield/sleep (≈1 ms)").
const readPollInterval = time.Millisecond

// writeDrainInterval is the writer's yield between empty write-queue drains.
const writeDrainInterval = time.Millisecond

// Bridge is the VPN bridge engine (component E). cmd/meshvpnd runs one per
// process; it owns the TUN device, the host-only allocator, the routing
// table, and the overlay session, and drives the outbound/inbound
// pipelines between them.
type Bridge struct {
	cfg     config.Config
	dev     tun.Device
	table   *routing.Table
	session *overlay.Session

	localIdentity overlay.PeerIdentity
	localAddr     atomic.Uint32

	allocator *vaddr.Allocator // host only; nil for non-host peers

	state   atomic.Int32
	running atomic.Bool

	writeMu    sync.Mutex
	writeQueue [][]byte

	namesMu sync.Mutex
	names   map[overlay.PeerIdentity]string

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Bridge. dialer is the lobby-backed overlay.SignalDialer
// used to establish overlay connections; callers drive room membership
// (lobby.Client.PeerEntered) and call Session().EstablishOutbound
// themselves. Departures need no call: the overlay session detects a torn
// down connection and invokes the bridge's onPeerLeft hook.
func New(cfg config.Config, dev tun.Device, localIdentity overlay.PeerIdentity, dialer overlay.SignalDialer) *Bridge {
	b := &Bridge{
		cfg:           cfg,
		dev:           dev,
		table:         routing.New(),
		localIdentity: localIdentity,
		names:         make(map[overlay.PeerIdentity]string),
	}
	b.session = overlay.NewSession(localIdentity, dialer, b.onPeerJoined, b.onPeerLeft)
	return b
}

// Session exposes the overlay session so a CLI can drive EstablishOutbound
// in response to lobby membership events.
func (b *Bridge) Session() *overlay.Session { return b.session }

// SetPeerDisplayName records the display name a lobby roster/join event
// reported for peer, consulted when that peer's route entry is created
// (spec.md §9 supplemented display-name wiring). Safe to call before the
// peer's overlay connection exists.
func (b *Bridge) SetPeerDisplayName(peer overlay.PeerIdentity, name string) {
	b.namesMu.Lock()
	b.names[peer] = name
	b.namesMu.Unlock()
}

func (b *Bridge) displayNameFor(peer overlay.PeerIdentity) string {
	b.namesMu.Lock()
	defer b.namesMu.Unlock()
	return b.names[peer]
}

// Table exposes the routing table for CLI status reporting.
func (b *Bridge) Table() *routing.Table { return b.table }

// State returns the bridge's current lifecycle state.
func (b *Bridge) State() State { return State(b.state.Load()) }

// Start opens the TUN device, configures the local address (host only —
// non-host peers stay unconfigured until an IP_ASSIGNMENT arrives), and
// spawns the pipelines and poll loop. Only valid from StateStopped.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrInvalidState
	}

	mtu := b.cfg.MTU
	if mtu == 0 {
		mtu = tun.DefaultMTU
	}
	if err := b.dev.Open(b.cfg.InterfaceName, mtu); err != nil {
		b.state.Store(int32(StateStopped))
		return err
	}
	if err := b.dev.SetNonBlocking(true); err != nil {
		b.state.Store(int32(StateStopped))
		return err
	}

	if b.cfg.Role == config.RoleHost {
		allocator, err := vaddr.New(b.cfg.SubnetBase, b.cfg.SubnetMask)
		if err != nil {
			b.state.Store(int32(StateStopped))
			return err
		}
		b.allocator = allocator
		addr := allocator.HostAddress()
		if err := b.dev.SetIP(addr, b.cfg.SubnetMask); err != nil {
			b.state.Store(int32(StateStopped))
			return err
		}
		if err := b.dev.SetUp(); err != nil {
			b.state.Store(int32(StateStopped))
			return err
		}
		b.localAddr.Store(addr)
		b.table.Insert(addr, routing.RouteEntry{Peer: b.localIdentity, IsLocal: true, DisplayName: b.cfg.DisplayName})
	}

	pollCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running.Store(true)

	b.session.StartPoll(pollCtx, b.handleVPNMessage)

	b.wg.Add(2)
	go b.readLoop()
	go b.writeLoop()

	b.state.Store(int32(StateRunning))
	return nil
}

// Stop flips the shutdown flag, closes the TUN device (unblocking the
// reader), tears down the overlay, joins both pipelines, and clears the
// routing table and allocator. Only valid from StateRunning.
func (b *Bridge) Stop() error {
	if !b.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return ErrInvalidState
	}

	b.running.Store(false)
	if b.cancel != nil {
		b.cancel()
	}
	b.dev.Close()
	b.session.Close()
	b.wg.Wait()

	b.table = routing.New()
	b.allocator = nil

	b.state.Store(int32(StateStopped))
	return nil
}
