package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/meshvpn/meshvpnd/internal/config"
	"github.com/meshvpn/meshvpnd/internal/overlay"
	"github.com/meshvpn/meshvpnd/internal/routing"
	"github.com/meshvpn/meshvpnd/internal/tun"
	"github.com/meshvpn/meshvpnd/internal/util"
	"github.com/meshvpn/meshvpnd/internal/vpnproto"
	"github.com/pion/webrtc/v4"
)

// stubDialer implements overlay.SignalDialer for tests that exercise the
// bridge directly, with no real overlay connection established: OnOffer is
// called once by overlay.NewSession and discards the handler, and Offer and
// ExchangeICECandidates are never reached.
type stubDialer struct{}

func (stubDialer) Offer(ctx context.Context, peer overlay.PeerIdentity, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{}, nil
}
func (stubDialer) OnOffer(fn func(overlay.PeerIdentity, webrtc.SessionDescription) webrtc.SessionDescription) {
}
func (stubDialer) ExchangeICECandidates(peer overlay.PeerIdentity, local <-chan webrtc.ICECandidateInit, addRemote func(webrtc.ICECandidateInit)) {
}

func hostConfig() config.Config {
	return config.Config{
		Role:        config.RoleHost,
		LobbyURL:    "ws://127.0.0.1:0",
		Room:        "test",
		DisplayName: "host",
		SubnetBase:  0x0A000000, // 10.0.0.0
		SubnetMask:  0xFFFFFF00, // /24
	}
}

func peerConfig() config.Config {
	cfg := hostConfig()
	cfg.Role = config.RolePeer
	cfg.DisplayName = "peer"
	return cfg
}

func TestStartReservesHostAddressAndStopResetsState(t *testing.T) {
	dev := tun.NewFakeDevice()
	b := New(hostConfig(), dev, 1, stubDialer{})

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if b.State() != StateRunning {
		t.Fatalf("State() = %v, want StateRunning", b.State())
	}

	entry, ok := b.table.Lookup(0x0A000001)
	if !ok || !entry.IsLocal {
		t.Fatalf("expected a local route entry for the host address, got %+v (ok=%v)", entry, ok)
	}

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if b.State() != StateStopped {
		t.Fatalf("State() = %v, want StateStopped", b.State())
	}
	if b.table.Len() != 0 {
		t.Errorf("expected routing table to be cleared after Stop, has %d entries", b.table.Len())
	}
}

func TestStopOnAlreadyStoppedBridgeIsRejected(t *testing.T) {
	dev := tun.NewFakeDevice()
	b := New(hostConfig(), dev, 1, stubDialer{})

	if err := b.Stop(); err != ErrInvalidState {
		t.Fatalf("Stop on a never-started bridge: got %v, want ErrInvalidState", err)
	}
}

func TestStartTwiceIsRejectedWhileRunning(t *testing.T) {
	dev := tun.NewFakeDevice()
	b := New(hostConfig(), dev, 1, stubDialer{})

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	if err := b.Start(context.Background()); err != ErrInvalidState {
		t.Fatalf("second Start: got %v, want ErrInvalidState", err)
	}
}

func TestStartAfterStopSucceeds(t *testing.T) {
	dev := tun.NewFakeDevice()
	b := New(hostConfig(), dev, 1, stubDialer{})

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start after Stop: %v", err)
	}
	b.Stop()
}

// TestUnknownDestinationIsDropped is the literal S5 scenario: a frame
// addressed to a virtual address with no routing table entry is dropped,
// not written anywhere.
func TestUnknownDestinationIsDropped(t *testing.T) {
	dev := tun.NewFakeDevice()
	b := New(hostConfig(), dev, 1, stubDialer{})

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	frame := make([]byte, 20)
	frame[0] = 0x45
	frame[16], frame[17], frame[18], frame[19] = 10, 0, 0, 99 // unknown address
	before := util.Stats.PacketsDropped.Load()
	dev.Inject(frame)

	select {
	case got := <-dev.Outbound:
		t.Fatalf("expected nothing written to the TUN device for an unknown destination, got %v", got)
	case <-time.After(20 * time.Millisecond):
	}
	if !waitForCondition(t, time.Second, func() bool { return util.Stats.PacketsDropped.Load() > before }) {
		t.Fatal("expected the frame to an unknown destination to be counted as dropped")
	}
}

func TestHandleVPNMessageDataQueuesWriteForTUN(t *testing.T) {
	dev := tun.NewFakeDevice()
	b := New(peerConfig(), dev, 2, stubDialer{})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	payload := []byte{1, 2, 3, 4}
	b.handleVPNMessage(0, 1, vpnproto.EncodeData(payload))

	select {
	case got := <-dev.Outbound:
		if len(got) != len(payload) {
			t.Fatalf("TUN write length = %d, want %d", len(got), len(payload))
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("expected the DATA payload to reach the TUN device")
	}
}

func TestHandleIPAssignmentConfiguresNonHostPeer(t *testing.T) {
	dev := tun.NewFakeDevice()
	b := New(peerConfig(), dev, 2, stubDialer{})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	b.handleVPNMessage(0, 1, vpnproto.EncodeIPAssignment(0x0A000005))

	if b.localAddr.Load() != 0x0A000005 {
		t.Fatalf("localAddr = %#x, want %#x", b.localAddr.Load(), 0x0A000005)
	}
	entry, ok := b.table.Lookup(0x0A000005)
	if !ok || !entry.IsLocal {
		t.Fatalf("expected a local route entry at the assigned address, got %+v (ok=%v)", entry, ok)
	}
}

// TestHandleRouteUpdateSkipsUnresolvedPeers covers the "eventual
// consistency" path: a ROUTE_UPDATE naming a peer with no live overlay
// connection yet is simply skipped rather than inserted with a bogus
// connection handle.
func TestHandleRouteUpdateSkipsUnresolvedPeers(t *testing.T) {
	dev := tun.NewFakeDevice()
	b := New(peerConfig(), dev, 2, stubDialer{})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	records := []vpnproto.RouteRecord{{Peer: 99, Addr: 0x0A000009}}
	b.handleVPNMessage(0, 1, vpnproto.EncodeRouteUpdate(records))

	if _, ok := b.table.Lookup(0x0A000009); ok {
		t.Fatal("expected no route entry for a peer with no live overlay connection")
	}
}

func TestOnPeerLeftReleasesHostAllocatedAddress(t *testing.T) {
	dev := tun.NewFakeDevice()
	b := New(hostConfig(), dev, 1, stubDialer{})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	addr, err := b.allocator.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	b.table.Insert(addr, routing.RouteEntry{Peer: 42, HasConn: true})

	b.onPeerLeft(42)

	if _, ok := b.table.Lookup(addr); ok {
		t.Fatal("expected the departed peer's route entry to be removed")
	}
	if b.allocator.InUse(addr) {
		t.Fatal("expected the departed peer's address to be released")
	}
}

func TestMalformedMessageIsCountedAsDroppedNotFatal(t *testing.T) {
	dev := tun.NewFakeDevice()
	b := New(peerConfig(), dev, 2, stubDialer{})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	// S4 from the specification: a too-short frame declaring more payload
	// than it carries.
	before := util.Stats.PacketsDropped.Load()
	b.handleVPNMessage(0, 1, []byte{0x01, 0x00, 0x10})
	if got := util.Stats.PacketsDropped.Load() - before; got != 1 {
		t.Fatalf("packets dropped increased by %d, want 1", got)
	}
}
