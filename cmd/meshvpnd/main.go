// meshvpnd — CLI entry point.
//
// Bridges a local TUN interface into a peer-to-peer WebRTC mesh: the first
// member to join a lobby room becomes the address-allocating host, every
// later member is a peer that receives its virtual address from the host
// and dials (or accepts) a direct overlay connection to every other member.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-host, -room, -lobby-url, -display-name, -subnet, -iface, -mtu,
// -debug).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/meshvpn/meshvpnd/internal/bridge"
	"github.com/meshvpn/meshvpnd/internal/config"
	"github.com/meshvpn/meshvpnd/internal/lobby"
	"github.com/meshvpn/meshvpnd/internal/tun"
	"github.com/meshvpn/meshvpnd/internal/util"
)

var version = "dev"

var log = util.NewLogger("meshvpnd")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	host := flag.Bool("host", false, "Host a new lobby room (address authority)")
	room := flag.String("room", "", "Lobby room name")
	lobbyURL := flag.String("lobby-url", "", "Lobby ws:// base URL (peer role; ignored when -host)")
	displayName := flag.String("display-name", "", "Name advertised to other room members")
	subnet := flag.String("subnet", "10.0.0.0/24", "Virtual subnet CIDR (host role only)")
	iface := flag.String("iface", "", "TUN interface name hint")
	mtu := flag.Int("mtu", tun.DefaultMTU, "TUN device MTU")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("meshvpnd — v%s", version))
	pterm.Println()

	if *room == "" {
		runInteractive(ctx, *debugMode)
		return
	}

	cfg := config.Config{
		Room:          *room,
		DisplayName:   *displayName,
		InterfaceName: *iface,
		MTU:           *mtu,
		Debug:         *debugMode,
	}

	if *host {
		runHost(ctx, cfg, *subnet)
		return
	}

	if *lobbyURL == "" {
		log.Error("missing -lobby-url for peer role")
		os.Exit(1)
	}
	cfg.LobbyURL = *lobbyURL
	runPeer(ctx, cfg)
}

func runInteractive(ctx context.Context, debug bool) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host  — Start a new mesh", "Peer  — Join an existing mesh"}).
		WithDefaultText("Select your role").
		Show()
	pterm.Println()

	name, _ := pterm.DefaultInteractiveTextInput.WithDefaultText("Display name").Show()
	pterm.Println()

	cfg := config.Config{DisplayName: strings.TrimSpace(name), MTU: tun.DefaultMTU, Debug: debug}

	if strings.HasPrefix(role, "Host") {
		roomName, _ := pterm.DefaultInteractiveTextInput.WithDefaultText("Room name").Show()
		pterm.Println()
		subnet, _ := pterm.DefaultInteractiveTextInput.WithDefaultText("Virtual subnet CIDR (blank = 10.0.0.0/24)").Show()
		pterm.Println()
		cfg.Room = strings.TrimSpace(roomName)
		subnetCIDR := strings.TrimSpace(subnet)
		if subnetCIDR == "" {
			subnetCIDR = "10.0.0.0/24"
		}
		runHost(ctx, cfg, subnetCIDR)
		return
	}

	lobbyURL, _ := pterm.DefaultInteractiveTextInput.WithDefaultText("Lobby URL (e.g. ws://host:port)").Show()
	pterm.Println()
	roomName, _ := pterm.DefaultInteractiveTextInput.WithDefaultText("Room name").Show()
	pterm.Println()
	cfg.LobbyURL = strings.TrimSpace(lobbyURL)
	cfg.Room = strings.TrimSpace(roomName)
	runPeer(ctx, cfg)
}

// runHost starts an embedded lobby server, joins it as the first member
// (becoming the address-allocating host), and runs the bridge.
func runHost(ctx context.Context, cfg config.Config, subnetCIDR string) {
	base, mask, err := parseSubnet(subnetCIDR)
	if err != nil {
		log.Error("invalid -subnet: %v", err)
		os.Exit(1)
	}
	cfg.Role = config.RoleHost
	cfg.SubnetBase = base
	cfg.SubnetMask = mask

	if err := cfg.Validate(); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}

	server := lobby.NewServer()
	port, err := server.Start()
	if err != nil {
		log.Error("start lobby server: %v", err)
		os.Exit(1)
	}
	defer server.Close()

	cfg.LobbyURL = fmt.Sprintf("ws://127.0.0.1:%d", port)
	log.Success("lobby listening on %s (room %q)", cfg.LobbyURL, cfg.Room)

	runMesh(ctx, cfg)
}

func runPeer(ctx context.Context, cfg config.Config) {
	cfg.Role = config.RolePeer
	if err := cfg.Validate(); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
	runMesh(ctx, cfg)
}

// runMesh joins the lobby, starts the bridge, and keeps the mesh's overlay
// connections in step with room membership until ctx is cancelled.
func runMesh(ctx context.Context, cfg config.Config) {
	client, err := lobby.Join(ctx, cfg.LobbyURL, cfg.Room, cfg.DisplayName)
	if err != nil {
		log.Error("join lobby: %v", err)
		os.Exit(1)
	}
	defer client.Close()

	var roster lobby.Roster
	select {
	case roster = <-client.Entered():
	case <-ctx.Done():
		return
	}
	if roster.IsHost {
		cfg.Role = config.RoleHost
	} else {
		cfg.Role = config.RolePeer
	}

	dev := tun.NewDevice()
	b := bridge.New(cfg, dev, roster.Self, client)

	if err := b.Start(ctx); err != nil {
		log.Error("start bridge: %v", err)
		os.Exit(1)
	}
	defer b.Stop()

	util.StartStatsReporter(ctx)
	if cfg.Role == config.RoleHost {
		log.Success("mesh %q ready — invite code %s", cfg.Room, client.Invite())
	} else {
		log.Success("joined mesh %q as %q", cfg.Room, cfg.DisplayName)
	}

	for _, m := range roster.Members {
		b.SetPeerDisplayName(m.Peer, m.DisplayName)
		go dialPeer(ctx, b, m.Peer)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-client.PeerEntered():
			b.SetPeerDisplayName(m.Peer, m.DisplayName)
			go dialPeer(ctx, b, m.Peer)
		case <-client.PeerLeft():
			// The departing peer's DataChannel closes on its own; the
			// overlay poll loop detects this and calls Bridge.onPeerLeft.
		}
	}
}

func dialPeer(ctx context.Context, b *bridge.Bridge, peer uint64) {
	if _, err := b.Session().EstablishOutbound(ctx, peer); err != nil {
		log.Warning("establish overlay connection to peer %d: %v", peer, err)
	}
}

func parseSubnet(cidr string) (base, mask uint32, err error) {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return 0, 0, err
	}
	ip4 := network.IP.To4()
	if ip4 == nil {
		return 0, 0, fmt.Errorf("subnet %q is not IPv4", cidr)
	}
	base = uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
	ones, bits := network.Mask.Size()
	if bits != 32 {
		return 0, 0, fmt.Errorf("subnet %q is not IPv4", cidr)
	}
	mask = ^uint32(0) << uint(32-ones)
	return base, mask, nil
}
