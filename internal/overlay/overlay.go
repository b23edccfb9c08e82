// Package overlay implements the session layer over a NAT-traversing P2P
// message fabric (github.com/pion/webrtc/v4 PeerConnections and
// DataChannels): establishing connections, maintaining the live connection
// set, and polling for inbound messages on behalf of the bridge.
package overlay

import (
	"context"
	"errors"
	"sync"

	"github.com/meshvpn/meshvpnd/internal/util"
	"github.com/pion/webrtc/v4"
)

// PeerIdentity is the overlay's opaque identity for a remote peer, supplied
// by the lobby at join time.
type PeerIdentity = uint64

// ConnectionHandle identifies one live connection. Handles are assigned
// locally and are not shared between peers.
type ConnectionHandle = uint64

var log = util.NewLogger("overlay")

// ErrSelfConnect is returned by EstablishOutbound when peer equals the
// local identity.
var ErrSelfConnect = errors.New("overlay: refusing to connect to self")

// ErrAlreadyConnected is returned by EstablishOutbound when a connection to
// peer already exists (or is in progress).
var ErrAlreadyConnected = errors.New("overlay: peer already connected")

// ConnState mirrors the overlay transport states spec.md names, independent
// of pion's own state enum so the rest of the codebase doesn't import
// webrtc directly.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateClosedByPeer
	StateProblemDetectedLocally
)

// Session owns the live connection set, keyed by ConnectionHandle with a
// secondary index by PeerIdentity, and runs the single poll loop that is
// the sole caller of every connection's message drain.
//
// Concurrency: the connection set has its own mutex (spec.md §5, "Overlay
// connection set: owned by F, protected by its own mutex; mutated only from
// the poll task and control thread").
type Session struct {
	localIdentity PeerIdentity

	mu          sync.Mutex
	conns       map[ConnectionHandle]*Connection
	byPeer      map[PeerIdentity]ConnectionHandle
	nextHandle  ConnectionHandle
	signalDials SignalDialer

	// waiters holds channels for goroutines blocked in waitForInbound,
	// closed by insertConn/remove once byPeer[peer] changes so a
	// lower-identity tie-break never has to poll for the winning offer.
	waiters map[PeerIdentity][]chan struct{}

	onJoined func(peer PeerIdentity, conn *Connection)
	onLeft   func(peer PeerIdentity)

	stopPoll context.CancelFunc
}

// SignalDialer performs the SDP/ICE offer/answer exchange for one outbound
// or inbound connection attempt over the lobby's per-peer signaling
// channel. Implementations live in internal/lobby; overlay only depends on
// this narrow interface to stay decoupled from the rendezvous transport.
type SignalDialer interface {
	// Offer sends a local SDP offer to peer and waits for the answer.
	Offer(ctx context.Context, peer PeerIdentity, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// OnOffer registers a handler invoked when a remote offer arrives for
	// this local peer; the handler returns the local answer.
	OnOffer(fn func(peer PeerIdentity, offer webrtc.SessionDescription) webrtc.SessionDescription)
	// ExchangeICECandidates forwards local candidates to peer and delivers
	// remote candidates back through addRemote.
	ExchangeICECandidates(peer PeerIdentity, local <-chan webrtc.ICECandidateInit, addRemote func(webrtc.ICECandidateInit))
}

// NewSession creates a Session for localIdentity. onJoined/onLeft are the
// bridge's peer-lifecycle hooks; they must not block for long. onJoined runs
// on the goroutine that accepts the inbound offer or that called
// EstablishOutbound; onLeft runs on the poll goroutine when it finds a
// joined connection torn down.
func NewSession(localIdentity PeerIdentity, dialer SignalDialer, onJoined func(PeerIdentity, *Connection), onLeft func(PeerIdentity)) *Session {
	s := &Session{
		localIdentity: localIdentity,
		conns:         make(map[ConnectionHandle]*Connection),
		byPeer:        make(map[PeerIdentity]ConnectionHandle),
		waiters:       make(map[PeerIdentity][]chan struct{}),
		signalDials:   dialer,
		onJoined:      onJoined,
		onLeft:        onLeft,
	}
	dialer.OnOffer(s.handleInboundOffer)
	return s
}

// EstablishOutbound dials peer: dedupes against an existing connection,
// refuses self-connect, then performs the offer/answer/ICE exchange.
//
// Per spec.md §4.F, outbound connect "records mappings on state change to
// Connected" — on_peer_joined doesn't fire until the DataChannel opens —
// but the handle/peer mapping that guards dedupe is inserted as soon as the
// Connection object exists (insertConn, right after newConnection), not
// deferred to that same point. Otherwise a second EstablishOutbound or an
// inbound offer for the same peer arriving mid-handshake would see an empty
// byPeer and race past the dedupe check.
//
// Tie-break for near-simultaneous joins: the lower PeerIdentity always
// offers, so two peers racing to connect to each other don't both emit
// offers and end up with duplicate PeerConnections.
func (s *Session) EstablishOutbound(ctx context.Context, peer PeerIdentity) (*Connection, error) {
	if peer == s.localIdentity {
		return nil, ErrSelfConnect
	}

	s.mu.Lock()
	if _, exists := s.byPeer[peer]; exists {
		s.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	s.mu.Unlock()

	if peer < s.localIdentity {
		// The remote side is responsible for offering; wait for its offer
		// to arrive and be handled by handleInboundOffer instead.
		return s.waitForInbound(ctx, peer)
	}

	conn, err := newConnection(s.localIdentity, peer)
	if err != nil {
		return nil, err
	}
	if err := s.insertConn(conn); err != nil {
		conn.Close()
		return nil, err
	}

	s.signalDials.ExchangeICECandidates(peer, conn.localICE, func(c webrtc.ICECandidateInit) {
		if err := conn.pc.AddICECandidate(c); err != nil {
			log.Warning("add remote ICE candidate from %d: %v", peer, err)
		}
	})

	offer, err := conn.pc.CreateOffer(nil)
	if err != nil {
		conn.Close()
		s.remove(conn.handle)
		return nil, err
	}
	if err := conn.pc.SetLocalDescription(offer); err != nil {
		conn.Close()
		s.remove(conn.handle)
		return nil, err
	}

	answer, err := s.signalDials.Offer(ctx, peer, offer)
	if err != nil {
		conn.Close()
		s.remove(conn.handle)
		return nil, err
	}
	if err := conn.pc.SetRemoteDescription(answer); err != nil {
		conn.Close()
		s.remove(conn.handle)
		return nil, err
	}

	return s.awaitConnected(conn)
}

// waitForInbound blocks until peer's inbound offer has been accepted and
// recorded by insertConn, without spinning: it registers a per-peer
// wake channel under s.mu and parks on it, woken by notifyPeerChange
// whenever byPeer[peer] might have changed.
func (s *Session) waitForInbound(ctx context.Context, peer PeerIdentity) (*Connection, error) {
	for {
		s.mu.Lock()
		if handle, ok := s.byPeer[peer]; ok {
			conn := s.conns[handle]
			s.mu.Unlock()
			return conn, nil
		}
		wake := make(chan struct{})
		s.waiters[peer] = append(s.waiters[peer], wake)
		s.mu.Unlock()

		select {
		case <-wake:
			// byPeer[peer] may have changed; loop back and re-check.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// notifyPeerChange wakes every waitForInbound call parked on peer. Callers
// must hold s.mu.
func (s *Session) notifyPeerChange(peer PeerIdentity) {
	waiters := s.waiters[peer]
	if len(waiters) == 0 {
		return
	}
	delete(s.waiters, peer)
	for _, wake := range waiters {
		close(wake)
	}
}

// handleInboundOffer accepts an inbound offer. Per spec.md §4.F
// ("accept/establish: on incoming connection in the Connecting state,
// accept; record both mappings; fire on_peer_joined to E"), both the
// handle/peer mapping and the on_peer_joined notification happen
// synchronously here, right after the Connection object is created — not
// deferred to a goroutine waiting on the DataChannel reaching Ready.
func (s *Session) handleInboundOffer(peer PeerIdentity, offer webrtc.SessionDescription) webrtc.SessionDescription {
	conn, err := newConnection(s.localIdentity, peer)
	if err != nil {
		log.Error("accept connection from %d: %v", peer, err)
		return webrtc.SessionDescription{}
	}
	if err := s.insertConn(conn); err != nil {
		log.Warning("reject duplicate inbound connection from %d: %v", peer, err)
		conn.Close()
		return webrtc.SessionDescription{}
	}
	s.markJoined(conn)

	s.signalDials.ExchangeICECandidates(peer, conn.localICE, func(c webrtc.ICECandidateInit) {
		if err := conn.pc.AddICECandidate(c); err != nil {
			log.Warning("add remote ICE candidate from %d: %v", peer, err)
		}
	})
	if err := conn.pc.SetRemoteDescription(offer); err != nil {
		log.Error("set remote offer from %d: %v", peer, err)
		conn.Close()
		s.remove(conn.handle)
		return webrtc.SessionDescription{}
	}
	answer, err := conn.pc.CreateAnswer(nil)
	if err != nil {
		log.Error("create answer for %d: %v", peer, err)
		conn.Close()
		s.remove(conn.handle)
		return webrtc.SessionDescription{}
	}
	if err := conn.pc.SetLocalDescription(answer); err != nil {
		log.Error("set local answer for %d: %v", peer, err)
		conn.Close()
		s.remove(conn.handle)
		return webrtc.SessionDescription{}
	}

	return answer
}

// insertConn records conn's handle/peer mapping as soon as the connection
// object exists, atomically rejecting a concurrent attempt for the same
// peer (spec.md §9 "single authoritative set ... all mutation funneled
// through F"). This is independent of on_peer_joined: callers decide
// separately, via markJoined, when the peer should be announced to E.
func (s *Session) insertConn(conn *Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byPeer[conn.peer]; exists {
		return ErrAlreadyConnected
	}
	handle := s.nextHandle
	s.nextHandle++
	conn.handle = handle
	s.conns[handle] = conn
	s.byPeer[conn.peer] = handle
	s.notifyPeerChange(conn.peer)
	return nil
}

// markJoined fires on_peer_joined for conn and marks it so remove knows to
// fire on_peer_left when the connection eventually tears down. Must only be
// called once per conn, after a successful insertConn.
func (s *Session) markJoined(conn *Connection) {
	s.mu.Lock()
	conn.joined = true
	s.mu.Unlock()

	if s.onJoined != nil {
		s.onJoined(conn.peer, conn)
	}
}

// awaitConnected blocks until conn's DataChannel opens, then fires
// on_peer_joined — spec.md §4.F's "outbound connect: record mappings on
// state change to Connected" gates the join notification on reaching
// Connected, even though insertConn already made the handle/peer mapping
// visible for dedupe as soon as the connection was created.
func (s *Session) awaitConnected(conn *Connection) (*Connection, error) {
	select {
	case <-conn.Ready():
		s.markJoined(conn)
		return conn, nil
	case <-conn.Done():
		s.remove(conn.handle)
		return nil, errors.New("overlay: connection closed before becoming ready")
	}
}

// remove deletes handle's connection from the live set and, only if
// on_peer_joined had actually fired for it, notifies onLeft — a connection
// that was reserved by insertConn but never joined (e.g. an outbound dial
// that failed before reaching Connected) tore down without E ever learning
// about it, so there is nothing to un-announce.
func (s *Session) remove(handle ConnectionHandle) {
	s.mu.Lock()
	conn, ok := s.conns[handle]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, handle)
	delete(s.byPeer, conn.peer)
	joined := conn.joined
	s.notifyPeerChange(conn.peer)
	s.mu.Unlock()

	if joined && s.onLeft != nil {
		s.onLeft(conn.peer)
	}
}

// Broadcast sends buf to every live connection. Used by the bridge for
// ROUTE_UPDATE dissemination.
func (s *Session) Broadcast(buf []byte) {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.Send(buf); err != nil {
			log.Error("broadcast send to peer %d failed: %v", c.peer, err)
		}
	}
}

// Lookup returns the Connection for handle, if live.
func (s *Session) Lookup(handle ConnectionHandle) (*Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[handle]
	return c, ok
}

// HandleForPeer resolves peer's current ConnectionHandle, if connected.
// Used when processing a ROUTE_UPDATE to match its records against live
// connections (spec.md §4.E: "resolve the peer's current ConnectionHandle
// by asking F to enumerate connections and match their remote identity").
func (s *Session) HandleForPeer(peer PeerIdentity) (ConnectionHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.byPeer[peer]
	return handle, ok
}

// Close tears down the poll loop and every live connection.
func (s *Session) Close() error {
	if s.stopPoll != nil {
		s.stopPoll()
	}
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
