package lobby

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// Roster is the full membership snapshot delivered on lobby entry.
type Roster struct {
	Self PeerIdentity
	// IsHost is true if Self was the first member to join the room — the
	// lobby-level convention the caller uses to decide the bridge's role.
	IsHost  bool
	Members []Member
}

// Client holds one joined room's live WebSocket connection and dispatches
// incoming envelopes to membership channels and the per-peer signaling
// relay used by internal/overlay.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	entered    chan Roster
	peerEnter  chan Member
	peerLeft   chan PeerIdentity
	inviteCode string

	mu          sync.Mutex
	pendingAns  map[PeerIdentity]chan webrtc.SessionDescription
	onOffer     func(peer PeerIdentity, offer webrtc.SessionDescription) webrtc.SessionDescription
	remoteICE   map[PeerIdentity]func(webrtc.ICECandidateInit)
}

// Join dials url, joins room under displayName, and returns a live Client.
// The first envelope received is always lobby-entered; Join blocks for it
// so callers can assume Entered() has at least one value buffered.
func Join(ctx context.Context, url, room, displayName string) (*Client, error) {
	fullURL := fmt.Sprintf("%s/lobby/%s", url, room)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("lobby: dial %s: %w", fullURL, err)
	}

	c := &Client{
		conn:       conn,
		entered:    make(chan Roster, 1),
		peerEnter:  make(chan Member, 16),
		peerLeft:   make(chan PeerIdentity, 16),
		inviteCode: room + "-" + randomInviteSuffix(),
		pendingAns: make(map[PeerIdentity]chan webrtc.SessionDescription),
		remoteICE:  make(map[PeerIdentity]func(webrtc.ICECandidateInit)),
	}

	if err := conn.WriteJSON(Envelope{Kind: KindJoin, DisplayName: displayName}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("lobby: send join: %w", err)
	}

	go c.readLoop()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	case roster := <-c.entered:
		c.entered <- roster // put it back for Entered()
		return c, nil
	}
}

func (c *Client) readLoop() {
	defer c.conn.Close()
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Kind {
		case KindLobbyEntered:
			isHost := len(env.Roster) == 0
			c.entered <- Roster{Self: env.Self, IsHost: isHost, Members: env.Roster}
		case KindMemberEntered:
			c.peerEnter <- env.Member
		case KindMemberLeft:
			c.peerLeft <- env.Peer
		case KindOffer:
			c.handleOffer(env)
		case KindAnswer:
			c.handleAnswer(env)
		case KindCandidate:
			c.handleCandidate(env)
		}
	}
}

func (c *Client) handleOffer(env Envelope) {
	c.mu.Lock()
	handler := c.onOffer
	c.mu.Unlock()
	if handler == nil {
		log.Warning("received offer from %d with no handler registered", env.From)
		return
	}
	answer := handler(env.From, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: env.SDP})
	c.send(Envelope{Kind: KindAnswer, To: env.From, SDP: answer.SDP})
}

func (c *Client) handleAnswer(env Envelope) {
	c.mu.Lock()
	ch, ok := c.pendingAns[env.From]
	c.mu.Unlock()
	if !ok {
		return
	}
	ch <- webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: env.SDP}
}

func (c *Client) handleCandidate(env Envelope) {
	c.mu.Lock()
	addRemote, ok := c.remoteICE[env.From]
	c.mu.Unlock()
	if !ok {
		return
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(env.Candidate), &init); err != nil {
		return
	}
	addRemote(init)
}

func (c *Client) send(env Envelope) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(env); err != nil {
		log.Warning("send failed: %v", err)
	}
}

// Entered returns a channel delivering the roster snapshot exactly once,
// at join time.
func (c *Client) Entered() <-chan Roster { return c.entered }

// PeerEntered delivers one Member per subsequent room join.
func (c *Client) PeerEntered() <-chan Member { return c.peerEnter }

// PeerLeft delivers one PeerIdentity per subsequent room departure.
func (c *Client) PeerLeft() <-chan PeerIdentity { return c.peerLeft }

// Invite returns a short human-shareable code embedding this join's room
// and a random suffix for display purposes. The URL/room themselves are
// already known to whoever is inviting; this generalizes the teacher's raw
// numeric PIN into something that survives multi-party rooms.
func (c *Client) Invite() string { return c.inviteCode }

// Close tears down the room connection.
func (c *Client) Close() error { return c.conn.Close() }

// --- overlay.SignalDialer ---

// Offer implements overlay.SignalDialer: sends a local SDP offer to peer
// and blocks for the answer.
func (c *Client) Offer(ctx context.Context, peer PeerIdentity, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	ch := make(chan webrtc.SessionDescription, 1)
	c.mu.Lock()
	c.pendingAns[peer] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pendingAns, peer)
		c.mu.Unlock()
	}()

	c.send(Envelope{Kind: KindOffer, To: peer, SDP: offer.SDP})

	select {
	case answer := <-ch:
		return answer, nil
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
}

// OnOffer implements overlay.SignalDialer: registers the handler invoked
// when a remote offer arrives.
func (c *Client) OnOffer(fn func(peer PeerIdentity, offer webrtc.SessionDescription) webrtc.SessionDescription) {
	c.mu.Lock()
	c.onOffer = fn
	c.mu.Unlock()
}

// ExchangeICECandidates implements overlay.SignalDialer: forwards locally
// gathered candidates to peer and delivers remote candidates via addRemote.
func (c *Client) ExchangeICECandidates(peer PeerIdentity, local <-chan webrtc.ICECandidateInit, addRemote func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.remoteICE[peer] = addRemote
	c.mu.Unlock()

	go func() {
		for candidate := range local {
			data, err := json.Marshal(candidate)
			if err != nil {
				continue
			}
			c.send(Envelope{Kind: KindCandidate, To: peer, Candidate: string(data)})
		}
	}()
}

func randomInviteSuffix() string {
	const alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
	buf := make([]byte, 6)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			buf[i] = alphabet[0]
			continue
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf)
}
