package overlay

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
)

// STUN servers for ICE candidate gathering. No TURN relay — the overlay
// targets direct P2P connectivity.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

const (
	highWaterMark  = 256 * 1024
	lowWaterMark   = 64 * 1024
	sendBufferSize = 64

	// inboxCapacity bounds the per-connection ring buffer the OnMessage
	// callback pushes into; the poll loop is the sole drainer. 32 matches
	// several turns' worth of traffic at the drain rate below without
	// growing unbounded while the poll loop is busy elsewhere.
	inboxCapacity = 32
)

// Connection wraps one PeerConnection + DataChannel pair: a single-writer
// sender goroutine with backpressure awareness, and an inbox ring buffer
// that the poll loop (and only the poll loop) drains.
type Connection struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	peer   PeerIdentity
	handle ConnectionHandle

	// joined records whether on_peer_joined has fired for this connection.
	// Guarded by the owning Session's mu (set in markJoined, read in
	// remove), so a connection reserved for dedup but never joined
	// doesn't spuriously fire on_peer_left on teardown.
	joined bool

	inbox       chan []byte
	outbox      chan []byte
	drainSignal chan struct{}
	openSignal  chan struct{}
	localICE    chan webrtc.ICECandidateInit

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	state ConnState
}

func newConnection(local, peer PeerIdentity) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	})
	if err != nil {
		return nil, err
	}

	ordered := true
	negotiated := true
	id := uint16(0)
	dc, err := pc.CreateDataChannel("vpn", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		pc:          pc,
		dc:          dc,
		peer:        peer,
		inbox:       make(chan []byte, inboxCapacity),
		outbox:      make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
		openSignal:  make(chan struct{}),
		localICE:    make(chan webrtc.ICECandidateInit, 16),
		ctx:         ctx,
		cancel:      cancel,
		state:       StateConnecting,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() {
			c.setState(StateConnected)
			close(c.openSignal)
		})
	})
	dc.OnClose(func() {
		c.setState(StateClosedByPeer)
		cancel()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case c.inbox <- msg.Data:
		default:
			log.Warning("inbox full for peer %d, dropping message", peer)
		}
	})
	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case c.drainSignal <- struct{}{}:
		default:
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateDisconnected {
			c.setState(StateProblemDetectedLocally)
			cancel()
		}
	})
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			close(c.localICE)
			return
		}
		select {
		case c.localICE <- candidate.ToJSON():
		case <-c.ctx.Done():
		}
	})

	go c.sendLoop()

	return c, nil
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the last observed connection state.
func (c *Connection) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Peer returns the remote peer identity.
func (c *Connection) Peer() PeerIdentity { return c.peer }

// Handle returns the locally assigned connection handle.
func (c *Connection) Handle() ConnectionHandle { return c.handle }

// Ready returns a channel closed once the DataChannel is open.
func (c *Connection) Ready() <-chan struct{} { return c.openSignal }

// Done returns a channel closed once the connection has torn down.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Connection) sendLoop() {
	select {
	case <-c.openSignal:
	case <-c.ctx.Done():
		return
	}

	for {
		select {
		case buf := <-c.outbox:
			if c.dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-c.drainSignal:
				case <-c.ctx.Done():
					return
				}
			}
			if err := c.dc.Send(buf); err != nil {
				log.Error("send to peer %d failed: %v", c.peer, err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send enqueues buf for transmission, returning an error only if the
// connection has already torn down.
func (c *Connection) Send(buf []byte) error {
	select {
	case c.outbox <- buf:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// drain pulls up to n pending inbound messages without blocking, for the
// poll loop's per-connection budget.
func (c *Connection) drain(n int) [][]byte {
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		select {
		case msg := <-c.inbox:
			out = append(out, msg)
		default:
			return out
		}
	}
	return out
}

// Close tears down the DataChannel and PeerConnection.
func (c *Connection) Close() error {
	c.cancel()
	dcErr := c.dc.Close()
	pcErr := c.pc.Close()
	if dcErr != nil {
		return dcErr
	}
	return pcErr
}
