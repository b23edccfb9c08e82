package overlay

import (
	"context"
	"testing"
	"time"
)

func newTestSession(localIdentity PeerIdentity) *Session {
	return &Session{
		localIdentity: localIdentity,
		conns:         make(map[ConnectionHandle]*Connection),
		byPeer:        make(map[PeerIdentity]ConnectionHandle),
		waiters:       make(map[PeerIdentity][]chan struct{}),
	}
}

func TestEstablishOutboundRefusesSelfConnect(t *testing.T) {
	s := newTestSession(5)

	if _, err := s.EstablishOutbound(context.Background(), 5); err != ErrSelfConnect {
		t.Fatalf("EstablishOutbound(self) = %v, want ErrSelfConnect", err)
	}
}

func TestEstablishOutboundRefusesDuplicateConnection(t *testing.T) {
	s := newTestSession(5)
	s.conns[1] = &Connection{peer: 9, handle: 1}
	s.byPeer[9] = 1

	if _, err := s.EstablishOutbound(context.Background(), 9); err != ErrAlreadyConnected {
		t.Fatalf("EstablishOutbound(already connected) = %v, want ErrAlreadyConnected", err)
	}
}

// TestWaitForInboundWakesOnNotifyPeerChange exercises the tie-break path
// without spin-polling: a goroutine blocked in waitForInbound must be woken
// by notifyPeerChange as soon as the inbound connection is recorded, rather
// than by observing byPeer change on its own.
func TestWaitForInboundWakesOnNotifyPeerChange(t *testing.T) {
	s := newTestSession(1)

	result := make(chan *Connection, 1)
	go func() {
		conn, err := s.waitForInbound(context.Background(), 2)
		if err != nil {
			t.Errorf("waitForInbound: %v", err)
		}
		result <- conn
	}()

	// Give waitForInbound a chance to register its waiter before the
	// connection is recorded.
	time.Sleep(5 * time.Millisecond)

	s.mu.Lock()
	s.conns[1] = &Connection{peer: 2, handle: 1}
	s.byPeer[2] = 1
	s.notifyPeerChange(2)
	s.mu.Unlock()

	select {
	case conn := <-result:
		if conn == nil || conn.peer != 2 {
			t.Fatalf("waitForInbound returned %+v, want the peer-2 connection", conn)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("waitForInbound did not wake after notifyPeerChange")
	}
}

// TestWaitForInboundReturnsContextErrorWithoutAnswer covers abandonment:
// waitForInbound must return ctx.Err() (and not hang) when the inbound
// offer never arrives.
func TestWaitForInboundReturnsContextErrorWithoutAnswer(t *testing.T) {
	s := newTestSession(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := s.waitForInbound(ctx, 2); err != context.DeadlineExceeded {
		t.Fatalf("waitForInbound = %v, want context.DeadlineExceeded", err)
	}
}

// TestInsertConnDedupesConcurrentAttemptsForSamePeer covers the race the
// initial byPeer check in EstablishOutbound can't close on its own:
// insertConn must be the atomic point of truth, so a second reservation for
// a peer already mid-handshake is rejected even though the first attempt
// hasn't reached Connected (and so hasn't called markJoined) yet.
func TestInsertConnDedupesConcurrentAttemptsForSamePeer(t *testing.T) {
	s := newTestSession(1)

	first := &Connection{peer: 9}
	if err := s.insertConn(first); err != nil {
		t.Fatalf("first insertConn: %v", err)
	}
	if first.joined {
		t.Fatal("insertConn must not itself mark the connection joined")
	}

	second := &Connection{peer: 9}
	if err := s.insertConn(second); err != ErrAlreadyConnected {
		t.Fatalf("second insertConn = %v, want ErrAlreadyConnected", err)
	}
}

// TestRemoveSkipsOnLeftForUnjoinedConnection covers an outbound dial that
// reserved its peer mapping via insertConn but failed before reaching
// Connected: onLeft must not fire, since onJoined was never announced to E
// for it in the first place.
func TestRemoveSkipsOnLeftForUnjoinedConnection(t *testing.T) {
	var leftCalls []PeerIdentity
	s := newTestSession(1)
	s.onLeft = func(peer PeerIdentity) { leftCalls = append(leftCalls, peer) }

	conn := &Connection{peer: 9}
	if err := s.insertConn(conn); err != nil {
		t.Fatalf("insertConn: %v", err)
	}

	s.remove(conn.handle)

	if len(leftCalls) != 0 {
		t.Fatalf("onLeft fired %v for a connection that was never joined", leftCalls)
	}
	if _, ok := s.byPeer[9]; ok {
		t.Fatal("remove did not clear the reserved byPeer mapping")
	}
}

// TestRemoveFiresOnLeftForJoinedConnection is the mirror case: once
// markJoined has fired, a later remove must notify onLeft.
func TestRemoveFiresOnLeftForJoinedConnection(t *testing.T) {
	var leftCalls []PeerIdentity
	s := newTestSession(1)
	s.onLeft = func(peer PeerIdentity) { leftCalls = append(leftCalls, peer) }

	conn := &Connection{peer: 9}
	if err := s.insertConn(conn); err != nil {
		t.Fatalf("insertConn: %v", err)
	}
	conn.joined = true

	s.remove(conn.handle)

	if len(leftCalls) != 1 || leftCalls[0] != 9 {
		t.Fatalf("onLeft calls = %v, want [9]", leftCalls)
	}
}
