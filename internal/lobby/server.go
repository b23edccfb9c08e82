package lobby

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/meshvpn/meshvpnd/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

var log = util.NewLogger("lobby")

// Server hosts one or more rooms, each an independent set of members
// reachable at /lobby/{room}. The first member to join a room is, by lobby
// convention, the room's host; the bridge is told its role explicitly, but
// this ordering is what a CLI uses to decide which role to pass it.
type Server struct {
	listener net.Listener

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	mu      sync.Mutex
	members map[PeerIdentity]*roomMember
}

type roomMember struct {
	conn        *websocket.Conn
	displayName string
	writeMu     sync.Mutex
}

func (m *roomMember) send(env Envelope) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.conn.WriteJSON(env)
}

// NewServer creates an empty Server.
func NewServer() *Server {
	return &Server{rooms: make(map[string]*room)}
}

// Start listens on a random TCP port and returns it.
func (s *Server) Start() (int, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("lobby: start listener: %w", err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/lobby/", s.handleWS)
	go func() {
		_ = http.Serve(listener, mux)
	}()
	return port, nil
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	roomName := r.URL.Path[len("/lobby/"):]
	if roomName == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var join Envelope
	if err := conn.ReadJSON(&join); err != nil || join.Kind != KindJoin {
		conn.Close()
		return
	}

	peer, err := randomPeerIdentity()
	if err != nil {
		log.Error("generate peer identity: %v", err)
		conn.Close()
		return
	}

	rm := s.roomFor(roomName)
	member := &roomMember{conn: conn, displayName: join.DisplayName}

	rm.mu.Lock()
	isHost := len(rm.members) == 0
	roster := make([]Member, 0, len(rm.members))
	for p, existing := range rm.members {
		roster = append(roster, Member{Peer: p, DisplayName: existing.displayName})
	}
	rm.members[peer] = member
	rm.mu.Unlock()

	if err := member.send(Envelope{Kind: KindLobbyEntered, Self: peer, Roster: roster}); err != nil {
		log.Error("send lobby-entered to %d: %v", peer, err)
	}

	rm.broadcastExcept(peer, Envelope{
		Kind:   KindMemberEntered,
		Member: Member{Peer: peer, DisplayName: join.DisplayName, IsHost: isHost},
	})

	s.relayLoop(rm, peer, member)
}

func (s *Server) roomFor(name string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[name]
	if !ok {
		rm = &room{members: make(map[PeerIdentity]*roomMember)}
		s.rooms[name] = rm
	}
	return rm
}

func (rm *room) broadcastExcept(except PeerIdentity, env Envelope) {
	rm.mu.Lock()
	targets := make([]*roomMember, 0, len(rm.members))
	for p, m := range rm.members {
		if p != except {
			targets = append(targets, m)
		}
	}
	rm.mu.Unlock()

	for _, m := range targets {
		if err := m.send(env); err != nil {
			log.Warning("broadcast failed: %v", err)
		}
	}
}

func (s *Server) relayLoop(rm *room, peer PeerIdentity, member *roomMember) {
	defer func() {
		rm.mu.Lock()
		delete(rm.members, peer)
		rm.mu.Unlock()
		member.conn.Close()
		rm.broadcastExcept(peer, Envelope{Kind: KindMemberLeft, Peer: peer})
	}()

	for {
		var env Envelope
		if err := member.conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Kind {
		case KindOffer, KindAnswer, KindCandidate:
			env.From = peer
			rm.mu.Lock()
			target, ok := rm.members[env.To]
			rm.mu.Unlock()
			if !ok {
				continue
			}
			if err := target.send(env); err != nil {
				log.Warning("relay to %d failed: %v", env.To, err)
			}
		}
	}
}

func randomPeerIdentity() (PeerIdentity, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
