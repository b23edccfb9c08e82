// Package lobby implements the rendezvous/room service the VPN bridge uses
// to discover and introduce peers: a WebSocket server generalizing the
// teacher's two-party signaling.Server/EstablishAsClient pair into an
// N-member room, plus a per-peer SDP/ICE relay for internal/overlay.
package lobby

import "github.com/meshvpn/meshvpnd/internal/overlay"

// PeerIdentity aliases the overlay's identity type so lobby and overlay
// agree on a single representation without an import cycle.
type PeerIdentity = overlay.PeerIdentity

// Kind identifies the envelope's purpose on the wire.
type Kind string

const (
	KindJoin          Kind = "join"
	KindLobbyEntered  Kind = "lobby-entered"
	KindMemberEntered Kind = "member-entered"
	KindMemberLeft    Kind = "member-left"
	KindOffer         Kind = "offer"
	KindAnswer        Kind = "answer"
	KindCandidate     Kind = "candidate"
)

// Member describes one lobby participant.
type Member struct {
	Peer        PeerIdentity `json:"peer"`
	DisplayName string       `json:"display_name"`
	IsHost      bool         `json:"is_host"`
}

// Envelope is the single JSON structure exchanged over the lobby
// WebSocket, widening the teacher's signaling.Message with room-membership
// fields and From/To peer addressing for the relay.
type Envelope struct {
	Kind Kind `json:"kind"`

	// KindJoin
	DisplayName string `json:"display_name,omitempty"`

	// KindLobbyEntered
	Self   PeerIdentity `json:"self,omitempty"`
	Roster []Member     `json:"roster,omitempty"`

	// KindMemberEntered
	Member Member `json:"member,omitempty"`

	// KindMemberLeft
	Peer PeerIdentity `json:"peer,omitempty"`

	// KindOffer / KindAnswer / KindCandidate — relayed verbatim by the
	// server based on To; it never inspects SDP or Candidate.
	From      PeerIdentity `json:"from,omitempty"`
	To        PeerIdentity `json:"to,omitempty"`
	SDP       string       `json:"sdp,omitempty"`
	Candidate string       `json:"candidate,omitempty"`
}
