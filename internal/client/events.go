package client

import (
	"errors"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
)

var (
	ErrJoinRejected       = errors.New("join rejected")
	ErrMediaUnavailable   = errors.New("media unavailable")
	ErrNotJoined          = errors.New("not joined")
	ErrAlreadyJoined      = errors.New("already joined")
	ErrSessionClosed      = errors.New("session closed")
	ErrNegotiationTimeout = errors.New("negotiation timeout")
	ErrPeerClosed         = errors.New("peer session closed")
	ErrEmptyMessage       = errors.New("empty message")
)

type EventKind int

const (
	EventJoined EventKind = iota
	EventLeft
	EventPeerJoined
	EventPeerLeft
	EventPeerState
	// EventPeerUnreachable reports a peer whose negotiation failed after the retry.
	EventPeerUnreachable
	EventRemoteTrack
	EventChat
	EventActiveSpeaker
	EventInitiatorChanged
	EventError
	// EventDisconnected reports that the signaling channel closed.
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventJoined:
		return "joined"
	case EventLeft:
		return "left"
	case EventPeerJoined:
		return "peer-joined"
	case EventPeerLeft:
		return "peer-left"
	case EventPeerState:
		return "peer-state"
	case EventPeerUnreachable:
		return "peer-unreachable"
	case EventRemoteTrack:
		return "remote-track"
	case EventChat:
		return "chat"
	case EventActiveSpeaker:
		return "active-speaker"
	case EventInitiatorChanged:
		return "initiator-changed"
	case EventError:
		return "error"
	case EventDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Event is a notification from a Session. Only the fields relevant to Kind are set.
type Event struct {
	Kind     EventKind
	Room     domain.RoomID
	Identity domain.Identity
	State    domain.ConnectionState
	Track    core.RemoteTrack
	Chat     ChatEntry
	// Speaker is valid when Active is true.
	Speaker Speaker
	Active  bool
	Info    JoinInfo
	Err     error
}
