// Package protocol defines the signaling wire format shared by the server and the client.
package protocol

import "github.com/dkeye/Mesh/internal/domain"

type EventType string

const (
	EventJoinRoom         EventType = "join-room"
	EventRoomJoined       EventType = "room-joined"
	EventJoinError        EventType = "join-error"
	EventUserConnected    EventType = "user-connected"
	EventUserDisconnected EventType = "user-disconnected"
	EventOffer            EventType = "offer"
	EventAnswer           EventType = "answer"
	EventICECandidate     EventType = "ice-candidate"
	EventSendMessage      EventType = "send-message"
	EventReceiveMessage   EventType = "receive-message"
	EventLeaveRoom        EventType = "leave-room"
	EventRoomLeft         EventType = "room-left"
	EventInitiatorChanged EventType = "initiator-changed"
	EventPing             EventType = "ping"
	EventPong             EventType = "pong"
	EventError            EventType = "error"
)

// PointToPoint reports whether the event is addressed to exactly one recipient.
func (t EventType) PointToPoint() bool {
	switch t {
	case EventOffer, EventAnswer, EventICECandidate:
		return true
	}
	return false
}

// SessionDescription mirrors RTCSessionDescriptionInit.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type JoinRoom struct {
	RoomID   domain.RoomID   `json:"roomId"`
	Identity domain.Identity `json:"identity"`
}

type RoomJoined struct {
	RoomID               domain.RoomID     `json:"roomId"`
	IsInitiator          bool              `json:"isInitiator"`
	ExistingParticipants []domain.Identity `json:"existingParticipants"`
	TotalParticipants    int               `json:"totalParticipants"`
	// Initiator lets a joiner tell which member drives offers to it.
	Initiator            domain.Identity   `json:"initiator,omitempty"`
}

type JoinError struct {
	RoomID domain.RoomID `json:"roomId"`
	Reason string        `json:"reason"`
}

// Presence is the payload of user-connected, user-disconnected and initiator-changed.
type Presence struct {
	RoomID   domain.RoomID   `json:"roomId"`
	Identity domain.Identity `json:"identity"`
}

// Negotiation is the payload of offer, answer and ice-candidate.
// Exactly one of Offer, Answer, Candidate is set according to the event type.
type Negotiation struct {
	Offer             *SessionDescription `json:"offer,omitempty"`
	Answer            *SessionDescription `json:"answer,omitempty"`
	Candidate         *ICECandidate       `json:"candidate,omitempty"`
	RoomID            domain.RoomID       `json:"roomId"`
	RecipientIdentity domain.Identity     `json:"recipientIdentity"`
	SenderIdentity    domain.Identity     `json:"senderIdentity,omitempty"`
}

// ChatMessage is the payload of send-message and receive-message.
// Timestamp is unix milliseconds.
type ChatMessage struct {
	RoomID    domain.RoomID   `json:"roomId"`
	Text      string          `json:"text"`
	Sender    domain.Identity `json:"sender"`
	Timestamp int64           `json:"timestamp"`
}

type LeaveRoom struct {
	RoomID   domain.RoomID   `json:"roomId"`
	Identity domain.Identity `json:"identity"`
}

type RoomLeft struct {
	RoomID domain.RoomID `json:"roomId"`
}

type Error struct {
	Reason string `json:"reason"`
}
