package domain

import (
	"strings"
	"time"
)

type RoomID string

func NewRoomID(raw string) (RoomID, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == 0 {
		return "", ErrRoomIDEmpty
	}
	if len(raw) > MaxRoomIDLen {
		return "", ErrRoomIDTooLong
	}
	return RoomID(raw), nil
}

// Participant is a room membership entry.
// At most one Participant exists per identity per room.
type Participant struct {
	Identity Identity  `json:"identity"`
	JoinedAt time.Time `json:"joinedAt"`
}

func NewParticipant(id Identity, at time.Time) Participant {
	return Participant{Identity: id, JoinedAt: at}
}
