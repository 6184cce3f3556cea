package core

import (
	"context"
	"time"

	"github.com/dkeye/Mesh/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// ParticipantDTO is a read-only view for APIs (no transport fields).
type ParticipantDTO struct {
	Identity    domain.Identity `json:"identity"`
	JoinedAt    time.Time       `json:"joinedAt"`
	IsInitiator bool            `json:"isInitiator"`
}

type RoomInfo struct {
	ID               domain.RoomID   `json:"id"`
	ParticipantCount int             `json:"participant_count"`
	Initiator        domain.Identity `json:"initiator"`
}

// RoomDirectory is the read side of the registry used by the HTTP API.
type RoomDirectory interface {
	List(ctx context.Context) []RoomInfo
	Participants(ctx context.Context, id domain.RoomID) ([]ParticipantDTO, bool)
}
