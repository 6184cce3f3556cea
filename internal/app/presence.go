package app

import (
	"context"

	"github.com/dkeye/Mesh/internal/domain"
)

// PresenceStore mirrors room membership outside the process.
// Calls are made from the room coordinator with a bounded context.
type PresenceStore interface {
	Joined(ctx context.Context, room domain.RoomID, p domain.Participant) error
	Left(ctx context.Context, room domain.RoomID, identity domain.Identity) error
	Closed(ctx context.Context, room domain.RoomID) error
}

type NoopPresence struct{}

func (NoopPresence) Joined(context.Context, domain.RoomID, domain.Participant) error { return nil }
func (NoopPresence) Left(context.Context, domain.RoomID, domain.Identity) error      { return nil }
func (NoopPresence) Closed(context.Context, domain.RoomID) error                    { return nil }
