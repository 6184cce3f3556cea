package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/rs/zerolog/log"
)

const maxJoinAttempts = 8

var (
	ErrRegistryClosed = errors.New("registry closed")
	ErrRoomBusy       = errors.New("room busy")
)

type Options struct {
	// InitiatorFailover elects the earliest remaining joiner when the initiator leaves.
	InitiatorFailover bool
	Admission         Admission
	Presence          PresenceStore
	PresenceTimeout   time.Duration
	Now               func() time.Time
}

// Registry is the authoritative room -> participants mapping.
// Each room is served by its own coordinator goroutine.
type Registry struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   roomOptions

	mu    sync.Mutex
	rooms map[domain.RoomID]*Room
}

func NewRegistry(parent context.Context, o Options) *Registry {
	opts := roomOptions{
		failover:        o.InitiatorFailover,
		admission:       o.Admission,
		presence:        o.Presence,
		presenceTimeout: o.PresenceTimeout,
		now:             o.Now,
	}
	if opts.admission == nil {
		opts.admission = CapacityPolicy{}
	}
	if opts.presence == nil {
		opts.presence = NoopPresence{}
	}
	if opts.presenceTimeout <= 0 {
		opts.presenceTimeout = 500 * time.Millisecond
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	ctx, cancel := context.WithCancel(parent)
	return &Registry{
		ctx:    ctx,
		cancel: cancel,
		opts:   opts,
		rooms:  make(map[domain.RoomID]*Room),
	}
}

func (r *Registry) getOrCreate(id domain.RoomID) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		return nil, ErrRegistryClosed
	}
	if room, ok := r.rooms[id]; ok && !room.isStopped() {
		return room, nil
	}
	room := newRoom(id, r.opts, r.remove)
	r.rooms[id] = room
	go room.run(r.ctx)
	log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("created room")
	return room, nil
}

func (r *Registry) lookup(id domain.RoomID) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	return room, ok
}

func (r *Registry) remove(room *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.rooms[room.id]; ok && cur == room {
		delete(r.rooms, room.id)
		log.Info().Str("module", "app.registry").Str("room", string(room.id)).Msg("removed empty room")
	}
}

// Join admits identity into room. A room that stops between lookup and join is
// recreated and the join retried.
func (r *Registry) Join(ctx context.Context, id domain.RoomID, identity domain.Identity, connID string, sig core.SignalConnection) (JoinResult, error) {
	for range maxJoinAttempts {
		room, err := r.getOrCreate(id)
		if err != nil {
			return JoinResult{}, err
		}
		res, err := room.join(ctx, identity, connID, sig)
		if errors.Is(err, ErrRoomClosed) {
			continue
		}
		return res, err
	}
	return JoinResult{}, fmt.Errorf("%w: %s", ErrRoomBusy, id)
}

func (r *Registry) Leave(ctx context.Context, id domain.RoomID, identity domain.Identity, connID string) (LeaveResult, error) {
	room, ok := r.lookup(id)
	if !ok {
		return LeaveResult{}, nil
	}
	res, err := room.leave(ctx, identity, connID)
	if errors.Is(err, ErrRoomClosed) {
		return LeaveResult{}, nil
	}
	return res, err
}

// Relay forwards a point-to-point frame from a member to a single recipient.
func (r *Registry) Relay(ctx context.Context, id domain.RoomID, from domain.Identity, connID string, to domain.Identity, frame core.Frame) (core.PublishResult, error) {
	room, ok := r.lookup(id)
	if !ok {
		return core.PublishResult{}, nil
	}
	res, err := room.relay(ctx, from, connID, to, frame)
	if errors.Is(err, ErrRoomClosed) {
		return core.PublishResult{}, nil
	}
	return res, err
}

// Broadcast fans frame out to every member except the sender.
func (r *Registry) Broadcast(ctx context.Context, id domain.RoomID, from domain.Identity, connID string, frame core.Frame) (core.PublishResult, error) {
	room, ok := r.lookup(id)
	if !ok {
		return core.PublishResult{}, nil
	}
	res, err := room.broadcastFrom(ctx, from, connID, frame)
	if errors.Is(err, ErrRoomClosed) {
		return core.PublishResult{}, nil
	}
	return res, err
}

func (r *Registry) List(ctx context.Context) []core.RoomInfo {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	out := make([]core.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		_, info, err := room.snapshot(ctx)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Participants(ctx context.Context, id domain.RoomID) ([]core.ParticipantDTO, bool) {
	room, ok := r.lookup(id)
	if !ok {
		return nil, false
	}
	ps, _, err := room.snapshot(ctx)
	if err != nil {
		return nil, false
	}
	return ps, true
}

// Close stops every room coordinator.
func (r *Registry) Close() {
	r.cancel()
}
