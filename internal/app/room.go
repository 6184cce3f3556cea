package app

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrRoomClosed = errors.New("room closed")

type JoinResult struct {
	RoomID      domain.RoomID
	IsInitiator bool
	Existing    []domain.Identity
	Total       int
	Replaced    bool
	Publish     core.PublishResult
}

type LeaveResult struct {
	Removed      bool
	NewInitiator domain.Identity
	Publish      core.PublishResult
}

type member struct {
	session core.MemberSession
	seq     uint64
}

type roomOptions struct {
	failover        bool
	admission       Admission
	presence        PresenceStore
	presenceTimeout time.Duration
	now             func() time.Time
}

// Room is the coordinator of a single room. Every operation runs on its own
// goroutine one at a time, so membership and initiator changes are totally ordered.
// The room stops itself once its last member leaves.
type Room struct {
	id      domain.RoomID
	opts    roomOptions
	ops     chan func()
	stopped chan struct{}
	onStop  func(*Room)
	logger  zerolog.Logger

	// owned by the coordinator goroutine
	members   map[domain.Identity]*member
	seq       uint64
	initiator domain.Identity
}

func newRoom(id domain.RoomID, opts roomOptions, onStop func(*Room)) *Room {
	return &Room{
		id:      id,
		opts:    opts,
		ops:     make(chan func()),
		stopped: make(chan struct{}),
		onStop:  onStop,
		logger:  log.With().Str("module", "app.room").Str("room", string(id)).Logger(),
		members: make(map[domain.Identity]*member),
	}
}

func (rm *Room) ID() domain.RoomID { return rm.id }

func (rm *Room) run(ctx context.Context) {
	rm.logger.Info().Msg("room started")
	for {
		select {
		case <-ctx.Done():
			rm.stop()
			return
		case op := <-rm.ops:
			op()
			if len(rm.members) == 0 {
				rm.stop()
				return
			}
		}
	}
}

func (rm *Room) stop() {
	close(rm.stopped)
	pctx, cancel := context.WithTimeout(context.Background(), rm.opts.presenceTimeout)
	defer cancel()
	if err := rm.opts.presence.Closed(pctx, rm.id); err != nil {
		rm.logger.Warn().Err(err).Msg("presence close")
	}
	if rm.onStop != nil {
		rm.onStop(rm)
	}
	rm.logger.Info().Msg("room stopped")
}

func (rm *Room) isStopped() bool {
	select {
	case <-rm.stopped:
		return true
	default:
		return false
	}
}

// exec runs fn on the coordinator and waits for it. Once enqueued, fn always completes.
func (rm *Room) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}
	select {
	case rm.ops <- op:
	case <-rm.stopped:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

func (rm *Room) join(ctx context.Context, identity domain.Identity, connID string, sig core.SignalConnection) (JoinResult, error) {
	var (
		res  JoinResult
		jerr error
	)
	err := rm.exec(ctx, func() {
		prev, replaced := rm.members[identity]
		if !replaced {
			if err := rm.opts.admission.Admit(rm.id, identity, len(rm.members)); err != nil {
				jerr = err
				return
			}
		}
		if rm.initiator == "" {
			rm.initiator = identity
		}

		res.RoomID = rm.id
		res.Replaced = replaced
		if replaced {
			if prev.session.ConnID() != connID {
				rm.sendTo(prev, rm.frame(protocol.EventRoomLeft, protocol.RoomLeft{RoomID: rm.id}), nil)
			}
			delete(rm.members, identity)
			rm.broadcast("", rm.presenceFrame(protocol.EventUserDisconnected, identity), &res.Publish)
		}

		res.Existing = rm.identities()
		rm.seq++
		p := domain.NewParticipant(identity, rm.opts.now())
		m := &member{session: core.NewMemberSession(p, connID, sig), seq: rm.seq}
		rm.members[identity] = m
		res.IsInitiator = rm.initiator == identity
		res.Total = len(rm.members)

		// The joiner learns the snapshot before anyone can address it.
		rm.sendTo(m, rm.frame(protocol.EventRoomJoined, protocol.RoomJoined{
			RoomID:               rm.id,
			IsInitiator:          res.IsInitiator,
			ExistingParticipants: res.Existing,
			TotalParticipants:    res.Total,
			Initiator:            rm.initiator,
		}), &res.Publish)
		rm.broadcast(identity, rm.presenceFrame(protocol.EventUserConnected, identity), &res.Publish)

		pctx, cancel := context.WithTimeout(context.Background(), rm.opts.presenceTimeout)
		defer cancel()
		if err := rm.opts.presence.Joined(pctx, rm.id, p); err != nil {
			rm.logger.Warn().Err(err).Msg("presence join")
		}
		rm.logger.Info().
			Str("identity", string(identity)).
			Bool("initiator", res.IsInitiator).
			Bool("replaced", replaced).
			Int("total", res.Total).
			Msg("member joined")
	})
	if err != nil {
		return JoinResult{}, err
	}
	return res, jerr
}

// leave removes identity. A non-empty connID must match the member's connection,
// so a stale disconnect never removes a newer entry of the same identity.
func (rm *Room) leave(ctx context.Context, identity domain.Identity, connID string) (LeaveResult, error) {
	var res LeaveResult
	err := rm.exec(ctx, func() {
		m, ok := rm.members[identity]
		if !ok || (connID != "" && m.session.ConnID() != connID) {
			return
		}
		delete(rm.members, identity)
		res.Removed = true
		rm.broadcast("", rm.presenceFrame(protocol.EventUserDisconnected, identity), &res.Publish)

		pctx, cancel := context.WithTimeout(context.Background(), rm.opts.presenceTimeout)
		defer cancel()
		if err := rm.opts.presence.Left(pctx, rm.id, identity); err != nil {
			rm.logger.Warn().Err(err).Msg("presence leave")
		}

		if rm.opts.failover && identity == rm.initiator && len(rm.members) > 0 {
			next := rm.earliest()
			rm.initiator = next
			res.NewInitiator = next
			rm.broadcast("", rm.presenceFrame(protocol.EventInitiatorChanged, next), &res.Publish)
			rm.logger.Info().Str("identity", string(next)).Msg("initiator reassigned")
		}
		rm.logger.Info().Str("identity", string(identity)).Int("total", len(rm.members)).Msg("member left")
	})
	return res, err
}

// relay forwards frame to exactly one recipient. Unknown senders and recipients are dropped.
func (rm *Room) relay(ctx context.Context, from domain.Identity, connID string, to domain.Identity, frame core.Frame) (core.PublishResult, error) {
	var res core.PublishResult
	err := rm.exec(ctx, func() {
		if !rm.isMember(from, connID) {
			rm.logger.Warn().Str("from", string(from)).Msg("relay from non-member dropped")
			return
		}
		dst, ok := rm.members[to]
		if !ok || to == from {
			rm.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("relay recipient absent, dropped")
			return
		}
		rm.sendTo(dst, frame, &res)
	})
	return res, err
}

func (rm *Room) broadcastFrom(ctx context.Context, from domain.Identity, connID string, frame core.Frame) (core.PublishResult, error) {
	var res core.PublishResult
	err := rm.exec(ctx, func() {
		if !rm.isMember(from, connID) {
			rm.logger.Warn().Str("from", string(from)).Msg("broadcast from non-member dropped")
			return
		}
		rm.broadcast(from, frame, &res)
	})
	return res, err
}

func (rm *Room) snapshot(ctx context.Context) ([]core.ParticipantDTO, core.RoomInfo, error) {
	var (
		out  []core.ParticipantDTO
		info core.RoomInfo
	)
	err := rm.exec(ctx, func() {
		for _, m := range rm.ordered() {
			p := m.session.Meta()
			out = append(out, core.ParticipantDTO{
				Identity:    p.Identity,
				JoinedAt:    p.JoinedAt,
				IsInitiator: p.Identity == rm.initiator,
			})
		}
		info = core.RoomInfo{ID: rm.id, ParticipantCount: len(rm.members), Initiator: rm.initiator}
	})
	return out, info, err
}

func (rm *Room) isMember(id domain.Identity, connID string) bool {
	m, ok := rm.members[id]
	return ok && (connID == "" || m.session.ConnID() == connID)
}

func (rm *Room) ordered() []*member {
	out := make([]*member, 0, len(rm.members))
	for _, m := range rm.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// identities returns current members in join order.
func (rm *Room) identities() []domain.Identity {
	out := make([]domain.Identity, 0, len(rm.members))
	for _, m := range rm.ordered() {
		out = append(out, m.session.Meta().Identity)
	}
	return out
}

func (rm *Room) earliest() domain.Identity {
	ms := rm.ordered()
	if len(ms) == 0 {
		return ""
	}
	return ms[0].session.Meta().Identity
}

func (rm *Room) broadcast(except domain.Identity, frame core.Frame, res *core.PublishResult) {
	for id, m := range rm.members {
		if id == except {
			continue
		}
		rm.sendTo(m, frame, res)
	}
}

func (rm *Room) sendTo(m *member, frame core.Frame, res *core.PublishResult) {
	if frame == nil {
		return
	}
	err := m.session.Signal().TrySend(frame)
	if err == nil {
		if res != nil {
			res.SendTo++
		}
		return
	}
	rm.logger.Warn().Err(err).Str("identity", string(m.session.Meta().Identity)).Msg("send failed")
	if res != nil && errors.Is(err, core.ErrBackpressure) {
		res.Dropped = append(res.Dropped, m.session)
	}
}

func (rm *Room) presenceFrame(t protocol.EventType, id domain.Identity) core.Frame {
	return rm.frame(t, protocol.Presence{RoomID: rm.id, Identity: id})
}

func (rm *Room) frame(t protocol.EventType, payload any) core.Frame {
	b, err := protocol.Encode(t, payload)
	if err != nil {
		rm.logger.Error().Err(err).Str("type", string(t)).Msg("encode frame")
		return nil
	}
	return b
}
