package orch

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Mesh/internal/app"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) handleJoin(ctx context.Context, c *Conn, env protocol.Envelope) {
	var p protocol.JoinRoom
	if err := env.Bind(&p); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("bad join payload")
		o.sendError(c, "bad_payload")
		return
	}
	roomID, err := domain.NewRoomID(string(p.RoomID))
	if err != nil {
		o.send(c, protocol.EventJoinError, protocol.JoinError{RoomID: p.RoomID, Reason: err.Error()})
		return
	}
	raw := string(p.Identity)
	if raw == "" {
		raw = string(c.AuthIdentity)
	}
	identity, err := domain.NewIdentity(raw)
	if err != nil {
		o.send(c, protocol.EventJoinError, protocol.JoinError{RoomID: roomID, Reason: err.Error()})
		return
	}
	if c.AuthIdentity != "" && identity != c.AuthIdentity {
		log.Warn().Str("module", "orch").Str("conn", c.ID).Str("identity", string(identity)).Msg("identity mismatch")
		o.send(c, protocol.EventJoinError, protocol.JoinError{RoomID: roomID, Reason: "identity mismatch"})
		return
	}

	if cur, curID, ok := c.Joined(); ok && (cur != roomID || curID != identity) {
		o.leave(ctx, c)
		log.Info().Str("module", "orch").Str("conn", c.ID).Str("from_room", string(cur)).Msg("left previous room")
	}

	res, err := o.Registry.Join(ctx, roomID, identity, c.ID, c.Signal)
	if err != nil {
		reason := "join_failed"
		if errors.Is(err, app.ErrAdmission) {
			reason = err.Error()
		}
		log.Warn().Err(err).Str("module", "orch").Str("room", string(roomID)).Str("identity", string(identity)).Msg("join rejected")
		o.send(c, protocol.EventJoinError, protocol.JoinError{RoomID: roomID, Reason: reason})
		return
	}
	c.room, c.identity = roomID, identity
	o.applyPolicy(roomID, res.Publish)
}

func (o *Orchestrator) handleLeave(ctx context.Context, c *Conn, _ protocol.Envelope) {
	room, _, ok := c.Joined()
	if !ok {
		o.sendError(c, "not_joined")
		return
	}
	o.leave(ctx, c)
	o.send(c, protocol.EventRoomLeft, protocol.RoomLeft{RoomID: room})
}

func (o *Orchestrator) leave(ctx context.Context, c *Conn) {
	room, identity, ok := c.Joined()
	if !ok {
		return
	}
	c.room, c.identity = "", ""
	res, err := o.Registry.Leave(ctx, room, identity, c.ID)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("room", string(room)).Msg("leave")
		return
	}
	if res.Removed && o.Limiter != nil {
		o.Limiter.Forget(room, identity)
	}
	o.applyPolicy(room, res.Publish)
}

// Disconnect is the transport-closed path: an implicit leave after the grace period.
// A rejoin of the same identity on another connection within the grace period wins.
func (o *Orchestrator) Disconnect(c *Conn) {
	room, identity, ok := c.Joined()
	if !ok {
		return
	}
	c.room, c.identity = "", ""
	connID := c.ID
	leave := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		res, err := o.Registry.Leave(ctx, room, identity, connID)
		if err != nil {
			log.Error().Err(err).Str("module", "orch").Str("room", string(room)).Msg("disconnect leave")
			return
		}
		if res.Removed {
			log.Info().Str("module", "orch").Str("room", string(room)).Str("identity", string(identity)).Msg("disconnected member removed")
			if o.Limiter != nil {
				o.Limiter.Forget(room, identity)
			}
		}
		o.applyPolicy(room, res.Publish)
	}
	if o.Grace <= 0 {
		leave()
		return
	}
	time.AfterFunc(o.Grace, leave)
}
