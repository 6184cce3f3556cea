package orch

import (
	"context"
	"time"

	"github.com/dkeye/Mesh/internal/app"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Orchestrator interprets signaling envelopes of client connections and drives the registry.
type Orchestrator struct {
	Registry *app.Registry
	Policy   app.Policy
	Limiter  *app.RoomRateLimiter
	// Grace delays the implicit leave after a transport disconnect.
	Grace time.Duration
	Now   func() time.Time
}

// Conn is the per-connection signaling state. It is owned by the connection's read loop.
type Conn struct {
	ID     string
	Signal core.SignalConnection
	// AuthIdentity is set when the identity layer authenticated the connection.
	AuthIdentity domain.Identity

	room     domain.RoomID
	identity domain.Identity
}

func NewConn(id string, sig core.SignalConnection, auth domain.Identity) *Conn {
	return &Conn{ID: id, Signal: sig, AuthIdentity: auth}
}

// Joined reports the room and identity the connection is currently joined as.
func (c *Conn) Joined() (domain.RoomID, domain.Identity, bool) {
	return c.room, c.identity, c.room != ""
}

// Dispatch handles one inbound frame. Frames of a connection must be dispatched in order.
func (o *Orchestrator) Dispatch(ctx context.Context, c *Conn, frame core.Frame) {
	env, err := protocol.Decode(frame)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("conn", c.ID).Msg("bad frame")
		o.sendError(c, "bad_payload")
		return
	}

	if env.Type.PointToPoint() {
		o.handleRelay(ctx, c, env)
		return
	}
	switch env.Type {
	case protocol.EventJoinRoom:
		o.handleJoin(ctx, c, env)
	case protocol.EventLeaveRoom:
		o.handleLeave(ctx, c, env)
	case protocol.EventSendMessage:
		o.handleChat(ctx, c, env)
	case protocol.EventPing:
		o.send(c, protocol.EventPong, struct{}{})
	default:
		log.Warn().Str("module", "orch").Str("conn", c.ID).Str("type", string(env.Type)).Msg("unknown signal")
		o.sendError(c, "unknown_event")
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) send(c *Conn, t protocol.EventType, payload any) {
	b, err := protocol.Encode(t, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode")
		return
	}
	if err := c.Signal.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("conn", c.ID).Str("type", string(t)).Msg("send failed")
	}
}

func (o *Orchestrator) sendError(c *Conn, reason string) {
	o.send(c, protocol.EventError, protocol.Error{Reason: reason})
}

// applyPolicy resolves backpressure reported by the registry.
func (o *Orchestrator) applyPolicy(room domain.RoomID, res core.PublishResult) {
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(room, slow) {
		case app.KickMember:
			log.Warn().
				Str("module", "orch").
				Str("room", string(room)).
				Str("identity", string(slow.Meta().Identity)).
				Msg("kicking slow member")
			// Closing the transport ends its read loop, which runs the disconnect path.
			slow.Signal().Close()
		case app.MarkSlow, app.DropFrame, app.NoAction:
		}
	}
}
