package orch

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

const maxChatLen = 4096

func (o *Orchestrator) handleRelay(ctx context.Context, c *Conn, env protocol.Envelope) {
	room, identity, ok := c.Joined()
	if !ok {
		o.sendError(c, "not_joined")
		return
	}
	var p protocol.Negotiation
	if err := env.Bind(&p); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("bad negotiation payload")
		o.sendError(c, "bad_payload")
		return
	}
	if p.RecipientIdentity == "" || !hasBody(env.Type, p) {
		o.sendError(c, "bad_payload")
		return
	}

	p.RoomID = room
	p.SenderIdentity = identity
	frame, err := protocol.Encode(env.Type, p)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode relay")
		return
	}
	res, err := o.Registry.Relay(ctx, room, identity, c.ID, p.RecipientIdentity, frame)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("room", string(room)).Msg("relay")
		return
	}
	o.applyPolicy(room, res)
}

func hasBody(t protocol.EventType, p protocol.Negotiation) bool {
	switch t {
	case protocol.EventOffer:
		return p.Offer != nil
	case protocol.EventAnswer:
		return p.Answer != nil
	case protocol.EventICECandidate:
		return p.Candidate != nil
	}
	return false
}

func (o *Orchestrator) handleChat(ctx context.Context, c *Conn, env protocol.Envelope) {
	room, identity, ok := c.Joined()
	if !ok {
		o.sendError(c, "not_joined")
		return
	}
	var m protocol.ChatMessage
	if err := env.Bind(&m); err != nil {
		o.sendError(c, "bad_payload")
		return
	}
	if strings.TrimSpace(m.Text) == "" {
		return
	}
	m.Text = truncateText(m.Text, maxChatLen)
	if o.Limiter != nil && !o.Limiter.Allow(room, identity) {
		log.Warn().Str("module", "orch").Str("room", string(room)).Str("identity", string(identity)).Msg("chat rate limited")
		return
	}

	m.RoomID = room
	m.Sender = identity
	if m.Timestamp == 0 {
		m.Timestamp = o.now().UnixMilli()
	}
	frame, err := protocol.Encode(protocol.EventReceiveMessage, m)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode chat")
		return
	}
	res, err := o.Registry.Broadcast(ctx, room, identity, c.ID, frame)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("room", string(room)).Msg("chat broadcast")
		return
	}
	o.applyPolicy(room, res)
}

// truncateText cuts s to at most n bytes without splitting a rune.
func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
