package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/sourcegraph/conc"
)

// run is the single consumer of inbound signaling.
func (s *Session) run() {
	for env := range s.signal.Inbound() {
		s.handle(env)
	}
	s.logger.Info().Msg("signaling channel closed")
	s.mu.Lock()
	wait := s.joinWait
	s.joinWait = nil
	s.mu.Unlock()
	if wait != nil {
		wait <- joinOutcome{err: ErrSessionClosed}
	}
	s.emit(Event{Kind: EventDisconnected})
}

func (s *Session) handle(env protocol.Envelope) {
	switch env.Type {
	case protocol.EventRoomJoined:
		s.onRoomJoined(env)
	case protocol.EventJoinError:
		s.onJoinError(env)
	case protocol.EventUserConnected:
		s.onUserConnected(env)
	case protocol.EventUserDisconnected:
		s.onUserDisconnected(env)
	case protocol.EventOffer, protocol.EventAnswer, protocol.EventICECandidate:
		s.onNegotiation(env)
	case protocol.EventReceiveMessage:
		s.onChat(env)
	case protocol.EventInitiatorChanged:
		s.onInitiatorChanged(env)
	case protocol.EventRoomLeft:
		s.logger.Debug().Msg("leave acknowledged")
	case protocol.EventError:
		var e protocol.Error
		_ = env.Bind(&e)
		s.logger.Warn().Str("reason", e.Reason).Msg("server error")
		s.emit(Event{Kind: EventError, Err: errors.New(e.Reason)})
	case protocol.EventPong:
	default:
		s.logger.Debug().Str("type", string(env.Type)).Msg("unhandled signal")
	}
}

func (s *Session) bind(env protocol.Envelope, v any) bool {
	if err := env.Bind(v); err != nil {
		s.logger.Warn().Err(err).Msg("bad payload")
		return false
	}
	return true
}

func (s *Session) onRoomJoined(env protocol.Envelope) {
	var p protocol.RoomJoined
	if !s.bind(env, &p) {
		return
	}

	s.mu.Lock()
	wait := s.joinWait
	if wait == nil || p.RoomID != s.joining {
		s.mu.Unlock()
		s.logger.Warn().Str("room", string(p.RoomID)).Msg("unsolicited room-joined, leaving")
		_ = s.send(protocol.EventLeaveRoom, protocol.LeaveRoom{RoomID: p.RoomID, Identity: s.identity})
		return
	}
	s.joinWait, s.joining = nil, ""
	s.joined = true
	s.room = p.RoomID
	s.initiator = p.Initiator
	if p.IsInitiator {
		s.initiator = s.identity
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.workers = &conc.WaitGroup{}
	s.chat.Reset()

	var offer []*PeerSession
	for _, id := range p.ExistingParticipants {
		if id == s.identity {
			continue
		}
		if peer, created := s.addPeerLocked(id, false); created && s.offersLocked(peer) {
			offer = append(offer, peer)
		}
	}
	ctx := s.ctx
	s.mu.Unlock()

	for _, peer := range offer {
		peer.Offer()
	}
	s.speaker.Start(ctx)

	info := JoinInfo{
		Room:        p.RoomID,
		IsInitiator: p.IsInitiator,
		Existing:    p.ExistingParticipants,
		Total:       p.TotalParticipants,
	}
	s.logger.Info().
		Str("room", string(p.RoomID)).
		Bool("initiator", p.IsInitiator).
		Int("total", p.TotalParticipants).
		Msg("joined room")
	wait <- joinOutcome{info: info}
	s.emit(Event{Kind: EventJoined, Room: p.RoomID, Info: info})
}

func (s *Session) onJoinError(env protocol.Envelope) {
	var p protocol.JoinError
	if !s.bind(env, &p) {
		return
	}
	s.mu.Lock()
	wait := s.joinWait
	s.joinWait, s.joining = nil, ""
	s.mu.Unlock()

	err := fmt.Errorf("%w: %s", ErrJoinRejected, p.Reason)
	s.logger.Warn().Str("room", string(p.RoomID)).Str("reason", p.Reason).Msg("join rejected")
	if wait != nil {
		wait <- joinOutcome{err: err}
	}
	s.emit(Event{Kind: EventError, Room: p.RoomID, Err: err})
}

// addPeerLocked returns the session for id, creating it when missing.
// Candidates that arrived before the session existed are handed over.
func (s *Session) addPeerLocked(id domain.Identity, announced bool) (*PeerSession, bool) {
	if p, ok := s.peers[id]; ok {
		return p, false
	}
	p := newPeerSession(s.ctx, s, id, announced)
	s.peers[id] = p
	s.workers.Go(p.run)
	p.start()
	for _, c := range s.pending[id] {
		p.AddCandidate(c)
	}
	delete(s.pending, id)
	s.emit(Event{Kind: EventPeerJoined, Room: s.room, Identity: id})
	return p, true
}

func (s *Session) onUserConnected(env protocol.Envelope) {
	var p protocol.Presence
	if !s.bind(env, &p) || p.Identity == s.identity {
		return
	}
	s.mu.Lock()
	if !s.joined || p.RoomID != s.room {
		s.mu.Unlock()
		return
	}
	peer, created := s.addPeerLocked(p.Identity, true)
	offer := created && s.offersLocked(peer)
	s.mu.Unlock()

	if !created {
		s.logger.Debug().Str("remote", string(p.Identity)).Msg("duplicate user-connected ignored")
		return
	}
	if offer {
		peer.Offer()
	}
}

func (s *Session) onUserDisconnected(env protocol.Envelope) {
	var p protocol.Presence
	if !s.bind(env, &p) {
		return
	}
	s.mu.Lock()
	if !s.joined || p.RoomID != s.room {
		s.mu.Unlock()
		return
	}
	peer := s.peers[p.Identity]
	delete(s.peers, p.Identity)
	delete(s.pending, p.Identity)
	s.mu.Unlock()

	if peer != nil {
		peer.Close()
	}
	s.emit(Event{Kind: EventPeerLeft, Room: p.RoomID, Identity: p.Identity})
}

func (s *Session) onNegotiation(env protocol.Envelope) {
	var n protocol.Negotiation
	if !s.bind(env, &n) {
		return
	}
	from := n.SenderIdentity
	s.mu.Lock()
	if !s.joined || n.RoomID != s.room || from == "" || from == s.identity {
		s.mu.Unlock()
		s.logger.Debug().Str("type", string(env.Type)).Str("from", string(from)).Msg("stray negotiation dropped")
		return
	}
	peer, ok := s.peers[from]
	switch env.Type {
	case protocol.EventOffer:
		if n.Offer == nil {
			break
		}
		peer, _ = s.addPeerLocked(from, false)
		s.mu.Unlock()
		peer.HandleOffer(*n.Offer)
		return
	case protocol.EventAnswer:
		if n.Answer == nil || !ok {
			break
		}
		s.mu.Unlock()
		peer.HandleAnswer(*n.Answer)
		return
	case protocol.EventICECandidate:
		if n.Candidate == nil {
			break
		}
		if !ok {
			s.pending[from] = append(s.pending[from], *n.Candidate)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		peer.AddCandidate(*n.Candidate)
		return
	}
	s.mu.Unlock()
	s.logger.Debug().Str("type", string(env.Type)).Str("from", string(from)).Msg("negotiation dropped")
}

func (s *Session) onChat(env protocol.Envelope) {
	var m protocol.ChatMessage
	if !s.bind(env, &m) {
		return
	}
	s.mu.Lock()
	room, joined := s.room, s.joined
	s.mu.Unlock()
	if !joined || m.RoomID != room {
		return
	}
	entry := ChatEntry{Room: m.RoomID, Sender: m.Sender, Text: m.Text, Sent: time.UnixMilli(m.Timestamp)}
	s.chat.Append(entry)
	s.emit(Event{Kind: EventChat, Room: m.RoomID, Identity: m.Sender, Chat: entry})
}

func (s *Session) onInitiatorChanged(env protocol.Envelope) {
	var p protocol.Presence
	if !s.bind(env, &p) {
		return
	}
	s.mu.Lock()
	if !s.joined || p.RoomID != s.room {
		s.mu.Unlock()
		return
	}
	s.initiator = p.Identity
	var offer []*PeerSession
	if p.Identity == s.identity {
		for _, peer := range s.peers {
			if peer.State() == domain.StateNew {
				offer = append(offer, peer)
			}
		}
	}
	s.mu.Unlock()

	s.logger.Info().Str("initiator", string(p.Identity)).Msg("initiator changed")
	for _, peer := range offer {
		peer.Offer()
	}
	s.emit(Event{Kind: EventInitiatorChanged, Room: p.RoomID, Identity: p.Identity})
}
