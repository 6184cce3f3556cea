// Package client is a mesh participant: it joins a room over a signaling channel and keeps
// one peer session per remote participant.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const (
	DefaultNegotiationTimeout = 15 * time.Second
	defaultEventBuffer        = 256
)

type Options struct {
	Identity domain.Identity
	Signal   core.SignalChannel
	Factory  core.PeerConnectionFactory
	Devices  core.MediaDevices
	// Sources opened on join. Microphone and camera when empty.
	Sources            []domain.SourceKind
	NegotiationTimeout time.Duration
	// MaxRetries is the number of automatic reconnects of a failed peer session.
	MaxRetries       int
	SpeakerThreshold float64
	SpeakerInterval  time.Duration
	EventBuffer      int
	Now              func() time.Time
}

type JoinInfo struct {
	Room        domain.RoomID
	IsInitiator bool
	Existing    []domain.Identity
	Total       int
}

type joinOutcome struct {
	info JoinInfo
	err  error
}

// Session is one participant's view of a room. Inbound signaling is consumed by a single
// event loop; peer negotiation runs on per-peer workers.
type Session struct {
	opts     Options
	identity domain.Identity
	signal   core.SignalChannel
	factory  core.PeerConnectionFactory
	logger   zerolog.Logger

	media   *MediaController
	speaker *SpeakerDetector
	chat    *ChatLog

	loop conc.WaitGroup

	evMu     sync.RWMutex
	events   chan Event
	evClosed bool

	mu        sync.Mutex
	closed    bool
	room      domain.RoomID
	joined    bool
	initiator domain.Identity
	peers     map[domain.Identity]*PeerSession
	pending   map[domain.Identity][]protocol.ICECandidate
	joining   domain.RoomID
	joinWait  chan joinOutcome
	workers   *conc.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewSession(o Options) (*Session, error) {
	id, err := domain.NewIdentity(string(o.Identity))
	if err != nil {
		return nil, err
	}
	if o.Signal == nil || o.Factory == nil || o.Devices == nil {
		return nil, errors.New("client: signal, factory and devices are required")
	}
	if len(o.Sources) == 0 {
		o.Sources = []domain.SourceKind{domain.SourceMicrophone, domain.SourceCamera}
	}
	if o.NegotiationTimeout <= 0 {
		o.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.SpeakerThreshold <= 0 {
		o.SpeakerThreshold = DefaultSpeakerThreshold
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = defaultEventBuffer
	}
	if o.Now == nil {
		o.Now = time.Now
	}

	s := &Session{
		opts:     o,
		identity: id,
		signal:   o.Signal,
		factory:  o.Factory,
		logger:   log.With().Str("module", "client").Str("identity", string(id)).Logger(),
		chat:     &ChatLog{},
		events:   make(chan Event, o.EventBuffer),
		peers:    make(map[domain.Identity]*PeerSession),
		pending:  make(map[domain.Identity][]protocol.ICECandidate),
	}
	s.media = newMediaController(o.Devices, s.peerList)
	s.speaker = NewSpeakerDetector(o.SpeakerThreshold, o.SpeakerInterval, func(sp Speaker, ok bool) {
		s.emit(Event{Kind: EventActiveSpeaker, Speaker: sp, Active: ok, Identity: sp.Identity})
	})
	s.loop.Go(s.run)
	return s, nil
}

func (s *Session) Identity() domain.Identity  { return s.identity }
func (s *Session) Events() <-chan Event       { return s.events }
func (s *Session) Media() *MediaController    { return s.media }
func (s *Session) Speakers() *SpeakerDetector { return s.speaker }
func (s *Session) Chat() *ChatLog             { return s.chat }

// Room returns the joined room.
func (s *Session) Room() (domain.RoomID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room, s.joined
}

func (s *Session) IsInitiator() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined && s.initiator == s.identity
}

// Peer returns the peer session with remote, if any.
func (s *Session) Peer(remote domain.Identity) (*PeerSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[remote]
	return p, ok
}

// Peers returns the remote identities with a peer session, sorted.
func (s *Session) Peers() []domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Identity, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Session) PeerStates() map[domain.Identity]domain.ConnectionState {
	out := make(map[domain.Identity]domain.ConnectionState)
	for _, p := range s.peerList() {
		out[p.remote] = p.State()
	}
	return out
}

func (s *Session) peerList() []*PeerSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PeerSession, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

func (s *Session) emit(ev Event) {
	s.evMu.RLock()
	defer s.evMu.RUnlock()
	if s.evClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn().Str("event", ev.Kind.String()).Msg("event buffer full, dropped")
	}
}

func (s *Session) send(t protocol.EventType, payload any) error {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	if err := s.signal.Send(env); err != nil {
		s.logger.Warn().Err(err).Str("type", string(t)).Msg("signal send")
		return err
	}
	return nil
}

func (s *Session) sendNegotiation(t protocol.EventType, n protocol.Negotiation) {
	s.mu.Lock()
	n.RoomID = s.room
	joined := s.joined
	s.mu.Unlock()
	if !joined {
		return
	}
	_ = s.send(t, n)
}

// offers reports whether the local side drives the offer for the pair with p.
// The initiator offers to everyone; between other members the earlier joiner offers.
func (s *Session) offers(p *PeerSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offersLocked(p)
}

func (s *Session) offersLocked(p *PeerSession) bool {
	if s.initiator == s.identity {
		return true
	}
	return p.announced && p.remote != s.initiator
}

// Join acquires local media, joins room and waits for the membership snapshot.
// A rejected join is terminal and returns ErrJoinRejected.
func (s *Session) Join(ctx context.Context, room domain.RoomID) (JoinInfo, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return JoinInfo{}, ErrSessionClosed
	}
	if s.joined || s.joinWait != nil {
		s.mu.Unlock()
		return JoinInfo{}, ErrAlreadyJoined
	}
	wait := make(chan joinOutcome, 1)
	s.joinWait = wait
	s.joining = room
	s.mu.Unlock()

	if err := s.media.Start(ctx, s.opts.Sources); err != nil {
		s.abandonJoin(wait)
		return JoinInfo{}, err
	}
	if tap, ok := s.media.Audio().(core.PCMTap); ok {
		a := NewPCMAnalyser(DefaultFFTSize)
		tap.OnPCM(a.Write)
		s.speaker.SetLocal(a)
	}

	if err := s.send(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: room, Identity: s.identity}); err != nil {
		s.abandonJoin(wait)
		s.releaseMedia()
		return JoinInfo{}, fmt.Errorf("send join: %w", err)
	}

	select {
	case out := <-wait:
		if out.err != nil {
			s.releaseMedia()
			return JoinInfo{}, out.err
		}
		return out.info, nil
	case <-ctx.Done():
		if !s.abandonJoin(wait) {
			// The snapshot arrived concurrently with the cancellation.
			out := <-wait
			if out.err == nil {
				return out.info, nil
			}
		}
		s.releaseMedia()
		return JoinInfo{}, ctx.Err()
	}
}

// abandonJoin withdraws the waiter. It reports false when the loop already took it.
func (s *Session) abandonJoin(wait chan joinOutcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joinWait != wait {
		return false
	}
	s.joinWait = nil
	s.joining = ""
	return true
}

func (s *Session) releaseMedia() {
	s.speaker.Reset()
	s.media.StopAll()
}

// Leave closes every peer session, stops every local track and other analysis context,
// then tells the server. It returns once all of it is released.
func (s *Session) Leave() error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return ErrNotJoined
	}
	room := s.room
	peers := make([]*PeerSession, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	workers, cancel := s.workers, s.cancel
	s.joined = false
	s.room, s.initiator = "", ""
	s.peers = make(map[domain.Identity]*PeerSession)
	s.pending = make(map[domain.Identity][]protocol.ICECandidate)
	s.workers, s.ctx, s.cancel = nil, nil, nil
	s.mu.Unlock()

	s.speaker.Stop()
	for _, p := range peers {
		p.Close()
	}
	cancel()
	workers.Wait()
	s.releaseMedia()

	err := s.send(protocol.EventLeaveRoom, protocol.LeaveRoom{RoomID: room, Identity: s.identity})
	s.logger.Info().Str("room", string(room)).Int("peers", len(peers)).Msg("left room")
	s.emit(Event{Kind: EventLeft, Room: room})
	if err != nil {
		return fmt.Errorf("send leave: %w", err)
	}
	return nil
}

// SwitchRoom leaves the current room, if any, and joins room with fresh state.
func (s *Session) SwitchRoom(ctx context.Context, room domain.RoomID) (JoinInfo, error) {
	if err := s.Leave(); err != nil && !errors.Is(err, ErrNotJoined) {
		s.logger.Warn().Err(err).Msg("leave before switch")
	}
	return s.Join(ctx, room)
}

// SendChatMessage broadcasts text to the other members and appends it to the local log.
func (s *Session) SendChatMessage(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	s.mu.Lock()
	room, joined := s.room, s.joined
	s.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}
	now := s.opts.Now()
	if err := s.send(protocol.EventSendMessage, protocol.ChatMessage{
		RoomID:    room,
		Text:      text,
		Sender:    s.identity,
		Timestamp: now.UnixMilli(),
	}); err != nil {
		return err
	}
	s.chat.Append(ChatEntry{Room: room, Sender: s.identity, Text: text, Sent: now, Local: true})
	return nil
}

// Close leaves the room if joined, closes the signaling channel and waits for the event loop.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.Leave(); err != nil && !errors.Is(err, ErrNotJoined) {
		s.logger.Warn().Err(err).Msg("leave on close")
	}
	err := s.signal.Close()
	s.loop.Wait()

	s.evMu.Lock()
	s.evClosed = true
	close(s.events)
	s.evMu.Unlock()
	return err
}
