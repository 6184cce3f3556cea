package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNoSender = errors.New("no sender for track kind")

// Connection wraps a pion peer connection with trickle ICE.
type Connection struct {
	pc     *webrtc.PeerConnection
	remote domain.Identity
	logger zerolog.Logger

	mu      sync.Mutex
	senders map[domain.TrackKind]*webrtc.RTPSender
	onICE   func(protocol.ICECandidate)
	onState func(domain.ConnectionState)
	onTrack func(core.RemoteTrack)
}

func newConnection(pc *webrtc.PeerConnection, remote domain.Identity) *Connection {
	c := &Connection{
		pc:      pc,
		remote:  remote,
		logger:  log.With().Str("module", "webrtc").Str("remote", string(remote)).Logger(),
		senders: make(map[domain.TrackKind]*webrtc.RTPSender),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		var st domain.ConnectionState
		switch s {
		case webrtc.PeerConnectionStateConnected:
			st = domain.StateConnected
		case webrtc.PeerConnectionStateFailed:
			st = domain.StateFailed
		case webrtc.PeerConnectionStateClosed:
			st = domain.StateClosed
		default:
			return
		}
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(st)
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(protocol.ICECandidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			})
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		rt := &remoteTrack{track: track}
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			rt.levels = NewAudioLevelReader(track, audioLevelID(receiver))
		} else {
			go drain(track)
		}
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(rt)
		}
	})

	return c
}

// audioLevelID finds the negotiated id of the ssrc-audio-level extension, 0 if absent.
func audioLevelID(receiver *webrtc.RTPReceiver) uint8 {
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == sdp.AudioLevelURI {
			return uint8(ext.ID)
		}
	}
	return 0
}

// drain consumes inbound video so the interceptors keep running. It exits when the track ends.
func drain(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

func toWebRTC(d protocol.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func fromWebRTC(d webrtc.SessionDescription) protocol.SessionDescription {
	return protocol.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func (c *Connection) CreateOffer(ctx context.Context) (protocol.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return protocol.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return fromWebRTC(offer), nil
}

func (c *Connection) AcceptOffer(ctx context.Context, offer protocol.SessionDescription) (protocol.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return protocol.SessionDescription{}, err
	}
	if err := c.pc.SetRemoteDescription(toWebRTC(offer)); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return fromWebRTC(answer), nil
}

func (c *Connection) AcceptAnswer(ctx context.Context, answer protocol.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.pc.SetRemoteDescription(toWebRTC(answer)); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (c *Connection) AddICECandidate(ci protocol.ICECandidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        ci.Candidate,
		SDPMid:           ci.SDPMid,
		SDPMLineIndex:    ci.SDPMLineIndex,
		UsernameFragment: ci.UsernameFragment,
	})
}

func (c *Connection) AttachTrack(t core.LocalTrack) error {
	sender, err := c.pc.AddTrack(t.RTP())
	if err != nil {
		return fmt.Errorf("add %s track: %w", t.Kind(), err)
	}
	c.mu.Lock()
	c.senders[t.Kind()] = sender
	c.mu.Unlock()

	// RTCP must be read for interceptors such as NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *Connection) ReplaceTrack(kind domain.TrackKind, t core.LocalTrack) error {
	c.mu.Lock()
	sender, ok := c.senders[kind]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSender, kind)
	}
	return sender.ReplaceTrack(t.RTP())
}

func (c *Connection) OnICECandidate(fn func(protocol.ICECandidate)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnStateChange(fn func(domain.ConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Connection) OnRemoteTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) Close() error {
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}

type remoteTrack struct {
	track  *webrtc.TrackRemote
	levels *AudioLevelReader
}

func (t *remoteTrack) ID() string { return t.track.ID() }

func (t *remoteTrack) Kind() domain.TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeAudio {
		return domain.TrackAudio
	}
	return domain.TrackVideo
}

func (t *remoteTrack) Levels() core.LevelSource {
	if t.levels == nil {
		return nil
	}
	return t.levels
}
