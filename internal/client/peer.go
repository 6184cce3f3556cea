package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var errICEFailed = errors.New("ice failed")

// PeerSession is the negotiation with one remote participant. Every step runs on the
// session's own worker goroutine in submission order, so a slow peer never blocks others.
type PeerSession struct {
	remote domain.Identity
	// announced is set when the remote was learned from user-connected, which makes
	// the local side the earlier joiner of the pair.
	announced bool
	host      *Session
	ctx       context.Context
	logger    zerolog.Logger

	qmu     sync.Mutex
	queue   []func()
	closing bool
	wake    chan struct{}
	done    chan struct{}

	smu      sync.Mutex
	state    domain.ConnectionState
	attached map[domain.TrackKind]core.LocalTrack

	// owned by the worker
	pc         core.PeerConnection
	gen        uint64
	remoteSet  bool
	localOffer bool
	pending    []protocol.ICECandidate
	retries    int
	timer      *time.Timer
	levels     []core.LevelSource
}

func newPeerSession(ctx context.Context, host *Session, remote domain.Identity, announced bool) *PeerSession {
	return &PeerSession{
		remote:    remote,
		announced: announced,
		host:      host,
		ctx:       ctx,
		logger:    log.With().Str("module", "client.peer").Str("remote", string(remote)).Logger(),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		attached:  make(map[domain.TrackKind]core.LocalTrack),
	}
}

func (p *PeerSession) Remote() domain.Identity { return p.remote }

func (p *PeerSession) State() domain.ConnectionState {
	p.smu.Lock()
	defer p.smu.Unlock()
	return p.state
}

// Attached returns the outbound track per kind as last applied to the connection.
func (p *PeerSession) Attached() map[domain.TrackKind]core.LocalTrack {
	p.smu.Lock()
	defer p.smu.Unlock()
	out := make(map[domain.TrackKind]core.LocalTrack, len(p.attached))
	for k, t := range p.attached {
		out[k] = t
	}
	return out
}

// Done is closed once the worker has released the connection.
func (p *PeerSession) Done() <-chan struct{} { return p.done }

func (p *PeerSession) setState(s domain.ConnectionState) {
	p.smu.Lock()
	prev := p.state
	p.state = s
	p.smu.Unlock()
	if prev != s {
		p.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("state")
		p.host.emit(Event{Kind: EventPeerState, Identity: p.remote, State: s})
	}
}

func (p *PeerSession) enqueue(op func()) bool {
	p.qmu.Lock()
	if p.closing {
		p.qmu.Unlock()
		return false
	}
	p.queue = append(p.queue, op)
	p.qmu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

func (p *PeerSession) run() {
	defer close(p.done)
	for {
		p.qmu.Lock()
		if p.closing {
			p.queue = nil
			p.qmu.Unlock()
			p.shutdown()
			return
		}
		if len(p.queue) == 0 {
			p.qmu.Unlock()
			<-p.wake
			continue
		}
		op := p.queue[0]
		p.queue = p.queue[1:]
		p.qmu.Unlock()
		op()
	}
}

// Close discards pending steps and releases the connection asynchronously. See Done.
func (p *PeerSession) Close() {
	p.qmu.Lock()
	p.closing = true
	p.qmu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *PeerSession) shutdown() {
	p.stopTimer()
	p.gen++
	if p.pc != nil {
		if err := p.pc.Close(); err != nil {
			p.logger.Warn().Err(err).Msg("close peer connection")
		}
		p.pc = nil
	}
	p.pending = nil
	for _, lv := range p.levels {
		p.host.speaker.Remove(p.remote, lv)
	}
	p.levels = nil
	p.smu.Lock()
	p.attached = make(map[domain.TrackKind]core.LocalTrack)
	p.smu.Unlock()
	p.setState(domain.StateClosed)
}

// start creates the first connection.
func (p *PeerSession) start() {
	p.enqueue(func() {
		if err := p.reset(); err != nil {
			p.unreachable(err)
		}
	})
}

// reset replaces the connection with a fresh one carrying the current outbound tracks.
func (p *PeerSession) reset() error {
	p.stopTimer()
	p.gen++
	if p.pc != nil {
		_ = p.pc.Close()
		p.pc = nil
	}
	for _, lv := range p.levels {
		p.host.speaker.Remove(p.remote, lv)
	}
	p.levels = nil
	p.remoteSet, p.localOffer = false, false
	p.pending = nil
	p.smu.Lock()
	p.attached = make(map[domain.TrackKind]core.LocalTrack)
	p.smu.Unlock()
	p.setState(domain.StateNew)

	pc, err := p.host.factory.NewPeerConnection(p.remote)
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	gen := p.gen
	pc.OnICECandidate(func(c protocol.ICECandidate) {
		p.enqueue(func() {
			if gen == p.gen {
				p.host.sendNegotiation(protocol.EventICECandidate, protocol.Negotiation{Candidate: &c, RecipientIdentity: p.remote})
			}
		})
	})
	pc.OnStateChange(func(s domain.ConnectionState) {
		p.enqueue(func() {
			if gen == p.gen {
				p.transportState(s)
			}
		})
	})
	pc.OnRemoteTrack(func(t core.RemoteTrack) {
		p.enqueue(func() {
			if gen == p.gen {
				p.remoteTrack(t)
			}
		})
	})

	tracks := p.host.media.Outbound()
	for _, t := range tracks {
		if err := pc.AttachTrack(t); err != nil {
			_ = pc.Close()
			return err
		}
	}
	p.smu.Lock()
	for _, t := range tracks {
		p.attached[t.Kind()] = t
	}
	p.smu.Unlock()
	p.pc = pc
	return nil
}

func (p *PeerSession) transportState(s domain.ConnectionState) {
	switch s {
	case domain.StateConnected:
		p.stopTimer()
		p.retries = 0
		p.setState(domain.StateConnected)
	case domain.StateFailed:
		p.fail(errICEFailed)
	}
}

func (p *PeerSession) remoteTrack(t core.RemoteTrack) {
	if lv := t.Levels(); lv != nil {
		p.levels = append(p.levels, lv)
		p.host.speaker.Add(p.remote, lv)
	}
	p.host.emit(Event{Kind: EventRemoteTrack, Identity: p.remote, Track: t})
}

func (p *PeerSession) armTimer() {
	p.stopTimer()
	gen := p.gen
	p.timer = time.AfterFunc(p.host.opts.NegotiationTimeout, func() {
		p.enqueue(func() {
			if gen == p.gen && p.State() == domain.StateNegotiating {
				p.fail(ErrNegotiationTimeout)
			}
		})
	})
}

func (p *PeerSession) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// fail retries once with a fresh connection; the offering side re-offers.
// A second failure leaves the session failed and reports the peer unreachable.
func (p *PeerSession) fail(err error) {
	p.logger.Warn().Err(err).Int("retries", p.retries).Msg("negotiation failed")
	p.setState(domain.StateFailed)
	if p.retries >= p.host.opts.MaxRetries {
		p.unreachable(err)
		return
	}
	p.retries++
	if rerr := p.reset(); rerr != nil {
		p.unreachable(rerr)
		return
	}
	if p.host.offers(p) {
		p.offer()
	}
}

func (p *PeerSession) unreachable(err error) {
	p.stopTimer()
	p.gen++
	if p.pc != nil {
		_ = p.pc.Close()
		p.pc = nil
	}
	p.setState(domain.StateFailed)
	p.logger.Error().Err(err).Msg("peer unreachable")
	p.host.emit(Event{Kind: EventPeerUnreachable, Identity: p.remote, Err: err})
}

// Offer sends an offer if the connection is still fresh.
func (p *PeerSession) Offer() {
	p.enqueue(func() {
		if p.pc == nil || p.localOffer || p.remoteSet {
			return
		}
		p.offer()
	})
}

func (p *PeerSession) offer() {
	desc, err := p.pc.CreateOffer(p.ctx)
	if err != nil {
		p.fail(err)
		return
	}
	p.localOffer = true
	p.host.sendNegotiation(protocol.EventOffer, protocol.Negotiation{Offer: &desc, RecipientIdentity: p.remote})
	p.setState(domain.StateNegotiating)
	p.armTimer()
}

func (p *PeerSession) HandleOffer(offer protocol.SessionDescription) {
	p.enqueue(func() { p.handleOffer(offer) })
}

func (p *PeerSession) handleOffer(offer protocol.SessionDescription) {
	// Glare: both sides offered. The smaller identity keeps its own offer.
	if p.localOffer && !p.remoteSet && p.host.identity < p.remote {
		p.logger.Info().Msg("glare, keeping local offer")
		return
	}
	if p.pc == nil || p.localOffer || p.remoteSet || p.State() != domain.StateNew {
		// The remote restarted negotiation: answer on a fresh connection.
		if err := p.reset(); err != nil {
			p.unreachable(err)
			return
		}
	}
	answer, err := p.pc.AcceptOffer(p.ctx, offer)
	if err != nil {
		p.fail(err)
		return
	}
	p.remoteSet = true
	p.host.sendNegotiation(protocol.EventAnswer, protocol.Negotiation{Answer: &answer, RecipientIdentity: p.remote})
	p.setState(domain.StateNegotiating)
	p.armTimer()
	p.flush()
}

func (p *PeerSession) HandleAnswer(answer protocol.SessionDescription) {
	p.enqueue(func() {
		if p.pc == nil || !p.localOffer || p.State() != domain.StateNegotiating {
			p.logger.Debug().Msg("unexpected answer dropped")
			return
		}
		if err := p.pc.AcceptAnswer(p.ctx, answer); err != nil {
			p.fail(err)
			return
		}
		p.localOffer = false
		p.remoteSet = true
		p.flush()
	})
}

// AddCandidate applies c once a remote description exists and buffers it until then.
func (p *PeerSession) AddCandidate(c protocol.ICECandidate) {
	p.enqueue(func() {
		if p.pc == nil || !p.remoteSet {
			p.pending = append(p.pending, c)
			return
		}
		p.apply(c)
	})
}

func (p *PeerSession) flush() {
	pending := p.pending
	p.pending = nil
	for _, c := range pending {
		p.apply(c)
	}
}

func (p *PeerSession) apply(c protocol.ICECandidate) {
	if err := p.pc.AddICECandidate(c); err != nil {
		// Candidates of a discarded connection are expected after a restart.
		p.logger.Warn().Err(err).Msg("add ice candidate")
	}
}

// ReplaceVideo swaps the outbound video track in place, without renegotiation.
func (p *PeerSession) ReplaceVideo(ctx context.Context, t core.LocalTrack) error {
	return p.swapVideo(ctx, nil, t)
}

// RestoreVideo puts prev back when the connection still sends from.
func (p *PeerSession) RestoreVideo(ctx context.Context, from, prev core.LocalTrack) error {
	return p.swapVideo(ctx, from, prev)
}

func (p *PeerSession) swapVideo(ctx context.Context, from, to core.LocalTrack) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res := make(chan error, 1)
	ok := p.enqueue(func() {
		if p.pc == nil {
			res <- nil
			return
		}
		p.smu.Lock()
		cur := p.attached[domain.TrackVideo]
		p.smu.Unlock()
		if from != nil && cur != from {
			res <- nil
			return
		}
		if err := p.pc.ReplaceTrack(domain.TrackVideo, to); err != nil {
			res <- err
			return
		}
		p.smu.Lock()
		p.attached[domain.TrackVideo] = to
		p.smu.Unlock()
		res <- nil
	})
	if !ok {
		return ErrPeerClosed
	}
	select {
	case err := <-res:
		return err
	case <-p.done:
		return ErrPeerClosed
	}
}
