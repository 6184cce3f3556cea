package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/errgroup"
)

// MediaController owns the local capture tracks and swaps the outbound video
// of every peer session in place.
type MediaController struct {
	devices core.MediaDevices
	targets func() []*PeerSession
	logger  zerolog.Logger

	// op serializes source switches, replacements included.
	op sync.Mutex

	mu     sync.Mutex
	audio  core.LocalTrack
	camera core.LocalTrack
	screen core.LocalTrack
	state  domain.LocalMediaState
	// draining counts StopAll calls waiting on watchers; no watcher starts meanwhile.
	draining int

	watchers conc.WaitGroup
}

func newMediaController(devices core.MediaDevices, targets func() []*PeerSession) *MediaController {
	return &MediaController{
		devices: devices,
		targets: targets,
		logger:  log.With().Str("module", "client.media").Logger(),
		state: domain.LocalMediaState{
			AudioEnabled: true,
			VideoEnabled: true,
			ActiveSource: domain.VideoCamera,
		},
	}
}

// Start opens the microphone and camera sources that are not open yet.
// On failure every track opened by this call is stopped.
func (m *MediaController) Start(ctx context.Context, sources []domain.SourceKind) error {
	m.op.Lock()
	defer m.op.Unlock()

	opened := make(map[domain.SourceKind]core.LocalTrack)
	for _, src := range sources {
		if src == domain.SourceScreen || m.track(src) != nil || opened[src] != nil {
			continue
		}
		t, err := m.devices.Open(ctx, src)
		if err != nil {
			for _, o := range opened {
				o.Stop()
			}
			return fmt.Errorf("%w: %s: %w", ErrMediaUnavailable, src, err)
		}
		opened[src] = t
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := opened[domain.SourceMicrophone]; ok {
		t.SetEnabled(m.state.AudioEnabled)
		m.audio = t
	}
	if t, ok := opened[domain.SourceCamera]; ok {
		t.SetEnabled(m.state.VideoEnabled)
		m.camera = t
	}
	m.logger.Info().Int("opened", len(opened)).Msg("local media started")
	return nil
}

func (m *MediaController) track(src domain.SourceKind) core.LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch src {
	case domain.SourceMicrophone:
		return m.audio
	case domain.SourceCamera:
		return m.camera
	case domain.SourceScreen:
		return m.screen
	}
	return nil
}

func (m *MediaController) Audio() core.LocalTrack { return m.track(domain.SourceMicrophone) }

// Video returns the track currently feeding outbound video.
func (m *MediaController) Video() core.LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoLocked()
}

func (m *MediaController) videoLocked() core.LocalTrack {
	if m.state.ActiveSource == domain.VideoScreen && m.screen != nil {
		return m.screen
	}
	return m.camera
}

// Outbound lists the tracks a new peer connection attaches.
func (m *MediaController) Outbound() []core.LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.LocalTrack
	if m.audio != nil {
		out = append(out, m.audio)
	}
	if v := m.videoLocked(); v != nil {
		out = append(out, v)
	}
	return out
}

// Tracks lists every open local track.
func (m *MediaController) Tracks() []core.LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.LocalTrack
	for _, t := range []core.LocalTrack{m.audio, m.camera, m.screen} {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

func (m *MediaController) State() domain.LocalMediaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetAudioEnabled mutes or unmutes the microphone without renegotiation.
func (m *MediaController) SetAudioEnabled(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.AudioEnabled = v
	if m.audio != nil {
		m.audio.SetEnabled(v)
	}
}

// SetVideoEnabled freezes or resumes outbound video without renegotiation.
func (m *MediaController) SetVideoEnabled(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.VideoEnabled = v
	for _, t := range []core.LocalTrack{m.camera, m.screen} {
		if t != nil {
			t.SetEnabled(v)
		}
	}
}

// StartScreenShare replaces the camera with a screen source on every peer session.
// Either every session switches or none does. When the screen source ends on its own
// the camera is restored.
func (m *MediaController) StartScreenShare(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	sharing := m.state.ActiveSource == domain.VideoScreen
	camera := m.camera
	enabled := m.state.VideoEnabled
	draining := m.draining > 0
	m.mu.Unlock()
	if sharing {
		return nil
	}
	if camera == nil || draining {
		return fmt.Errorf("%w: screen share requires a camera sender", ErrMediaUnavailable)
	}

	screen, err := m.devices.Open(ctx, domain.SourceScreen)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMediaUnavailable, domain.SourceScreen, err)
	}
	screen.SetEnabled(enabled)

	// Sessions created during the fan-out attach Outbound, so the screen is published first.
	m.publishScreen(screen)
	if err := m.replaceAll(ctx, screen); err != nil {
		m.unshare(screen, camera)
		return err
	}

	m.mu.Lock()
	if m.draining > 0 {
		m.mu.Unlock()
		m.unshare(screen, camera)
		return fmt.Errorf("%w: local media released", ErrMediaUnavailable)
	}
	m.watchers.Go(func() { m.watch(screen) })
	m.mu.Unlock()
	m.logger.Info().Str("track_id", screen.ID()).Msg("screen share started")
	return nil
}

// publishScreen makes screen, or the camera when nil, the video source Outbound reports.
func (m *MediaController) publishScreen(screen core.LocalTrack) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.screen = screen
	if screen != nil {
		m.state.ActiveSource = domain.VideoScreen
	} else {
		m.state.ActiveSource = domain.VideoCamera
	}
}

// unshare withdraws a screen that never fully switched in.
func (m *MediaController) unshare(screen, camera core.LocalTrack) {
	m.publishScreen(nil)
	var wg conc.WaitGroup
	for _, p := range m.targets() {
		wg.Go(func() {
			if err := p.RestoreVideo(context.Background(), screen, camera); err != nil && !errors.Is(err, ErrPeerClosed) {
				m.logger.Warn().Err(err).Str("remote", string(p.Remote())).Msg("rollback video")
			}
		})
	}
	wg.Wait()
	screen.Stop()
}

// StopScreenShare restores the camera on every peer session.
func (m *MediaController) StopScreenShare(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()
	return m.revertLocked(ctx)
}

func (m *MediaController) watch(screen core.LocalTrack) {
	<-screen.Ended()
	m.op.Lock()
	defer m.op.Unlock()
	if m.track(domain.SourceScreen) != screen {
		return
	}
	m.logger.Info().Msg("screen source ended, reverting to camera")
	if err := m.revertLocked(context.Background()); err != nil {
		m.logger.Warn().Err(err).Msg("revert to camera")
	}
}

func (m *MediaController) revertLocked(ctx context.Context) error {
	m.mu.Lock()
	screen, camera := m.screen, m.camera
	if m.state.ActiveSource != domain.VideoScreen || screen == nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.publishScreen(nil)
	var err error
	if camera != nil {
		err = m.replaceAll(ctx, camera)
	}
	screen.Stop()
	m.logger.Info().Msg("screen share stopped")
	return err
}

// replaceAll swaps next in for every peer session in parallel.
func (m *MediaController) replaceAll(ctx context.Context, next core.LocalTrack) error {
	var g errgroup.Group
	for _, p := range m.targets() {
		g.Go(func() error {
			if err := p.ReplaceVideo(ctx, next); err != nil && !errors.Is(err, ErrPeerClosed) {
				return fmt.Errorf("replace video for %s: %w", p.Remote(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// StopAll stops every local track and waits for the screen watcher.
func (m *MediaController) StopAll() {
	m.op.Lock()
	m.mu.Lock()
	tracks := []core.LocalTrack{m.audio, m.camera, m.screen}
	m.audio, m.camera, m.screen = nil, nil, nil
	m.state.ActiveSource = domain.VideoCamera
	m.draining++
	m.mu.Unlock()
	for _, t := range tracks {
		if t != nil {
			t.Stop()
		}
	}
	m.op.Unlock()
	m.watchers.Wait()

	m.mu.Lock()
	m.draining--
	m.mu.Unlock()
}
