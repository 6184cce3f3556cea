package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

var ErrTrackStopped = errors.New("track stopped")

// SampleTrack is a local capture track fed with encoded samples.
// Samples written while the track is disabled are dropped, so the sender stays negotiated.
type SampleTrack struct {
	id     string
	source domain.SourceKind
	track  *webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	stopped atomic.Bool
	ended   chan struct{}
	once    sync.Once

	mu  sync.Mutex
	tap func([]float64)
}

func codecFor(kind domain.TrackKind) webrtc.RTPCodecCapability {
	if kind == domain.TrackAudio {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
}

func NewSampleTrack(source domain.SourceKind, streamID string) (*SampleTrack, error) {
	id := uuid.NewString()
	kind := source.Kind()
	tl, err := webrtc.NewTrackLocalStaticSample(codecFor(kind), id, streamID)
	if err != nil {
		return nil, fmt.Errorf("new %s track: %w", source, err)
	}
	t := &SampleTrack{id: id, source: source, track: tl, ended: make(chan struct{})}
	t.enabled.Store(true)
	return t, nil
}

func (t *SampleTrack) ID() string                { return t.id }
func (t *SampleTrack) Kind() domain.TrackKind    { return t.source.Kind() }
func (t *SampleTrack) Source() domain.SourceKind { return t.source }
func (t *SampleTrack) Enabled() bool             { return t.enabled.Load() }
func (t *SampleTrack) SetEnabled(v bool)         { t.enabled.Store(v) }
func (t *SampleTrack) Stopped() bool             { return t.stopped.Load() }
func (t *SampleTrack) Ended() <-chan struct{}    { return t.ended }
func (t *SampleTrack) RTP() webrtc.TrackLocal    { return t.track }

// OnPCM registers a consumer of raw capture frames. Frames are delivered only while enabled.
func (t *SampleTrack) OnPCM(fn func(frame []float64)) {
	t.mu.Lock()
	t.tap = fn
	t.mu.Unlock()
}

// WriteFrame feeds one captured frame: pcm (may be nil) to the tap, sample to the peers.
func (t *SampleTrack) WriteFrame(pcm []float64, sample media.Sample) error {
	if t.stopped.Load() {
		return ErrTrackStopped
	}
	if !t.enabled.Load() {
		return nil
	}
	t.mu.Lock()
	tap := t.tap
	t.mu.Unlock()
	if tap != nil && pcm != nil {
		tap(pcm)
	}
	if len(sample.Data) == 0 {
		return nil
	}
	return t.track.WriteSample(sample)
}

// End marks the source as ended on its own, as when a screen capture is closed by the user.
func (t *SampleTrack) End() {
	t.finish("ended")
}

func (t *SampleTrack) Stop() {
	t.finish("stopped")
}

func (t *SampleTrack) finish(reason string) {
	t.once.Do(func() {
		t.stopped.Store(true)
		close(t.ended)
		log.Debug().Str("module", "webrtc").Str("track_id", t.id).Str("source", string(t.source)).Msg("track " + reason)
	})
}

// StaticDevices opens sample tracks for every source without real capture.
// Sources listed in Deny fail with the given error, emulating a refused permission.
type StaticDevices struct {
	StreamID string
	Deny     map[domain.SourceKind]error

	mu     sync.Mutex
	opened []*SampleTrack
}

func (d *StaticDevices) Open(ctx context.Context, source domain.SourceKind) (core.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := d.Deny[source]; ok {
		return nil, err
	}
	stream := d.StreamID
	if stream == "" {
		stream = "mesh"
	}
	t, err := NewSampleTrack(source, stream)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.opened = append(d.opened, t)
	d.mu.Unlock()
	return t, nil
}

// Opened returns the tracks handed out so far, newest last.
func (d *StaticDevices) Opened() []*SampleTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*SampleTrack(nil), d.opened...)
}
