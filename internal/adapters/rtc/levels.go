package rtc

import (
	"errors"
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

// LevelDecay is how long a level is reported after the last audio-level header.
const LevelDecay = 500 * time.Millisecond

type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// AudioLevelReader derives a 0..1 level from the RFC 6464 header extension of inbound audio.
// It implements core.LevelSource.
type AudioLevelReader struct {
	src   rtpReader
	extID uint8
	now   func() time.Time

	level  atomic.Uint64 // math.Float64bits
	last   atomic.Int64  // unix nanos of the last level update
	closed atomic.Bool
	done   chan struct{}
}

// NewAudioLevelReader starts reading src. With extID 0 the level stays 0 and packets are only drained.
func NewAudioLevelReader(src rtpReader, extID uint8) *AudioLevelReader {
	r := newAudioLevelReader(src, extID, time.Now)
	go r.loop()
	return r
}

func newAudioLevelReader(src rtpReader, extID uint8, now func() time.Time) *AudioLevelReader {
	return &AudioLevelReader{src: src, extID: extID, now: now, done: make(chan struct{})}
}

func (r *AudioLevelReader) loop() {
	defer close(r.done)
	for {
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !r.closed.Load() {
				log.Debug().Err(err).Str("module", "webrtc").Msg("audio level reader stopped")
			}
			return
		}
		r.observe(pkt)
	}
}

func (r *AudioLevelReader) observe(pkt *rtp.Packet) {
	if r.extID == 0 || r.closed.Load() {
		return
	}
	raw := pkt.GetExtension(r.extID)
	if raw == nil {
		return
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return
	}
	r.level.Store(math.Float64bits(dBovToLevel(ext.Level)))
	r.last.Store(r.now().UnixNano())
}

// dBovToLevel maps the extension's -dBov value (0 loudest, 127 silence) onto 0..1.
func dBovToLevel(v uint8) float64 {
	return domain.NormalizeLevel(-float64(v & 0x7f))
}

func (r *AudioLevelReader) Level() float64 {
	if r.closed.Load() {
		return 0
	}
	last := r.last.Load()
	if last == 0 || r.now().Sub(time.Unix(0, last)) > LevelDecay {
		return 0
	}
	return math.Float64frombits(r.level.Load())
}

// Close stops reporting levels. The read loop ends with its track.
func (r *AudioLevelReader) Close() {
	r.closed.Store(true)
}
