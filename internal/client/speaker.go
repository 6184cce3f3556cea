package client

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const (
	DefaultSpeakerThreshold = 0.1
	DefaultSpeakerInterval  = 100 * time.Millisecond
)

// Speaker is one stream's level. Local streams carry no identity.
type Speaker struct {
	Identity domain.Identity
	Local    bool
	Level    float64
}

func (s Speaker) same(o Speaker) bool {
	return s.Local == o.Local && s.Identity == o.Identity
}

// SelectSpeaker picks the loudest stream strictly above threshold.
// Equal levels prefer the local stream, then the lexicographically smaller identity.
func SelectSpeaker(levels []Speaker, threshold float64) (Speaker, bool) {
	var (
		best  Speaker
		found bool
	)
	for _, l := range levels {
		if !(l.Level > threshold) {
			continue
		}
		if !found || louder(l, best) {
			best, found = l, true
		}
	}
	return best, found
}

func louder(a, b Speaker) bool {
	if a.Level != b.Level {
		return a.Level > b.Level
	}
	if a.Local != b.Local {
		return a.Local
	}
	return a.Identity < b.Identity
}

// SpeakerDetector samples every registered level source on a ticker owned by the detector.
type SpeakerDetector struct {
	threshold float64
	interval  time.Duration
	onChange  func(Speaker, bool)

	mu      sync.Mutex
	local   core.LevelSource
	remote  map[domain.Identity]core.LevelSource
	current Speaker
	active  bool
	cancel  context.CancelFunc
	wg      conc.WaitGroup
}

// NewSpeakerDetector calls onChange (when non-nil) from the sampling goroutine
// whenever the active speaker changes, including to none.
func NewSpeakerDetector(threshold float64, interval time.Duration, onChange func(Speaker, bool)) *SpeakerDetector {
	if interval <= 0 {
		interval = DefaultSpeakerInterval
	}
	return &SpeakerDetector{
		threshold: threshold,
		interval:  interval,
		onChange:  onChange,
		remote:    make(map[domain.Identity]core.LevelSource),
	}
}

// SetLocal replaces the local stream's source, closing the previous one.
func (d *SpeakerDetector) SetLocal(src core.LevelSource) {
	d.mu.Lock()
	old := d.local
	d.local = src
	d.mu.Unlock()
	if old != nil && old != src {
		old.Close()
	}
}

func (d *SpeakerDetector) Add(id domain.Identity, src core.LevelSource) {
	d.mu.Lock()
	old := d.remote[id]
	d.remote[id] = src
	d.mu.Unlock()
	if old != nil && old != src {
		old.Close()
	}
}

// Remove closes and forgets the source of id. A non-nil src only removes that exact source,
// so a stale owner cannot remove its successor's context.
func (d *SpeakerDetector) Remove(id domain.Identity, src core.LevelSource) {
	d.mu.Lock()
	cur, ok := d.remote[id]
	if !ok || (src != nil && cur != src) {
		d.mu.Unlock()
		return
	}
	delete(d.remote, id)
	d.mu.Unlock()
	cur.Close()
}

// Sources reports the number of live analysis contexts, the local one included.
func (d *SpeakerDetector) Sources() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.remote)
	if d.local != nil {
		n++
	}
	return n
}

// Reset closes every analysis context.
func (d *SpeakerDetector) Reset() {
	d.mu.Lock()
	srcs := make([]core.LevelSource, 0, len(d.remote)+1)
	if d.local != nil {
		srcs = append(srcs, d.local)
	}
	for _, s := range d.remote {
		srcs = append(srcs, s)
	}
	d.local = nil
	d.remote = make(map[domain.Identity]core.LevelSource)
	d.current, d.active = Speaker{}, false
	d.mu.Unlock()
	for _, s := range srcs {
		s.Close()
	}
}

// Sample reads every source once and selects the active speaker.
func (d *SpeakerDetector) Sample() (Speaker, bool) {
	d.mu.Lock()
	levels := make([]Speaker, 0, len(d.remote)+1)
	if d.local != nil {
		levels = append(levels, Speaker{Local: true, Level: d.local.Level()})
	}
	for id, s := range d.remote {
		levels = append(levels, Speaker{Identity: id, Level: s.Level()})
	}
	d.mu.Unlock()
	return SelectSpeaker(levels, d.threshold)
}

func (d *SpeakerDetector) Current() (Speaker, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current, d.active
}

// Start begins periodic sampling until ctx ends or Stop is called. Starting twice is a no-op.
func (d *SpeakerDetector) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Go(func() { d.loop(ctx) })
	log.Debug().Str("module", "client.speaker").Dur("interval", d.interval).Msg("speaker detector started")
}

func (d *SpeakerDetector) loop(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *SpeakerDetector) tick() {
	sp, ok := d.Sample()
	d.mu.Lock()
	changed := ok != d.active || (ok && !sp.same(d.current))
	d.current, d.active = sp, ok
	d.mu.Unlock()
	if changed && d.onChange != nil {
		d.onChange(sp, ok)
	}
}

// Stop ends sampling and waits for the sampling goroutine.
func (d *SpeakerDetector) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
	d.mu.Lock()
	d.current, d.active = Speaker{}, false
	d.mu.Unlock()
}
