package client

import (
	"math"
	"math/cmplx"
	"sync"

	"github.com/dkeye/Mesh/internal/domain"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

const DefaultFFTSize = 512

// PCMAnalyser turns local capture frames into a 0..1 level the way a browser analyser node
// does: windowed FFT, per-bin magnitude in dB mapped onto [MinLevelDB, MaxLevelDB], averaged.
// It implements core.LevelSource.
type PCMAnalyser struct {
	mu      sync.Mutex
	fft     *fourier.FFT
	window  []float64
	buf     []float64
	scratch []float64
	coeffs  []complex128
	level   float64
	closed  bool
}

func NewPCMAnalyser(size int) *PCMAnalyser {
	if size < 2 {
		size = DefaultFFTSize
	}
	w := make([]float64, size)
	for i := range w {
		w[i] = 1
	}
	window.Hann(w)
	return &PCMAnalyser{
		fft:     fourier.NewFFT(size),
		window:  w,
		buf:     make([]float64, 0, size),
		scratch: make([]float64, size),
	}
}

// Write appends mono samples in [-1, 1]; every full window updates the level.
func (a *PCMAnalyser) Write(frame []float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	n := len(a.window)
	for _, v := range frame {
		a.buf = append(a.buf, v)
		if len(a.buf) == n {
			a.level = a.analyse()
			a.buf = a.buf[:0]
		}
	}
}

func (a *PCMAnalyser) analyse() float64 {
	n := len(a.window)
	for i, v := range a.buf {
		a.scratch[i] = v * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.scratch)
	var sum float64
	// Bin 0 is DC and carries no speech energy.
	bins := a.coeffs[1:]
	for _, c := range bins {
		mag := cmplx.Abs(c) / float64(n)
		sum += domain.NormalizeLevel(20 * math.Log10(mag))
	}
	return sum / float64(len(bins))
}

func (a *PCMAnalyser) Level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.level
}

func (a *PCMAnalyser) Close() {
	a.mu.Lock()
	a.closed = true
	a.level = 0
	a.buf = a.buf[:0]
	a.mu.Unlock()
}
