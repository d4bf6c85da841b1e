package audio

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Analyser defaults match a browser AnalyserNode.
const (
	DefaultFFTSize               = 256
	DefaultSmoothingTimeConstant = 0.8
	DefaultMinDecibels           = -100.0
	DefaultMaxDecibels           = -30.0
)

type AnalyserConfig struct {
	FFTSize               int
	SmoothingTimeConstant float64
	MinDecibels           float64
	MaxDecibels           float64
}

func (c AnalyserConfig) withDefaults() AnalyserConfig {
	if c.FFTSize < 32 || c.FFTSize&(c.FFTSize-1) != 0 {
		c.FFTSize = DefaultFFTSize
	}
	if c.SmoothingTimeConstant < 0 || c.SmoothingTimeConstant >= 1 {
		c.SmoothingTimeConstant = DefaultSmoothingTimeConstant
	}
	if c.MinDecibels == 0 && c.MaxDecibels == 0 {
		c.MinDecibels = DefaultMinDecibels
		c.MaxDecibels = DefaultMaxDecibels
	}
	if c.MaxDecibels <= c.MinDecibels {
		c.MinDecibels = DefaultMinDecibels
		c.MaxDecibels = DefaultMaxDecibels
	}
	return c
}

// Analyser keeps the most recent FFTSize samples of a stream and reports their
// spectrum as bytes in 0..255, the way getByteFrequencyData does: Blackman
// window, magnitude / N, exponential smoothing over calls, then dB mapped
// linearly from [MinDecibels, MaxDecibels].
type Analyser struct {
	mu       sync.Mutex
	cfg      AnalyserConfig
	fft      *fourier.FFT
	window   []float64
	ring     []float64
	pos      int
	smoothed []float64
	seq      []float64
	coeff    []complex128
}

func NewAnalyser(cfg AnalyserConfig) *Analyser {
	cfg = cfg.withDefaults()
	n := cfg.FFTSize
	return &Analyser{
		cfg:      cfg,
		fft:      fourier.NewFFT(n),
		window:   blackman(n),
		ring:     make([]float64, n),
		smoothed: make([]float64, n/2),
		seq:      make([]float64, n),
	}
}

// FrequencyBinCount is half the FFT size.
func (a *Analyser) FrequencyBinCount() int { return a.cfg.FFTSize / 2 }

// Write appends samples to the analysis window.
func (a *Analyser) Write(samples []int16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.ring)
	if len(samples) > n {
		samples = samples[len(samples)-n:]
	}
	for _, s := range samples {
		a.ring[a.pos] = float64(s) / 32768.0
		a.pos = (a.pos + 1) % n
	}
}

// ByteFrequencyData fills dst (up to FrequencyBinCount entries) and returns the
// number of bins written.
func (a *Analyser) ByteFrequencyData(dst []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.ring)
	for i := 0; i < n; i++ {
		a.seq[i] = a.ring[(a.pos+i)%n] * a.window[i]
	}
	a.coeff = a.fft.Coefficients(a.coeff, a.seq)

	tau := a.cfg.SmoothingTimeConstant
	rangeDB := a.cfg.MaxDecibels - a.cfg.MinDecibels
	bins := len(a.smoothed)
	if len(dst) < bins {
		bins = len(dst)
	}
	for k := 0; k < len(a.smoothed); k++ {
		c := a.coeff[k]
		mag := math.Hypot(real(c), imag(c)) / float64(n)
		a.smoothed[k] = tau*a.smoothed[k] + (1-tau)*mag
		if k >= bins {
			continue
		}
		db := math.Inf(-1)
		if a.smoothed[k] > 0 {
			db = 20 * math.Log10(a.smoothed[k])
		}
		v := 255 * (db - a.cfg.MinDecibels) / rangeDB
		switch {
		case v < 0:
			dst[k] = 0
		case v > 255:
			dst[k] = 255
		default:
			dst[k] = byte(v)
		}
	}
	return bins
}

// Reset clears the window and smoothing history.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.ring {
		a.ring[i] = 0
	}
	for i := range a.smoothed {
		a.smoothed[i] = 0
	}
	a.pos = 0
}

func blackman(n int) []float64 {
	const alpha = 0.16
	a0 := 0.5 * (1 - alpha)
	a1 := 0.5
	a2 := 0.5 * alpha
	w := make([]float64, n)
	for i := range w {
		x := float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(2*math.Pi*x) + a2*math.Cos(4*math.Pi*x)
	}
	return w
}
