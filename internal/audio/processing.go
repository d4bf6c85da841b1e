package audio

import "math"

// ProcessingConfig selects the capture-side voice processing stages. All stages
// off is the raw passthrough used when forwarding already-processed meeting
// audio.
type ProcessingConfig struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Enabled reports whether any stage is on.
func (c ProcessingConfig) Enabled() bool {
	return c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl
}

const (
	dcBlockPole      = 0.995
	gateThresholdDB  = -50.0
	gateAttenuation  = 0.1
	agcTargetRMS     = 0.1
	agcMaxGain       = 8.0
	agcAttack        = 0.2
	agcRelease       = 0.02
	echoDuckLevel    = 0.35
	echoDuckGain     = 0.25
	processorFloorDB = -100.0
)

// Processor applies the enabled stages in place, frame by frame. It keeps
// filter state between frames and is not safe for concurrent use.
type Processor struct {
	cfg    ProcessingConfig
	farEnd func() float64

	prevIn  float64
	prevOut float64
	gain    float64
}

// NewProcessor builds a processor. farEnd reports the current playback level
// in [0,1] and is used by the echo stage to duck the microphone while the agent
// is speaking; it may be nil.
func NewProcessor(cfg ProcessingConfig, farEnd func() float64) *Processor {
	return &Processor{cfg: cfg, farEnd: farEnd, gain: 1}
}

func (p *Processor) Process(samples []int16) {
	if !p.cfg.Enabled() || len(samples) == 0 {
		return
	}
	buf := make([]float64, len(samples))
	for i, s := range samples {
		buf[i] = float64(s) / 32768.0
	}

	if p.cfg.NoiseSuppression {
		p.highPass(buf)
		p.gate(buf)
	}
	if p.cfg.EchoCancellation && p.farEnd != nil && p.farEnd() > echoDuckLevel {
		scale(buf, echoDuckGain)
	}
	if p.cfg.AutoGainControl {
		p.autoGain(buf)
	}

	for i, v := range buf {
		samples[i] = clampInt16(v * 32768.0)
	}
}

// highPass is a one-pole DC blocker.
func (p *Processor) highPass(buf []float64) {
	for i, x := range buf {
		y := x - p.prevIn + dcBlockPole*p.prevOut
		p.prevIn = x
		p.prevOut = y
		buf[i] = y
	}
}

func (p *Processor) gate(buf []float64) {
	if RMSDecibels(buf) < gateThresholdDB {
		scale(buf, gateAttenuation)
	}
}

func (p *Processor) autoGain(buf []float64) {
	rms := rmsOf(buf)
	if rms <= 1e-6 {
		return
	}
	want := agcTargetRMS / rms
	if want > agcMaxGain {
		want = agcMaxGain
	}
	rate := agcRelease
	if want < p.gain {
		rate = agcAttack
	}
	p.gain += (want - p.gain) * rate
	scale(buf, p.gain)
}

// RMSDecibels returns the RMS level of normalised samples in dBFS, floored at
// -100.
func RMSDecibels(buf []float64) float64 {
	rms := rmsOf(buf)
	if rms <= 0 {
		return processorFloorDB
	}
	db := 20 * math.Log10(rms)
	if db < processorFloorDB {
		return processorFloorDB
	}
	return db
}

func rmsOf(buf []float64) float64 {
	if len(buf) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range buf {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(buf)))
}

func scale(buf []float64, g float64) {
	for i := range buf {
		buf[i] *= g
	}
}
