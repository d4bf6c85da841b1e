package audio

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(n, sampleRate int, freq, amp float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}

func TestULawRoundTripWithinQuantisation(t *testing.T) {
	in := []int16{0, 1, -1, 100, -100, 1000, -1000, 12000, -12000, 32767, -32768}
	out := DecodeULaw(EncodeULaw(in))
	require.Len(t, out, len(in))
	for i := range in {
		diff := math.Abs(float64(in[i]) - float64(out[i]))
		tolerance := math.Max(8, math.Abs(float64(in[i]))*0.07)
		assert.LessOrEqual(t, diff, tolerance, "sample %d: %d -> %d", i, in[i], out[i])
	}
}

func TestPCM16LERoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768}
	assert.Equal(t, in, DecodePCM16LE(EncodePCM16LE(in)))
	assert.Len(t, DecodePCM16LE([]byte{1, 2, 3}), 1)
}

func TestWAVHeaderRoundTrip(t *testing.T) {
	pcm := EncodePCM16LE(sine(160, 16000, 440, 0.5))
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	require.NoError(t, err)

	r := bytes.NewReader(wav)
	info, err := ReadWAVHeader(r)
	require.NoError(t, err)
	assert.Equal(t, 16000, info.SampleRate)
	assert.Equal(t, 1, info.Channels)
	assert.Equal(t, uint32(len(pcm)), info.DataSize)
	assert.Equal(t, len(pcm), r.Len())
}

func TestReadWAVHeaderRejectsGarbage(t *testing.T) {
	_, err := ReadWAVHeader(bytes.NewReader([]byte("RIFX0000WAVEjunkjunk")))
	assert.ErrorIs(t, err, ErrUnsupportedWAV)
}

func TestAnalyserSilenceIsZero(t *testing.T) {
	a := NewAnalyser(AnalyserConfig{})
	a.Write(make([]int16, 512))
	bins := make([]byte, a.FrequencyBinCount())
	n := a.ByteFrequencyData(bins)
	assert.Equal(t, DefaultFFTSize/2, n)
	for i, b := range bins {
		assert.Equal(t, byte(0), b, "bin %d", i)
	}
}

func TestAnalyserToneRaisesBins(t *testing.T) {
	a := NewAnalyser(AnalyserConfig{SmoothingTimeConstant: 0.01})
	a.Write(sine(256, 16000, 1000, 0.8))
	bins := make([]byte, a.FrequencyBinCount())
	a.ByteFrequencyData(bins)

	peak := 0
	for i, b := range bins {
		if b > bins[peak] {
			peak = i
		}
	}
	// 1 kHz at 16 kHz with a 256-point FFT lands in bin 16.
	assert.InDelta(t, 16, peak, 1)
	assert.Greater(t, int(bins[peak]), 200)
}

func TestAnalyserConfigDefaults(t *testing.T) {
	cfg := AnalyserConfig{FFTSize: 100, SmoothingTimeConstant: 2}.withDefaults()
	assert.Equal(t, DefaultFFTSize, cfg.FFTSize)
	assert.Equal(t, DefaultSmoothingTimeConstant, cfg.SmoothingTimeConstant)
	assert.Equal(t, DefaultMinDecibels, cfg.MinDecibels)
	assert.Equal(t, DefaultMaxDecibels, cfg.MaxDecibels)
}

func TestProcessorPassthroughLeavesSamples(t *testing.T) {
	in := sine(320, 16000, 300, 0.3)
	got := append([]int16(nil), in...)
	NewProcessor(ProcessingConfig{}, nil).Process(got)
	assert.Equal(t, in, got)
}

func TestProcessorGateAttenuatesNoiseFloor(t *testing.T) {
	quiet := sine(320, 16000, 300, 0.001)
	p := NewProcessor(ProcessingConfig{NoiseSuppression: true}, nil)
	got := append([]int16(nil), quiet...)
	p.Process(got)

	var inPeak, outPeak int16
	for i := range quiet {
		if abs16(quiet[i]) > inPeak {
			inPeak = abs16(quiet[i])
		}
		if abs16(got[i]) > outPeak {
			outPeak = abs16(got[i])
		}
	}
	assert.Less(t, outPeak, inPeak)
}

func TestProcessorEchoDucksWhileFarEndLoud(t *testing.T) {
	in := sine(320, 16000, 300, 0.5)
	got := append([]int16(nil), in...)
	NewProcessor(ProcessingConfig{EchoCancellation: true}, func() float64 { return 0.9 }).Process(got)
	assert.InDelta(t, float64(in[10])*echoDuckGain, float64(got[10]), 2)
}

func TestProcessorAutoGainBoostsQuietSpeech(t *testing.T) {
	p := NewProcessor(ProcessingConfig{AutoGainControl: true}, nil)
	var got []int16
	for i := 0; i < 50; i++ {
		got = sine(320, 16000, 300, 0.02)
		p.Process(got)
	}
	assert.Greater(t, rmsOfInt16(got), rmsOfInt16(sine(320, 16000, 300, 0.02)))
}

func TestResamplerPassthroughAndValidation(t *testing.T) {
	r, err := NewResampler(16000, 16000)
	require.NoError(t, err)
	in := sine(160, 16000, 440, 0.5)
	out, err := r.Process(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = NewResampler(0, 16000)
	assert.Error(t, err)
}

func TestResamplerUpsamples(t *testing.T) {
	r, err := NewResampler(16000, 48000)
	require.NoError(t, err)
	total := 0
	for i := 0; i < 10; i++ {
		out, err := r.Process(sine(1600, 16000, 440, 0.5))
		require.NoError(t, err)
		total += len(out)
	}
	assert.Greater(t, total, 16000)
}

func abs16(v int16) int16 {
	if v < 0 {
		return -v
	}
	return v
}

func rmsOfInt16(s []int16) float64 {
	buf := make([]float64, len(s))
	for i, v := range s {
		buf[i] = float64(v) / 32768
	}
	return rmsOf(buf)
}
