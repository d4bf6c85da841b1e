package audio

import "encoding/binary"

// Frame is a block of mono PCM16 samples.
type Frame struct {
	Samples    []int16
	SampleRate int
}

// Duration in milliseconds, rounded down.
func (f Frame) DurationMS() int {
	if f.SampleRate <= 0 {
		return 0
	}
	return len(f.Samples) * 1000 / f.SampleRate
}

// SamplesPerFrame returns the sample count of a frameMS block at sampleRate.
func SamplesPerFrame(sampleRate, frameMS int) int {
	return sampleRate * frameMS / 1000
}

// DecodePCM16LE converts little-endian PCM16 bytes into samples. A trailing odd
// byte is ignored.
func DecodePCM16LE(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// EncodePCM16LE converts samples into little-endian PCM16 bytes.
func EncodePCM16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
