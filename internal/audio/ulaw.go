package audio

// G.711 mu-law companding, used as the RTP payload for published and
// subscribed audio tracks.

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// EncodeULaw compresses PCM16 samples to mu-law bytes.
func EncodeULaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = linearToULaw(s)
	}
	return out
}

// DecodeULaw expands mu-law bytes to PCM16 samples.
func DecodeULaw(b []byte) []int16 {
	out := make([]int16, len(b))
	for i, u := range b {
		out[i] = ulawToLinear(u)
	}
	return out
}

func linearToULaw(sample int16) byte {
	s := int32(sample)
	sign := int32(0)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	exponent := int32(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

func ulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := int32(u>>4) & 0x07
	mantissa := int32(u) & 0x0F
	s := ((mantissa << 3) + ulawBias) << exponent
	s -= ulawBias
	if sign != 0 {
		return int16(-s)
	}
	return int16(s)
}
