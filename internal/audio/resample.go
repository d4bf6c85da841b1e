package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts mono PCM16 frames between sample rates. Equal rates pass
// samples through untouched.
type Resampler struct {
	inRate  int
	outRate int
	rs      resampling.Resampler
}

func NewResampler(inRate, outRate int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("invalid resample rates %d -> %d", inRate, outRate)
	}
	r := &Resampler{inRate: inRate, outRate: outRate}
	if inRate == outRate {
		return r, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(inRate),
		OutputRate: float64(outRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}
	r.rs = rs
	return r, nil
}

func (r *Resampler) OutputRate() int { return r.outRate }

// Process resamples one block. The filter keeps history between calls so the
// output length may differ slightly from len(samples)*out/in per block.
func (r *Resampler) Process(samples []int16) ([]int16, error) {
	if r.rs == nil {
		return samples, nil
	}
	input := make([]float64, len(samples))
	for i, s := range samples {
		input[i] = float64(s) / 32768.0
	}
	output, err := r.rs.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}
	out := make([]int16, len(output))
	for i, v := range output {
		out[i] = clampInt16(v * 32767.0)
	}
	return out, nil
}
