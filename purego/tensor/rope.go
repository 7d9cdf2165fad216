package tensor

import (
	"fmt"
	"math"
)

// Llama 3 frequency scaling constants
const (
	ropeScaleFactor    = 8.0
	ropeLowFreqFactor  = 1.0
	ropeHighFreqFactor = 4.0
	ropeOldContextLen  = 8192.0
)

// RotaryFrequencies stores precomputed rotators as parallel cos/sin tables,
// one row of HeadDim/2 entries per absolute position.
type RotaryFrequencies struct {
	Cos   []float32 // [len, half]
	Sin   []float32 // [len, half]
	Start int       // Absolute position of row 0
	Len   int
	Half  int
}

// PrecomputeFreqs builds the rotator table for positions [0, maxLen)
func PrecomputeFreqs(headDim, maxLen int, theta float64, useScaled bool) *RotaryFrequencies {
	half := headDim / 2

	freqs := make([]float64, half)
	for k := 0; k < half; k++ {
		freqs[k] = 1.0 / math.Pow(theta, float64(2*k)/float64(headDim))
		if useScaled {
			freqs[k] = scaleFreq(freqs[k])
		}
	}

	rf := &RotaryFrequencies{
		Cos:  make([]float32, maxLen*half),
		Sin:  make([]float32, maxLen*half),
		Len:  maxLen,
		Half: half,
	}
	for pos := 0; pos < maxLen; pos++ {
		for k, f := range freqs {
			angle := float64(pos) * f
			rf.Cos[pos*half+k] = float32(math.Cos(angle))
			rf.Sin[pos*half+k] = float32(math.Sin(angle))
		}
	}
	return rf
}

// PrecomputeFreqsForParams builds the table sized for params.MaxSeqLen
func PrecomputeFreqsForParams(p *ModelParams) *RotaryFrequencies {
	return PrecomputeFreqs(p.HeadDim, p.MaxSeqLen, p.RopeTheta, p.UseScaledRope)
}

// scaleFreq remaps one frequency by its wavelength relative to the
// original training context
func scaleFreq(freq float64) float64 {
	lowFreqWavelen := ropeOldContextLen / ropeLowFreqFactor
	highFreqWavelen := ropeOldContextLen / ropeHighFreqFactor
	wavelen := 2 * math.Pi / freq

	switch {
	case wavelen < highFreqWavelen:
		return freq
	case wavelen > lowFreqWavelen:
		return freq / ropeScaleFactor
	default:
		smooth := (ropeOldContextLen/wavelen - ropeLowFreqFactor) / (ropeHighFreqFactor - ropeLowFreqFactor)
		return (1-smooth)*freq/ropeScaleFactor + smooth*freq
	}
}

// Slice returns a view covering absolute positions [start, start+n)
func (rf *RotaryFrequencies) Slice(start, n int) (*RotaryFrequencies, error) {
	if start < 0 || n < 0 || start+n > rf.Len {
		return nil, fmt.Errorf("%w: rotary positions [%d,%d) outside table of %d", ErrCacheOverflow, rf.Start+start, rf.Start+start+n, rf.Start+rf.Len)
	}
	return &RotaryFrequencies{
		Cos:   rf.Cos[start*rf.Half : (start+n)*rf.Half],
		Sin:   rf.Sin[start*rf.Half : (start+n)*rf.Half],
		Start: rf.Start + start,
		Len:   n,
		Half:  rf.Half,
	}, nil
}

// ApplyRotaryEmb rotates query and key tensors shaped
// [batch, seq, heads, head_dim]. Row s of freqs rotates sequence index s.
// Adjacent pairs (2k, 2k+1) are treated as one complex number.
func ApplyRotaryEmb(xq, xk *Tensor, freqs *RotaryFrequencies) (*Tensor, *Tensor) {
	return applyRotary(xq, freqs), applyRotary(xk, freqs)
}

func applyRotary(x *Tensor, freqs *RotaryFrequencies) *Tensor {
	if len(x.Shape) != 4 {
		panic("RoPE expects 4D tensor [batch, seq, heads, head_dim]")
	}

	batch, seqLen, numHeads, headDim := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if headDim != 2*freqs.Half {
		panic(fmt.Sprintf("head dimension mismatch: %d vs table %d", headDim, 2*freqs.Half))
	}
	if seqLen != freqs.Len {
		panic(fmt.Sprintf("rotary table covers %d positions, input has %d", freqs.Len, seqLen))
	}

	result := NewTensor(x.Shape...)
	for b := 0; b < batch; b++ {
		for s := 0; s < seqLen; s++ {
			cos := freqs.Cos[s*freqs.Half : (s+1)*freqs.Half]
			sin := freqs.Sin[s*freqs.Half : (s+1)*freqs.Half]
			for h := 0; h < numHeads; h++ {
				offset := ((b*seqLen+s)*numHeads + h) * headDim
				for i := 0; i < freqs.Half; i++ {
					re := x.Data[offset+2*i]
					im := x.Data[offset+2*i+1]
					result.Data[offset+2*i] = re*cos[i] - im*sin[i]
					result.Data[offset+2*i+1] = re*sin[i] + im*cos[i]
				}
			}
		}
	}
	return result
}
