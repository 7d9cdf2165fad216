package tensor

import "math"

// BuildAttnMask returns the additive attention bias [seqlen, startPos+seqlen].
// Query i may attend key j iff j <= startPos+i. A single-token step sees the
// whole cache, so its mask is all zeros.
func BuildAttnMask(seqlen, startPos int) *Tensor {
	width := startPos + seqlen
	mask := NewTensor(seqlen, width)
	if seqlen == 1 {
		return mask
	}

	negInf := float32(math.Inf(-1))
	for i := 0; i < seqlen; i++ {
		for j := startPos + i + 1; j < width; j++ {
			mask.Set(negInf, i, j)
		}
	}
	return mask
}
