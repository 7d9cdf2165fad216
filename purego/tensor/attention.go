package tensor

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
)

// Attention runs grouped-query self-attention for one layer.
//
// x is [batch, seq, dim] and covers absolute positions [curPos, curPos+seq).
// Rotated keys and raw values are written into the cache at curPos, and every
// query attends over the cached history [0, curPos+seq) with mask added to
// the scores. Returns the projected output [batch, seq, dim] and the cache.
func Attention(x *Tensor, lw *LayerWeights, p *ModelParams, layerIdx, curPos int,
	freqs *RotaryFrequencies, cache *KVCache, mask *Tensor, opts ...ForwardOption) (*Tensor, *KVCache, error) {
	cfg := newForwardConfig(opts)

	if len(x.Shape) != 3 || x.Shape[2] != p.Dim {
		return nil, cache, fmt.Errorf("%w: attention input %v, want [batch, seq, %d]", ErrConfiguration, x.Shape, p.Dim)
	}
	batchSize, seqLen := x.Shape[0], x.Shape[1]
	numHeads, numKVHeads, headDim := p.NLocalHeads, p.NLocalKVHeads, p.HeadDim

	if !lw.WQ.sameShape(p.Dim, numHeads*headDim) ||
		!lw.WK.sameShape(p.Dim, numKVHeads*headDim) ||
		!lw.WV.sameShape(p.Dim, numKVHeads*headDim) ||
		!lw.WO.sameShape(numHeads*headDim, p.Dim) {
		return nil, cache, fmt.Errorf("%w: layer %d attention projections do not match params", ErrConfiguration, layerIdx)
	}

	xq := Linear(x, lw.WQ).Reshape(batchSize, seqLen, numHeads, headDim)
	xk := Linear(x, lw.WK).Reshape(batchSize, seqLen, numKVHeads, headDim)
	xv := Linear(x, lw.WV).Reshape(batchSize, seqLen, numKVHeads, headDim)

	xq, xk = ApplyRotaryEmb(xq, xk, freqs)

	keys, values, err := cache.Update(xk, xv, layerIdx, curPos, p.NRep())
	if err != nil {
		return nil, cache, fmt.Errorf("layer %d: %w", layerIdx, err)
	}

	out := scaledDotProductAttention(xq, keys, values, mask, cfg.parallelism)
	out = out.Reshape(batchSize, seqLen, numHeads*headDim)

	return Linear(out, lw.WO), cache, nil
}

// scaledDotProductAttention computes softmax(q·kᵀ/sqrt(d) + mask)·v.
// q is [batch, seq, heads, d]; keys and values are [batch, kvLen, heads, d].
// Each (batch, head) pair is independent and writes a disjoint part of the
// output, so the work fans out over an errgroup.
func scaledDotProductAttention(q, keys, values, mask *Tensor, parallelism int) *Tensor {
	batchSize, seqLen, numHeads, headDim := q.Shape[0], q.Shape[1], q.Shape[2], q.Shape[3]
	if keys.Shape[2] != numHeads {
		panic(fmt.Sprintf("query heads %d do not match repeated kv heads %d", numHeads, keys.Shape[2]))
	}

	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	out := NewTensor(batchSize, seqLen, numHeads, headDim)

	var g errgroup.Group
	g.SetLimit(parallelism)
	for b := 0; b < batchSize; b++ {
		for h := 0; h < numHeads; h++ {
			b, h := b, h
			g.Go(func() error {
				attendHead(q, keys, values, mask, out, b, h, scale)
				return nil
			})
		}
	}
	g.Wait()

	return out
}

func attendHead(q, keys, values, mask, out *Tensor, b, h int, scale float32) {
	seqLen, numHeads, headDim := q.Shape[1], q.Shape[2], q.Shape[3]
	kvLen := keys.Shape[1]

	scores := make([]float32, kvLen)
	probs := make([]float32, kvLen)

	for i := 0; i < seqLen; i++ {
		qOff := ((b*seqLen+i)*numHeads + h) * headDim
		qRow := q.Data[qOff : qOff+headDim]

		for j := 0; j < kvLen; j++ {
			kOff := ((b*kvLen+j)*numHeads + h) * headDim
			sum := float32(0)
			for d, qv := range qRow {
				sum += qv * keys.Data[kOff+d]
			}
			scores[j] = sum * scale
			if mask != nil {
				scores[j] += mask.Data[i*kvLen+j]
			}
		}

		softmaxRow(scores, probs)

		oRow := out.Data[qOff : qOff+headDim]
		for j, pj := range probs {
			if pj == 0 {
				continue
			}
			vOff := ((b*kvLen+j)*numHeads + h) * headDim
			for d := range oRow {
				oRow[d] += pj * values.Data[vOff+d]
			}
		}
	}
}
