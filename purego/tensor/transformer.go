package tensor

import "fmt"

// LayerWeights holds the parameters of one transformer layer.
// Projections are stored [in, out].
type LayerWeights struct {
	AttentionNorm *Tensor // [dim]
	WQ            *Tensor // [dim, heads*head_dim]
	WK            *Tensor // [dim, kv_heads*head_dim]
	WV            *Tensor // [dim, kv_heads*head_dim]
	WO            *Tensor // [heads*head_dim, dim]

	FFNNorm *Tensor // [dim]
	W1      *Tensor // [dim, ffn] gate
	W2      *Tensor // [ffn, dim] down
	W3      *Tensor // [dim, ffn] up
}

// Validate checks every tensor against the model hyperparameters
func (lw *LayerWeights) Validate(p *ModelParams) error {
	qDim := p.NLocalHeads * p.HeadDim
	kvDim := p.NLocalKVHeads * p.HeadDim

	checks := []struct {
		name  string
		t     *Tensor
		shape []int
	}{
		{"attention_norm", lw.AttentionNorm, []int{p.Dim}},
		{"wq", lw.WQ, []int{p.Dim, qDim}},
		{"wk", lw.WK, []int{p.Dim, kvDim}},
		{"wv", lw.WV, []int{p.Dim, kvDim}},
		{"wo", lw.WO, []int{qDim, p.Dim}},
		{"ffn_norm", lw.FFNNorm, []int{p.Dim}},
		{"w1", lw.W1, []int{p.Dim, p.FFNDim}},
		{"w2", lw.W2, []int{p.FFNDim, p.Dim}},
		{"w3", lw.W3, []int{p.Dim, p.FFNDim}},
	}
	for _, c := range checks {
		if !c.t.sameShape(c.shape...) {
			var got []int
			if c.t != nil {
				got = c.t.Shape
			}
			return fmt.Errorf("%w: %s has shape %v, want %v", ErrConfiguration, c.name, got, c.shape)
		}
	}
	return nil
}

// FeedForward applies the gated MLP: (SiLU(x·W1) * (x·W3))·W2
func FeedForward(x *Tensor, lw *LayerWeights) *Tensor {
	gate := SiLU(Linear(x, lw.W1))
	up := Linear(x, lw.W3)
	return Linear(Mul(gate, up), lw.W2)
}

// transformerBlock applies one pre-norm layer with residual connections
func transformerBlock(x *Tensor, lw *LayerWeights, p *ModelParams, layerIdx, curPos int,
	freqs *RotaryFrequencies, cache *KVCache, mask *Tensor, opts ...ForwardOption) (*Tensor, *KVCache, error) {
	// Self-attention with residual connection
	h, cache, err := Attention(RMSNorm(x, lw.AttentionNorm, p.NormEps), lw, p, layerIdx, curPos, freqs, cache, mask, opts...)
	if err != nil {
		return nil, cache, err
	}
	x = Add(x, h)

	// Feed-forward with residual connection
	x = Add(x, FeedForward(RMSNorm(x, lw.FFNNorm, p.NormEps), lw))

	return x, cache, nil
}
