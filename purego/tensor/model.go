package tensor

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Weights holds every parameter of the decoder stack
type Weights struct {
	TokEmbeddings *Tensor // [vocab, dim]
	Norm          *Tensor // [dim]
	Output        *Tensor // [dim, vocab]
	Layers        []*LayerWeights
}

// Validate checks the weights against the model hyperparameters
func (w *Weights) Validate(p *ModelParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if !w.TokEmbeddings.sameShape(p.VocabSize, p.Dim) {
		return fmt.Errorf("%w: tok_embeddings shape does not match [%d, %d]", ErrConfiguration, p.VocabSize, p.Dim)
	}
	if !w.Norm.sameShape(p.Dim) {
		return fmt.Errorf("%w: norm shape does not match [%d]", ErrConfiguration, p.Dim)
	}
	if !w.Output.sameShape(p.Dim, p.VocabSize) {
		return fmt.Errorf("%w: output shape does not match [%d, %d]", ErrConfiguration, p.Dim, p.VocabSize)
	}
	if len(w.Layers) != p.NLayers {
		return fmt.Errorf("%w: got %d layers, params say %d", ErrConfiguration, len(w.Layers), p.NLayers)
	}
	for i, lw := range w.Layers {
		if lw == nil {
			return fmt.Errorf("%w: layer %d is nil", ErrConfiguration, i)
		}
		if err := lw.Validate(p); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return nil
}

// ParamCount returns the number of scalar parameters
func (w *Weights) ParamCount() int {
	n := w.TokEmbeddings.Size() + w.Norm.Size() + w.Output.Size()
	for _, lw := range w.Layers {
		for _, t := range []*Tensor{lw.AttentionNorm, lw.WQ, lw.WK, lw.WV, lw.WO, lw.FFNNorm, lw.W1, lw.W2, lw.W3} {
			n += t.Size()
		}
	}
	return n
}

// NewRandomWeights builds deterministic Gaussian weights scaled by
// 1/sqrt(fan_in), with unit norm gains
func NewRandomWeights(p *ModelParams, seed uint64) *Weights {
	src := rand.NewSource(seed)

	gaussian := func(in, out int) *Tensor {
		dist := distuv.Normal{Mu: 0, Sigma: 1 / math.Sqrt(float64(in)), Src: src}
		t := NewTensor(in, out)
		for i := range t.Data {
			t.Data[i] = float32(dist.Rand())
		}
		return t
	}
	ones := func(n int) *Tensor {
		t := NewTensor(n)
		for i := range t.Data {
			t.Data[i] = 1
		}
		return t
	}

	qDim := p.NLocalHeads * p.HeadDim
	kvDim := p.NLocalKVHeads * p.HeadDim

	w := &Weights{
		TokEmbeddings: gaussian(p.VocabSize, p.Dim),
		Norm:          ones(p.Dim),
		Output:        gaussian(p.Dim, p.VocabSize),
		Layers:        make([]*LayerWeights, p.NLayers),
	}
	for i := range w.Layers {
		w.Layers[i] = &LayerWeights{
			AttentionNorm: ones(p.Dim),
			WQ:            gaussian(p.Dim, qDim),
			WK:            gaussian(p.Dim, kvDim),
			WV:            gaussian(p.Dim, kvDim),
			WO:            gaussian(qDim, p.Dim),
			FFNNorm:       ones(p.Dim),
			W1:            gaussian(p.Dim, p.FFNDim),
			W2:            gaussian(p.FFNDim, p.Dim),
			W3:            gaussian(p.Dim, p.FFNDim),
		}
	}
	return w
}

type forwardConfig struct {
	parallelism int
}

// ForwardOption configures a forward pass
type ForwardOption func(*forwardConfig)

// WithParallelism bounds how many attention heads are computed concurrently.
// Values below 1 mean sequential.
func WithParallelism(n int) ForwardOption {
	return func(c *forwardConfig) {
		c.parallelism = n
	}
}

func newForwardConfig(opts []ForwardOption) forwardConfig {
	cfg := forwardConfig{parallelism: 1}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.parallelism < 1 {
		cfg.parallelism = 1
	}
	return cfg
}

// Forward runs the decoder stack over tokens [batch][seq] placed at absolute
// positions [curPos, curPos+seq). freqs must cover exactly that range. mask
// is [seq, curPos+seq] and may be nil only when seq is 1. Returns logits for
// every position, [batch, seq, vocab], and the cache holding the new keys and
// values.
func Forward(w *Weights, p *ModelParams, tokens [][]int, curPos int, freqs *RotaryFrequencies,
	cache *KVCache, mask *Tensor, opts ...ForwardOption) (*Tensor, *KVCache, error) {
	if err := w.Validate(p); err != nil {
		return nil, cache, err
	}
	if cache == nil || freqs == nil {
		return nil, cache, fmt.Errorf("%w: forward needs a kv cache and a rotary table", ErrConfiguration)
	}

	batchSize := len(tokens)
	if batchSize == 0 || len(tokens[0]) == 0 {
		return nil, cache, fmt.Errorf("%w: empty token batch", ErrConfiguration)
	}
	seqLen := len(tokens[0])
	for b, row := range tokens {
		if len(row) != seqLen {
			return nil, cache, fmt.Errorf("%w: row %d has %d tokens, row 0 has %d", ErrConfiguration, b, len(row), seqLen)
		}
		for _, id := range row {
			if id < 0 || id >= p.VocabSize {
				return nil, cache, fmt.Errorf("%w: token id %d outside vocab [0,%d)", ErrConfiguration, id, p.VocabSize)
			}
		}
	}

	if cache.Layers != p.NLayers || cache.KVHeads != p.NLocalKVHeads || cache.HeadDim != p.HeadDim || cache.Batch != batchSize {
		return nil, cache, fmt.Errorf("%w: cache [%d layers, batch %d, %d kv heads, head_dim %d] does not fit batch %d",
			ErrConfiguration, cache.Layers, cache.Batch, cache.KVHeads, cache.HeadDim, batchSize)
	}
	if curPos < 0 || curPos+seqLen > cache.MaxSeqLen {
		return nil, cache, fmt.Errorf("%w: positions [%d,%d) exceed max_seq_len %d", ErrCacheOverflow, curPos, curPos+seqLen, cache.MaxSeqLen)
	}
	if freqs.Start != curPos || freqs.Len != seqLen || 2*freqs.Half != p.HeadDim {
		return nil, cache, fmt.Errorf("%w: rotary table covers [%d,%d), forward needs [%d,%d)",
			ErrConfiguration, freqs.Start, freqs.Start+freqs.Len, curPos, curPos+seqLen)
	}
	if mask == nil && seqLen > 1 {
		return nil, cache, fmt.Errorf("%w: a causal mask is required for %d positions", ErrConfiguration, seqLen)
	}
	if mask != nil && !mask.sameShape(seqLen, curPos+seqLen) {
		return nil, cache, fmt.Errorf("%w: mask shape %v, want [%d, %d]", ErrConfiguration, mask.Shape, seqLen, curPos+seqLen)
	}

	// Token embeddings
	h := NewTensor(batchSize, seqLen, p.Dim)
	for b, row := range tokens {
		for s, id := range row {
			copy(h.Data[(b*seqLen+s)*p.Dim:(b*seqLen+s+1)*p.Dim], w.TokEmbeddings.Data[id*p.Dim:(id+1)*p.Dim])
		}
	}

	var err error
	for i, lw := range w.Layers {
		h, cache, err = transformerBlock(h, lw, p, i, curPos, freqs, cache, mask, opts...)
		if err != nil {
			return nil, cache, err
		}
	}

	h = RMSNorm(h, w.Norm, p.NormEps)
	return Linear(h, w.Output), cache, nil
}

// LastLogits returns the logits of the final position of each batch row
func LastLogits(logits *Tensor) [][]float32 {
	batchSize, seqLen, vocab := logits.Shape[0], logits.Shape[1], logits.Shape[2]
	rows := make([][]float32, batchSize)
	for b := range rows {
		offset := (b*seqLen + seqLen - 1) * vocab
		rows[b] = append([]float32(nil), logits.Data[offset:offset+vocab]...)
	}
	return rows
}
