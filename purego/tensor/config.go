package tensor

import (
	"fmt"
	"log/slog"
)

// ModelParams holds the hyperparameters the decoding pipeline needs
type ModelParams struct {
	Dim       int
	VocabSize int
	FFNDim    int

	NLayers       int
	NLocalHeads   int // Number of query heads
	NLocalKVHeads int // Number of KV heads (divides NLocalHeads)
	HeadDim       int
	MaxSeqLen     int

	// RoPE parameters
	RopeTheta     float64
	UseScaledRope bool // Wavelength-dependent frequency scaling for long context

	NormEps float32
}

// Llama1BParams returns the hyperparameters of Llama 3.2 1B
func Llama1BParams() *ModelParams {
	return &ModelParams{
		Dim:           2048,
		VocabSize:     128256,
		FFNDim:        8192,
		NLayers:       16,
		NLocalHeads:   32,
		NLocalKVHeads: 8,
		HeadDim:       64,
		MaxSeqLen:     4096,
		RopeTheta:     500000.0,
		UseScaledRope: true,
		NormEps:       1e-5,
	}
}

// NRep is the grouped-query repetition factor
func (p *ModelParams) NRep() int {
	return p.NLocalHeads / p.NLocalKVHeads
}

// Validate checks the invariants the attention and cache code rely on
func (p *ModelParams) Validate() error {
	switch {
	case p.NLayers <= 0:
		return fmt.Errorf("%w: n_layers must be positive, got %d", ErrConfiguration, p.NLayers)
	case p.NLocalHeads <= 0 || p.NLocalKVHeads <= 0:
		return fmt.Errorf("%w: head counts must be positive, got %d/%d", ErrConfiguration, p.NLocalHeads, p.NLocalKVHeads)
	case p.NLocalHeads%p.NLocalKVHeads != 0:
		return fmt.Errorf("%w: n_local_heads %d not divisible by n_local_kv_heads %d", ErrConfiguration, p.NLocalHeads, p.NLocalKVHeads)
	case p.HeadDim <= 0 || p.HeadDim%2 != 0:
		return fmt.Errorf("%w: head_dim must be positive and even, got %d", ErrConfiguration, p.HeadDim)
	case p.MaxSeqLen <= 0:
		return fmt.Errorf("%w: max_seq_len must be positive, got %d", ErrConfiguration, p.MaxSeqLen)
	case p.Dim <= 0 || p.VocabSize <= 0 || p.FFNDim <= 0:
		return fmt.Errorf("%w: dim, vocab and ffn sizes must be positive", ErrConfiguration)
	case p.RopeTheta <= 0:
		return fmt.Errorf("%w: rope_theta must be positive, got %g", ErrConfiguration, p.RopeTheta)
	}
	return nil
}

// LogValue implements slog.LogValuer
func (p *ModelParams) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("layers", p.NLayers),
		slog.Int("dim", p.Dim),
		slog.Int("heads", p.NLocalHeads),
		slog.Int("kv_heads", p.NLocalKVHeads),
		slog.Int("head_dim", p.HeadDim),
		slog.Int("vocab", p.VocabSize),
		slog.Int("max_seq_len", p.MaxSeqLen),
		slog.Float64("rope_theta", p.RopeTheta),
		slog.Bool("scaled_rope", p.UseScaledRope),
	)
}
