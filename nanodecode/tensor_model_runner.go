package nanodecode

import (
	"context"
	"fmt"

	"nano-decode-go/purego/tensor"
)

// TensorModelRunner implements ModelRunner using the purego tensor model
type TensorModelRunner struct {
	weights *tensor.Weights
	params  *tensor.ModelParams
	freqs   *tensor.RotaryFrequencies
	cache   *tensor.KVCache
	dtype   tensor.DType
	opts    []tensor.ForwardOption
}

// NewTensorModelRunner creates a runner over caller-supplied weights
func NewTensorModelRunner(weights *tensor.Weights, params *tensor.ModelParams, config *Config) (*TensorModelRunner, error) {
	if err := weights.Validate(params); err != nil {
		return nil, fmt.Errorf("invalid weights: %w", err)
	}

	return &TensorModelRunner{
		weights: weights,
		params:  params,
		freqs:   tensor.PrecomputeFreqsForParams(params),
		dtype:   config.KVDType,
		opts:    []tensor.ForwardOption{tensor.WithParallelism(config.NumThreads)},
	}, nil
}

// Params returns the model hyperparameters
func (m *TensorModelRunner) Params() *tensor.ModelParams {
	return m.params
}

// Reset reuses the cache when the batch size is unchanged and reallocates
// it otherwise
func (m *TensorModelRunner) Reset(batch int) error {
	if batch <= 0 {
		return fmt.Errorf("%w: batch must be positive, got %d", tensor.ErrConfiguration, batch)
	}
	if m.cache != nil && m.cache.Batch == batch {
		m.cache.Reset()
		return nil
	}
	m.cache = tensor.NewKVCacheForParams(m.params, batch, m.dtype)
	return nil
}

// Forward executes one step of the decoder stack
func (m *TensorModelRunner) Forward(ctx context.Context, tokens [][]int, curPos int) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.cache == nil {
		return nil, fmt.Errorf("%w: forward before reset", tensor.ErrConfiguration)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty token batch", tensor.ErrConfiguration)
	}

	seqLen := len(tokens[0])
	freqs, err := m.freqs.Slice(curPos, seqLen)
	if err != nil {
		return nil, err
	}
	mask := tensor.BuildAttnMask(seqLen, curPos)

	logits, cache, err := tensor.Forward(m.weights, m.params, tokens, curPos, freqs, m.cache, mask, m.opts...)
	m.cache = cache
	return logits, err
}

// Close releases the cache
func (m *TensorModelRunner) Close() error {
	m.cache = nil
	return nil
}
