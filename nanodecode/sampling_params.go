package nanodecode

import (
	"fmt"
	"slices"

	"nano-decode-go/purego/tensor"
)

// SamplingParams holds the sampling parameters for generation
type SamplingParams struct {
	Temperature  float32
	TopP         float32
	TopK         int
	MaxTokens    int
	StopTokens   []int
	IgnoreStop   bool
	Seed         uint64
	ShowProgress bool
}

// SamplingOption is a functional option for SamplingParams
type SamplingOption func(*SamplingParams)

// NewSamplingParams creates a new SamplingParams with default values
func NewSamplingParams(opts ...SamplingOption) *SamplingParams {
	def := tensor.DefaultSamplerConfig()
	sp := &SamplingParams{
		Temperature: def.Temperature,
		TopP:        def.TopP,
		TopK:        def.TopK,
		MaxTokens:   64,
	}

	for _, opt := range opts {
		opt(sp)
	}

	if err := sp.validate(); err != nil {
		panic(err)
	}

	return sp
}

// validate checks if the sampling parameters are valid
func (sp *SamplingParams) validate() error {
	if err := sp.SamplerConfig().Validate(); err != nil {
		return err
	}
	if sp.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be >= 1, got %d", sp.MaxTokens)
	}
	return nil
}

// SamplerConfig returns the per-step sampler settings
func (sp *SamplingParams) SamplerConfig() tensor.SamplerConfig {
	return tensor.SamplerConfig{
		Temperature: sp.Temperature,
		TopP:        sp.TopP,
		TopK:        sp.TopK,
	}
}

// IsStopToken reports whether id ends generation
func (sp *SamplingParams) IsStopToken(id int) bool {
	return !sp.IgnoreStop && slices.Contains(sp.StopTokens, id)
}

// WithTemperature sets the sampling temperature
func WithTemperature(t float32) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Temperature = t
	}
}

// WithTopP sets the nucleus threshold
func WithTopP(p float32) SamplingOption {
	return func(sp *SamplingParams) {
		sp.TopP = p
	}
}

// WithTopK sets how many candidates survive top-k, <= 0 keeps all
func WithTopK(k int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.TopK = k
	}
}

// WithMaxTokens sets the maximum number of tokens to generate
func WithMaxTokens(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.MaxTokens = n
	}
}

// WithStopTokens sets the token ids that end generation
func WithStopTokens(ids ...int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.StopTokens = append([]int(nil), ids...)
	}
}

// WithIgnoreStop sets whether to keep generating past stop tokens
func WithIgnoreStop(b bool) SamplingOption {
	return func(sp *SamplingParams) {
		sp.IgnoreStop = b
	}
}

// WithSeed sets the sampler seed
func WithSeed(seed uint64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Seed = seed
	}
}

// WithProgress shows a progress bar while decoding
func WithProgress(b bool) SamplingOption {
	return func(sp *SamplingParams) {
		sp.ShowProgress = b
	}
}
