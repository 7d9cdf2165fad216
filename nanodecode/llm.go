package nanodecode

import (
	"fmt"

	"nano-decode-go/purego/tensor"
)

// NewTensorEngine creates an engine backed by TensorModelRunner
func NewTensorEngine(config *Config, weights *tensor.Weights, params *tensor.ModelParams) (*Engine, error) {
	runner, err := NewTensorModelRunner(weights, params, config)
	if err != nil {
		return nil, err
	}

	config.Logger.Debug("model ready", "params", params, "weights", weights.ParamCount(),
		"kv_dtype", config.KVDType, "threads", config.NumThreads)

	return NewEngine(config, runner), nil
}

// NewRandomEngine creates an engine over deterministic random weights
func NewRandomEngine(config *Config, params *tensor.ModelParams, weightsSeed uint64) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model params: %w", err)
	}
	return NewTensorEngine(config, tensor.NewRandomWeights(params, weightsSeed), params)
}
