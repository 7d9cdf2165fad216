package nanodecode

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"nano-decode-go/envconfig"
	"nano-decode-go/purego/tensor"
)

// Config holds the configuration for the decode engine
type Config struct {
	NumThreads      int
	KVDType         tensor.DType
	PrefixBlockSize int
	Registerer      prometheus.Registerer
	Logger          *slog.Logger
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

// NewConfig creates a new Config with defaults taken from the environment
func NewConfig(opts ...ConfigOption) *Config {
	dtype, err := tensor.ParseDType(envconfig.KVCacheType())
	if err != nil {
		slog.Warn("invalid kv cache type, using bf16", "error", err)
		dtype = tensor.DTypeBF16
	}

	c := &Config{
		NumThreads:      int(envconfig.NumThreads()),
		KVDType:         dtype,
		PrefixBlockSize: int(envconfig.PrefixBlockSize()),
		Logger:          slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		panic(err)
	}

	return c
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if c.NumThreads < 1 {
		return fmt.Errorf("num_threads must be >= 1, got %d", c.NumThreads)
	}

	if c.PrefixBlockSize < 0 {
		return fmt.Errorf("prefix_block_size must be >= 0, got %d", c.PrefixBlockSize)
	}

	if c.KVDType != tensor.DTypeBF16 && c.KVDType != tensor.DTypeF16 {
		return fmt.Errorf("unsupported kv cache dtype %v", c.KVDType)
	}

	if c.Logger == nil {
		return fmt.Errorf("logger must not be nil")
	}

	return nil
}

// WithNumThreads sets how many attention heads run concurrently
func WithNumThreads(n int) ConfigOption {
	return func(c *Config) {
		c.NumThreads = n
	}
}

// WithKVDType sets the KV cache storage type
func WithKVDType(d tensor.DType) ConfigOption {
	return func(c *Config) {
		c.KVDType = d
	}
}

// WithPrefixBlockSize sets the prefix reuse granularity, 0 disables reuse
func WithPrefixBlockSize(n int) ConfigOption {
	return func(c *Config) {
		c.PrefixBlockSize = n
	}
}

// WithRegisterer registers engine metrics with reg
func WithRegisterer(reg prometheus.Registerer) ConfigOption {
	return func(c *Config) {
		c.Registerer = reg
	}
}

// WithLogger sets the engine logger
func WithLogger(l *slog.Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = l
	}
}
