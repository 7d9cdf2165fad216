package tensor

import "errors"

var (
	// ErrConfiguration marks invalid hyperparameters, weight shapes or
	// sampler settings. It is never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrCacheOverflow is returned when a write would pass max_seq_len.
	// The session owning the cache cannot continue.
	ErrCacheOverflow = errors.New("kv cache overflow")
)
