package nanodecode

import (
	"context"
	"fmt"
	"sync"

	"nano-decode-go/purego/tensor"
)

// ModelRunner runs forward passes against a session-scoped KV cache.
// Implementations own the cache; the engine only moves the cursor.
type ModelRunner interface {
	// Params returns the model hyperparameters
	Params() *tensor.ModelParams

	// Reset starts a new cache session sized for batch rows
	Reset(batch int) error

	// Forward runs tokens [batch][seq] at absolute positions
	// [curPos, curPos+seq) and returns logits [batch, seq, vocab]
	Forward(ctx context.Context, tokens [][]int, curPos int) (*tensor.Tensor, error)

	// Close cleans up resources
	Close() error
}

// MockCall records one forward pass seen by MockModelRunner
type MockCall struct {
	Tokens [][]int
	CurPos int
}

// MockModelRunner is a deterministic stand-in for a model. At every position
// it strongly prefers the token after the one it was fed, modulo the vocab.
type MockModelRunner struct {
	params *tensor.ModelParams
	batch  int

	mu    sync.Mutex
	calls []MockCall
}

// NewMockModelRunner creates a new mock model runner
func NewMockModelRunner(params *tensor.ModelParams) *MockModelRunner {
	return &MockModelRunner{params: params}
}

// Params returns the model hyperparameters
func (m *MockModelRunner) Params() *tensor.ModelParams {
	return m.params
}

// Reset starts a new session
func (m *MockModelRunner) Reset(batch int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batch = batch
	return nil
}

// Forward produces successor logits and enforces the cache bounds
func (m *MockModelRunner) Forward(ctx context.Context, tokens [][]int, curPos int) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(tokens) != m.batch {
		return nil, fmt.Errorf("%w: batch of %d rows, session has %d", tensor.ErrConfiguration, len(tokens), m.batch)
	}
	seqLen := len(tokens[0])
	if curPos+seqLen > m.params.MaxSeqLen {
		return nil, fmt.Errorf("%w: positions [%d,%d) exceed max_seq_len %d", tensor.ErrCacheOverflow, curPos, curPos+seqLen, m.params.MaxSeqLen)
	}

	call := MockCall{CurPos: curPos, Tokens: make([][]int, len(tokens))}
	for i, row := range tokens {
		call.Tokens[i] = append([]int(nil), row...)
	}
	m.calls = append(m.calls, call)

	vocab := m.params.VocabSize
	logits := tensor.NewTensor(len(tokens), seqLen, vocab)
	for b, row := range tokens {
		for s, id := range row {
			logits.Data[(b*seqLen+s)*vocab+(id+1)%vocab] = 100
		}
	}
	return logits, nil
}

// Calls returns the forward passes seen so far
func (m *MockModelRunner) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// Close cleans up resources
func (m *MockModelRunner) Close() error {
	return nil
}
