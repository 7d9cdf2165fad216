package nanodecode

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"nano-decode-go/logutil"
	"nano-decode-go/purego/tensor"
)

func mockParams(maxSeqLen int) *tensor.ModelParams {
	return &tensor.ModelParams{
		Dim:           8,
		VocabSize:     16,
		FFNDim:        16,
		NLayers:       1,
		NLocalHeads:   2,
		NLocalKVHeads: 1,
		HeadDim:       4,
		MaxSeqLen:     maxSeqLen,
		RopeTheta:     10000,
		NormEps:       1e-5,
	}
}

func testConfig(opts ...ConfigOption) *Config {
	base := []ConfigOption{
		WithNumThreads(1),
		WithPrefixBlockSize(2),
		WithKVDType(tensor.DTypeBF16),
		WithLogger(logutil.NewLogger(io.Discard, logutil.LevelTrace)),
		WithRegisterer(prometheus.NewRegistry()),
	}
	return NewConfig(append(base, opts...)...)
}

func newMockEngine(maxSeqLen int) (*Engine, *MockModelRunner) {
	runner := NewMockModelRunner(mockParams(maxSeqLen))
	return NewEngine(testConfig(), runner), runner
}

func greedyParams(opts ...SamplingOption) *SamplingParams {
	return NewSamplingParams(append([]SamplingOption{WithTopK(1), WithTemperature(1)}, opts...)...)
}

func TestGenerateStopsOnStopToken(t *testing.T) {
	engine, runner := newMockEngine(32)

	outputs, err := engine.Generate(context.Background(), [][]int{{1, 2, 3}}, greedyParams(WithStopTokens(6), WithMaxTokens(10)))
	require.NoError(t, err)

	require.Equal(t, []int{4, 5, 6}, outputs[0].TokenIDs)
	require.Equal(t, StopReasonStopToken, outputs[0].StopReason)

	want := []MockCall{
		{Tokens: [][]int{{1, 2, 3}}, CurPos: 0},
		{Tokens: [][]int{{4}}, CurPos: 3},
		{Tokens: [][]int{{5}}, CurPos: 4},
	}
	if diff := cmp.Diff(want, runner.Calls()); diff != "" {
		t.Errorf("forward calls mismatch (-want +got):\n%s", diff)
	}

	require.Equal(t, 1.0, testutil.ToFloat64(engine.metrics.forwardPasses.WithLabelValues("prefill")))
	require.Equal(t, 2.0, testutil.ToFloat64(engine.metrics.forwardPasses.WithLabelValues("decode")))
	require.Equal(t, 3.0, testutil.ToFloat64(engine.metrics.tokensGenerated))
}

func TestGenerateStopsAtMaxTokens(t *testing.T) {
	engine, _ := newMockEngine(32)

	outputs, err := engine.Generate(context.Background(), [][]int{{1}}, greedyParams(WithMaxTokens(5), WithProgress(true)))
	require.NoError(t, err)

	require.Equal(t, []int{2, 3, 4, 5, 6}, outputs[0].TokenIDs)
	require.Equal(t, StopReasonMaxTokens, outputs[0].StopReason)
}

func TestGenerateBatchLockstep(t *testing.T) {
	engine, runner := newMockEngine(32)

	outputs, err := engine.Generate(context.Background(), [][]int{{1, 2}, {10, 11}},
		greedyParams(WithStopTokens(13), WithMaxTokens(4)))
	require.NoError(t, err)

	require.Equal(t, []int{3, 4, 5, 6}, outputs[0].TokenIDs)
	require.Equal(t, StopReasonMaxTokens, outputs[0].StopReason)
	require.Equal(t, []int{12, 13}, outputs[1].TokenIDs)
	require.Equal(t, StopReasonStopToken, outputs[1].StopReason)

	calls := runner.Calls()
	require.Len(t, calls, 4)
	for i, call := range calls[1:] {
		require.Equal(t, 2+i, call.CurPos)
	}
	// the stopped row keeps being fed its last token
	require.Equal(t, [][]int{{5}, {13}}, calls[3].Tokens)
}

func TestGenerateRejectsUnequalPrompts(t *testing.T) {
	engine, runner := newMockEngine(32)

	_, err := engine.Generate(context.Background(), [][]int{{1, 2}, {3}}, greedyParams())
	require.ErrorIs(t, err, tensor.ErrConfiguration)
	require.Empty(t, runner.Calls())

	_, err = engine.Generate(context.Background(), [][]int{{}}, greedyParams())
	require.ErrorIs(t, err, tensor.ErrConfiguration)

	_, err = engine.Generate(context.Background(), nil, greedyParams())
	require.ErrorIs(t, err, tensor.ErrConfiguration)
}

func TestGenerateCacheOverflow(t *testing.T) {
	engine, _ := newMockEngine(6)

	outputs, err := engine.Generate(context.Background(), [][]int{{1, 2, 3}}, greedyParams(WithMaxTokens(10)))
	require.ErrorIs(t, err, tensor.ErrCacheOverflow)
	require.Contains(t, err.Error(), "decode step 4 at position 6")

	// positions 0..5 were filled, producing four samples
	require.Equal(t, []int{4, 5, 6, 7}, outputs[0].TokenIDs)
	require.Equal(t, StopReasonNone, outputs[0].StopReason)
	require.Equal(t, 1.0, testutil.ToFloat64(engine.metrics.cacheOverflows))

	// the session is reset before the next generation
	outputs, err = engine.Generate(context.Background(), [][]int{{1, 2, 3}}, greedyParams(WithMaxTokens(2)))
	require.NoError(t, err)
	require.Equal(t, []int{4, 5}, outputs[0].TokenIDs)
}

type cancelingRunner struct {
	*MockModelRunner
	cancel context.CancelFunc
	after  int
	calls  int
}

func (r *cancelingRunner) Forward(ctx context.Context, tokens [][]int, curPos int) (*tensor.Tensor, error) {
	logits, err := r.MockModelRunner.Forward(ctx, tokens, curPos)
	r.calls++
	if r.calls == r.after {
		r.cancel()
	}
	return logits, err
}

func TestGenerateContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &cancelingRunner{MockModelRunner: NewMockModelRunner(mockParams(32)), cancel: cancel, after: 2}
	engine := NewEngine(testConfig(), runner)

	outputs, err := engine.Generate(ctx, [][]int{{1}}, greedyParams(WithMaxTokens(10)))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []int{2, 3}, outputs[0].TokenIDs)
	require.Len(t, runner.Calls(), 2)
}

func TestGenerateAlreadyCanceled(t *testing.T) {
	engine, runner := newMockEngine(32)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outputs, err := engine.Generate(ctx, [][]int{{1}}, greedyParams())
	require.True(t, errors.Is(err, context.Canceled))
	require.Empty(t, outputs[0].TokenIDs)
	require.Empty(t, runner.Calls())
}

func TestGenerateReusesPrefix(t *testing.T) {
	engine, runner := newMockEngine(32)

	outputs, err := engine.Generate(context.Background(), [][]int{{1, 2, 3, 4}}, greedyParams(WithMaxTokens(3)))
	require.NoError(t, err)
	require.Equal(t, []int{5, 6, 7}, outputs[0].TokenIDs)

	// cache now holds 1..6; 7 was sampled but never fed
	outputs, err = engine.Generate(context.Background(), [][]int{{1, 2, 3, 4, 5, 6, 10}}, greedyParams(WithMaxTokens(1)))
	require.NoError(t, err)
	require.Equal(t, []int{11}, outputs[0].TokenIDs)

	calls := runner.Calls()
	last := calls[len(calls)-1]
	require.Equal(t, 6, last.CurPos)
	require.Equal(t, [][]int{{10}}, last.Tokens)
	require.Equal(t, 6.0, testutil.ToFloat64(engine.metrics.prefixReused))

	// a different batch size starts a new session from position 0
	_, err = engine.Generate(context.Background(), [][]int{{1, 2}, {1, 2}}, greedyParams(WithMaxTokens(1)))
	require.NoError(t, err)
	calls = runner.Calls()
	require.Equal(t, 0, calls[len(calls)-1].CurPos)
}

func TestGenerateWithoutPrefixReuse(t *testing.T) {
	runner := NewMockModelRunner(mockParams(32))
	engine := NewEngine(testConfig(WithPrefixBlockSize(0)), runner)

	for i := 0; i < 2; i++ {
		_, err := engine.Generate(context.Background(), [][]int{{1, 2, 3, 4}}, greedyParams(WithMaxTokens(1)))
		require.NoError(t, err)
	}

	for _, call := range runner.Calls() {
		require.Equal(t, 0, call.CurPos)
	}
}

func TestPerplexityMock(t *testing.T) {
	engine, runner := newMockEngine(32)

	ppl, err := engine.Perplexity(context.Background(), []int{1, 2, 3, 4})
	require.NoError(t, err)
	require.InDelta(t, 1.0, ppl, 1e-9)
	require.Equal(t, 0, runner.Calls()[0].CurPos)

	// one wrong prediction out of two costs about 100 nats
	ppl, err = engine.Perplexity(context.Background(), []int{1, 2, 9})
	require.NoError(t, err)
	require.InDelta(t, 50.0, math.Log(ppl), 1e-6)

	_, err = engine.Perplexity(context.Background(), []int{1})
	require.ErrorIs(t, err, tensor.ErrConfiguration)
}

func TestEngineResetClearsPrefixRecord(t *testing.T) {
	engine, runner := newMockEngine(32)

	_, err := engine.Generate(context.Background(), [][]int{{1, 2, 3, 4}}, greedyParams(WithMaxTokens(1)))
	require.NoError(t, err)
	records := engine.prefix
	require.Equal(t, 2, records[0].NumBlocks())

	require.NoError(t, engine.Reset(1))
	require.Same(t, records[0], engine.prefix[0])
	require.Zero(t, records[0].NumBlocks())

	_, err = engine.Generate(context.Background(), [][]int{{1, 2, 3, 4, 5}}, greedyParams(WithMaxTokens(1)))
	require.NoError(t, err)
	calls := runner.Calls()
	require.Equal(t, 0, calls[len(calls)-1].CurPos)
}
