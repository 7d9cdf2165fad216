package nanodecode

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"nano-decode-go/purego/tensor"
)

// Perplexity scores tokens with one prefill pass over a fresh session:
// exp of the mean negative log-likelihood of tokens[1:] given their prefix.
// The scored tokens stay in the cache and can serve as a reusable prefix.
func (e *Engine) Perplexity(ctx context.Context, tokens []int) (float64, error) {
	if len(tokens) < 2 {
		return 0, fmt.Errorf("%w: perplexity needs at least 2 tokens, got %d", tensor.ErrConfiguration, len(tokens))
	}
	if err := e.Reset(1); err != nil {
		return 0, err
	}

	logits, err := e.forward(ctx, [][]int{tokens}, 0, true)
	if err != nil {
		e.invalidate()
		return 0, fmt.Errorf("perplexity prefill: %w", err)
	}

	vocab := logits.Shape[2]
	row := make([]float64, vocab)
	nll := 0.0
	for s := 0; s < len(tokens)-1; s++ {
		for j, v := range logits.Data[s*vocab : (s+1)*vocab] {
			row[j] = float64(v)
		}
		nll += floats.LogSumExp(row) - float64(logits.At(0, s, tokens[s+1]))
	}
	nll /= float64(len(tokens) - 1)

	e.prefix[0].Record(tokens)
	e.logger.Debug("perplexity", "tokens", len(tokens), "nll", nll)

	return math.Exp(nll), nil
}
