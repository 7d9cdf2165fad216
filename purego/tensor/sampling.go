package tensor

import (
	"fmt"
	"math"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// SamplerConfig holds parameters for token sampling
type SamplerConfig struct {
	Temperature float32
	TopP        float32 // Nucleus sampling
	TopK        int     // Top-k sampling, <= 0 keeps the whole vocabulary
}

// DefaultSamplerConfig returns the default sampling parameters
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		Temperature: 0.8,
		TopP:        0.95,
		TopK:        40,
	}
}

// Validate rejects settings the sampler cannot honor
func (c SamplerConfig) Validate() error {
	if c.Temperature <= 0 || math.IsNaN(float64(c.Temperature)) {
		return fmt.Errorf("%w: temperature must be positive, got %v", ErrConfiguration, c.Temperature)
	}
	if math.IsNaN(float64(c.TopP)) {
		return fmt.Errorf("%w: top_p is NaN", ErrConfiguration)
	}
	return nil
}

// NewSource returns the deterministic random source used by Sample
func NewSource(seed uint64) rand.Source {
	return rand.NewSource(seed)
}

type candidate struct {
	id    int
	logit float32
}

// Sample draws one token per batch row from the last position of logits,
// which is [batch, seq, vocab] or [batch, vocab].
func Sample(logits *Tensor, cfg SamplerConfig, src rand.Source) ([]int, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TopK == 1 {
		return Greedy(logits)
	}
	rows, err := lastRows(logits)
	if err != nil {
		return nil, err
	}

	tokens := make([]int, len(rows))
	for b, row := range rows {
		tokens[b] = sampleRow(row, cfg, src)
	}
	return tokens, nil
}

// Greedy returns the argmax of the last position of each batch row
func Greedy(logits *Tensor) ([]int, error) {
	rows, err := lastRows(logits)
	if err != nil {
		return nil, err
	}

	tokens := make([]int, len(rows))
	vals := make([]float64, 0)
	for b, row := range rows {
		vals = vals[:0]
		for _, v := range row {
			vals = append(vals, float64(v))
		}
		tokens[b] = floats.MaxIdx(vals)
	}
	return tokens, nil
}

func lastRows(logits *Tensor) ([][]float32, error) {
	switch len(logits.Shape) {
	case 3:
		if logits.Shape[1] == 0 || logits.Shape[2] == 0 {
			return nil, fmt.Errorf("%w: empty logits %v", ErrConfiguration, logits.Shape)
		}
		return LastLogits(logits), nil
	case 2:
		if logits.Shape[1] == 0 {
			return nil, fmt.Errorf("%w: empty logits %v", ErrConfiguration, logits.Shape)
		}
		return LastLogits(logits.Reshape(logits.Shape[0], 1, logits.Shape[1])), nil
	default:
		return nil, fmt.Errorf("%w: logits must be [batch, seq, vocab] or [batch, vocab], got %v", ErrConfiguration, logits.Shape)
	}
}

func sampleRow(row []float32, cfg SamplerConfig, src rand.Source) int {
	for i := range row {
		row[i] /= cfg.Temperature
	}

	kept := topK(row, cfg.TopK)

	// Cumulative softmax over the descending candidates
	vals := make([]float64, len(kept))
	for i, c := range kept {
		vals[i] = float64(c.logit)
	}
	lse := floats.LogSumExp(vals)
	probs := make([]float64, len(kept))
	for i, v := range vals {
		probs[i] = math.Exp(v - lse)
	}

	// Drop a candidate once the mass before it already exceeds top_p.
	// The first candidate always survives.
	weights := make([]float64, len(kept))
	cum := 0.0
	for i, p := range probs {
		if i > 0 && cum > float64(cfg.TopP) {
			break
		}
		weights[i] = p
		cum += p
	}

	idx, ok := sampleuv.NewWeighted(weights, src).Take()
	if !ok {
		idx = 0
	}
	return kept[idx].id
}

// topK returns the k largest logits in descending order, ties going to
// the lower token id
func topK(row []float32, k int) []candidate {
	if k <= 0 || k > len(row) {
		k = len(row)
	}

	// Min-heap holding the current best k
	heap := pq.NewWith(func(a, b candidate) int {
		switch {
		case a.logit < b.logit:
			return -1
		case a.logit > b.logit:
			return 1
		case a.id > b.id:
			return -1
		case a.id < b.id:
			return 1
		}
		return 0
	})
	for id, logit := range row {
		heap.Enqueue(candidate{id: id, logit: logit})
		if heap.Size() > k {
			heap.Dequeue()
		}
	}

	kept := make([]candidate, heap.Size())
	for i := len(kept) - 1; i >= 0; i-- {
		kept[i], _ = heap.Dequeue()
	}
	return kept
}
