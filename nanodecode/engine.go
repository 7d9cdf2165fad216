package nanodecode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/schollz/progressbar/v3"

	"nano-decode-go/logutil"
	"nano-decode-go/purego/tensor"
)

// Output is the result of one batch row
type Output struct {
	TokenIDs   []int
	StopReason StopReason
}

// Engine drives prefill and decode steps over a ModelRunner. It holds one
// cache session at a time and is not safe for concurrent use.
type Engine struct {
	config  *Config
	runner  ModelRunner
	logger  *slog.Logger
	metrics *metrics

	batch  int
	prefix []*PrefixCache
}

// NewEngine creates a new decode engine
func NewEngine(config *Config, runner ModelRunner) *Engine {
	return &Engine{
		config:  config,
		runner:  runner,
		logger:  config.Logger,
		metrics: newMetrics(config.Registerer),
	}
}

// Close cleans up resources
func (e *Engine) Close() error {
	return e.runner.Close()
}

// Reset discards the cache session and starts a new one for batch rows
func (e *Engine) Reset(batch int) error {
	if err := e.runner.Reset(batch); err != nil {
		e.batch = 0
		e.prefix = nil
		return err
	}

	e.batch = batch
	if len(e.prefix) == batch {
		for _, pc := range e.prefix {
			pc.Reset()
		}
		return nil
	}
	e.prefix = make([]*PrefixCache, batch)
	for i := range e.prefix {
		e.prefix[i] = NewPrefixCache(e.config.PrefixBlockSize)
	}
	return nil
}

// invalidate forgets what the cache holds, forcing a reset before the next
// generation
func (e *Engine) invalidate() {
	e.batch = 0
	for _, pc := range e.prefix {
		pc.Reset()
	}
}

// prefillStart returns how many leading prompt tokens can be served from
// the current session, resetting the session when none can
func (e *Engine) prefillStart(prompts [][]int) (int, error) {
	if e.batch != len(prompts) || e.config.PrefixBlockSize == 0 {
		return 0, e.Reset(len(prompts))
	}

	start := len(prompts[0])
	for i, prompt := range prompts {
		start = min(start, e.prefix[i].Match(prompt))
	}
	return start, nil
}

// Generate runs every prompt to completion in one lockstep batch. On error
// the outputs hold the tokens generated so far.
func (e *Engine) Generate(ctx context.Context, prompts [][]int, sp *SamplingParams) ([]Output, error) {
	if len(prompts) == 0 {
		return nil, fmt.Errorf("%w: no prompts", tensor.ErrConfiguration)
	}
	for i, prompt := range prompts {
		if len(prompt) == 0 {
			return nil, fmt.Errorf("%w: prompt %d is empty", tensor.ErrConfiguration, i)
		}
	}

	seqs := make([]*Sequence, len(prompts))
	for i, prompt := range prompts {
		seqs[i] = NewSequence(prompt, sp)
	}

	start, err := e.prefillStart(prompts)
	if err != nil {
		return nil, err
	}

	sched, err := NewScheduler(seqs, start)
	if err != nil {
		return nil, err
	}
	if start > 0 {
		e.metrics.prefixReused.Add(float64(start * len(prompts)))
		e.logger.Debug("reusing cached prefix", "tokens", start, "batch", len(prompts))
	}

	var bar *progressbar.ProgressBar
	if sp.ShowProgress {
		bar = progressbar.NewOptions(sp.MaxTokens,
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	src := tensor.NewSource(sp.Seed)
	cfg := sp.SamplerConfig()

	for step := 0; !sched.IsFinished(); step++ {
		if err := ctx.Err(); err != nil {
			e.invalidate()
			return outputs(seqs), err
		}

		tokens, isPrefill := sched.Schedule()
		curPos := sched.CurPos()

		logits, err := e.forward(ctx, tokens, curPos, isPrefill)
		if err != nil {
			if errors.Is(err, tensor.ErrCacheOverflow) {
				e.metrics.cacheOverflows.Inc()
			}
			e.invalidate()
			return outputs(seqs), fmt.Errorf("%s step %d at position %d: %w", phase(isPrefill), step, curPos, err)
		}

		ids, err := tensor.Sample(logits, cfg, src)
		if err != nil {
			e.invalidate()
			return outputs(seqs), fmt.Errorf("sampling step %d: %w", step, err)
		}

		active := 0
		for _, seq := range seqs {
			if !seq.IsFinished() {
				active++
			}
		}
		sched.Postprocess(ids)
		e.metrics.tokensGenerated.Add(float64(active))
		logutil.TraceLogger(ctx, e.logger, "decode step", "step", step, "pos", curPos, "sampled", ids)

		if bar != nil {
			bar.Add(1)
		}
	}

	if bar != nil {
		bar.Finish()
	}

	for i, seq := range seqs {
		e.prefix[i].Record(seq.TokenIDs[:min(sched.CurPos(), len(seq.TokenIDs))])
		e.logger.Debug("sequence stopped", "seq", seq.SeqID, "reason", seq.StopReason,
			"completion_tokens", seq.NumCompletionTokens(), "cached_blocks", e.prefix[i].NumBlocks())
	}

	return outputs(seqs), nil
}

func (e *Engine) forward(ctx context.Context, tokens [][]int, curPos int, isPrefill bool) (*tensor.Tensor, error) {
	start := time.Now()
	logits, err := e.runner.Forward(ctx, tokens, curPos)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	e.metrics.forwardPasses.WithLabelValues(phase(isPrefill)).Inc()
	e.metrics.forwardDuration.WithLabelValues(phase(isPrefill)).Observe(elapsed.Seconds())

	if isPrefill {
		e.logger.Debug("prefill", "pos", curPos, "tokens", len(tokens[0]), "batch", len(tokens), "elapsed", elapsed)
	}
	return logits, nil
}

func outputs(seqs []*Sequence) []Output {
	out := make([]Output, len(seqs))
	for i, seq := range seqs {
		out[i] = Output{
			TokenIDs:   append([]int(nil), seq.CompletionTokenIDs()...),
			StopReason: seq.StopReason,
		}
	}
	return out
}
