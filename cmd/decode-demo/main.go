package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"

	"nano-decode-go/envconfig"
	"nano-decode-go/logutil"
	"nano-decode-go/nanodecode"
	"nano-decode-go/purego/tensor"
)

type modelFlags struct {
	layers      int
	dim         int
	heads       int
	kvHeads     int
	vocab       int
	ffn         int
	maxSeqLen   int
	theta       float64
	scaledRope  bool
	weightsSeed uint64
	dtype       string
	threads     int
	prefixBlock int
	stats       bool
}

func (f *modelFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.layers, "layers", 2, "Number of transformer layers")
	cmd.Flags().IntVar(&f.dim, "dim", 64, "Model dimension")
	cmd.Flags().IntVar(&f.heads, "heads", 4, "Number of query heads")
	cmd.Flags().IntVar(&f.kvHeads, "kv-heads", 2, "Number of key/value heads")
	cmd.Flags().IntVar(&f.vocab, "vocab", 256, "Vocabulary size")
	cmd.Flags().IntVar(&f.ffn, "ffn", 0, "Feed-forward hidden size (default 4*dim)")
	cmd.Flags().IntVar(&f.maxSeqLen, "max-seq-len", 128, "KV cache capacity in positions")
	cmd.Flags().Float64Var(&f.theta, "rope-theta", 500000, "RoPE base")
	cmd.Flags().BoolVar(&f.scaledRope, "scaled-rope", true, "Apply long-context RoPE frequency scaling")
	cmd.Flags().Uint64Var(&f.weightsSeed, "weights-seed", 1, "Seed for the random weights")
	cmd.Flags().StringVar(&f.dtype, "dtype", "", "KV cache storage type: bf16 or f16 (default $NANODECODE_KV_DTYPE or bf16)")
	cmd.Flags().IntVar(&f.threads, "threads", 0, "Attention heads computed in parallel (default $NANODECODE_NUM_THREADS)")
	cmd.Flags().IntVar(&f.prefixBlock, "prefix-block", -1, "Prefix reuse block size, 0 disables (default $NANODECODE_PREFIX_BLOCK)")
	cmd.Flags().BoolVar(&f.stats, "stats", false, "Print engine counters when done")
}

func (f *modelFlags) params() *tensor.ModelParams {
	ffn := f.ffn
	if ffn == 0 {
		ffn = 4 * f.dim
	}
	headDim := 0
	if f.heads > 0 {
		headDim = f.dim / f.heads
	}
	return &tensor.ModelParams{
		Dim:           f.dim,
		VocabSize:     f.vocab,
		FFNDim:        ffn,
		NLayers:       f.layers,
		NLocalHeads:   f.heads,
		NLocalKVHeads: f.kvHeads,
		HeadDim:       headDim,
		MaxSeqLen:     f.maxSeqLen,
		RopeTheta:     f.theta,
		UseScaledRope: f.scaledRope,
		NormEps:       1e-5,
	}
}

func (f *modelFlags) engine(reg prometheus.Registerer) (*nanodecode.Engine, error) {
	params := f.params()
	if err := params.Validate(); err != nil {
		return nil, err
	}

	opts := []nanodecode.ConfigOption{
		nanodecode.WithLogger(slog.Default()),
		nanodecode.WithRegisterer(reg),
	}
	if f.dtype != "" {
		dtype, err := tensor.ParseDType(f.dtype)
		if err != nil {
			return nil, err
		}
		opts = append(opts, nanodecode.WithKVDType(dtype))
	}
	if f.threads > 0 {
		opts = append(opts, nanodecode.WithNumThreads(f.threads))
	}
	if f.prefixBlock >= 0 {
		opts = append(opts, nanodecode.WithPrefixBlockSize(f.prefixBlock))
	}

	return nanodecode.NewRandomEngine(nanodecode.NewConfig(opts...), params, f.weightsSeed)
}

func parseTokens(s string) ([]int, error) {
	var ids []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q: %w", field, err)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no token ids in %q", s)
	}
	return ids, nil
}

func printStats(reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })

	fmt.Println("\nStats:")
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			switch {
			case m.GetCounter() != nil:
				fmt.Printf("  %s %g\n", name, m.GetCounter().GetValue())
			case m.GetHistogram() != nil:
				fmt.Printf("  %s count=%d sum=%.6fs\n", name, m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum())
			}
		}
	}
	return nil
}

func GenerateHandler(cmd *cobra.Command, mf *modelFlags, prompts []string, opts []nanodecode.SamplingOption) error {
	rows := make([][]int, len(prompts))
	for i, p := range prompts {
		ids, err := parseTokens(p)
		if err != nil {
			return err
		}
		rows[i] = ids
	}

	reg := prometheus.NewRegistry()
	engine, err := mf.engine(reg)
	if err != nil {
		return err
	}
	defer engine.Close()

	outputs, err := engine.Generate(cmd.Context(), rows, nanodecode.NewSamplingParams(opts...))
	for i, out := range outputs {
		fmt.Printf("Prompt %d: %v\n", i+1, rows[i])
		fmt.Printf("Output:   %v (%s)\n", out.TokenIDs, out.StopReason)
	}
	if err != nil {
		return err
	}

	if mf.stats {
		return printStats(reg)
	}
	return nil
}

func PerplexityHandler(cmd *cobra.Command, mf *modelFlags, tokens string) error {
	ids, err := parseTokens(tokens)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	engine, err := mf.engine(reg)
	if err != nil {
		return err
	}
	defer engine.Close()

	ppl, err := engine.Perplexity(cmd.Context(), ids)
	if err != nil {
		return err
	}
	fmt.Printf("Perplexity: %.4f over %d tokens\n", ppl, len(ids))

	if mf.stats {
		return printStats(reg)
	}
	return nil
}

// BenchHandler decodes batches of random prompts and reports throughput
func BenchHandler(cmd *cobra.Command, mf *modelFlags, rounds, batch, promptLen, maxTokens int, seed uint64) error {
	params := mf.params()
	if promptLen < 1 || promptLen+maxTokens-1 > params.MaxSeqLen {
		return fmt.Errorf("prompt of %d plus %d new tokens does not fit max-seq-len %d", promptLen, maxTokens, params.MaxSeqLen)
	}

	reg := prometheus.NewRegistry()
	engine, err := mf.engine(reg)
	if err != nil {
		return err
	}
	defer engine.Close()

	fmt.Printf("Configuration:\n")
	fmt.Printf("  Rounds: %d x batch %d\n", rounds, batch)
	fmt.Printf("  Prompt length: %d tokens\n", promptLen)
	fmt.Printf("  Output length: up to %d tokens\n", maxTokens)
	fmt.Println()

	rng := rand.New(rand.NewSource(seed))
	sp := nanodecode.NewSamplingParams(
		nanodecode.WithTemperature(0.6),
		nanodecode.WithMaxTokens(maxTokens),
		nanodecode.WithIgnoreStop(true),
		nanodecode.WithSeed(seed),
	)

	totalTokens := 0
	startTime := time.Now()
	for r := 0; r < rounds; r++ {
		prompts := make([][]int, batch)
		for i := range prompts {
			prompts[i] = make([]int, promptLen)
			for j := range prompts[i] {
				prompts[i][j] = rng.Intn(params.VocabSize)
			}
		}

		outputs, err := engine.Generate(cmd.Context(), prompts, sp)
		if err != nil {
			return err
		}
		for _, out := range outputs {
			totalTokens += len(out.TokenIDs)
		}
	}
	elapsed := time.Since(startTime).Seconds()

	fmt.Println("Benchmark Results:")
	fmt.Printf("  Total output tokens: %d\n", totalTokens)
	fmt.Printf("  Time elapsed: %.2f seconds\n", elapsed)
	fmt.Printf("  Throughput: %.2f tokens/sec\n", float64(totalTokens)/elapsed)
	fmt.Printf("  Average latency: %.2f ms/round\n", elapsed*1000/float64(rounds))

	if mf.stats {
		return printStats(reg)
	}
	return nil
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "decode-demo",
		Short: "Incremental transformer decoding over random weights",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
			slog.Debug("decode config", "env", envconfig.Values())
		},
	}

	var genFlags modelFlags
	var (
		prompts     []string
		maxTokens   int
		temperature float32
		topP        float32
		topK        int
		seed        uint64
		stopTokens  []int
		progress    bool
	)
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate token ids from one or more prompts",
		Example: `  decode-demo generate --prompt 1,2,3
  decode-demo generate --prompt 1,2,3 --prompt 4,5,6 --top-k 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (tensor.SamplerConfig{Temperature: temperature, TopP: topP, TopK: topK}).Validate(); err != nil {
				return err
			}
			if maxTokens < 1 {
				return fmt.Errorf("--max-tokens must be at least 1")
			}
			return GenerateHandler(cmd, &genFlags, prompts, []nanodecode.SamplingOption{
				nanodecode.WithMaxTokens(maxTokens),
				nanodecode.WithTemperature(temperature),
				nanodecode.WithTopP(topP),
				nanodecode.WithTopK(topK),
				nanodecode.WithSeed(seed),
				nanodecode.WithStopTokens(stopTokens...),
				nanodecode.WithProgress(progress),
			})
		},
	}
	genFlags.register(generateCmd)
	def := tensor.DefaultSamplerConfig()
	generateCmd.Flags().StringArrayVar(&prompts, "prompt", []string{"1,2,3"}, "Comma separated prompt token ids, repeat for a batch")
	generateCmd.Flags().IntVar(&maxTokens, "max-tokens", 16, "Maximum tokens to generate per prompt")
	generateCmd.Flags().Float32Var(&temperature, "temperature", def.Temperature, "Sampling temperature")
	generateCmd.Flags().Float32Var(&topP, "top-p", def.TopP, "Nucleus sampling threshold")
	generateCmd.Flags().IntVar(&topK, "top-k", def.TopK, "Top-k candidates, 0 keeps the whole vocabulary")
	generateCmd.Flags().Uint64Var(&seed, "seed", 0, "Sampler seed")
	generateCmd.Flags().IntSliceVar(&stopTokens, "stop", nil, "Stop token ids")
	generateCmd.Flags().BoolVar(&progress, "progress", false, "Show a progress bar")

	var pplFlags modelFlags
	var tokens string
	perplexityCmd := &cobra.Command{
		Use:   "perplexity",
		Short: "Score a token sequence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return PerplexityHandler(cmd, &pplFlags, tokens)
		},
	}
	pplFlags.register(perplexityCmd)
	perplexityCmd.Flags().StringVar(&tokens, "tokens", "1,2,3,4", "Comma separated token ids")

	var benchFlags modelFlags
	var (
		rounds      int
		benchBatch  int
		promptLen   int
		benchTokens int
		benchSeed   uint64
	)
	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure decode throughput on random prompts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rounds < 1 || benchBatch < 1 || benchTokens < 1 {
				return fmt.Errorf("--rounds, --batch and --max-tokens must be at least 1")
			}
			return BenchHandler(cmd, &benchFlags, rounds, benchBatch, promptLen, benchTokens, benchSeed)
		},
	}
	benchFlags.register(benchCmd)
	benchCmd.Flags().IntVar(&rounds, "rounds", 4, "Number of generate calls")
	benchCmd.Flags().IntVar(&benchBatch, "batch", 4, "Prompts per generate call")
	benchCmd.Flags().IntVar(&promptLen, "prompt-len", 32, "Prompt length in tokens")
	benchCmd.Flags().IntVar(&benchTokens, "max-tokens", 32, "Tokens generated per prompt")
	benchCmd.Flags().Uint64Var(&benchSeed, "seed", 0, "Seed for prompts and sampling")

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show environment configuration",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			vars := envconfig.AsMap()
			keys := make([]string, 0, len(vars))
			for k := range vars {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				v := vars[k]
				fmt.Printf("%s=%v\t%s\n", v.Name, v.Value, v.Description)
			}
		},
	}

	rootCmd.AddCommand(generateCmd, perplexityCmd, benchCmd, envCmd)

	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := NewCLI().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
