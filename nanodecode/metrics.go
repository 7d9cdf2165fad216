package nanodecode

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are created per engine so several engines can share a process.
// A nil registerer leaves them unregistered.
type metrics struct {
	forwardPasses   *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec
	tokensGenerated prometheus.Counter
	prefixReused    prometheus.Counter
	cacheOverflows  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		forwardPasses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nanodecode_forward_passes_total",
			Help: "Total number of forward passes by phase",
		}, []string{"phase"}),

		forwardDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nanodecode_forward_duration_seconds",
			Help:    "Duration of forward passes by phase",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}, []string{"phase"}),

		tokensGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "nanodecode_tokens_generated_total",
			Help: "Total number of sampled tokens kept in outputs",
		}),

		prefixReused: factory.NewCounter(prometheus.CounterOpts{
			Name: "nanodecode_prefix_reused_tokens_total",
			Help: "Total number of prompt tokens served from the KV cache",
		}),

		cacheOverflows: factory.NewCounter(prometheus.CounterOpts{
			Name: "nanodecode_cache_overflows_total",
			Help: "Total number of generations stopped by a full KV cache",
		}),
	}
}

func phase(isPrefill bool) string {
	if isPrefill {
		return "prefill"
	}
	return "decode"
}
