package aggcache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Read paths recorded in metrics and spans.
const (
	PathCache       = "cache"
	PathPrecomputed = "precomputed"
	PathFallback    = "fallback"
)

// Reasons a read was routed to the fallback aggregator.
const (
	ReasonCurrentPeriodMissing = "current_period_missing"
	ReasonSliceEmpty           = "slice_empty"
	ReasonPrecomputedError     = "precomputed_error"
	ReasonFiltered             = "filtered"
	ReasonNoPrecomputed        = "no_precomputed"
)

// Metrics holds the Prometheus collectors of one Engine. Each Metrics owns
// its registry so several engines (and tests) never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	Reads           *prometheus.CounterVec
	Fallbacks       *prometheus.CounterVec
	UpstreamErrors  *prometheus.CounterVec
	ReadDuration    *prometheus.HistogramVec
	Invalidations   prometheus.Counter
	Refreshes       *prometheus.CounterVec
	RefreshDuration prometheus.Histogram
}

// NewMetrics creates the engine collectors under namespace and registers
// them on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Reads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reads_total",
				Help:      "Aggregate reads by view and the path that served them.",
			},
			[]string{"view", "path"},
		),
		Fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallbacks_total",
				Help:      "Reads routed to the fallback aggregator, by reason.",
			},
			[]string{"view", "reason"},
		),
		UpstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_errors_total",
				Help:      "Reads that failed on every path.",
			},
			[]string{"view"},
		),
		ReadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "read_duration_seconds",
				Help:      "Aggregate read latency by path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"view", "path"},
		),
		Invalidations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invalidated_keys_total",
				Help:      "Cache keys removed by explicit invalidation.",
			},
		),
		Refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_targets_total",
				Help:      "Refresh attempts by target and resulting status.",
			},
			[]string{"target", "status"},
		),
		RefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "refresh_duration_seconds",
				Help:      "Wall-clock duration of a refresh pass.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
	}

	m.registry.MustRegister(
		m.Reads,
		m.Fallbacks,
		m.UpstreamErrors,
		m.ReadDuration,
		m.Invalidations,
		m.Refreshes,
		m.RefreshDuration,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
