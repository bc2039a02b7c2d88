package aggcache

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ryhazerus/aggcache/cache"
)

// Option configures the Engine.
type Option func(*Engine)

// Timeouts bound every external call made by the engine.
type Timeouts struct {
	Cache       time.Duration // a timed-out cache call is a miss
	Precomputed time.Duration // a timed-out precomputed read routes to fallback
	Fallback    time.Duration // a timed-out fallback is an UpstreamError
	Rebuild     time.Duration // per refresh target
	Invalidate  time.Duration
}

// DefaultTimeouts returns the timeouts used when WithTimeouts is not given.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Cache:       250 * time.Millisecond,
		Precomputed: 5 * time.Second,
		Fallback:    15 * time.Second,
		Rebuild:     2 * time.Minute,
		Invalidate:  5 * time.Second,
	}
}

// WithCache sets the backing store for cached results.
// If not provided, an in-memory store is used by default.
func WithCache(s cache.Store) Option {
	return func(e *Engine) {
		e.cache = s
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock overrides the clock periods are resolved against.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithTTL overrides the duration of one TTL class. Uncached cannot be given
// a duration and a non-positive d is ignored.
func WithTTL(class TTLClass, d time.Duration) Option {
	return func(e *Engine) {
		if class == Uncached || !class.valid() || d <= 0 {
			return
		}
		e.ttls[class] = d
	}
}

// WithTimeouts replaces the per-call timeouts. Zero fields keep their
// defaults.
func WithTimeouts(t Timeouts) Option {
	return func(e *Engine) {
		d := e.timeouts
		if t.Cache > 0 {
			d.Cache = t.Cache
		}
		if t.Precomputed > 0 {
			d.Precomputed = t.Precomputed
		}
		if t.Fallback > 0 {
			d.Fallback = t.Fallback
		}
		if t.Rebuild > 0 {
			d.Rebuild = t.Rebuild
		}
		if t.Invalidate > 0 {
			d.Invalidate = t.Invalidate
		}
		e.timeouts = d
	}
}

// WithMetrics records reads, fallbacks and refreshes on m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracerProvider sets the provider spans are started from. The default
// is the global otel provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracer = tp.Tracer(tracerName)
	}
}

// WithCoalescing collapses concurrent misses for the same key into a single
// precomputed read and fallback computation.
func WithCoalescing() Option {
	return func(e *Engine) {
		e.coalesce = true
	}
}

// WithFilteredCaching caches results of filtered queries instead of forcing
// them to Uncached.
func WithFilteredCaching() Option {
	return func(e *Engine) {
		e.cacheFiltered = true
	}
}

// WithRefreshConcurrency sets how many refresh targets are rebuilt at once.
// The default of 1 rebuilds them sequentially.
func WithRefreshConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.refreshConcurrency = n
		}
	}
}

// WithInvalidateOnRefresh evicts every cached entry of a view after its
// target was rebuilt successfully.
func WithInvalidateOnRefresh() Option {
	return func(e *Engine) {
		e.invalidateOnRefresh = true
	}
}
