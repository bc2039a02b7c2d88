package aggcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ryhazerus/aggcache/cache"
	"github.com/ryhazerus/aggcache/source"
)

const tracerName = "github.com/ryhazerus/aggcache"

var (
	// ErrUnknownView is returned when a query names a view that was never
	// registered.
	ErrUnknownView = errors.New("aggcache: unknown view")

	// ErrInvalidQuery is returned for a malformed QuerySpec or TTL class.
	ErrInvalidQuery = errors.New("aggcache: invalid query")

	// ErrInvalidView is returned by Register for a malformed or duplicate view.
	ErrInvalidView = errors.New("aggcache: invalid view")

	// ErrEmptyPattern is returned by Invalidate for an empty pattern.
	ErrEmptyPattern = errors.New("aggcache: empty invalidation pattern")

	// ErrUpstream is matched by every UpstreamError.
	ErrUpstream = errors.New("aggcache: upstream failure")
)

// UpstreamError is returned when no read path could produce a result: the
// fallback computation failed, and the precomputed read either failed too or
// was not usable.
type UpstreamError struct {
	View        string
	Precomputed error // nil when the precomputed read did not fail
	Fallback    error
}

func (e *UpstreamError) Error() string {
	if e.Precomputed != nil {
		return fmt.Sprintf("aggcache: upstream failure for %s: precomputed: %v; fallback: %v", e.View, e.Precomputed, e.Fallback)
	}
	return fmt.Sprintf("aggcache: upstream failure for %s: fallback: %v", e.View, e.Fallback)
}

func (e *UpstreamError) Unwrap() []error {
	errs := []error{ErrUpstream}
	if e.Fallback != nil {
		errs = append(errs, e.Fallback)
	}
	if e.Precomputed != nil {
		errs = append(errs, e.Precomputed)
	}
	return errs
}

// Engine serves aggregate reads through a cache, a precomputed aggregate
// store and an on-demand fallback aggregation, and coordinates refreshes of
// the precomputed store.
type Engine struct {
	mu     sync.RWMutex
	views  []View
	byName map[string]int

	cache      cache.Store
	reader     source.AggregateReader
	aggregator *Aggregator

	ttls     map[TTLClass]time.Duration
	timeouts Timeouts
	now      func() time.Time
	logger   *zap.Logger
	metrics  *Metrics
	tracer   trace.Tracer

	coalesce      bool
	cacheFiltered bool
	group         singleflight.Group

	refreshConcurrency  int
	invalidateOnRefresh bool
	refreshMu           sync.Mutex
	targetsMu           sync.Mutex
	targets             map[string]RefreshTarget
}

// New creates an Engine reading precomputed slices from reader and raw
// records from raw. A nil reader sends every read to the fallback
// aggregator. If reader also implements source.Rebuilder, RefreshAll uses it
// to rebuild targets; otherwise refreshes are simulated.
// If no cache is provided, an in-memory store is used.
func New(reader source.AggregateReader, raw source.RawSource, opts ...Option) *Engine {
	e := &Engine{
		byName:     make(map[string]int),
		reader:     reader,
		aggregator: NewAggregator(raw),
		ttls: map[TTLClass]time.Duration{
			ShortLived: ShortLived.Duration(),
			Medium:     Medium.Duration(),
			Long:       Long.Duration(),
		},
		timeouts:           DefaultTimeouts(),
		now:                time.Now,
		refreshConcurrency: 1,
		targets:            make(map[string]RefreshTarget),
	}
	for _, o := range opts {
		o(e)
	}
	if e.cache == nil {
		e.cache = cache.NewMemoryStore()
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	return e
}

// Register adds a view. View names are unique.
func (e *Engine) Register(v View) error {
	if err := v.validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.byName[v.Name]; ok {
		return fmt.Errorf("%w: view %q already registered", ErrInvalidView, v.Name)
	}
	e.byName[v.Name] = len(e.views)
	e.views = append(e.views, v)

	e.targetsMu.Lock()
	if _, ok := e.targets[v.TargetName()]; !ok {
		e.targets[v.TargetName()] = RefreshTarget{Name: v.TargetName(), Status: StatusNeverRun}
	}
	e.targetsMu.Unlock()
	return nil
}

// Views returns a copy of all registered views in registration order.
func (e *Engine) Views() []View {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]View, len(e.views))
	copy(out, e.views)
	return out
}

func (e *Engine) view(name string) (View, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	i, ok := e.byName[name]
	if !ok {
		return View{}, false
	}
	return e.views[i], true
}

// TTL returns the duration entries of class are cached for. Uncached
// returns zero.
func (e *Engine) TTL(class TTLClass) time.Duration {
	return e.ttls[class]
}

// DefaultClass returns ClassFor q's view. An unknown view is Uncached.
func (e *Engine) DefaultClass(q QuerySpec) TTLClass {
	q = q.Normalize()
	v, ok := e.view(q.View)
	if !ok {
		return Uncached
	}
	return ClassFor(v, q)
}

type loadResult struct {
	rows   []source.Row
	path   string
	reason string
}

// GetAggregate returns the rows of q's view for q's client, platform and
// period, caching them for class's duration.
//
// The cache is probed first unless class is Uncached. On a miss the
// precomputed slice is read; it is used only if it has rows and, for the
// current period, the store confirms it has caught up. Otherwise the rows
// are recomputed from raw records. Whichever path serves the read, rows come
// back in the view's canonical order and the result is never nil.
//
// Queries with filters are not cached unless WithFilteredCaching is set, and
// always skip the precomputed store.
//
// Only a failed fallback is an error; it is returned as *UpstreamError.
func (e *Engine) GetAggregate(ctx context.Context, q QuerySpec, class TTLClass) ([]source.Row, error) {
	start := time.Now()

	q = q.Normalize()
	v, ok := e.view(q.View)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownView, q.View)
	}
	if !class.valid() {
		return nil, fmt.Errorf("%w: unknown ttl class %v", ErrInvalidQuery, class)
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	r, err := q.Range(e.now())
	if err != nil {
		return nil, err
	}

	effective := class
	if len(q.Filters) > 0 && !e.cacheFiltered {
		effective = Uncached
	}

	ctx, span := e.tracer.Start(ctx, "aggcache.GetAggregate",
		trace.WithAttributes(
			attribute.String("aggcache.view", v.Name),
			attribute.String("aggcache.client_id", q.ClientID),
			attribute.String("aggcache.platform", string(q.Platform)),
			attribute.String("aggcache.period", string(q.Period)),
			attribute.String("aggcache.ttl_class", effective.String()),
			attribute.Int("aggcache.filters", len(q.Filters)),
		),
	)
	defer span.End()

	key := BuildKey(v.Name, q.Params())
	if effective != Uncached {
		if rows, ok := e.cacheGet(ctx, key); ok {
			span.SetAttributes(attribute.String("aggcache.path", PathCache))
			e.observeRead(v.Name, PathCache, start)
			return rows, nil
		}
	}

	res, err := e.loadOnce(ctx, key, v, q, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "all read paths failed")
		if e.metrics != nil {
			e.metrics.UpstreamErrors.WithLabelValues(v.Name).Inc()
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("aggcache.path", res.path))
	if res.reason != "" {
		span.SetAttributes(attribute.String("aggcache.fallback_reason", res.reason))
	}

	if effective != Uncached {
		e.cacheSet(ctx, key, res.rows, e.ttls[effective])
	}
	e.observeRead(v.Name, res.path, start)
	return res.rows, nil
}

// loadOnce runs load, collapsing concurrent calls for the same key when
// coalescing is enabled. The shared load runs detached from any single
// caller's cancellation and is bounded by the step timeouts instead.
func (e *Engine) loadOnce(ctx context.Context, key string, v View, q QuerySpec, r source.DateRange) (loadResult, error) {
	if !e.coalesce {
		return e.load(ctx, v, q, r)
	}

	ch := e.group.DoChan(key, func() (interface{}, error) {
		return e.load(context.WithoutCancel(ctx), v, q, r)
	})
	select {
	case <-ctx.Done():
		return loadResult{}, &UpstreamError{View: v.Name, Fallback: ctx.Err()}
	case res := <-ch:
		lr, _ := res.Val.(loadResult)
		if res.Err != nil {
			return loadResult{}, res.Err
		}
		lr.rows = slices.Clone(lr.rows)
		return lr, nil
	}
}

func (e *Engine) load(ctx context.Context, v View, q QuerySpec, r source.DateRange) (loadResult, error) {
	var (
		reason  string
		precErr error
	)
	switch {
	case e.reader == nil:
		reason = ReasonNoPrecomputed
	case len(q.Filters) > 0:
		// The precomputed store has no filter dimension.
		reason = ReasonFiltered
	default:
		var rows []source.Row
		rows, reason, precErr = e.readPrecomputed(ctx, v, q, r)
		if reason == "" {
			return loadResult{rows: rows, path: PathPrecomputed}, nil
		}
	}

	fctx, cancel := context.WithTimeout(ctx, e.timeouts.Fallback)
	defer cancel()
	rows, err := e.aggregator.Compute(fctx, v, q, r)
	if err != nil {
		return loadResult{}, &UpstreamError{View: v.Name, Precomputed: precErr, Fallback: err}
	}

	fields := []zap.Field{
		zap.String("view", v.Name),
		zap.String("client_id", q.ClientID),
		zap.String("period", string(q.Period)),
		zap.String("reason", reason),
		zap.Int("rows", len(rows)),
	}
	if precErr != nil {
		fields = append(fields, zap.NamedError("precomputed_error", precErr))
	}
	e.logger.Debug("served aggregate from fallback", fields...)
	if e.metrics != nil {
		e.metrics.Fallbacks.WithLabelValues(v.Name, reason).Inc()
	}
	return loadResult{rows: rows, path: PathFallback, reason: reason}, nil
}

// readPrecomputed returns the normalized precomputed rows, or the reason the
// slice cannot be trusted.
func (e *Engine) readPrecomputed(ctx context.Context, v View, q QuerySpec, r source.DateRange) ([]source.Row, string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeouts.Precomputed)
	defer cancel()

	sq := source.SliceQuery{
		View:     v.Name,
		ClientID: q.ClientID,
		Platform: string(q.Platform),
		Period:   string(q.Period),
		Range:    r,
		Limit:    v.Limit,
	}

	if q.Period.IsCurrent() {
		exists, err := e.reader.RowExistsForCurrentPeriod(ctx, sq)
		if err != nil {
			return nil, ReasonPrecomputedError, err
		}
		if !exists {
			return nil, ReasonCurrentPeriodMissing, nil
		}
	}

	slice, err := e.reader.ReadSlice(ctx, sq)
	if err != nil {
		return nil, ReasonPrecomputedError, err
	}
	// Zero rows means the slice was not computed yet, not that there is no
	// data. A day with no activity is indistinguishable and also falls back.
	if len(slice.Rows) == 0 {
		return nil, ReasonSliceEmpty, nil
	}
	return Normalize(v, slice.Rows), "", nil
}

func (e *Engine) cacheGet(ctx context.Context, key string) ([]source.Row, bool) {
	if !e.cache.Ready() {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeouts.Cache)
	defer cancel()

	b, ok := e.cache.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var rows []source.Row
	if err := json.Unmarshal(b, &rows); err != nil {
		e.logger.Warn("discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if rows == nil {
		rows = []source.Row{}
	}
	return rows, true
}

func (e *Engine) cacheSet(ctx context.Context, key string, rows []source.Row, ttl time.Duration) {
	if ttl <= 0 || !e.cache.Ready() {
		return
	}
	b, err := json.Marshal(rows)
	if err != nil {
		e.logger.Warn("encoding cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	// The result is already computed; a caller that has gone away should not
	// prevent it from being cached.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeouts.Cache)
	defer cancel()
	e.cache.Set(ctx, key, b, ttl)
}

func (e *Engine) observeRead(view, path string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.Reads.WithLabelValues(view, path).Inc()
	e.metrics.ReadDuration.WithLabelValues(view, path).Observe(time.Since(start).Seconds())
}

// Invalidate deletes every cached entry whose key matches the glob pattern
// and returns how many were removed. Invalidating a pattern with no matches
// succeeds with zero. An unreachable cache is logged and reported as zero
// removals: entries there expire on their own.
func (e *Engine) Invalidate(ctx context.Context, pattern string) (int, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return 0, ErrEmptyPattern
	}
	if !e.cache.Ready() {
		e.logger.Warn("cache not ready, skipping invalidation", zap.String("pattern", pattern))
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeouts.Invalidate)
	defer cancel()

	n, err := e.cache.Invalidate(ctx, pattern)
	if err != nil {
		e.logger.Warn("cache invalidation failed", zap.String("pattern", pattern), zap.Error(err))
		return 0, nil
	}
	if e.metrics != nil {
		e.metrics.Invalidations.Add(float64(n))
	}
	e.logger.Info("invalidated cache entries", zap.String("pattern", pattern), zap.Int("count", n))
	return n, nil
}

// InvalidateClient removes every cached entry of one client across all
// registered views.
func (e *Engine) InvalidateClient(ctx context.Context, clientID string) (int, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" || !validKeyPart(clientID) {
		return 0, fmt.Errorf("%w: invalid client id %q", ErrInvalidQuery, clientID)
	}

	total := 0
	for _, v := range e.Views() {
		n, err := e.Invalidate(ctx, ClientPattern(v.Name, clientID))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Close releases resources held by the engine's cache.
func (e *Engine) Close() error {
	return e.cache.Close()
}
