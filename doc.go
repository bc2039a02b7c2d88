// Package aggcache serves analytics aggregates (views, posts and engagement
// per client and platform) through a cache, a periodically refreshed
// precomputed store and an on-demand fallback aggregation over raw records.
//
// # Key Concepts
//
//   - [View] describes a registered aggregate: how raw records are grouped,
//     the canonical row order, an optional top-N limit and the precomputed
//     target that backs it.
//   - [QuerySpec] identifies one read: view, client, platform, period and
//     optional sub-account filters. Its normalized form determines the cache
//     key (see [BuildKey]) and the precomputed slice lookup.
//   - [TTLClass] selects how long a result is cached, or that it is not
//     cached at all.
//   - [cache.Store] is the cache backend. An in-memory store is used by
//     default; Redis and tiered stores are available.
//   - [source.AggregateReader] and [source.RawSource] are the precomputed
//     store and the raw data the engine reads from. [source.SQLSource]
//     implements both for SQLite and PostgreSQL.
//
// # Read Path
//
// [Engine.GetAggregate] probes the cache, then the precomputed slice, then
// recomputes from raw records with [Aggregator]. A precomputed slice with no
// rows is treated as not yet computed, and a "today" slice is only trusted
// once the store reports a row for the current day. Every path returns rows
// in the view's canonical order, so callers cannot tell them apart.
//
// # Quick Start
//
//	src, _ := source.NewSQLiteSource("aggcache.db")
//	engine := aggcache.New(src, src)
//	for _, v := range aggcache.DefaultViews() {
//		engine.Register(v)
//	}
//
//	rows, err := engine.GetAggregate(ctx, aggcache.QuerySpec{
//		View:     "daily_agg",
//		ClientID: "1",
//		Platform: aggcache.PlatformTikTok,
//		Period:   aggcache.Last7Days,
//	}, aggcache.Medium)
//
// [Engine.RefreshAll] rebuilds the precomputed targets out of band and
// [Engine.Invalidate] evicts cached entries by glob pattern.
package aggcache
