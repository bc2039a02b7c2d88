// Package source defines the narrow interfaces the engine consumes from the
// precomputed store and the raw data source:
//
//   - [AggregateReader]: precomputed slices and the current-period probe.
//   - [RawSource]: raw records for on-demand aggregation.
//   - [Rebuilder]: optional rebuild of a precomputed aggregate.
//
// [SQLSource] implements all three over database/sql for SQLite and
// PostgreSQL. Custom sources can be plugged in by implementing the
// interfaces.
package source
