// Package cache defines the [Store] interface for aggregate cache backends
// and provides these implementations:
//
//   - [MemoryStore]: in-process entries with per-entry expiry.
//   - [TieredStore]: a MemoryStore in front of a shared second-level store.
//   - redis.RedisStore (subpackage redis): shared entries in Redis, gated by
//     a circuit breaker.
//
// Keys are matched for invalidation with Redis-style globs: "*" matches any
// sequence, "?" any single byte and "\" escapes the next byte.
package cache
