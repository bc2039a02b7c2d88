package cache

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable reports that the backing cache cannot currently be reached.
// Readers never see it: Get treats it as a miss and Set drops the write.
var ErrUnavailable = errors.New("cache: backing store unavailable")

// Store defines the interface for cache backends. A cache is an
// optimization, never a correctness dependency, so the read and write paths
// do not return errors.
type Store interface {
	// Get returns the value stored under key. Misses, expired entries,
	// connectivity errors and timeouts all report ok == false.
	Get(ctx context.Context, key string) (value []byte, ok bool)

	// Set stores value under key for ttl. Failures are logged, not returned.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)

	// Invalidate deletes every key matching the glob pattern and returns the
	// number of keys removed. Zero matches is not an error.
	Invalidate(ctx context.Context, pattern string) (int, error)

	// Ready reports whether the backing store is currently usable.
	Ready() bool

	// Close releases any resources held by the store.
	Close() error
}
