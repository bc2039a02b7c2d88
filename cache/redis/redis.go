package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ryhazerus/aggcache/cache"
)

// Compile-time interface check.
var _ cache.Store = (*RedisStore)(nil)

// Defaults for the circuit breaker that gates Redis calls.
const (
	DefaultMaxFailures = 3
	DefaultOpenTimeout = 30 * time.Second
	DefaultScanCount   = 100
)

// RedisStore is a cache.Store backed by Redis. Values are stored as plain
// strings under prefix+key with a PX expiry.
//
// Every call goes through a circuit breaker. After MaxFailures consecutive
// connection errors the breaker opens and calls short-circuit to a miss
// without touching the connection; after OpenTimeout a single probe is let
// through to decide whether to close it again.
type RedisStore struct {
	client    goredis.UniversalClient
	prefix    string
	scanCount int64
	breaker   *gobreaker.CircuitBreaker
	logger    *zap.Logger
}

type config struct {
	prefix      string
	scanCount   int64
	maxFailures uint32
	openTimeout time.Duration
	logger      *zap.Logger
}

// Option configures a RedisStore.
type Option func(*config)

// WithKeyPrefix namespaces every key written by the store.
func WithKeyPrefix(prefix string) Option {
	return func(c *config) {
		c.prefix = prefix
	}
}

// WithLogger sets the logger used for dropped writes and breaker changes.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithBreaker tunes the circuit breaker: how many consecutive failures open
// it and how long it stays open before probing.
func WithBreaker(maxFailures uint32, openTimeout time.Duration) Option {
	return func(c *config) {
		c.maxFailures = maxFailures
		c.openTimeout = openTimeout
	}
}

// WithScanCount sets the COUNT hint used when scanning for invalidation.
func WithScanCount(n int64) Option {
	return func(c *config) {
		c.scanCount = n
	}
}

// NewRedisStore creates a new Redis-backed store.
func NewRedisStore(client goredis.UniversalClient, opts ...Option) *RedisStore {
	c := config{
		scanCount:   DefaultScanCount,
		maxFailures: DefaultMaxFailures,
		openTimeout: DefaultOpenTimeout,
		logger:      zap.NewNop(),
	}
	for _, o := range opts {
		o(&c)
	}
	if c.maxFailures == 0 {
		c.maxFailures = DefaultMaxFailures
	}

	r := &RedisStore{
		client:    client,
		prefix:    c.prefix,
		scanCount: c.scanCount,
		logger:    c.logger,
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "aggcache-redis",
		MaxRequests: 1,
		Timeout:     c.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("cache breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up is not a sign the server is down.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return r
}

// Get returns the value stored under key. Errors, timeouts and an open
// breaker all report a miss.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	v, err := r.breaker.Execute(func() (interface{}, error) {
		b, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return b, nil
	})
	if err != nil {
		r.logFailure("get", key, err)
		return nil, false
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, false
	}
	return b, true
}

// Set stores value under key for ttl. Failures are logged and dropped.
func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.client.Set(ctx, r.redisKey(key), value, ttl).Err()
	})
	if err != nil {
		r.logFailure("set", key, err)
	}
}

// Invalidate scans for keys matching pattern and deletes them in batches.
// It returns the number of keys Redis reported as deleted.
func (r *RedisStore) Invalidate(ctx context.Context, pattern string) (int, error) {
	v, err := r.breaker.Execute(func() (interface{}, error) {
		return r.deleteMatching(ctx, escapeGlob(r.prefix)+pattern)
	})
	if err != nil {
		if isBreakerOpen(err) {
			return 0, fmt.Errorf("aggcache/cache/redis: invalidate %q: %w", pattern, cache.ErrUnavailable)
		}
		n, _ := v.(int)
		return n, fmt.Errorf("aggcache/cache/redis: invalidate %q: %w", pattern, err)
	}
	return v.(int), nil
}

// deleteMatching collects every matching key before deleting any. Deleting
// while the SCAN cursor is open lets the server skip keys.
func (r *RedisStore) deleteMatching(ctx context.Context, match string) (int, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, match, r.scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}

	deleted := 0
	for batch := range slices.Chunk(slices.Compact(sortedKeys(keys)), int(max(r.scanCount, 1))) {
		n, err := r.client.Del(ctx, batch...).Result()
		if err != nil {
			return deleted, err
		}
		deleted += int(n)
	}
	return deleted, nil
}

// sortedKeys sorts keys in place so duplicates returned by SCAN are adjacent.
func sortedKeys(keys []string) []string {
	slices.Sort(keys)
	return keys
}

// Ping checks connectivity through the breaker.
func (r *RedisStore) Ping(ctx context.Context) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.client.Ping(ctx).Err()
	})
	return err
}

// Ready reports whether the breaker currently lets calls through.
func (r *RedisStore) Ready() bool {
	return r.breaker.State() != gobreaker.StateOpen
}

// Close closes the underlying Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) redisKey(key string) string {
	return r.prefix + key
}

func (r *RedisStore) logFailure(op, key string, err error) {
	if isBreakerOpen(err) {
		// Expected while Redis is down; the state change was already logged.
		return
	}
	r.logger.Warn("cache operation failed",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err),
	)
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// escapeGlob escapes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
