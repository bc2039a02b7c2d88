// Package config loads the aggcache binary's settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ryhazerus/aggcache"
)

// Database drivers accepted in AGGCACHE_DB_DRIVER.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds every setting of the aggcache binary.
type Config struct {
	Environment string `env:"AGGCACHE_ENVIRONMENT" envDefault:"production"`
	LogLevel    string `env:"AGGCACHE_LOG_LEVEL"   envDefault:"info"`
	Addr        string `env:"AGGCACHE_ADDR"        envDefault:":8080"`

	DBDriver        string `env:"AGGCACHE_DB_DRIVER"        envDefault:"sqlite"`
	DBDSN           string `env:"AGGCACHE_DB_DSN"           envDefault:"aggcache.db"`
	RebuildFunction string `env:"AGGCACHE_REBUILD_FUNCTION" envDefault:"refresh_aggregate"`

	// RedisAddr selects the Redis cache; empty keeps the cache in memory.
	RedisAddr        string        `env:"AGGCACHE_REDIS_ADDR"`
	RedisPassword    string        `env:"AGGCACHE_REDIS_PASSWORD"`
	RedisDB          int           `env:"AGGCACHE_REDIS_DB"             envDefault:"0"`
	RedisKeyPrefix   string        `env:"AGGCACHE_REDIS_KEY_PREFIX"     envDefault:"aggcache:"`
	RedisMaxFailures uint32        `env:"AGGCACHE_REDIS_MAX_FAILURES"   envDefault:"3"`
	RedisOpenTimeout time.Duration `env:"AGGCACHE_REDIS_OPEN_TIMEOUT"   envDefault:"30s"`

	// L1TTL puts an in-process tier in front of Redis; zero disables it.
	L1TTL time.Duration `env:"AGGCACHE_L1_TTL" envDefault:"1m"`

	ShortLivedTTL time.Duration `env:"AGGCACHE_TTL_SHORT"  envDefault:"15m"`
	MediumTTL     time.Duration `env:"AGGCACHE_TTL_MEDIUM" envDefault:"30m"`
	LongTTL       time.Duration `env:"AGGCACHE_TTL_LONG"   envDefault:"2h"`

	CacheTimeout       time.Duration `env:"AGGCACHE_CACHE_TIMEOUT"       envDefault:"250ms"`
	PrecomputedTimeout time.Duration `env:"AGGCACHE_PRECOMPUTED_TIMEOUT" envDefault:"5s"`
	FallbackTimeout    time.Duration `env:"AGGCACHE_FALLBACK_TIMEOUT"    envDefault:"15s"`
	RebuildTimeout     time.Duration `env:"AGGCACHE_REBUILD_TIMEOUT"     envDefault:"2m"`
	InvalidateTimeout  time.Duration `env:"AGGCACHE_INVALIDATE_TIMEOUT"  envDefault:"5s"`

	// RefreshInterval runs RefreshAll periodically while serving; zero
	// disables the loop.
	RefreshInterval     time.Duration `env:"AGGCACHE_REFRESH_INTERVAL"`
	RefreshConcurrency  int           `env:"AGGCACHE_REFRESH_CONCURRENCY"   envDefault:"1"`
	InvalidateOnRefresh bool          `env:"AGGCACHE_INVALIDATE_ON_REFRESH" envDefault:"true"`

	Coalesce         bool   `env:"AGGCACHE_COALESCE"          envDefault:"true"`
	CacheFiltered    bool   `env:"AGGCACHE_CACHE_FILTERED"`
	MetricsNamespace string `env:"AGGCACHE_METRICS_NAMESPACE" envDefault:"aggcache"`
}

// Load parses Config from the environment and validates it.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("config: AGGCACHE_DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DBDriver)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("config: AGGCACHE_DB_DSN is required")
	}
	if c.RefreshConcurrency < 1 {
		return fmt.Errorf("config: AGGCACHE_REFRESH_CONCURRENCY must be at least 1, got %d", c.RefreshConcurrency)
	}
	if c.RefreshInterval < 0 || c.L1TTL < 0 {
		return fmt.Errorf("config: durations must not be negative")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: AGGCACHE_LOG_LEVEL: %w", err)
	}
	return nil
}

// Timeouts returns the engine timeouts.
func (c Config) Timeouts() aggcache.Timeouts {
	return aggcache.Timeouts{
		Cache:       c.CacheTimeout,
		Precomputed: c.PrecomputedTimeout,
		Fallback:    c.FallbackTimeout,
		Rebuild:     c.RebuildTimeout,
		Invalidate:  c.InvalidateTimeout,
	}
}

// EngineOptions returns the engine options the settings translate to. The
// cache, logger and metrics are wired by the caller.
func (c Config) EngineOptions() []aggcache.Option {
	opts := []aggcache.Option{
		aggcache.WithTTL(aggcache.ShortLived, c.ShortLivedTTL),
		aggcache.WithTTL(aggcache.Medium, c.MediumTTL),
		aggcache.WithTTL(aggcache.Long, c.LongTTL),
		aggcache.WithTimeouts(c.Timeouts()),
		aggcache.WithRefreshConcurrency(c.RefreshConcurrency),
	}
	if c.InvalidateOnRefresh {
		opts = append(opts, aggcache.WithInvalidateOnRefresh())
	}
	if c.Coalesce {
		opts = append(opts, aggcache.WithCoalescing())
	}
	if c.CacheFiltered {
		opts = append(opts, aggcache.WithFilteredCaching())
	}
	return opts
}

// NewLogger builds a production logger, or a development one outside
// production, at the configured level.
func (c Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if c.Environment == "production" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
