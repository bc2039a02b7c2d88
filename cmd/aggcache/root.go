package main

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryhazerus/aggcache"
	"github.com/ryhazerus/aggcache/cache"
	"github.com/ryhazerus/aggcache/cache/redis"
	"github.com/ryhazerus/aggcache/internal/config"
	"github.com/ryhazerus/aggcache/source"
)

type app struct {
	cfg    config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "aggcache",
		Short:        "Serve cached analytics aggregates for dashboards",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := cfg.NewLogger()
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.AddCommand(
		newServeCmd(a),
		newGetCmd(a),
		newRefreshCmd(a),
		newInvalidateCmd(a),
		newSeedCmd(a),
	)
	return root
}

// services is an engine wired to its source and cache.
type services struct {
	engine  *aggcache.Engine
	metrics *aggcache.Metrics
	source  *source.SQLSource
}

func (r *services) Close() error {
	err := r.engine.Close()
	if cerr := r.source.Close(); err == nil {
		err = cerr
	}
	return err
}

func (a *app) openSource(ctx context.Context) (*source.SQLSource, error) {
	switch a.cfg.DBDriver {
	case config.DriverPostgres:
		return source.NewPostgresSource(ctx, a.cfg.DBDSN, source.WithRebuildFunction(a.cfg.RebuildFunction))
	default:
		return source.NewSQLiteSource(a.cfg.DBDSN)
	}
}

// openCache returns the in-memory store, or Redis behind an in-process tier
// when a Redis address is configured.
func (a *app) openCache(ctx context.Context) cache.Store {
	if a.cfg.RedisAddr == "" {
		return cache.NewMemoryStore()
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})
	store := redis.NewRedisStore(client,
		redis.WithKeyPrefix(a.cfg.RedisKeyPrefix),
		redis.WithBreaker(a.cfg.RedisMaxFailures, a.cfg.RedisOpenTimeout),
		redis.WithLogger(a.logger.Named("redis")),
	)
	if err := store.Ping(ctx); err != nil {
		// Reads fall through to the sources until Redis recovers.
		a.logger.Warn("redis unreachable at startup", zap.String("addr", a.cfg.RedisAddr), zap.Error(err))
	}

	if a.cfg.L1TTL <= 0 {
		return store
	}
	return cache.NewTieredStore(store, a.cfg.L1TTL)
}

func (a *app) newServices(ctx context.Context) (*services, error) {
	src, err := a.openSource(ctx)
	if err != nil {
		return nil, err
	}

	metrics := aggcache.NewMetrics(a.cfg.MetricsNamespace)
	opts := append(a.cfg.EngineOptions(),
		aggcache.WithCache(a.openCache(ctx)),
		aggcache.WithLogger(a.logger),
		aggcache.WithMetrics(metrics),
	)
	engine := aggcache.New(src, src, opts...)
	for _, v := range aggcache.DefaultViews() {
		if err := engine.Register(v); err != nil {
			engine.Close()
			src.Close()
			return nil, err
		}
	}

	return &services{engine: engine, metrics: metrics, source: src}, nil
}
