package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PoolOptions struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   string
	MaxConnIdleTime   string
	HealthCheckPeriod string
}

// Open builds a pgx pool for the dispatch log and verifies it with a ping.
func Open(ctx context.Context, dsn string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DB_DSN: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns >= 0 {
		cfg.MinConns = opts.MinConns
	}

	durations := []struct {
		env string
		raw string
		dst *time.Duration
	}{
		{"DB_POOL_MAX_CONN_LIFETIME", opts.MaxConnLifetime, &cfg.MaxConnLifetime},
		{"DB_POOL_MAX_CONN_IDLE_TIME", opts.MaxConnIdleTime, &cfg.MaxConnIdleTime},
		{"DB_POOL_HEALTH_CHECK_PERIOD", opts.HealthCheckPeriod, &cfg.HealthCheckPeriod},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.env, err)
		}
		*d.dst = v
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}
