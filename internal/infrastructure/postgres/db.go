package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool connects with sizing for the import workload: a handful of
// long-lived worker connections holding multi-hour jobs, heartbeat and
// progress writes on top, and short bursts from the management API.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse queue db config: %w", err)
	}

	cfg.MaxConns = 20
	cfg.MinConns = 4
	// Leases run for hours; connections must comfortably outlive a poll
	// cycle but still rotate.
	cfg.MaxConnLifetime = 1 * time.Hour
	cfg.MaxConnIdleTime = 15 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.ConnConfig.ConnectTimeout = 5 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create queue pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping queue db: %w", err)
	}

	return pool, nil
}
