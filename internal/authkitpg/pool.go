// Package authkitpg tunes the pgx connection pool behind the Postgres store.
package authkitpg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMinConns          = 1
	defaultMaxConns          = 8
	defaultMaxConnLifetime   = 30 * time.Minute
	defaultHealthCheckPeriod = 30 * time.Second
)

// PoolConfig parses databaseURL and applies the pool limits used by the auth service.
func PoolConfig(databaseURL string) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres.pool.parse: %w", err)
	}
	config.MinConns = defaultMinConns
	config.MaxConns = defaultMaxConns
	config.MaxConnLifetime = defaultMaxConnLifetime
	config.HealthCheckPeriod = defaultHealthCheckPeriod
	return config, nil
}

// BuildPool creates a pgx pool with sane defaults.
func BuildPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := PoolConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgres.pool.open: %w", err)
	}
	return pool, nil
}

// OpenSQLDB exposes the pool as a database/sql handle for the ORM. Closing the
// returned handle does not close the pool.
func OpenSQLDB(pool *pgxpool.Pool) *sql.DB {
	return stdlib.OpenDBFromPool(pool)
}
