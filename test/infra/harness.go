package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"helpdispatch/db"
)

// Harness owns the lifecycle of the Postgres test container and pgx pool.
type Harness struct {
	container *postgres.PostgresContainer
	pool      *pgxpool.Pool
	dsn       string
}

// NewHarness boots a Postgres container and applies embedded migrations.
func NewHarness(ctx context.Context) (*Harness, error) {
	pgContainer, dsn, err := startContainer(ctx, "dispatch")
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, dsn, db.PoolOptions{
		MaxConns:        64,
		MaxConnIdleTime: 30 * time.Second,
		MaxConnLifetime: 5 * time.Minute,
	})
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		return nil, fmt.Errorf("create pool: %w", err)
	}

	h := &Harness{
		container: pgContainer,
		pool:      pool,
		dsn:       dsn,
	}

	if err := db.Migrate(ctx, pool); err != nil {
		h.Close(ctx)
		return nil, err
	}

	return h, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.container != nil {
		_ = h.container.Terminate(ctx)
	}
}

// Reset truncates mutable tables to provide a clean slate between tests.
func (h *Harness) Reset(ctx context.Context) error {
	return Truncate(ctx, h.pool)
}

// Truncate empties every dispatch table.
func Truncate(ctx context.Context, pool *pgxpool.Pool) error {
	tables := []string{
		"outbox",
		"dispatch_events",
		"helper_earnings",
		"notification_seen",
		"broadcast_notifications",
		"helper_location_history",
		"service_requests",
		"helper_profiles",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}

	return nil
}
