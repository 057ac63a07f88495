package infra

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ForTest returns a pool on a freshly migrated, test-private schema.
// DATABASE_URL selects an existing server; otherwise DISPATCH_TESTCONTAINERS=1
// starts a container. Without either the test is skipped.
func ForTest(t testing.TB) *pgxpool.Pool {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pool, teardown, err := ApplyMigrations(ctx, dsn, true)
		if err != nil {
			t.Fatalf("apply migrations: %v", err)
		}
		t.Cleanup(func() {
			pool.Close()
			if err := teardown(context.Background()); err != nil {
				t.Logf("teardown warning: %v", err)
			}
		})
		return pool
	}

	if os.Getenv("DISPATCH_TESTCONTAINERS") == "1" {
		h, err := NewHarness(ctx)
		if err != nil {
			t.Fatalf("start harness: %v", err)
		}
		t.Cleanup(func() { h.Close(context.Background()) })
		return h.Pool()
	}

	t.Skip("DATABASE_URL not set; skipping integration test")
	return nil
}
