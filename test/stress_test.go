package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"helpdispatch/geo"
	"helpdispatch/test/actors"
	"helpdispatch/test/chaos"
	"helpdispatch/test/infra"
	"helpdispatch/test/oracles"
)

var (
	flStress      = flag.Bool("stress", false, "run the dispatch stress test")
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flCustomers   = flag.Int("customers", 4, "number of concurrent customers")
	flHelpers     = flag.Int("helpers", 12, "number of concurrent helpers")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends while running")
	flPushFailure = flag.Int("push-failure", 10, "fail one outbox push in n (0 disables)")
)

func TestDispatchConcurrency(t *testing.T) {
	if !*flStress && os.Getenv("DISPATCH_STRESS") != "1" {
		t.Skip("stress test disabled; pass -stress or set DISPATCH_STRESS=1")
	}
	seed := *flSeed

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	database, err := infra.ProvideStressDatabase(ctx, *flDSN)
	if err != nil {
		t.Fatalf("stress database: %v", err)
	}
	defer database.Close(context.Background())
	t.Logf("stress database from %s", database.Source)

	pool, teardown, err := infra.ApplyMigrations(ctx, database.DSN, database.Shared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	sys := actors.NewSystem(pool, &actors.FlakyPusher{N: *flPushFailure}, log.WithField("prefix", "stress"))

	origin := geo.Point{Lat: 27.7172, Lng: 85.3240}
	helperIDs := seedHelpers(t, pool, origin, *flHelpers, rand.New(rand.NewSource(seed)))

	stats := &actors.Stats{}
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flCustomers; i++ {
		rng := rand.New(rand.NewSource(seed + int64(i) + 1))
		customerID := fmt.Sprintf("00000000-0000-4000-8000-%012d", i+1)
		g.Go(func() error { return actors.Customer(ctx2, sys, customerID, origin, rng, stats, stop) })
	}
	for i, helperID := range helperIDs {
		rng := rand.New(rand.NewSource(seed + 1000 + int64(i)))
		g.Go(func() error { return actors.Helper(ctx2, sys, helperID, rng, stats, stop) })
	}
	g.Go(func() error { return actors.Sweeper(ctx2, sys, stats, stop) })
	g.Go(func() error { return actors.Relay(ctx2, sys, stats, stop) })
	var monkey *chaos.Monkey
	if *flChaos {
		monkey = chaos.New(pool, rand.New(rand.NewSource(seed-1)), 2*time.Second, 3)
		go monkey.Run(ctx2, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// a chaos kill may hit the oracle connection itself
				t.Logf("oracle error: %v", err)
				continue
			}
			if name != "" {
				failed = true
				close(stop)
				dumpRecent(t, ctx, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	name, row, err := oracles.Run(ctx, pool)
	if err != nil {
		t.Fatalf("final oracle pass: %v", err)
	}
	if name != "" {
		dumpRecent(t, ctx, pool)
		t.Fatalf("Oracle %s failed after quiesce. First row: %s (seed=%d)", name, row, seed)
	}
	fields := stats.Fields()
	if monkey != nil {
		fields["chaos_terminated"] = monkey.Terminated.Load()
		fields["chaos_cancelled"] = monkey.Cancelled.Load()
	}
	t.Logf("stress finished (seed=%d): %v", seed, fields)
	if stats.Created.Load() == 0 {
		t.Fatalf("no requests were created")
	}
}

// seedHelpers places n approved plumbers within a few kilometres of origin.
func seedHelpers(t *testing.T, pool *pgxpool.Pool, origin geo.Point, n int, rng *rand.Rand) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, infra.SeedHelper(t, pool, infra.HelperSeed{
			Lat:       origin.Lat + (rng.Float64()-0.5)/20,
			Lng:       origin.Lng + (rng.Float64()-0.5)/20,
			LocatedAt: time.Now(),
		}))
	}
	return ids
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"dispatch_events", `SELECT id, request_id, type, actor_id, created_at FROM dispatch_events ORDER BY id DESC LIMIT 50`},
		{"service_requests", `SELECT id, broadcast_status, assigned_helper_id, helper_accepted_at, updated_at FROM service_requests ORDER BY updated_at DESC LIMIT 30`},
		{"broadcast_notifications", `SELECT request_id, helper_id, status, sent_at, responded_at FROM broadcast_notifications ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 30`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
