package chaos

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Monkey disrupts the dispatch database while actors run. Each tick it
// either kills a random client backend or cancels the statement of a
// session holding a lock on service_requests, which lands inside claim,
// transition and broadcast transactions.
type Monkey struct {
	pool  *pgxpool.Pool
	rng   *rand.Rand
	every time.Duration
	odds  int

	Terminated atomic.Int64
	Cancelled  atomic.Int64
}

// New strikes roughly once in odds ticks of every.
func New(pool *pgxpool.Pool, rng *rand.Rand, every time.Duration, odds int) *Monkey {
	if odds < 1 {
		odds = 1
	}
	return &Monkey{pool: pool, rng: rng, every: every, odds: odds}
}

const terminateClient = `
	SELECT pg_terminate_backend(pid)
	FROM pg_stat_activity
	WHERE datname = current_database()
	  AND pid <> pg_backend_pid()
	  AND backend_type = 'client backend'
	ORDER BY random()
	LIMIT 1`

const cancelLockHolder = `
	SELECT pg_cancel_backend(l.pid)
	FROM pg_locks l
	JOIN pg_stat_activity a ON a.pid = l.pid
	WHERE l.relation = 'service_requests'::regclass
	  AND l.granted
	  AND a.datname = current_database()
	  AND a.pid <> pg_backend_pid()
	ORDER BY random()
	LIMIT 1`

// Run strikes until ctx is done or stop is closed.
func (m *Monkey) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(m.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if m.rng.Intn(m.odds) == 0 {
				m.strike(ctx)
			}
		}
	}
}

func (m *Monkey) strike(ctx context.Context) {
	query, counter := terminateClient, &m.Terminated
	if m.rng.Intn(2) == 0 {
		query, counter = cancelLockHolder, &m.Cancelled
	}

	var hit bool
	err := m.pool.QueryRow(ctx, query).Scan(&hit)
	if errors.Is(err, pgx.ErrNoRows) {
		return
	}
	if err == nil && hit {
		counter.Add(1)
	}
}
