package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"helpdispatch/db"
)

const (
	DefaultRelayBatch       = 100
	DefaultRelayMaxAttempts = 5
	defaultPushConcurrency  = 8
)

// Pusher hands one outbox message to an external delivery channel.
type Pusher interface {
	Push(ctx context.Context, msg OutboxMessage) error
}

// Relay drains the outbox. Several relays may run against the same
// database; rows are claimed with SKIP LOCKED.
type Relay struct {
	pool        db.Pool
	pusher      Pusher
	batch       int
	maxAttempts int
	now         func() time.Time
	log         logrus.FieldLogger
}

func NewRelay(pool db.Pool, pusher Pusher) *Relay {
	return &Relay{
		pool:        pool,
		pusher:      pusher,
		batch:       DefaultRelayBatch,
		maxAttempts: DefaultRelayMaxAttempts,
		now:         time.Now,
		log:         logrus.WithField("prefix", "relay"),
	}
}

func (r *Relay) WithBatch(n int) *Relay {
	if n > 0 {
		r.batch = n
	}
	return r
}

func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

func (r *Relay) WithClock(now func() time.Time) *Relay {
	r.now = now
	return r
}

func (r *Relay) WithLogger(log logrus.FieldLogger) *Relay {
	r.log = log
	return r
}

// RunOnce claims one batch, pushes it and records the outcome of every
// message. It returns how many messages were delivered.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("relay: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id::text, topic, recipient_id, payload::text, attempts, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, r.batch)
	if err != nil {
		return 0, fmt.Errorf("relay: claim: %w", err)
	}
	var msgs []OutboxMessage
	for rows.Next() {
		var (
			m       OutboxMessage
			payload string
		)
		if err := rows.Scan(&m.ID, &m.Topic, &m.RecipientID, &payload, &m.Attempts, &m.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("relay: scan: %w", err)
		}
		m.Payload = []byte(payload)
		m.Status = "pending"
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("relay: claim: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	results := make([]error, len(msgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultPushConcurrency)
	for i := range msgs {
		g.Go(func() error {
			results[i] = r.pusher.Push(gctx, msgs[i])
			return nil
		})
	}
	_ = g.Wait()

	at := r.now().UTC()
	delivered := 0
	for i, m := range msgs {
		if results[i] == nil {
			if _, err := tx.Exec(ctx, `
				UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = $2, last_error = NULL
				WHERE id = $1
			`, m.ID, at); err != nil {
				return 0, fmt.Errorf("relay: mark processed: %w", err)
			}
			delivered++
			continue
		}

		status := "pending"
		if m.Attempts+1 >= r.maxAttempts {
			status = "dead"
			r.log.WithError(results[i]).WithFields(logrus.Fields{"id": m.ID, "topic": m.Topic}).Error("outbox message dead")
		}
		if _, err := tx.Exec(ctx, `
			UPDATE outbox SET status = $2, attempts = attempts + 1, last_attempt = $3, last_error = $4
			WHERE id = $1
		`, m.ID, status, at, results[i].Error()); err != nil {
			return 0, fmt.Errorf("relay: mark failed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("relay: commit: %w", err)
	}
	return delivered, nil
}

// Run calls RunOnce every interval until ctx is cancelled. A full batch is
// followed immediately by another pass.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.log.WithError(err).Warn("relay pass failed")
		}
		if err == nil && n >= r.batch {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
