// Package sweeper repairs what the request path leaves behind: broadcasts
// past their deadline, accepted requests whose sibling offers were never
// expired, and offers whose first publish failed.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"helpdispatch/db"
	"helpdispatch/notify"
	"helpdispatch/request"
)

const ReasonBroadcastExpired = "broadcast_expired"

type Config struct {
	Interval time.Duration
	// SiblingGrace is how long after acceptance the arbiter is given to
	// expire sibling offers itself.
	SiblingGrace time.Duration
	// RepublishAfter is how long an offer may stay pending before it is
	// published again.
	RepublishAfter time.Duration
	Batch          int
}

func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		SiblingGrace:   time.Minute,
		RepublishAfter: time.Minute,
		Batch:          200,
	}
}

// Expirer closes a request whose broadcast deadline passed, unless it was
// accepted in the meantime. *job.Machine implements it.
type Expirer interface {
	ExpireBroadcast(ctx context.Context, requestID, reason string) (request.ServiceRequest, error)
}

// Settler finishes an acceptance. arbiter.Store implementations satisfy it.
type Settler interface {
	Settle(ctx context.Context, requestID, helperID string, at time.Time) ([]string, error)
}

// Notifier is the part of *notify.Fanout the sweeper uses.
type Notifier interface {
	Publish(ctx context.Context, requestID string, notes []notify.Notification) (int, error)
	Dismiss(requestID string, helperIDs []string)
}

type Report struct {
	Expired     int
	Reconciled  int
	Republished int
	CacheSwept  int
}

type Sweeper struct {
	pool       db.Pool
	expirer    Expirer
	settler    Settler
	notifier   Notifier
	notes      *notify.Repository
	cacheSweep func() int
	cfg        Config
	now        func() time.Time
	log        logrus.FieldLogger
}

func New(pool db.Pool, expirer Expirer, settler Settler, notifier Notifier, cfg Config) *Sweeper {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SiblingGrace <= 0 {
		cfg.SiblingGrace = def.SiblingGrace
	}
	if cfg.RepublishAfter <= 0 {
		cfg.RepublishAfter = def.RepublishAfter
	}
	if cfg.Batch <= 0 {
		cfg.Batch = def.Batch
	}
	return &Sweeper{
		pool:     pool,
		expirer:  expirer,
		settler:  settler,
		notifier: notifier,
		notes:    notify.NewRepository(),
		cfg:      cfg,
		now:      time.Now,
		log:      logrus.WithField("prefix", "sweeper"),
	}
}

// WithCacheSweep registers a function that drops expired in-process cache
// entries on every pass.
func (s *Sweeper) WithCacheSweep(fn func() int) *Sweeper {
	s.cacheSweep = fn
	return s
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

func (s *Sweeper) WithLogger(log logrus.FieldLogger) *Sweeper {
	s.log = log
	return s
}

// RunOnce performs one pass. Per-item failures are logged and skipped; only
// failures to list work are returned.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	now := s.now().UTC()

	expired, err := s.expireBroadcasts(ctx, now)
	rep.Expired = expired
	if err != nil {
		return rep, err
	}

	reconciled, err := s.reconcileAccepted(ctx, now)
	rep.Reconciled = reconciled
	if err != nil {
		return rep, err
	}

	republished, err := s.republishPending(ctx, now)
	rep.Republished = republished
	if err != nil {
		return rep, err
	}

	if s.cacheSweep != nil {
		rep.CacheSwept = s.cacheSweep()
	}
	if rep.Expired+rep.Reconciled+rep.Republished > 0 {
		s.log.WithFields(logrus.Fields{
			"expired":     rep.Expired,
			"reconciled":  rep.Reconciled,
			"republished": rep.Republished,
		}).Info("sweep pass")
	}
	return rep, nil
}

func (s *Sweeper) expireBroadcasts(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.overdueBroadcasts(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		_, err := s.expirer.ExpireBroadcast(ctx, id, ReasonBroadcastExpired)
		switch {
		case err == nil:
			n++
		case errors.Is(err, request.ErrTerminalState), errors.Is(err, request.ErrStaleState):
			// closed or accepted since it was listed
		default:
			s.log.WithError(err).WithField("request_id", id).Warn("expire failed")
		}
	}
	return n, nil
}

func (s *Sweeper) reconcileAccepted(ctx context.Context, now time.Time) (int, error) {
	pairs, err := s.unsettledAcceptances(ctx, now.Add(-s.cfg.SiblingGrace))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range pairs {
		dismissed, err := s.settler.Settle(ctx, p.requestID, p.helperID, now)
		if err != nil {
			s.log.WithError(err).WithField("request_id", p.requestID).Warn("reconcile failed")
			continue
		}
		s.notifier.Dismiss(p.requestID, dismissed)
		n++
	}
	return n, nil
}

func (s *Sweeper) republishPending(ctx context.Context, now time.Time) (int, error) {
	stale, err := s.notes.StalePending(ctx, s.pool, now.Add(-s.cfg.RepublishAfter), s.cfg.Batch)
	if err != nil {
		return 0, err
	}
	byRequest := make(map[string][]notify.Notification)
	var order []string
	for _, n := range stale {
		if _, ok := byRequest[n.RequestID]; !ok {
			order = append(order, n.RequestID)
		}
		byRequest[n.RequestID] = append(byRequest[n.RequestID], n)
	}

	total := 0
	for _, id := range order {
		sent, err := s.notifier.Publish(ctx, id, byRequest[id])
		if err != nil {
			s.log.WithError(err).WithField("request_id", id).Warn("republish failed")
			continue
		}
		total += sent
	}
	return total, nil
}

type acceptance struct {
	requestID string
	helperID  string
}

func (s *Sweeper) overdueBroadcasts(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text
		FROM service_requests
		WHERE broadcast_status = 'broadcasting' AND broadcast_expires_at < $1
		ORDER BY broadcast_expires_at
		LIMIT $2
	`, now, s.cfg.Batch)
	if err != nil {
		return nil, fmt.Errorf("sweeper: overdue broadcasts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sweeper: overdue broadcasts: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// unsettledAcceptances lists assigned requests accepted before cutoff that
// still have outstanding offers.
func (s *Sweeper) unsettledAcceptances(ctx context.Context, cutoff time.Time) ([]acceptance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT sr.id::text, sr.assigned_helper_id::text
		FROM service_requests sr
		JOIN broadcast_notifications n ON n.request_id = sr.id
		WHERE sr.assigned_helper_id IS NOT NULL
		  AND sr.helper_accepted_at < $1
		  AND n.status IN ('pending', 'sent')
		LIMIT $2
	`, cutoff, s.cfg.Batch)
	if err != nil {
		return nil, fmt.Errorf("sweeper: unsettled acceptances: %w", err)
	}
	defer rows.Close()

	var out []acceptance
	for rows.Next() {
		var a acceptance
		if err := rows.Scan(&a.requestID, &a.helperID); err != nil {
			return nil, fmt.Errorf("sweeper: unsettled acceptances: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Warn("sweep pass failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
