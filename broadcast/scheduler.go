// Package broadcast selects nearby eligible helpers for a request and records
// one offer per helper.
package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"helpdispatch/db"
	"helpdispatch/eligibility"
	"helpdispatch/geo"
	"helpdispatch/notify"
	"helpdispatch/request"
	"helpdispatch/retry"
)

type Config struct {
	RadiusKm      float64
	MaxCandidates int
	TTL           time.Duration
}

func DefaultConfig() Config {
	return Config{
		RadiusKm:      10,
		MaxCandidates: 20,
		TTL:           30 * time.Minute,
	}
}

// Publisher delivers freshly inserted notifications. *notify.Fanout
// implements it.
type Publisher interface {
	Publish(ctx context.Context, requestID string, notes []notify.Notification) (int, error)
}

type Result struct {
	// HelpersNotified counts the request's outstanding offers after the call.
	HelpersNotified int
	// Inserted counts offers created by this call.
	Inserted int
}

type Scheduler struct {
	pool      db.Pool
	index     geo.Index
	publisher Publisher
	requests  *request.Repository
	notes     *notify.Repository
	cfg       Config
	now       func() time.Time
	retry     retry.Policy
	log       logrus.FieldLogger
}

func NewScheduler(pool db.Pool, index geo.Index, publisher Publisher, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = def.RadiusKm
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = def.MaxCandidates
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	return &Scheduler{
		pool:      pool,
		index:     index,
		publisher: publisher,
		requests:  request.NewRepository(),
		notes:     notify.NewRepository(),
		cfg:       cfg,
		now:       time.Now,
		retry:     retry.DefaultPolicy().WithRetryable(request.IsTransient),
		log:       logrus.WithField("prefix", "broadcast"),
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) WithRetryPolicy(p retry.Policy) *Scheduler {
	s.retry = p.WithRetryable(request.IsTransient)
	return s
}

func (s *Scheduler) WithLogger(log logrus.FieldLogger) *Scheduler {
	s.log = log
	return s
}

// Broadcast offers the request to every eligible helper in range that has
// not been offered it yet. Running it twice never duplicates an offer.
func (s *Scheduler) Broadcast(ctx context.Context, requestID string) (Result, error) {
	return s.broadcast(ctx, requestID, nil)
}

// Rebroadcast is Broadcast for a request that returned to pending after its
// helper withdrew. excludeHelperID is never offered the request again.
func (s *Scheduler) Rebroadcast(ctx context.Context, requestID, excludeHelperID string) (Result, error) {
	exclude := map[string]bool{}
	if excludeHelperID != "" {
		exclude[excludeHelperID] = true
	}
	return s.broadcast(ctx, requestID, exclude)
}

func (s *Scheduler) broadcast(ctx context.Context, requestID string, exclude map[string]bool) (Result, error) {
	req, err := s.requests.Get(ctx, s.pool, requestID)
	if err != nil {
		return Result{}, err
	}
	if err := checkBroadcastable(req); err != nil {
		return Result{}, err
	}

	at := s.now().UTC()
	found, err := s.index.FindCandidates(ctx, req.Location, s.cfg.RadiusKm, req.CategoryID)
	if err != nil {
		return Result{}, fmt.Errorf("broadcast: find candidates: %w", request.Classify(err))
	}
	eligible := eligibility.Filter(found, req.CategoryID, at)

	var (
		inserted    []notify.Notification
		outstanding int
	)
	err = retry.Do(ctx, s.retry, func(ctx context.Context) error {
		var recErr error
		inserted, outstanding, recErr = s.record(ctx, requestID, eligible, exclude, at)
		return recErr
	})
	if err != nil {
		return Result{}, err
	}

	log := s.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"found":      len(found),
		"eligible":   len(eligible),
		"inserted":   len(inserted),
	})
	if len(eligible) == 0 {
		log.WithError(request.ErrNoCandidates).Warn("broadcast reached nobody")
	} else {
		log.Info("broadcast recorded")
	}

	if len(inserted) > 0 {
		if _, err := s.publisher.Publish(ctx, requestID, inserted); err != nil {
			log.WithError(err).Warn("publish failed; offers stay pending for the sweeper")
		}
	}

	return Result{HelpersNotified: outstanding + len(inserted), Inserted: len(inserted)}, nil
}

// record runs the broadcast transaction and returns the new rows plus the
// number of offers that were already outstanding.
func (s *Scheduler) record(ctx context.Context, requestID string, eligible []geo.Candidate, exclude map[string]bool, at time.Time) ([]notify.Notification, int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("broadcast: begin tx: %w", request.Classify(err))
	}
	defer tx.Rollback(ctx)

	req, err := s.requests.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return nil, 0, err
	}
	if err := checkBroadcastable(req); err != nil {
		return nil, 0, err
	}

	notified, err := s.notes.NotifiedHelpers(ctx, tx, requestID)
	if err != nil {
		return nil, 0, request.Classify(err)
	}
	outstanding, err := s.notes.CountOutstanding(ctx, tx, requestID)
	if err != nil {
		return nil, 0, request.Classify(err)
	}
	targets := selectTargets(eligible, notified, exclude, s.cfg.MaxCandidates-outstanding)

	if req.BroadcastStatus == request.BroadcastPending {
		if _, _, err := s.requests.StartBroadcast(ctx, tx, requestID, at.Add(s.cfg.TTL), at); err != nil {
			return nil, 0, err
		}
	}

	inserted, err := s.notes.InsertBatch(ctx, tx, requestID, targets, at)
	if err != nil {
		return nil, 0, request.Classify(err)
	}

	payload := map[string]any{
		"eligible": len(eligible),
		"inserted": len(inserted),
	}
	if err := s.requests.AppendEvent(ctx, tx, requestID, request.EventBroadcast, "", payload); err != nil {
		return nil, 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("broadcast: commit: %w", request.Classify(err))
	}
	return inserted, outstanding, nil
}

func checkBroadcastable(req request.ServiceRequest) error {
	switch {
	case req.BroadcastStatus.Terminal():
		return fmt.Errorf("%w: request is %s", request.ErrTerminalState, req.BroadcastStatus)
	case req.BroadcastStatus.Assigned() || req.AssignedHelperID != "":
		return fmt.Errorf("%w: request already assigned", request.ErrStaleState)
	}
	return nil
}

// selectTargets keeps candidate order, drops helpers already offered the
// request or excluded, and stops at limit.
func selectTargets(eligible []geo.Candidate, notified, exclude map[string]bool, limit int) []notify.Target {
	if limit <= 0 {
		return nil
	}
	out := make([]notify.Target, 0, min(limit, len(eligible)))
	for _, c := range eligible {
		if len(out) == limit {
			break
		}
		if notified[c.Helper.ID] || exclude[c.Helper.ID] {
			continue
		}
		out = append(out, notify.Target{HelperID: c.Helper.ID, DistanceKm: c.DistanceKm})
	}
	return out
}
