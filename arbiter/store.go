package arbiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"helpdispatch/db"
	"helpdispatch/helper"
	"helpdispatch/notify"
	"helpdispatch/request"
)

// Claim is the outcome of the acceptance transaction.
type Claim struct {
	Request request.ServiceRequest
	// Replayed is set when the helper already held the request and nothing
	// changed.
	Replayed bool
}

// Store runs the two storage steps of an acceptance. Claim must be atomic;
// Settle must be idempotent.
type Store interface {
	Claim(ctx context.Context, p AcceptParams, at time.Time) (Claim, error)
	Settle(ctx context.Context, requestID, helperID string, at time.Time) ([]string, error)
}

type PGStore struct {
	pool     db.Pool
	requests *request.Repository
	helpers  *helper.Repository
	notes    *notify.Repository
	fanout   *notify.Fanout
	newOTP   func() (string, error)
}

func NewPGStore(pool db.Pool, fanout *notify.Fanout) *PGStore {
	return &PGStore{
		pool:     pool,
		requests: request.NewRepository(),
		helpers:  helper.NewRepository(),
		notes:    notify.NewRepository(),
		fanout:   fanout,
		newOTP:   request.GenerateOTP,
	}
}

func (s *PGStore) WithOTPGenerator(gen func() (string, error)) *PGStore {
	s.newOTP = gen
	return s
}

// Claim flips the helper to on-job and assigns the request in one
// transaction. Losing either conditional update rolls both back.
func (s *PGStore) Claim(ctx context.Context, p AcceptParams, at time.Time) (Claim, error) {
	startOTP, err := s.newOTP()
	if err != nil {
		return Claim{}, err
	}
	endOTP, err := s.newOTP()
	if err != nil {
		return Claim{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Claim{}, fmt.Errorf("arbiter: begin tx: %w", request.Classify(err))
	}
	defer tx.Rollback(ctx)

	free, err := s.helpers.MarkOnJob(ctx, tx, p.HelperID, at)
	if err != nil {
		return Claim{}, request.Classify(err)
	}
	if !free {
		return s.busy(ctx, tx, p)
	}

	req, ok, err := s.requests.Assign(ctx, tx, p.RequestID, p.HelperID, p.Location, startOTP, endOTP, at)
	if err != nil {
		return Claim{}, err
	}
	if !ok {
		if _, err := s.requests.Get(ctx, tx, p.RequestID); err != nil {
			return Claim{}, err
		}
		return Claim{}, request.ErrAlreadyTaken
	}

	if p.Location != nil {
		loc := helper.Location{Lat: p.Location.Lat, Lng: p.Location.Lng, UpdatedAt: at}
		if err := s.helpers.UpdateLocation(ctx, tx, p.HelperID, p.RequestID, loc); err != nil {
			return Claim{}, request.Classify(err)
		}
	}

	payload := map[string]any{"helper_id": p.HelperID}
	if err := s.requests.AppendEvent(ctx, tx, req.ID, request.EventAccepted, p.HelperID, payload); err != nil {
		return Claim{}, err
	}
	if err := s.fanout.EnqueueTx(ctx, tx, notify.TopicRequestUpdated, req.CustomerID, acceptedEvent(req, at)); err != nil {
		return Claim{}, request.Classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Claim{}, fmt.Errorf("arbiter: commit: %w", request.Classify(err))
	}
	return Claim{Request: req}, nil
}

// busy resolves a helper whose on-job flag was already set: a repeat accept
// of the request it holds is replayed, anything else is refused.
func (s *PGStore) busy(ctx context.Context, q db.Querier, p AcceptParams) (Claim, error) {
	req, err := s.requests.Get(ctx, q, p.RequestID)
	if err != nil {
		return Claim{}, err
	}
	if req.AssignedHelperID == p.HelperID && req.BroadcastStatus.Assigned() && !req.BroadcastStatus.Terminal() {
		return Claim{Request: req, Replayed: true}, nil
	}
	if _, err := s.helpers.GetByID(ctx, q, p.HelperID); err != nil {
		if errors.Is(err, helper.ErrNotFound) {
			return Claim{}, fmt.Errorf("%w: helper %s", request.ErrNotFound, p.HelperID)
		}
		return Claim{}, request.Classify(err)
	}
	return Claim{}, request.ErrHelperBusy
}

// Settle marks the winner's offer accepted and expires the others. It
// returns the helpers whose offers were expired by this call.
func (s *PGStore) Settle(ctx context.Context, requestID, helperID string, at time.Time) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("arbiter: begin tx: %w", request.Classify(err))
	}
	defer tx.Rollback(ctx)

	marked, err := s.notes.MarkAccepted(ctx, tx, requestID, helperID, at)
	if err != nil {
		return nil, request.Classify(err)
	}
	expired, err := s.fanout.ExpireTx(ctx, tx, requestID, helperID)
	if err != nil {
		return nil, request.Classify(err)
	}
	if marked || len(expired) > 0 {
		payload := map[string]any{"expired": len(expired)}
		if err := s.requests.AppendEvent(ctx, tx, requestID, request.EventSiblingsExpired, "", payload); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("arbiter: commit: %w", request.Classify(err))
	}
	return expired, nil
}

func acceptedEvent(req request.ServiceRequest, at time.Time) notify.Event {
	return notify.Event{
		Type:             notify.EventAccepted,
		RequestID:        req.ID,
		HelperID:         req.AssignedHelperID,
		Status:           string(req.Status),
		BroadcastStatus:  string(req.BroadcastStatus),
		AssignedHelperID: req.AssignedHelperID,
		At:               at,
	}
}
