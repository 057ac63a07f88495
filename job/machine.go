// Package job drives an assigned request from acceptance to completion and
// handles cancellation, expiry and withdrawal.
package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"helpdispatch/broadcast"
	"helpdispatch/db"
	"helpdispatch/helper"
	"helpdispatch/notify"
	"helpdispatch/request"
	"helpdispatch/retry"
)

// Rebroadcaster offers a withdrawn request to other helpers.
// *broadcast.Scheduler implements it.
type Rebroadcaster interface {
	Rebroadcast(ctx context.Context, requestID, excludeHelperID string) (broadcast.Result, error)
}

type CancelParams struct {
	RequestID string
	ActorID   string
	Reason    string
	// System skips the ownership check for cancellations issued by the
	// platform itself.
	System bool
}

type Machine struct {
	pool          db.Pool
	requests      *request.Repository
	helpers       *helper.Repository
	notes         *notify.Repository
	fanout        *notify.Fanout
	guard         *AttemptGuard
	rebroadcaster Rebroadcaster
	now           func() time.Time
	retry         retry.Policy
	log           logrus.FieldLogger
}

func NewMachine(pool db.Pool, fanout *notify.Fanout, guard *AttemptGuard) *Machine {
	return &Machine{
		pool:     pool,
		requests: request.NewRepository(),
		helpers:  helper.NewRepository(),
		notes:    notify.NewRepository(),
		fanout:   fanout,
		guard:    guard,
		now:      time.Now,
		retry:    retry.DefaultPolicy().WithRetryable(request.IsTransient),
		log:      logrus.WithField("prefix", "job"),
	}
}

func (m *Machine) WithRebroadcaster(r Rebroadcaster) *Machine {
	m.rebroadcaster = r
	return m
}

func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

func (m *Machine) WithRetryPolicy(p retry.Policy) *Machine {
	m.retry = p.WithRetryable(request.IsTransient)
	return m
}

func (m *Machine) WithLogger(log logrus.FieldLogger) *Machine {
	m.log = log
	return m
}

// Advance moves the helper's job to on_way or arrived. Repeating the call
// once the request is already there returns it unchanged.
func (m *Machine) Advance(ctx context.Context, requestID, helperID string, to request.BroadcastStatus) (request.ServiceRequest, error) {
	var from request.BroadcastStatus
	switch to {
	case request.BroadcastOnWay:
		from = request.BroadcastAccepted
	case request.BroadcastArrived:
		from = request.BroadcastOnWay
	default:
		return request.ServiceRequest{}, fmt.Errorf("%w: cannot advance to %q", request.ErrInvalid, to)
	}

	var (
		out     request.ServiceRequest
		changed bool
	)
	err := m.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		at := m.now().UTC()
		req, ok, err := m.requests.Advance(ctx, tx, requestID, helperID, from, to, at)
		if err != nil {
			return err
		}
		if !ok {
			cur, err := m.diagnose(ctx, tx, requestID, helperID)
			if err != nil {
				return err
			}
			if cur.BroadcastStatus == to {
				out, changed = cur, false
				return nil
			}
			return rejectTransition(cur)
		}
		out, changed = req, true

		payload := map[string]any{"from": from, "to": to}
		if err := m.requests.AppendEvent(ctx, tx, requestID, request.EventStatusChanged, helperID, payload); err != nil {
			return err
		}
		return m.fanout.EnqueueTx(ctx, tx, notify.TopicRequestUpdated, req.CustomerID, statusEvent(req, "", at))
	})
	if err != nil {
		return request.ServiceRequest{}, err
	}
	if changed {
		m.announce(out, "")
		m.log.WithFields(logrus.Fields{"request_id": requestID, "status": to}).Info("job advanced")
	}
	return out, nil
}

// VerifyStart checks the start code and begins work. A wrong code changes
// nothing but counts toward the lockout.
func (m *Machine) VerifyStart(ctx context.Context, requestID, helperID, code string) (request.ServiceRequest, error) {
	return m.verify(ctx, requestID, helperID, code, StageStart)
}

// VerifyEnd checks the end code, completes the job, frees the helper and
// records the earning.
func (m *Machine) VerifyEnd(ctx context.Context, requestID, helperID, code string) (request.ServiceRequest, error) {
	return m.verify(ctx, requestID, helperID, code, StageEnd)
}

func (m *Machine) verify(ctx context.Context, requestID, helperID, code string, stage Stage) (request.ServiceRequest, error) {
	code = strings.TrimSpace(code)
	log := m.log.WithFields(logrus.Fields{"request_id": requestID, "helper_id": helperID, "stage": stage})

	locked, err := m.guard.Locked(ctx, requestID, stage)
	if err != nil {
		log.WithError(err).Warn("otp guard unavailable")
	}
	if locked {
		return request.ServiceRequest{}, request.ErrOTPLocked
	}

	from, reached := request.BroadcastArrived, request.BroadcastInProgress
	if stage == StageEnd {
		from, reached = request.BroadcastInProgress, request.BroadcastCompleted
	}

	var (
		out     request.ServiceRequest
		changed bool
	)
	err = m.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		at := m.now().UTC()
		var (
			req request.ServiceRequest
			ok  bool
			err error
		)
		if stage == StageStart {
			req, ok, err = m.requests.StartWork(ctx, tx, requestID, helperID, code, at)
		} else {
			req, ok, err = m.requests.CompleteWork(ctx, tx, requestID, helperID, code, at)
		}
		if err != nil {
			return err
		}
		if !ok {
			cur, err := m.diagnose(ctx, tx, requestID, helperID)
			if err != nil {
				return err
			}
			stored := cur.StartOTP
			if stage == StageEnd {
				stored = cur.EndOTP
			}
			switch {
			case cur.BroadcastStatus == reached && stored == code:
				out, changed = cur, false
				return nil
			case cur.BroadcastStatus == from:
				return request.ErrInvalidOTP
			}
			return rejectTransition(cur)
		}
		out, changed = req, true

		eventType := request.EventWorkStarted
		if stage == StageEnd {
			eventType = request.EventCompleted
			if err := m.settleCompletion(ctx, tx, req, at); err != nil {
				return err
			}
		}
		if err := m.requests.AppendEvent(ctx, tx, requestID, eventType, helperID, nil); err != nil {
			return err
		}
		return m.fanout.EnqueueTx(ctx, tx, notify.TopicRequestUpdated, req.CustomerID, statusEvent(req, "", at))
	})

	if errors.Is(err, request.ErrInvalidOTP) {
		n, ferr := m.guard.Fail(ctx, requestID, stage)
		if ferr != nil {
			log.WithError(ferr).Warn("otp failure not counted")
		}
		log.WithField("failures", n).Info("otp mismatch")
		return request.ServiceRequest{}, err
	}
	if err != nil {
		return request.ServiceRequest{}, err
	}
	if changed {
		m.announce(out, "")
		log.WithField("status", out.BroadcastStatus).Info("otp verified")
	}
	return out, nil
}

func (m *Machine) settleCompletion(ctx context.Context, tx pgx.Tx, req request.ServiceRequest, at time.Time) error {
	if err := m.helpers.Release(ctx, tx, req.AssignedHelperID, at); err != nil {
		return request.Classify(err)
	}
	_, err := m.helpers.RecordEarning(ctx, tx, helper.Earning{
		HelperID:      req.AssignedHelperID,
		RequestID:     req.ID,
		Amount:        req.EstimatedPrice,
		PaymentMethod: string(req.PaymentMethod),
		At:            at,
	})
	return request.Classify(err)
}

// Cancel closes a request before completion. Outstanding offers expire and
// the assigned helper, if any, is released in the same transaction, so an
// acceptance racing the cancellation fails.
func (m *Machine) Cancel(ctx context.Context, p CancelParams) (request.ServiceRequest, error) {
	return m.close(ctx, p, request.BroadcastCancelled, request.EventCancelled, false)
}

// Expire is the system's cancellation of a request nobody finished in time.
// It closes any pre-completion state, assigned or not.
func (m *Machine) Expire(ctx context.Context, requestID, reason string) (request.ServiceRequest, error) {
	p := CancelParams{RequestID: requestID, Reason: reason, System: true}
	return m.close(ctx, p, request.BroadcastExpired, request.EventExpired, false)
}

// ExpireBroadcast expires a request whose broadcast deadline passed with
// nobody accepting. A request accepted, withdrawn or rebroadcast since the
// caller looked yields ErrStaleState and is left untouched.
func (m *Machine) ExpireBroadcast(ctx context.Context, requestID, reason string) (request.ServiceRequest, error) {
	p := CancelParams{RequestID: requestID, Reason: reason, System: true}
	return m.close(ctx, p, request.BroadcastExpired, request.EventExpired, true)
}

func (m *Machine) close(ctx context.Context, p CancelParams, to request.BroadcastStatus, eventType string, deadline bool) (request.ServiceRequest, error) {
	var (
		out        request.ServiceRequest
		prevHelper string
		dismissed  []string
	)
	err := m.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		at := m.now().UTC()
		cur, err := m.requests.GetForUpdate(ctx, tx, p.RequestID)
		if err != nil {
			return err
		}
		if !p.System && cur.CustomerID != p.ActorID {
			return request.ErrForbidden
		}
		if cur.BroadcastStatus.Terminal() {
			return fmt.Errorf("%w: request is %s", request.ErrTerminalState, cur.BroadcastStatus)
		}
		prevHelper = cur.AssignedHelperID

		var (
			req request.ServiceRequest
			ok  bool
		)
		if deadline {
			req, ok, err = m.requests.ExpireBroadcast(ctx, tx, p.RequestID, p.Reason, at)
		} else {
			req, ok, err = m.requests.Close(ctx, tx, p.RequestID, to, p.Reason, at)
		}
		if err != nil {
			return err
		}
		if !ok && deadline {
			return fmt.Errorf("%w: request is %s", request.ErrStaleState, cur.BroadcastStatus)
		}
		if !ok {
			return request.ErrTerminalState
		}
		out = req

		if prevHelper != "" {
			if err := m.helpers.Release(ctx, tx, prevHelper, at); err != nil {
				return request.Classify(err)
			}
		}
		if dismissed, err = m.fanout.ExpireTx(ctx, tx, p.RequestID, ""); err != nil {
			return request.Classify(err)
		}

		payload := map[string]any{"reason": p.Reason, "helper_id": prevHelper, "expired_offers": len(dismissed)}
		if err := m.requests.AppendEvent(ctx, tx, p.RequestID, eventType, p.ActorID, payload); err != nil {
			return err
		}
		ev := statusEvent(req, prevHelper, at)
		if err := m.fanout.EnqueueTx(ctx, tx, notify.TopicRequestUpdated, req.CustomerID, ev); err != nil {
			return request.Classify(err)
		}
		if prevHelper != "" {
			if err := m.fanout.EnqueueTx(ctx, tx, notify.TopicRequestUpdated, prevHelper, ev); err != nil {
				return request.Classify(err)
			}
		}
		return nil
	})
	if err != nil {
		return request.ServiceRequest{}, err
	}

	m.fanout.Dismiss(p.RequestID, dismissed)
	m.announce(out, prevHelper)
	m.log.WithFields(logrus.Fields{
		"request_id": p.RequestID,
		"status":     to,
		"reason":     p.Reason,
		"helper_id":  prevHelper,
	}).Info("request closed")
	return out, nil
}

// Withdraw lets the assigned helper hand the job back before work starts.
// The request returns to pending, its offers are cleared and, when a
// rebroadcaster is configured, it is offered again to everyone else.
func (m *Machine) Withdraw(ctx context.Context, requestID, helperID string) (request.ServiceRequest, error) {
	var out request.ServiceRequest
	err := m.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		at := m.now().UTC()
		req, ok, err := m.requests.ResetToPending(ctx, tx, requestID, helperID, at)
		if err != nil {
			return err
		}
		if !ok {
			cur, err := m.diagnose(ctx, tx, requestID, helperID)
			if err != nil {
				return err
			}
			return rejectTransition(cur)
		}
		out = req

		if err := m.helpers.Release(ctx, tx, helperID, at); err != nil {
			return request.Classify(err)
		}
		if _, err := m.notes.DeleteForRequest(ctx, tx, requestID); err != nil {
			return request.Classify(err)
		}
		if err := m.requests.AppendEvent(ctx, tx, requestID, request.EventHelperWithdrawn, helperID, nil); err != nil {
			return err
		}
		return m.fanout.EnqueueTx(ctx, tx, notify.TopicRequestUpdated, req.CustomerID, statusEvent(req, helperID, at))
	})
	if err != nil {
		return request.ServiceRequest{}, err
	}

	log := m.log.WithFields(logrus.Fields{"request_id": requestID, "helper_id": helperID})
	m.announce(out, helperID)
	log.Info("helper withdrew")

	if m.rebroadcaster == nil {
		return out, nil
	}
	res, err := m.rebroadcaster.Rebroadcast(ctx, requestID, helperID)
	if err != nil {
		log.WithError(err).Warn("rebroadcast failed; request left pending")
		return out, nil
	}
	log.WithField("helpers_notified", res.HelpersNotified).Info("request rebroadcast")
	if refreshed, err := m.requests.Get(ctx, m.pool, requestID); err == nil {
		out = refreshed
	}
	return out, nil
}

// diagnose explains why a helper-scoped conditional update missed. It
// returns the current row when it is held by helperID.
func (m *Machine) diagnose(ctx context.Context, q db.Querier, requestID, helperID string) (request.ServiceRequest, error) {
	cur, err := m.requests.Get(ctx, q, requestID)
	if err != nil {
		return request.ServiceRequest{}, err
	}
	if cur.AssignedHelperID == helperID {
		return cur, nil
	}
	if cur.BroadcastStatus.Terminal() {
		return request.ServiceRequest{}, fmt.Errorf("%w: request is %s", request.ErrTerminalState, cur.BroadcastStatus)
	}
	return request.ServiceRequest{}, request.ErrForbidden
}

func rejectTransition(cur request.ServiceRequest) error {
	if cur.BroadcastStatus.Terminal() {
		return fmt.Errorf("%w: request is %s", request.ErrTerminalState, cur.BroadcastStatus)
	}
	return fmt.Errorf("%w: request is %s", request.ErrStaleState, cur.BroadcastStatus)
}

func (m *Machine) inTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return retry.Do(ctx, m.retry, func(ctx context.Context) error {
		tx, err := m.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("job: begin tx: %w", request.Classify(err))
		}
		defer tx.Rollback(ctx)

		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("job: commit: %w", request.Classify(err))
		}
		return nil
	})
}

func (m *Machine) announce(req request.ServiceRequest, helperID string) {
	m.fanout.Announce(statusEvent(req, helperID, m.now().UTC()))
}

// statusEvent describes req for subscribers. helperID overrides the
// recipient helper when the request no longer names one.
func statusEvent(req request.ServiceRequest, helperID string, at time.Time) notify.Event {
	if helperID == "" {
		helperID = req.AssignedHelperID
	}
	return notify.Event{
		Type:             notify.EventStatus,
		RequestID:        req.ID,
		HelperID:         helperID,
		Status:           string(req.Status),
		BroadcastStatus:  string(req.BroadcastStatus),
		AssignedHelperID: req.AssignedHelperID,
		At:               at,
	}
}
