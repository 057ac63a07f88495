// Package arbiter decides which helper wins a broadcast request.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"helpdispatch/geo"
	"helpdispatch/notify"
	"helpdispatch/request"
	"helpdispatch/retry"
)

const settleTimeout = 10 * time.Second

type AcceptParams struct {
	RequestID string
	HelperID  string
	// Location is the helper's position at acceptance, when the client sent one.
	Location *geo.Point
}

type Result struct {
	Request  request.ServiceRequest
	Replayed bool
}

// Notifier signals the outcome of an acceptance. *notify.Fanout implements it.
type Notifier interface {
	Dismiss(requestID string, helperIDs []string)
	Announce(ev notify.Event)
}

type Service struct {
	store       Store
	notifier    Notifier
	now         func() time.Time
	claimRetry  retry.Policy
	settleRetry retry.Policy
	log         logrus.FieldLogger
}

func NewService(store Store, notifier Notifier) *Service {
	return &Service{
		store:       store,
		notifier:    notifier,
		now:         time.Now,
		claimRetry:  retry.DefaultPolicy().WithRetryable(request.IsTransient),
		settleRetry: retry.DefaultPolicy().WithRetryable(settleRetryable),
		log:         logrus.WithField("prefix", "arbiter"),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithRetryPolicy sets the attempt budget for both the claim and the
// settlement step.
func (s *Service) WithRetryPolicy(p retry.Policy) *Service {
	s.claimRetry = p.WithRetryable(request.IsTransient)
	s.settleRetry = p.WithRetryable(settleRetryable)
	return s
}

func (s *Service) WithLogger(log logrus.FieldLogger) *Service {
	s.log = log
	return s
}

// Accept assigns the request to the helper if nobody else got it first.
// Losers get request.ErrAlreadyTaken. Once the claim commits the result is
// final: failures while expiring the other offers are logged and left to
// the sweeper.
func (s *Service) Accept(ctx context.Context, p AcceptParams) (Result, error) {
	if p.RequestID == "" || p.HelperID == "" {
		return Result{}, fmt.Errorf("%w: request and helper ids required", request.ErrInvalid)
	}
	if p.Location != nil {
		if err := p.Location.Validate(); err != nil {
			return Result{}, fmt.Errorf("%w: %w", request.ErrInvalid, err)
		}
	}

	log := s.log.WithFields(logrus.Fields{"request_id": p.RequestID, "helper_id": p.HelperID})
	at := s.now().UTC()

	var claim Claim
	err := retry.DoNotify(ctx, s.claimRetry, func(ctx context.Context) error {
		var claimErr error
		claim, claimErr = s.store.Claim(ctx, p, at)
		return claimErr
	}, func(err error, wait time.Duration) {
		log.WithError(err).WithField("backoff", wait).Warn("claim failed, retrying")
	})
	switch {
	case errors.Is(err, request.ErrAlreadyTaken):
		log.Debug("acceptance race lost")
		return Result{}, err
	case err != nil:
		return Result{}, err
	}

	if claim.Replayed {
		log.Debug("acceptance replayed")
	} else {
		log.Info("request accepted")
	}

	s.settle(ctx, claim.Request, log)
	return Result{Request: claim.Request, Replayed: claim.Replayed}, nil
}

func (s *Service) settle(ctx context.Context, req request.ServiceRequest, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	var dismissed []string
	err := retry.DoNotify(ctx, s.settleRetry, func(ctx context.Context) error {
		var settleErr error
		dismissed, settleErr = s.store.Settle(ctx, req.ID, req.AssignedHelperID, s.now().UTC())
		return settleErr
	}, func(err error, wait time.Duration) {
		log.WithError(err).WithField("backoff", wait).Warn("sibling expiry failed, retrying")
	})
	if err != nil {
		log.WithError(err).Error("sibling expiry exhausted; sweeper will reconcile")
	}

	if len(dismissed) > 0 {
		s.notifier.Dismiss(req.ID, dismissed)
	}
	s.notifier.Announce(acceptedEvent(req, s.now().UTC()))
}

func settleRetryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
