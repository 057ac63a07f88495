package request

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"helpdispatch/db"
	"helpdispatch/retry"
)

type Service struct {
	pool        db.Pool
	repo        *Repository
	newOTP      func() (string, error)
	idGenerator func() string
	now         func() time.Time
	retry       retry.Policy
	log         logrus.FieldLogger
}

func NewService(pool db.Pool) *Service {
	return &Service{
		pool:        pool,
		repo:        NewRepository(),
		newOTP:      GenerateOTP,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		retry:       retry.DefaultPolicy().WithRetryable(IsTransient),
		log:         logrus.WithField("prefix", "request"),
	}
}

func (s *Service) WithOTPGenerator(gen func() (string, error)) *Service {
	s.newOTP = gen
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithRetryPolicy(p retry.Policy) *Service {
	s.retry = p.WithRetryable(IsTransient)
	return s
}

func (s *Service) WithLogger(log logrus.FieldLogger) *Service {
	s.log = log
	return s
}

// Create stores a new request in the pending broadcast state with both
// one-time codes already generated.
func (s *Service) Create(ctx context.Context, params CreateParams) (ServiceRequest, error) {
	if err := validateCreate(&params); err != nil {
		return ServiceRequest{}, err
	}

	startOTP, err := s.newOTP()
	if err != nil {
		return ServiceRequest{}, err
	}
	endOTP, err := s.newOTP()
	if err != nil {
		return ServiceRequest{}, err
	}

	now := s.now().UTC()
	req := ServiceRequest{
		ID:              s.idGenerator(),
		CustomerID:      params.CustomerID,
		CategoryID:      params.CategoryID,
		Description:     params.Description,
		MediaRefs:       params.MediaRefs,
		Location:        params.Location,
		Address:         params.Address,
		EstimatedPrice:  params.EstimatedPrice,
		PaymentMethod:   params.PaymentMethod,
		Urgency:         params.Urgency,
		Status:          StatusOpen,
		BroadcastStatus: BroadcastPending,
		StartOTP:        startOTP,
		EndOTP:          endOTP,
		CreatedAt:       now,
	}

	var created ServiceRequest
	err = retry.Do(ctx, s.retry, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("request: begin tx: %w", Classify(err))
		}
		defer tx.Rollback(ctx)

		created, err = s.repo.Insert(ctx, tx, req)
		if err != nil {
			return err
		}
		payload := map[string]any{
			"category_id": created.CategoryID,
			"urgency":     created.Urgency,
		}
		if err := s.repo.AppendEvent(ctx, tx, created.ID, EventCreated, created.CustomerID, payload); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("request: commit: %w", Classify(err))
		}
		return nil
	})
	if err != nil {
		return ServiceRequest{}, err
	}

	s.log.WithFields(logrus.Fields{"request_id": created.ID, "category": created.CategoryID}).Info("request created")
	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (ServiceRequest, error) {
	var req ServiceRequest
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		var err error
		req, err = s.repo.Get(ctx, s.pool, id)
		return err
	})
	return req, err
}

func (s *Service) Timeline(ctx context.Context, id string) ([]Event, error) {
	return s.repo.Events(ctx, s.pool, id)
}

func validateCreate(p *CreateParams) error {
	p.CategoryID = strings.TrimSpace(p.CategoryID)
	switch {
	case p.CustomerID == "":
		return fmt.Errorf("%w: customer id required", ErrInvalid)
	case p.CategoryID == "":
		return fmt.Errorf("%w: category required", ErrInvalid)
	case p.EstimatedPrice < 0:
		return fmt.Errorf("%w: negative price", ErrInvalid)
	}
	if err := p.Location.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if p.PaymentMethod == "" {
		p.PaymentMethod = PaymentCash
	}
	if p.PaymentMethod != PaymentCash && p.PaymentMethod != PaymentOnline {
		return fmt.Errorf("%w: payment method %q", ErrInvalid, p.PaymentMethod)
	}

	if p.Urgency == "" {
		p.Urgency = UrgencyNormal
	}
	switch p.Urgency {
	case UrgencyNormal, UrgencyUrgent, UrgencyEmergency:
	default:
		return fmt.Errorf("%w: urgency %q", ErrInvalid, p.Urgency)
	}
	return nil
}
