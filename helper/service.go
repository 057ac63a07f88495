package helper

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"helpdispatch/cache"
	"helpdispatch/db"
)

// DefaultIdentityTTL bounds how long a user to helper mapping is cached.
const DefaultIdentityTTL = 5 * time.Minute

type Service struct {
	pool db.Pool
	repo *Repository
	ids  *cache.Typed[string]
	now  func() time.Time
	log  logrus.FieldLogger
}

func NewService(pool db.Pool, store cache.Store, ttl time.Duration) *Service {
	if store == nil {
		store = cache.NewMemory()
	}
	if ttl <= 0 {
		ttl = DefaultIdentityTTL
	}
	return &Service{
		pool: pool,
		repo: NewRepository(),
		ids:  cache.NewTyped[string](store, "helper-id:", ttl),
		now:  time.Now,
		log:  logrus.WithField("prefix", "helper"),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(log logrus.FieldLogger) *Service {
	s.log = log
	return s
}

// ResolveByUser maps an authenticated user to their helper profile id.
func (s *Service) ResolveByUser(ctx context.Context, userID string) (string, error) {
	return s.ids.GetOrLoad(ctx, userID, func(ctx context.Context) (string, error) {
		p, err := s.repo.GetByUserID(ctx, s.pool, userID)
		if err != nil {
			return "", err
		}
		return p.ID, nil
	})
}

func (s *Service) Get(ctx context.Context, id string) (Profile, error) {
	return s.repo.GetByID(ctx, s.pool, id)
}

// UpdateLocation records a location ping. While the helper holds an active
// job the request's helper position is refreshed too.
func (s *Service) UpdateLocation(ctx context.Context, helperID string, lat, lng float64) error {
	at := s.now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("helper: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	activeID, err := s.repo.ActiveRequestID(ctx, tx, helperID)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateLocation(ctx, tx, helperID, activeID, Location{Lat: lat, Lng: lng, UpdatedAt: at}); err != nil {
		return err
	}
	if activeID != "" {
		if _, err := tx.Exec(ctx, `
			UPDATE service_requests
			SET helper_latitude = $3, helper_longitude = $4
			WHERE id = $1 AND assigned_helper_id = $2
		`, activeID, helperID, lat, lng); err != nil {
			return fmt.Errorf("helper: update request helper location: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("helper: commit location: %w", err)
	}

	s.log.WithFields(logrus.Fields{"helper_id": helperID, "request_id": activeID}).Debug("location updated")
	return nil
}
