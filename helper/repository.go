package helper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"helpdispatch/db"
)

var (
	// ErrNotFound signals the requested helper does not exist.
	ErrNotFound = errors.New("helper: not found")
)

// ProfileColumns is the select list understood by ScanProfile.
const ProfileColumns = `id::text, user_id::text, latitude, longitude, location_updated_at,
	is_on_job, is_available_now, service_categories, verification_status,
	working_days, work_start_minute, work_end_minute, timezone,
	total_earnings, total_jobs_completed, created_at, updated_at`

// ScanProfile reads a row selected with ProfileColumns followed by extra
// destinations for any trailing columns.
func ScanProfile(row pgx.Row, extra ...any) (Profile, error) {
	var (
		p         Profile
		lat, lng  *float64
		locatedAt *time.Time
		days      int16
	)
	dest := []any{
		&p.ID, &p.UserID, &lat, &lng, &locatedAt,
		&p.IsOnJob, &p.IsAvailableNow, &p.Categories, &p.Verification,
		&days, &p.Hours.StartMinute, &p.Hours.EndMinute, &p.Hours.TimeZone,
		&p.TotalEarnings, &p.TotalJobsCompleted, &p.CreatedAt, &p.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Profile{}, err
	}
	p.Hours.Days = uint8(days)
	if lat != nil && lng != nil && locatedAt != nil {
		p.Location = &Location{Lat: *lat, Lng: *lng, UpdatedAt: *locatedAt}
	}
	return p, nil
}

// Repository provides access to helper profiles. Every method takes the
// querier to run on so callers can compose them into their own transactions.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) GetByID(ctx context.Context, q db.Querier, id string) (Profile, error) {
	p, err := ScanProfile(q.QueryRow(ctx, `SELECT `+ProfileColumns+` FROM helper_profiles WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("helper: query by id: %w", err)
	}
	return p, nil
}

func (r *Repository) GetByUserID(ctx context.Context, q db.Querier, userID string) (Profile, error) {
	p, err := ScanProfile(q.QueryRow(ctx, `SELECT `+ProfileColumns+` FROM helper_profiles WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("helper: query by user: %w", err)
	}
	return p, nil
}

// MarkOnJob flips is_on_job from false to true. It reports false when the
// helper was already on a job.
func (r *Repository) MarkOnJob(ctx context.Context, q db.Querier, id string, at time.Time) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE helper_profiles
		SET is_on_job = true, updated_at = $2
		WHERE id = $1 AND NOT is_on_job
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("helper: mark on job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release clears is_on_job. Releasing an idle helper is a no-op.
func (r *Repository) Release(ctx context.Context, q db.Querier, id string, at time.Time) error {
	if _, err := q.Exec(ctx, `
		UPDATE helper_profiles
		SET is_on_job = false, updated_at = $2
		WHERE id = $1 AND is_on_job
	`, id, at); err != nil {
		return fmt.Errorf("helper: release: %w", err)
	}
	return nil
}

// UpdateLocation stores the latest position and appends it to the history.
// requestID links the ping to the job in progress and may be empty.
func (r *Repository) UpdateLocation(ctx context.Context, q db.Querier, id, requestID string, loc Location) error {
	tag, err := q.Exec(ctx, `
		UPDATE helper_profiles
		SET latitude = $2, longitude = $3, location_updated_at = $4, updated_at = $4
		WHERE id = $1
	`, id, loc.Lat, loc.Lng, loc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("helper: update location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	var reqID any
	if requestID != "" {
		reqID = requestID
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO helper_location_history (helper_id, request_id, latitude, longitude, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, reqID, loc.Lat, loc.Lng, loc.UpdatedAt); err != nil {
		return fmt.Errorf("helper: insert location history: %w", err)
	}
	return nil
}

// ActiveRequestID returns the request the helper is currently assigned to
// and not yet finished, or "" when idle.
func (r *Repository) ActiveRequestID(ctx context.Context, q db.Querier, id string) (string, error) {
	var requestID string
	err := q.QueryRow(ctx, `
		SELECT id::text
		FROM service_requests
		WHERE assigned_helper_id = $1
		  AND broadcast_status IN ('accepted', 'on_way', 'arrived', 'in_progress')
		ORDER BY helper_accepted_at DESC
		LIMIT 1
	`, id).Scan(&requestID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("helper: active request: %w", err)
	}
	return requestID, nil
}

// Earning is a payout record for one completed request.
type Earning struct {
	HelperID      string
	RequestID     string
	Amount        int64
	PaymentMethod string
	At            time.Time
}

// RecordEarning inserts the payout for a completed request and bumps the
// helper's totals once per request. Cash is collected on site; other
// methods stay pending until settlement.
func (r *Repository) RecordEarning(ctx context.Context, q db.Querier, e Earning) (bool, error) {
	status := "pending"
	if e.PaymentMethod == "cash" {
		status = "collected"
	}

	tag, err := q.Exec(ctx, `
		INSERT INTO helper_earnings (helper_id, request_id, amount, payment_method, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (request_id) DO NOTHING
	`, e.HelperID, e.RequestID, e.Amount, e.PaymentMethod, status, e.At)
	if err != nil {
		return false, fmt.Errorf("helper: insert earning: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := q.Exec(ctx, `
		UPDATE helper_profiles
		SET total_earnings = total_earnings + $2,
		    total_jobs_completed = total_jobs_completed + 1,
		    updated_at = $3
		WHERE id = $1
	`, e.HelperID, e.Amount, e.At); err != nil {
		return false, fmt.Errorf("helper: update totals: %w", err)
	}
	return true, nil
}
