package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"helpdispatch/db"
	"helpdispatch/geo"
)

// The methods below are conditional updates: each is scoped to the state the
// caller expects and reports ok=false, without error, when no row matched.
// Callers diagnose a miss by re-reading the row.

func (r *Repository) conditional(ctx context.Context, q db.Querier, op, sql string, args ...any) (ServiceRequest, bool, error) {
	req, err := Scan(q.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ServiceRequest{}, false, nil
		}
		return ServiceRequest{}, false, fmt.Errorf("request: %s: %w", op, Classify(err))
	}
	return req, true, nil
}

// StartBroadcast moves a pending request to broadcasting.
func (r *Repository) StartBroadcast(ctx context.Context, q db.Querier, id string, expiresAt, at time.Time) (ServiceRequest, bool, error) {
	return r.conditional(ctx, q, "start broadcast", `
		UPDATE service_requests
		SET broadcast_status = 'broadcasting', status = 'open', broadcast_expires_at = $2, updated_at = $3
		WHERE id = $1 AND broadcast_status = 'pending'
		RETURNING `+Columns, id, expiresAt, at)
}

// Assign is the acceptance claim: it succeeds for exactly one helper per
// broadcast. Codes already on the row are kept.
func (r *Repository) Assign(ctx context.Context, q db.Querier, id, helperID string, helperLoc *geo.Point, startOTP, endOTP string, at time.Time) (ServiceRequest, bool, error) {
	var lat, lng *float64
	if helperLoc != nil {
		lat, lng = &helperLoc.Lat, &helperLoc.Lng
	}
	return r.conditional(ctx, q, "assign", `
		UPDATE service_requests
		SET assigned_helper_id = $2,
		    broadcast_status = 'accepted',
		    status = 'assigned',
		    helper_accepted_at = $3,
		    helper_latitude = $4,
		    helper_longitude = $5,
		    start_otp = COALESCE(start_otp, $6),
		    end_otp = COALESCE(end_otp, $7),
		    updated_at = $3
		WHERE id = $1 AND assigned_helper_id IS NULL AND broadcast_status = 'broadcasting'
		RETURNING `+Columns, id, helperID, at, lat, lng, startOTP, endOTP)
}

// Advance moves an assigned request between two pre-work states.
func (r *Repository) Advance(ctx context.Context, q db.Querier, id, helperID string, from, to BroadcastStatus, at time.Time) (ServiceRequest, bool, error) {
	return r.conditional(ctx, q, "advance", `
		UPDATE service_requests
		SET broadcast_status = $4, status = $5, updated_at = $6
		WHERE id = $1 AND assigned_helper_id = $2 AND broadcast_status = $3
		RETURNING `+Columns, id, helperID, string(from), string(to), string(to.Status()), at)
}

// StartWork moves arrived to in_progress when code equals the start code.
func (r *Repository) StartWork(ctx context.Context, q db.Querier, id, helperID, code string, at time.Time) (ServiceRequest, bool, error) {
	return r.conditional(ctx, q, "start work", `
		UPDATE service_requests
		SET broadcast_status = 'in_progress', status = 'in_progress', work_started_at = $4, updated_at = $4
		WHERE id = $1 AND assigned_helper_id = $2 AND broadcast_status = 'arrived' AND start_otp = $3
		RETURNING `+Columns, id, helperID, code, at)
}

// CompleteWork moves in_progress to completed when code equals the end code.
func (r *Repository) CompleteWork(ctx context.Context, q db.Querier, id, helperID, code string, at time.Time) (ServiceRequest, bool, error) {
	return r.conditional(ctx, q, "complete work", `
		UPDATE service_requests
		SET broadcast_status = 'completed', status = 'completed', work_completed_at = $4, updated_at = $4
		WHERE id = $1 AND assigned_helper_id = $2 AND broadcast_status = 'in_progress' AND end_otp = $3
		RETURNING `+Columns, id, helperID, code, at)
}

// Close moves any non-terminal request to cancelled or expired and detaches
// the helper.
func (r *Repository) Close(ctx context.Context, q db.Querier, id string, to BroadcastStatus, reason string, at time.Time) (ServiceRequest, bool, error) {
	if to != BroadcastCancelled && to != BroadcastExpired {
		return ServiceRequest{}, false, fmt.Errorf("%w: close to %q", ErrInvalid, to)
	}
	return r.conditional(ctx, q, "close", `
		UPDATE service_requests
		SET broadcast_status = $2,
		    status = 'cancelled',
		    assigned_helper_id = NULL,
		    cancelled_at = $4,
		    cancel_reason = NULLIF($3, ''),
		    updated_at = $4
		WHERE id = $1 AND broadcast_status NOT IN ('completed', 'cancelled', 'expired')
		RETURNING `+Columns, id, string(to), reason, at)
}

// ExpireBroadcast closes a request whose broadcast deadline passed before
// anyone accepted it. An acceptance that committed first wins: the row no
// longer matches and ok is false.
func (r *Repository) ExpireBroadcast(ctx context.Context, q db.Querier, id, reason string, at time.Time) (ServiceRequest, bool, error) {
	return r.conditional(ctx, q, "expire broadcast", `
		UPDATE service_requests
		SET broadcast_status = 'expired',
		    status = 'cancelled',
		    cancelled_at = $3,
		    cancel_reason = NULLIF($2, ''),
		    updated_at = $3
		WHERE id = $1
		  AND assigned_helper_id IS NULL
		  AND broadcast_status IN ('pending', 'broadcasting')
		  AND broadcast_expires_at <= $3
		RETURNING `+Columns, id, reason, at)
}

// ResetToPending detaches helperID from a request it accepted but has not
// started, so it can be broadcast again.
func (r *Repository) ResetToPending(ctx context.Context, q db.Querier, id, helperID string, at time.Time) (ServiceRequest, bool, error) {
	return r.conditional(ctx, q, "reset", `
		UPDATE service_requests
		SET broadcast_status = 'pending',
		    status = 'open',
		    assigned_helper_id = NULL,
		    helper_accepted_at = NULL,
		    helper_latitude = NULL,
		    helper_longitude = NULL,
		    broadcast_expires_at = NULL,
		    updated_at = $3
		WHERE id = $1 AND assigned_helper_id = $2 AND broadcast_status IN ('accepted', 'on_way', 'arrived')
		RETURNING `+Columns, id, helperID, at)
}
