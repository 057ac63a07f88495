package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"helpdispatch/db"
	"helpdispatch/geo"
)

// Columns is the select list understood by Scan. Other packages use it in
// RETURNING clauses of their conditional updates.
const Columns = `id::text, customer_id::text, category_id, description, media_refs,
	latitude, longitude, address, estimated_price, payment_method, urgency,
	status, broadcast_status, COALESCE(assigned_helper_id::text, ''),
	COALESCE(start_otp, ''), COALESCE(end_otp, ''),
	broadcast_expires_at, helper_accepted_at, helper_latitude, helper_longitude,
	work_started_at, work_completed_at, cancelled_at, COALESCE(cancel_reason, ''),
	created_at, updated_at`

// Scan reads one row selected with Columns.
func Scan(row pgx.Row) (ServiceRequest, error) {
	var (
		r         ServiceRequest
		helperLat *float64
		helperLng *float64
	)
	err := row.Scan(
		&r.ID, &r.CustomerID, &r.CategoryID, &r.Description, &r.MediaRefs,
		&r.Location.Lat, &r.Location.Lng, &r.Address, &r.EstimatedPrice, &r.PaymentMethod, &r.Urgency,
		&r.Status, &r.BroadcastStatus, &r.AssignedHelperID,
		&r.StartOTP, &r.EndOTP,
		&r.BroadcastExpiresAt, &r.HelperAcceptedAt, &helperLat, &helperLng,
		&r.WorkStartedAt, &r.WorkCompletedAt, &r.CancelledAt, &r.CancelReason,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return ServiceRequest{}, err
	}
	if helperLat != nil && helperLng != nil {
		r.HelperLocation = &geo.Point{Lat: *helperLat, Lng: *helperLng}
	}
	return r, nil
}

// Event is one entry of a request's append-only timeline.
type Event struct {
	ID        int64
	RequestID string
	Type      string
	ActorID   string
	Payload   map[string]any
	CreatedAt time.Time
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, q db.Querier, req ServiceRequest) (ServiceRequest, error) {
	mediaRefs := req.MediaRefs
	if mediaRefs == nil {
		mediaRefs = []string{}
	}

	insertSQL := `
INSERT INTO service_requests (
    id, customer_id, category_id, description, media_refs, latitude, longitude, address,
    estimated_price, payment_method, urgency, status, broadcast_status, start_otp, end_otp,
    created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)
RETURNING ` + Columns

	created, err := Scan(q.QueryRow(ctx, insertSQL,
		req.ID,
		req.CustomerID,
		req.CategoryID,
		req.Description,
		mediaRefs,
		req.Location.Lat,
		req.Location.Lng,
		req.Address,
		req.EstimatedPrice,
		req.PaymentMethod,
		req.Urgency,
		req.Status,
		req.BroadcastStatus,
		req.StartOTP,
		req.EndOTP,
		req.CreatedAt,
	))
	if err != nil {
		return ServiceRequest{}, fmt.Errorf("request: insert: %w", Classify(err))
	}
	return created, nil
}

func (r *Repository) Get(ctx context.Context, q db.Querier, id string) (ServiceRequest, error) {
	req, err := Scan(q.QueryRow(ctx, `SELECT `+Columns+` FROM service_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ServiceRequest{}, ErrNotFound
		}
		return ServiceRequest{}, fmt.Errorf("request: get: %w", Classify(err))
	}
	return req, nil
}

// GetForUpdate reads the request and holds its row lock until tx ends.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (ServiceRequest, error) {
	req, err := Scan(tx.QueryRow(ctx, `SELECT `+Columns+` FROM service_requests WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ServiceRequest{}, ErrNotFound
		}
		return ServiceRequest{}, fmt.Errorf("request: lock: %w", Classify(err))
	}
	return req, nil
}

// AppendEvent writes a timeline entry. Run it inside the transaction that
// made the change it describes.
func (r *Repository) AppendEvent(ctx context.Context, q db.Querier, requestID, eventType, actorID string, payload map[string]any) error {
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("request: marshal event payload: %w", err)
	}

	var actor any
	if actorID != "" {
		actor = actorID
	}

	const insertSQL = `
INSERT INTO dispatch_events (request_id, type, actor_id, payload)
VALUES ($1, $2, $3, $4);
`
	if _, err := q.Exec(ctx, insertSQL, requestID, eventType, actor, payloadBytes); err != nil {
		return fmt.Errorf("request: insert event: %w", Classify(err))
	}
	return nil
}

func (r *Repository) Events(ctx context.Context, q db.Querier, requestID string) ([]Event, error) {
	const query = `
		SELECT id, request_id::text, type, COALESCE(actor_id, ''), payload, created_at
		FROM dispatch_events
		WHERE request_id = $1
		ORDER BY id ASC
	`
	rows, err := q.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("request: list events: %w", Classify(err))
	}
	defer rows.Close()

	events := make([]Event, 0, 8)
	for rows.Next() {
		var (
			e   Event
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Type, &e.ActorID, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("request: scan event: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Payload); err != nil {
				return nil, fmt.Errorf("request: decode event payload: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("request: iterate events: %w", Classify(err))
	}
	return events, nil
}
