package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"helpdispatch/db"
)

const notificationColumns = `id::text, request_id::text, helper_id::text, distance_km, status, sent_at, responded_at, created_at`

func scanNotification(row pgx.Row) (Notification, error) {
	var n Notification
	err := row.Scan(&n.ID, &n.RequestID, &n.HelperID, &n.DistanceKm, &n.Status, &n.SentAt, &n.RespondedAt, &n.CreatedAt)
	return n, err
}

func collectNotifications(rows pgx.Rows) ([]Notification, error) {
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Repository owns broadcast_notifications, notification_seen and outbox.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// InsertBatch writes one pending row per target in a single statement and
// returns only the rows that did not exist yet.
func (r *Repository) InsertBatch(ctx context.Context, q db.Querier, requestID string, targets []Target, at time.Time) ([]Notification, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	helperIDs := make([]string, len(targets))
	distances := make([]float64, len(targets))
	for i, t := range targets {
		helperIDs[i] = t.HelperID
		distances[i] = t.DistanceKm
	}

	rows, err := q.Query(ctx, `
		INSERT INTO broadcast_notifications (request_id, helper_id, distance_km, status, created_at)
		SELECT $1::uuid, t.helper_id::uuid, t.distance_km, 'pending', $4::timestamptz
		FROM unnest($2::text[], $3::float8[]) AS t(helper_id, distance_km)
		ON CONFLICT (request_id, helper_id) DO NOTHING
		RETURNING `+notificationColumns,
		requestID, helperIDs, distances, at)
	if err != nil {
		return nil, fmt.Errorf("notify: insert batch: %w", err)
	}
	inserted, err := collectNotifications(rows)
	if err != nil {
		return nil, fmt.Errorf("notify: insert batch: %w", err)
	}
	return inserted, nil
}

func (r *Repository) ListForRequest(ctx context.Context, q db.Querier, requestID string) ([]Notification, error) {
	rows, err := q.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM broadcast_notifications
		WHERE request_id = $1
		ORDER BY distance_km, helper_id
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("notify: list for request: %w", err)
	}
	out, err := collectNotifications(rows)
	if err != nil {
		return nil, fmt.Errorf("notify: list for request: %w", err)
	}
	return out, nil
}

// NotifiedHelpers returns every helper that ever received a row for the
// request, whatever its status.
func (r *Repository) NotifiedHelpers(ctx context.Context, q db.Querier, requestID string) (map[string]bool, error) {
	rows, err := q.Query(ctx, `SELECT helper_id::text FROM broadcast_notifications WHERE request_id = $1`, requestID)
	if err != nil {
		return nil, fmt.Errorf("notify: notified helpers: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("notify: notified helpers: %w", err)
		}
		seen[id] = true
	}
	return seen, rows.Err()
}

func (r *Repository) CountOutstanding(ctx context.Context, q db.Querier, requestID string) (int, error) {
	var n int
	err := q.QueryRow(ctx, `
		SELECT count(*) FROM broadcast_notifications
		WHERE request_id = $1 AND status IN ('pending', 'sent')
	`, requestID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("notify: count outstanding: %w", err)
	}
	return n, nil
}

// MarkSent moves pending rows to sent. Rows that changed status meanwhile
// are left alone.
func (r *Repository) MarkSent(ctx context.Context, q db.Querier, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := q.Exec(ctx, `
		UPDATE broadcast_notifications
		SET status = 'sent', sent_at = $2
		WHERE id = ANY($1::text[]::uuid[]) AND status = 'pending'
	`, ids, at)
	if err != nil {
		return 0, fmt.Errorf("notify: mark sent: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkAccepted marks the winner's row. It reports false when the helper has
// no row for the request or it is already accepted.
func (r *Repository) MarkAccepted(ctx context.Context, q db.Querier, requestID, helperID string, at time.Time) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE broadcast_notifications
		SET status = 'accepted', responded_at = $3
		WHERE request_id = $1 AND helper_id = $2 AND status <> 'accepted'
	`, requestID, helperID, at)
	if err != nil {
		return false, fmt.Errorf("notify: mark accepted: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireOutstanding expires every pending or sent row of the request except
// the one held by exceptHelperID (which may be empty) and returns the
// affected helpers.
func (r *Repository) ExpireOutstanding(ctx context.Context, q db.Querier, requestID, exceptHelperID string, at time.Time) ([]string, error) {
	rows, err := q.Query(ctx, `
		UPDATE broadcast_notifications
		SET status = 'expired', responded_at = $3
		WHERE request_id = $1
		  AND status IN ('pending', 'sent')
		  AND ($2 = '' OR helper_id::text <> $2)
		RETURNING helper_id::text
	`, requestID, exceptHelperID, at)
	if err != nil {
		return nil, fmt.Errorf("notify: expire outstanding: %w", err)
	}
	defer rows.Close()

	var helpers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("notify: expire outstanding: %w", err)
		}
		helpers = append(helpers, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: expire outstanding: %w", err)
	}
	return helpers, nil
}

// DeleteForRequest drops every notification and seen marker of the request
// so it can be broadcast from scratch.
func (r *Repository) DeleteForRequest(ctx context.Context, q db.Querier, requestID string) (int64, error) {
	tag, err := q.Exec(ctx, `DELETE FROM broadcast_notifications WHERE request_id = $1`, requestID)
	if err != nil {
		return 0, fmt.Errorf("notify: delete notifications: %w", err)
	}
	if _, err := q.Exec(ctx, `DELETE FROM notification_seen WHERE request_id = $1`, requestID); err != nil {
		return 0, fmt.Errorf("notify: delete seen: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Decline records a helper's refusal. Only outstanding rows change.
func (r *Repository) Decline(ctx context.Context, q db.Querier, requestID, helperID string, at time.Time) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE broadcast_notifications
		SET status = 'declined', responded_at = $3
		WHERE request_id = $1 AND helper_id = $2 AND status IN ('pending', 'sent')
	`, requestID, helperID, at)
	if err != nil {
		return false, fmt.Errorf("notify: decline: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) MarkSeen(ctx context.Context, q db.Querier, helperID, requestID string, at time.Time) error {
	if _, err := q.Exec(ctx, `
		INSERT INTO notification_seen (helper_id, request_id, seen_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (helper_id, request_id) DO NOTHING
	`, helperID, requestID, at); err != nil {
		return fmt.Errorf("notify: mark seen: %w", err)
	}
	return nil
}

func (r *Repository) Seen(ctx context.Context, q db.Querier, helperID, requestID string) (bool, error) {
	var seen bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM notification_seen WHERE helper_id = $1 AND request_id = $2)
	`, helperID, requestID).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("notify: seen: %w", err)
	}
	return seen, nil
}

// ListOffers returns the helper's outstanding offers on requests that are
// still broadcasting, nearest first.
func (r *Repository) ListOffers(ctx context.Context, q db.Querier, helperID string, unseenOnly bool) ([]Offer, error) {
	rows, err := q.Query(ctx, `
		SELECT n.request_id::text, sr.category_id, sr.description, sr.address,
		       sr.latitude, sr.longitude, sr.estimated_price, sr.urgency,
		       n.distance_km, n.status, n.sent_at, sr.broadcast_expires_at,
		       (s.helper_id IS NOT NULL) AS seen
		FROM broadcast_notifications n
		JOIN service_requests sr ON sr.id = n.request_id
		LEFT JOIN notification_seen s ON s.helper_id = n.helper_id AND s.request_id = n.request_id
		WHERE n.helper_id = $1
		  AND n.status IN ('pending', 'sent')
		  AND sr.broadcast_status = 'broadcasting'
		  AND (NOT $2 OR s.helper_id IS NULL)
		ORDER BY n.distance_km, n.request_id
	`, helperID, unseenOnly)
	if err != nil {
		return nil, fmt.Errorf("notify: list offers: %w", err)
	}
	defer rows.Close()

	var offers []Offer
	for rows.Next() {
		var o Offer
		if err := rows.Scan(
			&o.RequestID, &o.CategoryID, &o.Description, &o.Address,
			&o.Lat, &o.Lng, &o.EstimatedPrice, &o.Urgency,
			&o.DistanceKm, &o.Status, &o.SentAt, &o.ExpiresAt,
			&o.Seen,
		); err != nil {
			return nil, fmt.Errorf("notify: list offers: %w", err)
		}
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: list offers: %w", err)
	}
	return offers, nil
}

// StalePending returns rows still pending since before cutoff on requests
// that are broadcasting. These are offers whose first publish failed.
func (r *Repository) StalePending(ctx context.Context, q db.Querier, cutoff time.Time, limit int) ([]Notification, error) {
	rows, err := q.Query(ctx, `
		SELECT n.id::text, n.request_id::text, n.helper_id::text, n.distance_km, n.status, n.sent_at, n.responded_at, n.created_at
		FROM broadcast_notifications n
		JOIN service_requests sr ON sr.id = n.request_id
		WHERE n.status = 'pending'
		  AND n.created_at < $1
		  AND sr.broadcast_status = 'broadcasting'
		ORDER BY n.request_id, n.created_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: stale pending: %w", err)
	}
	out, err := collectNotifications(rows)
	if err != nil {
		return nil, fmt.Errorf("notify: stale pending: %w", err)
	}
	return out, nil
}

// Enqueue writes outbox messages in a single statement.
func (r *Repository) Enqueue(ctx context.Context, q db.Querier, msgs []OutboxMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	topics := make([]string, len(msgs))
	recipients := make([]string, len(msgs))
	payloads := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		topics[i] = m.Topic
		recipients[i] = m.RecipientID
		payloads[i] = string(m.Payload)
	}

	if _, err := q.Exec(ctx, `
		INSERT INTO outbox (id, topic, recipient_id, payload)
		SELECT t.id::uuid, t.topic, t.recipient_id, t.payload::jsonb
		FROM unnest($1::text[], $2::text[], $3::text[], $4::text[]) AS t(id, topic, recipient_id, payload)
	`, ids, topics, recipients, payloads); err != nil {
		return fmt.Errorf("notify: enqueue outbox: %w", err)
	}
	return nil
}

// EnqueueEvent stores ev for recipientID in the outbox. Callers pass their
// transaction so the message commits with the state change it describes.
func (r *Repository) EnqueueEvent(ctx context.Context, q db.Querier, id, topic, recipientID string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	return r.Enqueue(ctx, q, []OutboxMessage{{ID: id, Topic: topic, RecipientID: recipientID, Payload: payload}})
}
