package infra

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// HelperSeed describes a helper_profiles row. Zero values give an approved,
// available, idle helper located now with no declared schedule.
type HelperSeed struct {
	UserID       string
	Lat, Lng     float64
	LocatedAt    time.Time
	Categories   []string
	Verification string
	OnJob        bool
	Unavailable  bool
	Days         uint8
	StartMinute  int
	EndMinute    int
	TimeZone     string
}

func SeedHelper(t testing.TB, pool *pgxpool.Pool, s HelperSeed) string {
	t.Helper()
	if s.UserID == "" {
		s.UserID = uuid.NewString()
	}
	if s.LocatedAt.IsZero() {
		s.LocatedAt = time.Now()
	}
	if s.Verification == "" {
		s.Verification = "approved"
	}
	if s.TimeZone == "" {
		s.TimeZone = "UTC"
	}
	if s.Categories == nil {
		s.Categories = []string{"plumbing"}
	}

	var id string
	err := pool.QueryRow(context.Background(), `
        INSERT INTO helper_profiles (user_id, latitude, longitude, location_updated_at, is_on_job, is_available_now,
                                     service_categories, verification_status, working_days, work_start_minute,
                                     work_end_minute, timezone)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        RETURNING id::text
    `, s.UserID, s.Lat, s.Lng, s.LocatedAt, s.OnJob, !s.Unavailable, s.Categories, s.Verification,
		int16(s.Days), s.StartMinute, s.EndMinute, s.TimeZone).Scan(&id)
	if err != nil {
		t.Fatalf("seed helper: %v", err)
	}
	return id
}

// RequestSeed describes a service_requests row. HelperID must be set for the
// assigned broadcast states.
type RequestSeed struct {
	CustomerID      string
	Category        string
	Lat, Lng        float64
	Price           int64
	PaymentMethod   string
	BroadcastStatus string
	HelperID        string
	StartOTP        string
	EndOTP          string
	ExpiresAt       *time.Time
	WorkStarted     bool
}

func SeedRequest(t testing.TB, pool *pgxpool.Pool, s RequestSeed) string {
	t.Helper()
	if s.CustomerID == "" {
		s.CustomerID = uuid.NewString()
	}
	if s.Category == "" {
		s.Category = "plumbing"
	}
	if s.PaymentMethod == "" {
		s.PaymentMethod = "cash"
	}
	if s.BroadcastStatus == "" {
		s.BroadcastStatus = "pending"
	}
	if s.StartOTP == "" {
		s.StartOTP = "111111"
	}
	if s.EndOTP == "" {
		s.EndOTP = "222222"
	}

	var helper any
	if s.HelperID != "" {
		helper = s.HelperID
	}

	var id string
	err := pool.QueryRow(context.Background(), `
        INSERT INTO service_requests (customer_id, category_id, latitude, longitude, estimated_price, payment_method,
                                      status, broadcast_status, assigned_helper_id, start_otp, end_otp,
                                      broadcast_expires_at, helper_accepted_at, work_started_at)
        VALUES ($1, $2, $3, $4, $5, $6,
                CASE $7
                    WHEN 'pending' THEN 'open' WHEN 'broadcasting' THEN 'open'
                    WHEN 'in_progress' THEN 'in_progress' WHEN 'completed' THEN 'completed'
                    WHEN 'cancelled' THEN 'cancelled' WHEN 'expired' THEN 'cancelled'
                    ELSE 'assigned' END,
                $7, $8, $9, $10, $11,
                CASE WHEN $8::uuid IS NULL THEN NULL ELSE now() END,
                CASE WHEN $12 THEN now() ELSE NULL END)
        RETURNING id::text
    `, s.CustomerID, s.Category, s.Lat, s.Lng, s.Price, s.PaymentMethod, s.BroadcastStatus, helper,
		s.StartOTP, s.EndOTP, s.ExpiresAt, s.WorkStarted).Scan(&id)
	if err != nil {
		t.Fatalf("seed request: %v", err)
	}
	return id
}

// SeedNotification inserts a broadcast_notifications row in the given status.
func SeedNotification(t testing.TB, pool *pgxpool.Pool, requestID, helperID, status string, distanceKm float64) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
        INSERT INTO broadcast_notifications (request_id, helper_id, distance_km, status, sent_at)
        VALUES ($1, $2, $3, $4, now())
    `, requestID, helperID, distanceKm, status)
	if err != nil {
		t.Fatalf("seed notification: %v", err)
	}
}
