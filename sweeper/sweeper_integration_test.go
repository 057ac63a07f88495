package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"helpdispatch/arbiter"
	"helpdispatch/cache"
	"helpdispatch/job"
	"helpdispatch/notify"
	"helpdispatch/request"
	"helpdispatch/test/infra"
)

func newSweeper(t *testing.T, clock func() time.Time) (*Sweeper, *pgxpool.Pool) {
	t.Helper()
	pool := infra.ForTest(t)
	fanout := notify.NewFanout(pool, notify.NewHub(16))
	machine := job.NewMachine(pool, fanout, job.NewAttemptGuard(cache.NewMemory(), 0, 0))
	s := New(pool, machine, arbiter.NewPGStore(pool, fanout), fanout, DefaultConfig()).WithClock(clock)
	return s, pool
}

func notificationStatus(t *testing.T, pool *pgxpool.Pool, requestID, helperID string) string {
	t.Helper()
	var status string
	if err := pool.QueryRow(context.Background(), `
		SELECT status FROM broadcast_notifications WHERE request_id = $1 AND helper_id = $2
	`, requestID, helperID).Scan(&status); err != nil {
		t.Fatalf("notification status: %v", err)
	}
	return status
}

func TestSweepExpiresOverdueBroadcasts(t *testing.T) {
	s, pool := newSweeper(t, time.Now)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	overdue := infra.SeedRequest(t, pool, infra.RequestSeed{BroadcastStatus: "broadcasting", ExpiresAt: &past})
	live := infra.SeedRequest(t, pool, infra.RequestSeed{BroadcastStatus: "broadcasting", ExpiresAt: &future})
	h := infra.SeedHelper(t, pool, infra.HelperSeed{})
	infra.SeedNotification(t, pool, overdue, h, "sent", 1)

	rep, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Expired != 1 {
		t.Fatalf("expected one expiry, got %+v", rep)
	}

	var overdueStatus, liveStatus, reason string
	if err := pool.QueryRow(ctx, `SELECT broadcast_status, cancel_reason FROM service_requests WHERE id = $1`, overdue).Scan(&overdueStatus, &reason); err != nil {
		t.Fatalf("query: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT broadcast_status FROM service_requests WHERE id = $1`, live).Scan(&liveStatus); err != nil {
		t.Fatalf("query: %v", err)
	}
	if overdueStatus != "expired" || reason != ReasonBroadcastExpired || liveStatus != "broadcasting" {
		t.Fatalf("overdue=%s (%s) live=%s", overdueStatus, reason, liveStatus)
	}
	if got := notificationStatus(t, pool, overdue, h); got != "expired" {
		t.Fatalf("offer status %s", got)
	}
}

// acceptFirst lets an acceptance commit between the overdue listing and the
// expiry of the same request.
type acceptFirst struct {
	Expirer
	accept func(requestID string)
}

func (e acceptFirst) ExpireBroadcast(ctx context.Context, requestID, reason string) (request.ServiceRequest, error) {
	e.accept(requestID)
	return e.Expirer.ExpireBroadcast(ctx, requestID, reason)
}

func TestSweepKeepsRequestAcceptedAfterListing(t *testing.T) {
	pool := infra.ForTest(t)
	ctx := context.Background()
	fanout := notify.NewFanout(pool, notify.NewHub(16))
	machine := job.NewMachine(pool, fanout, job.NewAttemptGuard(cache.NewMemory(), 0, 0))
	store := arbiter.NewPGStore(pool, fanout)

	past := time.Now().Add(-time.Minute)
	h := infra.SeedHelper(t, pool, infra.HelperSeed{})
	req := infra.SeedRequest(t, pool, infra.RequestSeed{BroadcastStatus: "broadcasting", ExpiresAt: &past})
	infra.SeedNotification(t, pool, req, h, "sent", 1)

	expirer := acceptFirst{Expirer: machine, accept: func(requestID string) {
		if _, err := store.Claim(ctx, arbiter.AcceptParams{RequestID: requestID, HelperID: h}, time.Now()); err != nil {
			t.Errorf("claim: %v", err)
		}
	}}
	s := New(pool, expirer, store, fanout, DefaultConfig())

	rep, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Expired != 0 {
		t.Fatalf("accepted request must not be expired: %+v", rep)
	}

	var status string
	var assigned *string
	var onJob bool
	if err := pool.QueryRow(ctx, `
		SELECT r.broadcast_status, r.assigned_helper_id::text, h.is_on_job
		FROM service_requests r JOIN helper_profiles h ON h.id = $2
		WHERE r.id = $1
	`, req, h).Scan(&status, &assigned, &onJob); err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != "accepted" || assigned == nil || *assigned != h || !onJob {
		t.Fatalf("status=%s assigned=%v on_job=%v", status, assigned, onJob)
	}
}

func TestSweepReconcilesUnsettledAcceptance(t *testing.T) {
	later := func() time.Time { return time.Now().Add(5 * time.Minute) }
	s, pool := newSweeper(t, later)
	ctx := context.Background()

	winner := infra.SeedHelper(t, pool, infra.HelperSeed{OnJob: true})
	loser := infra.SeedHelper(t, pool, infra.HelperSeed{})
	req := infra.SeedRequest(t, pool, infra.RequestSeed{BroadcastStatus: "accepted", HelperID: winner})
	infra.SeedNotification(t, pool, req, winner, "sent", 1)
	infra.SeedNotification(t, pool, req, loser, "sent", 2)

	rep, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Reconciled != 1 {
		t.Fatalf("expected one reconciliation, got %+v", rep)
	}
	if got := notificationStatus(t, pool, req, winner); got != "accepted" {
		t.Fatalf("winner offer %s", got)
	}
	if got := notificationStatus(t, pool, req, loser); got != "expired" {
		t.Fatalf("loser offer %s", got)
	}

	rep, err = s.RunOnce(ctx)
	if err != nil || rep.Reconciled != 0 {
		t.Fatalf("second pass should find nothing: %+v %v", rep, err)
	}
}

func TestSweepRepublishesStalePendingOffers(t *testing.T) {
	later := func() time.Time { return time.Now().Add(5 * time.Minute) }
	s, pool := newSweeper(t, later)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	h := infra.SeedHelper(t, pool, infra.HelperSeed{})
	req := infra.SeedRequest(t, pool, infra.RequestSeed{BroadcastStatus: "broadcasting", ExpiresAt: &future})
	infra.SeedNotification(t, pool, req, h, "pending", 1)

	swept := 0
	s.WithCacheSweep(func() int { swept++; return 0 })

	rep, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Republished != 1 || swept != 1 {
		t.Fatalf("unexpected report %+v (cache sweeps %d)", rep, swept)
	}
	if got := notificationStatus(t, pool, req, h); got != "sent" {
		t.Fatalf("offer status %s", got)
	}
}
