package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"helpdispatch/broadcast"
	"helpdispatch/cache"
	"helpdispatch/helper"
	"helpdispatch/notify"
	"helpdispatch/request"
	"helpdispatch/test/infra"
)

func newMachine(t *testing.T) (*Machine, *pgxpool.Pool) {
	t.Helper()
	pool := infra.ForTest(t)
	fanout := notify.NewFanout(pool, notify.NewHub(16))
	return NewMachine(pool, fanout, NewAttemptGuard(cache.NewMemory(), 5, 0)), pool
}

func mustStatus(t *testing.T, pool *pgxpool.Pool, id string, want request.BroadcastStatus) request.ServiceRequest {
	t.Helper()
	req, err := request.NewRepository().Get(context.Background(), pool, id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	if req.BroadcastStatus != want {
		t.Fatalf("status = %s, want %s", req.BroadcastStatus, want)
	}
	if req.Status != want.Status() {
		t.Fatalf("derived status = %s, want %s", req.Status, want.Status())
	}
	return req
}

func TestJobHappyPath(t *testing.T) {
	m, pool := newMachine(t)
	ctx := context.Background()
	h := infra.SeedHelper(t, pool, infra.HelperSeed{OnJob: true})
	req := infra.SeedRequest(t, pool, infra.RequestSeed{BroadcastStatus: "accepted", HelperID: h, Price: 50000})

	if _, err := m.Advance(ctx, req, h, request.BroadcastOnWay); err != nil {
		t.Fatalf("on_way: %v", err)
	}
	if _, err := m.Advance(ctx, req, h, request.BroadcastOnWay); err != nil {
		t.Fatalf("repeated on_way must be idempotent: %v", err)
	}
	if _, err := m.Advance(ctx, req, h, request.BroadcastArrived); err != nil {
		t.Fatalf("arrived: %v", err)
	}

	if _, err := m.VerifyStart(ctx, req, h, "999999"); !errors.Is(err, request.ErrInvalidOTP) {
		t.Fatalf("expected invalid otp, got %v", err)
	}
	mustStatus(t, pool, req, request.BroadcastArrived)

	if _, err := m.VerifyStart(ctx, req, h, "111111"); err != nil {
		t.Fatalf("verify start: %v", err)
	}
	started := mustStatus(t, pool, req, request.BroadcastInProgress)
	if started.WorkStartedAt == nil {
		t.Fatalf("work_started_at not set")
	}

	done, err := m.VerifyEnd(ctx, req, h, "222222")
	if err != nil {
		t.Fatalf("verify end: %v", err)
	}
	if done.WorkCompletedAt == nil || done.WorkCompletedAt.Before(*done.WorkStartedAt) {
		t.Fatalf("completion times out of order: %+v", done)
	}
	if _, err := m.VerifyEnd(ctx, req, h, "222222"); err != nil {
		t.Fatalf("replayed verify end must be idempotent: %v", err)
	}

	p, err := helper.NewRepository().GetByID(ctx, pool, h)
	if err != nil {
		t.Fatalf("get helper: %v", err)
	}
	if p.IsOnJob || p.TotalEarnings != 50000 || p.TotalJobsCompleted != 1 {
		t.Fatalf("helper not settled: %+v", p)
	}

	if _, err := m.Advance(ctx, req, h, request.BroadcastArrived); !errors.Is(err, request.ErrTerminalState) {
		t.Fatalf("expected terminal state, got %v", err)
	}
	if _, err := m.Cancel(ctx, CancelParams{RequestID: req, System: true}); !errors.Is(err, request.ErrTerminalState) {
		t.Fatalf("completed requests cannot be cancelled, got %v", err)
	}

	events, err := request.NewService(pool).Timeline(ctx, req)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 timeline entries, got %d", len(events))
	}
}

func TestVerifyStartRequiresArrival(t *testing.T) {
	m, pool := newMachine(t)
	ctx := context.Background()
	h := infra.SeedHelper(t, pool, infra.HelperSeed{OnJob: true})
	req := infra.SeedRequest(t, pool, infra.RequestSeed{BroadcastStatus: "on_way", HelperID: h})

	if _, err := m.VerifyStart(ctx, req, h, "111111"); !errors.Is(err, request.ErrStaleState) {
		t.Fatalf("expected stale state, got %v", err)
	}
	other := infra.SeedHelper(t, pool, infra.HelperSeed{})
	if _, err := m.Advance(ctx, req, other, request.BroadcastArrived); !errors.Is(err, request.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestOTPLockout(t *testing.T) {
	m, pool := newMachine(t)
	ctx := context.Background()
	h := infra.SeedHelper(t, pool, infra.HelperSeed{OnJob: true})
	req := infra.SeedRequest(t, pool, infra.RequestSeed{BroadcastStatus: "arrived", HelperID: h})

	for i := 0; i < DefaultMaxFailures; i++ {
		if _, err := m.VerifyStart(ctx, req, h, "000000"); !errors.Is(err, request.ErrInvalidOTP) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if _, err := m.VerifyStart(ctx, req, h, "111111"); !errors.Is(err, request.ErrOTPLocked) {
		t.Fatalf("expected lockout, got %v", err)
	}
	mustStatus(t, pool, req, request.BroadcastArrived)
}

func TestCancelExpiresOffersAndReleasesHelper(t *testing.T) {
	m, pool := newMachine(t)
	ctx := context.Background()
	customer := "6f1c1f2e-8f59-4a58-9d0c-2d1b1c0e0a01"

	h1 := infra.SeedHelper(t, pool, infra.HelperSeed{})
	h2 := infra.SeedHelper(t, pool, infra.HelperSeed{})
	open := infra.SeedRequest(t, pool, infra.RequestSeed{CustomerID: customer, BroadcastStatus: "broadcasting"})
	infra.SeedNotification(t, pool, open, h1, "sent", 1)
	infra.SeedNotification(t, pool, open, h2, "pending", 2)

	if _, err := m.Cancel(ctx, CancelParams{RequestID: open, ActorID: "someone-else"}); !errors.Is(err, request.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	cancelled, err := m.Cancel(ctx, CancelParams{RequestID: open, ActorID: customer, Reason: "changed my mind"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.CancelReason != "changed my mind" || cancelled.CancelledAt == nil {
		t.Fatalf("cancel metadata missing: %+v", cancelled)
	}
	var outstanding int
	if err := pool.QueryRow(ctx, `
		SELECT count(*) FROM broadcast_notifications WHERE request_id = $1 AND status IN ('pending', 'sent')
	`, open).Scan(&outstanding); err != nil {
		t.Fatalf("count: %v", err)
	}
	if outstanding != 0 {
		t.Fatalf("cancel must expire offers, %d outstanding", outstanding)
	}
	if _, err := m.Cancel(ctx, CancelParams{RequestID: open, ActorID: customer}); !errors.Is(err, request.ErrTerminalState) {
		t.Fatalf("second cancel: %v", err)
	}

	busy := infra.SeedHelper(t, pool, infra.HelperSeed{OnJob: true})
	assigned := infra.SeedRequest(t, pool, infra.RequestSeed{BroadcastStatus: "on_way", HelperID: busy})
	if _, err := m.Expire(ctx, assigned, "no show"); err != nil {
		t.Fatalf("expire: %v", err)
	}
	expired := mustStatus(t, pool, assigned, request.BroadcastExpired)
	if expired.AssignedHelperID != "" {
		t.Fatalf("expired request still names a helper")
	}
	p, _ := helper.NewRepository().GetByID(ctx, pool, busy)
	if p.IsOnJob {
		t.Fatalf("helper must be released on expiry")
	}
}

func TestExpireBroadcastSparesAcceptedRequests(t *testing.T) {
	m, pool := newMachine(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	winner := infra.SeedHelper(t, pool, infra.HelperSeed{OnJob: true})
	taken := infra.SeedRequest(t, pool, infra.RequestSeed{BroadcastStatus: "accepted", HelperID: winner, ExpiresAt: &past})
	if _, err := m.ExpireBroadcast(ctx, taken, "broadcast expired"); !errors.Is(err, request.ErrStaleState) {
		t.Fatalf("expected stale state for an accepted request, got %v", err)
	}
	kept := mustStatus(t, pool, taken, request.BroadcastAccepted)
	if kept.AssignedHelperID != winner {
		t.Fatalf("assignment lost: %q", kept.AssignedHelperID)
	}
	p, _ := helper.NewRepository().GetByID(ctx, pool, winner)
	if !p.IsOnJob {
		t.Fatalf("winner must stay on the job")
	}

	future := time.Now().Add(time.Hour)
	live := infra.SeedRequest(t, pool, infra.RequestSeed{BroadcastStatus: "broadcasting", ExpiresAt: &future})
	if _, err := m.ExpireBroadcast(ctx, live, "broadcast expired"); !errors.Is(err, request.ErrStaleState) {
		t.Fatalf("expected stale state before the deadline, got %v", err)
	}
	mustStatus(t, pool, live, request.BroadcastBroadcasting)

	overdue := infra.SeedRequest(t, pool, infra.RequestSeed{BroadcastStatus: "broadcasting", ExpiresAt: &past})
	if _, err := m.ExpireBroadcast(ctx, overdue, "broadcast expired"); err != nil {
		t.Fatalf("expire overdue: %v", err)
	}
	mustStatus(t, pool, overdue, request.BroadcastExpired)
}

type recordingRebroadcaster struct {
	requestID string
	excluded  string
}

func (r *recordingRebroadcaster) Rebroadcast(_ context.Context, requestID, excludeHelperID string) (broadcast.Result, error) {
	r.requestID, r.excluded = requestID, excludeHelperID
	return broadcast.Result{}, nil
}

func TestWithdrawResetsAndRebroadcasts(t *testing.T) {
	m, pool := newMachine(t)
	ctx := context.Background()
	rb := &recordingRebroadcaster{}
	m.WithRebroadcaster(rb)

	h := infra.SeedHelper(t, pool, infra.HelperSeed{OnJob: true})
	loser := infra.SeedHelper(t, pool, infra.HelperSeed{})
	req := infra.SeedRequest(t, pool, infra.RequestSeed{BroadcastStatus: "accepted", HelperID: h})
	infra.SeedNotification(t, pool, req, h, "accepted", 1)
	infra.SeedNotification(t, pool, req, loser, "expired", 2)

	out, err := m.Withdraw(ctx, req, h)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if out.BroadcastStatus != request.BroadcastPending || out.AssignedHelperID != "" {
		t.Fatalf("unexpected state %+v", out)
	}
	if rb.requestID != req || rb.excluded != h {
		t.Fatalf("rebroadcast not requested: %+v", rb)
	}
	var rows int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM broadcast_notifications WHERE request_id = $1`, req).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 0 {
		t.Fatalf("offers must be cleared, %d left", rows)
	}
	p, _ := helper.NewRepository().GetByID(ctx, pool, h)
	if p.IsOnJob {
		t.Fatalf("withdrawing helper must be released")
	}

	if _, err := m.Withdraw(ctx, req, h); !errors.Is(err, request.ErrForbidden) {
		t.Fatalf("second withdraw: %v", err)
	}
}
