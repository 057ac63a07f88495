package helper

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"helpdispatch/cache"
	"helpdispatch/test/infra"
)

func TestMarkOnJobIsConditional(t *testing.T) {
	pool := infra.ForTest(t)
	ctx := context.Background()
	repo := NewRepository()

	id := infra.SeedHelper(t, pool, infra.HelperSeed{Lat: 12.9, Lng: 77.6})

	ok, err := repo.MarkOnJob(ctx, pool, id, time.Now())
	if err != nil || !ok {
		t.Fatalf("first flip should succeed, ok=%v err=%v", ok, err)
	}
	ok, err = repo.MarkOnJob(ctx, pool, id, time.Now())
	if err != nil {
		t.Fatalf("second flip: %v", err)
	}
	if ok {
		t.Fatalf("second flip must report the helper as busy")
	}

	if err := repo.Release(ctx, pool, id, time.Now()); err != nil {
		t.Fatalf("release: %v", err)
	}
	p, err := repo.GetByID(ctx, pool, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.IsOnJob {
		t.Fatalf("expected helper to be released")
	}
}

func TestRecordEarningOncePerRequest(t *testing.T) {
	pool := infra.ForTest(t)
	ctx := context.Background()
	repo := NewRepository()

	helperID := infra.SeedHelper(t, pool, infra.HelperSeed{})
	requestID := infra.SeedRequest(t, pool, infra.RequestSeed{
		BroadcastStatus: "completed",
		HelperID:        helperID,
		WorkStarted:     true,
		Price:           45000,
	})

	e := Earning{HelperID: helperID, RequestID: requestID, Amount: 45000, PaymentMethod: "cash", At: time.Now()}
	for i := 0; i < 2; i++ {
		if _, err := repo.RecordEarning(ctx, pool, e); err != nil {
			t.Fatalf("record earning: %v", err)
		}
	}

	p, err := repo.GetByID(ctx, pool, helperID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.TotalEarnings != 45000 || p.TotalJobsCompleted != 1 {
		t.Fatalf("expected totals counted once, got earnings=%d jobs=%d", p.TotalEarnings, p.TotalJobsCompleted)
	}

	var status string
	if err := pool.QueryRow(ctx, `SELECT status FROM helper_earnings WHERE request_id = $1`, requestID).Scan(&status); err != nil {
		t.Fatalf("read earning: %v", err)
	}
	if status != "collected" {
		t.Fatalf("cash earnings should be collected, got %s", status)
	}
}

func TestServiceUpdateLocationTracksActiveJob(t *testing.T) {
	pool := infra.ForTest(t)
	ctx := context.Background()
	svc := NewService(pool, cache.NewMemory(), time.Minute)

	helperID := infra.SeedHelper(t, pool, infra.HelperSeed{OnJob: true})
	requestID := infra.SeedRequest(t, pool, infra.RequestSeed{BroadcastStatus: "on_way", HelperID: helperID})

	if err := svc.UpdateLocation(ctx, helperID, 12.95, 77.61); err != nil {
		t.Fatalf("update location: %v", err)
	}

	var (
		histRequest string
		lat         float64
	)
	if err := pool.QueryRow(ctx, `SELECT request_id::text, latitude FROM helper_location_history WHERE helper_id = $1`, helperID).Scan(&histRequest, &lat); err != nil {
		t.Fatalf("read history: %v", err)
	}
	if histRequest != requestID || lat != 12.95 {
		t.Fatalf("unexpected history row request=%s lat=%v", histRequest, lat)
	}

	var reqLat float64
	if err := pool.QueryRow(ctx, `SELECT helper_latitude FROM service_requests WHERE id = $1`, requestID).Scan(&reqLat); err != nil {
		t.Fatalf("read request: %v", err)
	}
	if reqLat != 12.95 {
		t.Fatalf("request helper location not refreshed, got %v", reqLat)
	}

	if err := svc.UpdateLocation(ctx, uuid.NewString(), 1, 1); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown helper, got %v", err)
	}
}

func TestResolveByUserUsesCache(t *testing.T) {
	pool := infra.ForTest(t)
	ctx := context.Background()
	store := cache.NewMemory()
	svc := NewService(pool, store, time.Minute)

	userID := uuid.NewString()
	helperID := infra.SeedHelper(t, pool, infra.HelperSeed{UserID: userID})

	got, err := svc.ResolveByUser(ctx, userID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != helperID {
		t.Fatalf("expected %s got %s", helperID, got)
	}

	if _, ok, _ := store.Get(ctx, "helper-id:"+userID); !ok {
		t.Fatalf("expected mapping to be cached")
	}

	if _, err := svc.ResolveByUser(ctx, uuid.NewString()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
}
