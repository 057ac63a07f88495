package geo

import (
	"context"
	"testing"
	"time"

	"helpdispatch/test/infra"
)

func TestPGIndexMatchesHaversine(t *testing.T) {
	pool := infra.ForTest(t)
	ctx := context.Background()

	origin := Point{Lat: 12.9716, Lng: 77.5946}
	near := infra.SeedHelper(t, pool, infra.HelperSeed{Lat: 12.9800, Lng: 77.5946})
	mid := infra.SeedHelper(t, pool, infra.HelperSeed{Lat: 13.0000, Lng: 77.5946})
	infra.SeedHelper(t, pool, infra.HelperSeed{Lat: 13.2000, Lng: 77.5946})
	infra.SeedHelper(t, pool, infra.HelperSeed{Lat: 12.9720, Lng: 77.5946, LocatedAt: time.Now().Add(-time.Hour)})
	infra.SeedHelper(t, pool, infra.HelperSeed{Lat: 12.9720, Lng: 77.5946, Categories: []string{"electrical"}})

	ix := NewPGIndex(pool, 15*time.Minute)
	got, err := ix.FindCandidates(ctx, origin, 10, "plumbing")
	if err != nil {
		t.Fatalf("find candidates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].Helper.ID != near || got[1].Helper.ID != mid {
		t.Fatalf("unexpected order: %s, %s", got[0].Helper.ID, got[1].Helper.ID)
	}
	for _, c := range got {
		want := Haversine(origin, Point{Lat: c.Helper.Location.Lat, Lng: c.Helper.Location.Lng})
		if diff := c.DistanceKm - want; diff > 0.001 || diff < -0.001 {
			t.Fatalf("sql distance %v differs from haversine %v", c.DistanceKm, want)
		}
	}
}
