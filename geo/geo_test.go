package geo

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helpdispatch/helper"
)

func TestHaversine(t *testing.T) {
	// One degree of latitude along a meridian.
	d := Haversine(Point{Lat: 0, Lng: 0}, Point{Lat: 1, Lng: 0})
	assert.InDelta(t, 111.19, d, 0.01)

	assert.Equal(t, 0.0, Haversine(Point{Lat: 12.97, Lng: 77.59}, Point{Lat: 12.97, Lng: 77.59}))

	a := Point{Lat: 12.9716, Lng: 77.5946}
	b := Point{Lat: 13.0827, Lng: 80.2707}
	assert.InDelta(t, Haversine(a, b), Haversine(b, a), 1e-9, "distance must be symmetric")
	assert.InDelta(t, 290, Haversine(a, b), 5)

	antipodal := Haversine(Point{Lat: 0, Lng: 0}, Point{Lat: 0, Lng: 180})
	assert.InDelta(t, math.Pi*EarthRadiusKm, antipodal, 0.001)
}

func TestPointValidate(t *testing.T) {
	assert.NoError(t, Point{Lat: -90, Lng: 180}.Validate())
	assert.ErrorIs(t, Point{Lat: 90.1}.Validate(), ErrInvalidPoint)
	assert.ErrorIs(t, Point{Lng: -180.5}.Validate(), ErrInvalidPoint)
	assert.ErrorIs(t, Point{Lat: math.NaN()}.Validate(), ErrInvalidPoint)
}

func located(id string, lat, lng float64, at time.Time, categories ...string) helper.Profile {
	return helper.Profile{
		ID:         id,
		Location:   &helper.Location{Lat: lat, Lng: lng, UpdatedAt: at},
		Categories: categories,
	}
}

func TestMemoryIndex_FindCandidates(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	ix := NewMemoryIndex(15 * time.Minute).WithClock(func() time.Time { return now })

	origin := Point{Lat: 12.9716, Lng: 77.5946}
	ix.Upsert(located("far", 13.0500, 77.5946, now, "plumbing"))  // ~8.7 km
	ix.Upsert(located("near", 12.9800, 77.5946, now, "plumbing")) // ~0.9 km
	ix.Upsert(located("mid", 13.0000, 77.5946, now, "plumbing"))  // ~3.2 km
	ix.Upsert(located("out", 13.2000, 77.5946, now, "plumbing"))  // ~25 km
	ix.Upsert(located("stale", 12.9720, 77.5946, now.Add(-20*time.Minute), "plumbing"))
	ix.Upsert(located("wrongcat", 12.9720, 77.5946, now, "electrical"))
	ix.Upsert(helper.Profile{ID: "nowhere", Categories: []string{"plumbing"}})

	got, err := ix.FindCandidates(context.Background(), origin, 10, "plumbing")
	require.NoError(t, err)

	ids := make([]string, 0, len(got))
	for _, c := range got {
		ids = append(ids, c.Helper.ID)
	}
	assert.Equal(t, []string{"near", "mid", "far"}, ids)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].DistanceKm, got[i].DistanceKm)
	}

	none, err := ix.FindCandidates(context.Background(), origin, 10, "carpentry")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = ix.FindCandidates(context.Background(), Point{Lat: 100}, 10, "plumbing")
	assert.ErrorIs(t, err, ErrInvalidPoint)
}
