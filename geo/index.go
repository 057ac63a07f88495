package geo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"helpdispatch/db"
	"helpdispatch/helper"
)

// DefaultFreshness is how recent a location ping must be for a helper to be
// considered present at that position.
const DefaultFreshness = 15 * time.Minute

// Candidate is a helper within range of a request, with the profile fields
// the eligibility rules read.
type Candidate struct {
	Helper     helper.Profile
	DistanceKm float64
}

// Index finds helpers near a point. Results are sorted by ascending
// distance; an empty result is not an error.
type Index interface {
	FindCandidates(ctx context.Context, point Point, radiusKm float64, categoryID string) ([]Candidate, error)
}

// PGIndex evaluates the haversine distance in SQL over helper_profiles.
type PGIndex struct {
	q         db.Querier
	freshness time.Duration
	now       func() time.Time
}

func NewPGIndex(q db.Querier, freshness time.Duration) *PGIndex {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &PGIndex{q: q, freshness: freshness, now: time.Now}
}

func (ix *PGIndex) WithClock(now func() time.Time) *PGIndex {
	ix.now = now
	return ix
}

func (ix *PGIndex) FindCandidates(ctx context.Context, point Point, radiusKm float64, categoryID string) ([]Candidate, error) {
	if err := point.Validate(); err != nil {
		return nil, err
	}
	if radiusKm <= 0 {
		return nil, nil
	}

	query := `
		SELECT ` + helper.ProfileColumns + `, distance_km
		FROM (
			SELECT hp.*,
			       2 * 6371.0 * asin(least(1.0, sqrt(
			           power(sin(radians(hp.latitude - $1) / 2), 2) +
			           cos(radians($1)) * cos(radians(hp.latitude)) *
			           power(sin(radians(hp.longitude - $2) / 2), 2)
			       ))) AS distance_km
			FROM helper_profiles hp
			WHERE hp.latitude IS NOT NULL
			  AND hp.longitude IS NOT NULL
			  AND hp.location_updated_at >= $4
			  AND ($5 = '' OR $5 = ANY (hp.service_categories))
		) c
		WHERE distance_km <= $3
		ORDER BY distance_km ASC, id ASC
	`

	cutoff := ix.now().Add(-ix.freshness)
	rows, err := ix.q.Query(ctx, query, point.Lat, point.Lng, radiusKm, cutoff, categoryID)
	if err != nil {
		return nil, fmt.Errorf("geo: find candidates: %w", err)
	}
	defer rows.Close()

	out := make([]Candidate, 0, 16)
	for rows.Next() {
		var c Candidate
		p, err := helper.ScanProfile(rows, &c.DistanceKm)
		if err != nil {
			return nil, fmt.Errorf("geo: scan candidate: %w", err)
		}
		c.Helper = p
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("geo: iterate candidates: %w", err)
	}
	return out, nil
}

// MemoryIndex keeps helper profiles in process. It serves tests and
// single-node deployments fed from location pings.
type MemoryIndex struct {
	mu        sync.RWMutex
	helpers   map[string]helper.Profile
	freshness time.Duration
	now       func() time.Time
}

func NewMemoryIndex(freshness time.Duration) *MemoryIndex {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &MemoryIndex{
		helpers:   make(map[string]helper.Profile),
		freshness: freshness,
		now:       time.Now,
	}
}

func (ix *MemoryIndex) WithClock(now func() time.Time) *MemoryIndex {
	ix.now = now
	return ix
}

// Upsert stores or replaces a helper profile.
func (ix *MemoryIndex) Upsert(p helper.Profile) {
	ix.mu.Lock()
	ix.helpers[p.ID] = p
	ix.mu.Unlock()
}

func (ix *MemoryIndex) Remove(id string) {
	ix.mu.Lock()
	delete(ix.helpers, id)
	ix.mu.Unlock()
}

func (ix *MemoryIndex) FindCandidates(_ context.Context, point Point, radiusKm float64, categoryID string) ([]Candidate, error) {
	if err := point.Validate(); err != nil {
		return nil, err
	}
	cutoff := ix.now().Add(-ix.freshness)

	ix.mu.RLock()
	out := make([]Candidate, 0, len(ix.helpers))
	for _, p := range ix.helpers {
		if p.Location == nil || p.Location.UpdatedAt.Before(cutoff) {
			continue
		}
		if categoryID != "" && !p.Serves(categoryID) {
			continue
		}
		d := Haversine(point, Point{Lat: p.Location.Lat, Lng: p.Location.Lng})
		if d > radiusKm {
			continue
		}
		out = append(out, Candidate{Helper: p, DistanceKm: d})
	}
	ix.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Helper.ID < out[j].Helper.ID
	})
	return out, nil
}
