package job

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"helpdispatch/cache"
)

const (
	DefaultMaxFailures   = 5
	DefaultFailureWindow = 15 * time.Minute
)

// Stage names the code being verified.
type Stage string

const (
	StageStart Stage = "start"
	StageEnd   Stage = "end"
)

// AttemptGuard counts wrong codes per request and stage. The counter lives in
// the cache only; request state is never touched.
type AttemptGuard struct {
	store  cache.Store
	max    int64
	window time.Duration
}

func NewAttemptGuard(store cache.Store, maxFailures int, window time.Duration) *AttemptGuard {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	if window <= 0 {
		window = DefaultFailureWindow
	}
	return &AttemptGuard{store: store, max: int64(maxFailures), window: window}
}

func guardKey(requestID string, stage Stage) string {
	return "otp-fail:" + requestID + ":" + string(stage)
}

// Locked reports whether the failure budget for the window is spent.
func (g *AttemptGuard) Locked(ctx context.Context, requestID string, stage Stage) (bool, error) {
	raw, ok, err := g.store.Get(ctx, guardKey(requestID, stage))
	if err != nil || !ok {
		return false, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return false, fmt.Errorf("job: otp counter: %w", cache.ErrNotCounter)
	}
	return n >= g.max, nil
}

// Fail records one wrong code and returns the failures so far in the window.
func (g *AttemptGuard) Fail(ctx context.Context, requestID string, stage Stage) (int64, error) {
	return g.store.Incr(ctx, guardKey(requestID, stage), g.window)
}
