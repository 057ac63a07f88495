// Package cache provides the TTL cache service used for identity lookups and
// short-lived counters. Callers depend on Store; the backing is either an
// in-process map or Redis.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotCounter is returned by Incr when the key holds a non-integer value.
var ErrNotCounter = errors.New("cache: value is not a counter")

type Store interface {
	// Get returns the value and whether it was present and unexpired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Incr adds one to the counter at key. The ttl is applied when the
	// counter is created and is not extended by later increments.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
