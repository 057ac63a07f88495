package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// Typed stores JSON-encoded values of one type under a key prefix and
// collapses concurrent loads of the same key.
type Typed[V any] struct {
	store  Store
	prefix string
	ttl    time.Duration
	group  singleflight.Group
}

func NewTyped[V any](store Store, prefix string, ttl time.Duration) *Typed[V] {
	return &Typed[V]{store: store, prefix: prefix, ttl: ttl}
}

// GetOrLoad returns the cached value for key, calling load on a miss. Cache
// read and write failures fall through to load; load errors are returned.
func (t *Typed[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if raw, ok, err := t.store.Get(ctx, t.prefix+key); err == nil && ok {
		var v V
		if err := json.Unmarshal(raw, &v); err == nil {
			return v, nil
		}
	}

	res, err, _ := t.group.Do(key, func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		if raw, err := json.Marshal(v); err == nil {
			_ = t.store.Set(ctx, t.prefix+key, raw, t.ttl)
		}
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

func (t *Typed[V]) Invalidate(ctx context.Context, key string) error {
	if err := t.store.Delete(ctx, t.prefix+key); err != nil {
		return fmt.Errorf("cache: invalidate %s: %w", key, err)
	}
	return nil
}
