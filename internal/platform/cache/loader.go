package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Loader caches JSON-encoded values of type T in a Store. Concurrent misses
// for the same key share one load. Store failures are logged and treated as
// misses; load errors are returned and never cached.
//
// Keys are qualified by their group's generation, read before the load. A
// load that races an Invalidate writes under the old generation, where no
// later Get looks.
type Loader[T any] struct {
	store Store
	ttl   time.Duration
	sf    singleflight.Group
}

func NewLoader[T any](store Store, ttl time.Duration) *Loader[T] {
	if store == nil {
		store = NopStore{}
	}
	return &Loader[T]{store: store, ttl: ttl}
}

// Get returns the cached value for key or calls load and caches its result
// under group.
func (l *Loader[T]) Get(ctx context.Context, group, key string, load func(ctx context.Context) (T, error)) (T, error) {
	gen, err := l.store.Generation(ctx, group)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("group", group).Msg("cache generation read failed")
		return load(ctx)
	}
	key = fmt.Sprintf("%s@%d", key, gen)

	if raw, ok, err := l.store.Get(ctx, key); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("cache read failed")
	} else if ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			return v, nil
		}
		zerolog.Ctx(ctx).Warn().Str("key", key).Msg("discarding undecodable cache entry")
	}

	res, err, _ := l.sf.Do(key, func() (interface{}, error) {
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		if raw, err := json.Marshal(v); err == nil {
			if err := l.store.Set(ctx, group, key, raw, l.ttl); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("cache write failed")
			}
		}
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}

// Invalidate drops every cached key of group.
func (l *Loader[T]) Invalidate(ctx context.Context, group string) error {
	return l.store.Invalidate(ctx, group)
}
