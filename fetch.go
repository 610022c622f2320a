package fastcache

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"
)

// FetchOptions configure a Fetcher. Only Client (passed to NewFetcher) is required.
type FetchOptions struct {
	TTL    time.Duration // lifetime of filled entries; 0 => no expiry
	Logger Logger        // if nil, NopLogger is used

	// Locker, when set, serializes fills of the same key across processes.
	// Lock tunes that lease; the lock name is "fetch:<key>".
	Locker Locker
	Lock   LockOptions
}

// Fetcher implements cache-aside for values of type V: read the cache, and on
// a miss load the value, store it and return it. Concurrent misses for the
// same key inside one process share a single load.
type Fetcher[V any] struct {
	c    Client
	opts FetchOptions
	log  Logger
	sf   singleflight.Group
}

func NewFetcher[V any](c Client, opts FetchOptions) *Fetcher[V] {
	return &Fetcher[V]{c: c, opts: opts, log: OrNopLogger(opts.Logger)}
}

// Get returns the cached V for key, or the result of load on a miss.
// Cached values of another type are treated as a miss. Load errors are
// returned as-is and nothing is cached. A nil result is returned but not cached.
//
// A shared load runs detached from the cancellation of whichever caller
// started it; each caller stops waiting when its own ctx is done.
func (f *Fetcher[V]) Get(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	var zero V
	if v, ok := f.cached(ctx, key); ok {
		return v, nil
	}
	ch := f.sf.DoChan(key, func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		if f.opts.Locker != nil {
			return f.fillExclusive(fctx, key, load)
		}
		return f.fill(fctx, key, load)
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}
		v, _ := r.Val.(V)
		return v, nil
	}
}

// Forget drops key from the cache so the next Get reloads it.
func (f *Fetcher[V]) Forget(ctx context.Context, key string) error {
	f.sf.Forget(key)
	return f.c.Delete(ctx, key)
}

func (f *Fetcher[V]) cached(ctx context.Context, key string) (V, bool) {
	var zero V
	e, ok, err := f.c.Get(ctx, key)
	if err != nil {
		f.log.Warn("fetch: cache read failed, loading", Fields{"key": key, "err": err})
		return zero, false
	}
	if !ok {
		return zero, false
	}
	v, ok := e.Value.(V)
	if !ok {
		f.log.Debug("fetch: cached value has unexpected type", Fields{"key": key, "type": e.Type})
		return zero, false
	}
	return v, true
}

func (f *Fetcher[V]) fill(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	if IsNil(v) {
		return v, nil
	}
	if _, err := f.c.Set(ctx, key, NewEntry(v), f.opts.TTL); err != nil {
		// the caller still gets the value
		f.log.Warn("fetch: cache write failed", Fields{"key": key, "err": err})
	}
	return v, nil
}

func (f *Fetcher[V]) fillExclusive(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	var out V
	res, err := f.opts.Locker.RunExclusive(ctx, "fetch:"+key, func(ctx context.Context) error {
		// another process may have filled it while we waited
		if v, ok := f.cached(ctx, key); ok {
			out = v
			return nil
		}
		v, err := f.fill(ctx, key, load)
		out = v
		return err
	}, f.opts.Lock)
	if err != nil && !errors.Is(err, ErrLockNotAcquired) {
		return out, err
	}

	switch res.Status {
	case AcquiredAndCompleted:
		return out, nil
	case OperationFailed:
		return out, res.Err
	default:
		f.log.Debug("fetch: lock not acquired, loading without lease", Fields{"key": key})
		return f.fill(ctx, key, load)
	}
}
