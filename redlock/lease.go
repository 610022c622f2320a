package redlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// compare-and-delete: only the holder of token may remove the key
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a held lock. It is owned by the caller that acquired it and must
// be released exactly once; further Release calls are no-ops.
type Lease struct {
	c          *Coordinator
	name       string
	key        string
	token      string
	validUntil time.Time
	released   atomic.Bool
}

func (l *Lease) Name() string { return l.name }

// Validity is the time left before the lease may be taken over. Zero once
// it has lapsed.
func (l *Lease) Validity() time.Duration {
	return max(time.Until(l.validUntil), 0)
}

// Release removes the token from every backend where it is still current.
// It runs detached from ctx cancellation, bounded by the backend timeout.
func (l *Lease) Release(ctx context.Context) error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	return l.c.release(ctx, l.key, l.token)
}

func (c *Coordinator) release(ctx context.Context, key, token string) error {
	ctx = context.WithoutCancel(ctx)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i, rdb := range c.clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bctx, cancel := context.WithTimeout(ctx, c.backendTimeout)
			defer cancel()
			if err := releaseScript.Run(bctx, rdb, []string{key}, token).Err(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("backend %d: %w", i, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
