// Package redlock coordinates named leases across independent Redis
// backends. A lease is held when a majority of backends accepted its token
// within the remaining validity window.
package redlock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/fastcache"
	"github.com/unkn0wn-root/fastcache/internal/tracing"
)

const (
	DefaultQuorumRetryCount = 3
	DefaultQuorumRetryDelay = 400 * time.Millisecond
	DefaultBackendTimeout   = 100 * time.Millisecond
	DefaultClockDriftFactor = 0.01
	DefaultKeyPrefix        = "lock:"

	// fixed drift allowance added on top of the proportional one
	driftFloor = 2 * time.Millisecond
)

var (
	ErrNoClients         = errors.New("redlock: at least one non-nil client is required")
	ErrOperationPanicked = errors.New("redlock: operation panicked")
)

type Options struct {
	Clients []redis.UniversalClient

	QuorumRetryCount int           // quorum rounds per acquisition attempt; 0 => 3
	QuorumRetryDelay time.Duration // base pause between rounds, jittered; 0 => 400ms
	BackendTimeout   time.Duration // per-backend command timeout; 0 => 100ms
	ClockDriftFactor float64       // fraction of expiry reserved for drift; 0 => 0.01
	KeyPrefix        string        // "" => "lock:"

	Logger fastcache.Logger
	Hooks  fastcache.Hooks
	Tracer trace.Tracer
}

type Coordinator struct {
	clients []redis.UniversalClient
	quorum  int

	retryCount     int
	retryDelay     time.Duration
	backendTimeout time.Duration
	drift          float64
	prefix         string

	log    fastcache.Logger
	hooks  fastcache.Hooks
	tracer trace.Tracer
}

var _ fastcache.Locker = (*Coordinator)(nil)

func New(opts Options) (*Coordinator, error) {
	if len(opts.Clients) == 0 {
		return nil, ErrNoClients
	}
	for _, c := range opts.Clients {
		if c == nil {
			return nil, ErrNoClients
		}
	}
	if opts.QuorumRetryCount < 0 || opts.QuorumRetryDelay < 0 || opts.BackendTimeout < 0 {
		return nil, fmt.Errorf("%w: negative lock option", fastcache.ErrInvalidConfig)
	}
	if opts.ClockDriftFactor < 0 || opts.ClockDriftFactor >= 1 {
		return nil, fmt.Errorf("%w: clock drift factor %v outside [0,1)", fastcache.ErrInvalidConfig, opts.ClockDriftFactor)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Coordinator{
		clients:        append([]redis.UniversalClient(nil), opts.Clients...),
		quorum:         len(opts.Clients)/2 + 1,
		retryCount:     fastcache.Coalesce(opts.QuorumRetryCount, DefaultQuorumRetryCount),
		retryDelay:     fastcache.Coalesce(opts.QuorumRetryDelay, DefaultQuorumRetryDelay),
		backendTimeout: fastcache.Coalesce(opts.BackendTimeout, DefaultBackendTimeout),
		drift:          fastcache.Coalesce(opts.ClockDriftFactor, DefaultClockDriftFactor),
		prefix:         prefix,
		log:            fastcache.OrNopLogger(opts.Logger),
		hooks:          fastcache.OrNopHooks(opts.Hooks),
		tracer:         tracing.OrNoop(opts.Tracer),
	}, nil
}

// Quorum is the number of backends that must accept a token.
func (c *Coordinator) Quorum() int { return c.quorum }

// RunExclusive runs op while holding the lease on name. The lease is always
// released before returning, including when op fails or panics. Failures are
// reported in LockResult; an error is returned only for an empty name or when
// the matching Throw flag is set, in which case it is a *fastcache.LockError.
func (c *Coordinator) RunExclusive(ctx context.Context, name string, op func(context.Context) error, opts fastcache.LockOptions) (res fastcache.LockResult, err error) {
	if name == "" {
		return fastcache.LockResult{Status: fastcache.LockNotAcquired, Err: fastcache.ErrEmptyKey}, fastcache.ErrEmptyKey
	}
	opts = opts.WithDefaults()

	ctx, span := tracing.Start(ctx, c.tracer, "redlock.RunExclusive",
		attribute.String("lock.name", name),
		attribute.Int("lock.backends", len(c.clients)),
	)
	defer func() {
		span.SetAttributes(attribute.String("lock.status", res.Status.String()))
		tracing.End(span, err)
	}()

	lease, aerr := c.Acquire(ctx, name, opts)
	if aerr != nil {
		c.hooks.LockNotAcquired(name)
		c.log.Debug("redlock: not acquired", fastcache.Fields{"name": name, "err": aerr})
		res = fastcache.LockResult{Status: fastcache.LockNotAcquired, Err: fastcache.ErrLockNotAcquired}
		if opts.ThrowOnLockFailure {
			return res, &fastcache.LockError{Name: name, Status: res.Status, Err: aerr}
		}
		return res, nil
	}

	opErr := safeRun(ctx, op)
	if rerr := lease.Release(ctx); rerr != nil {
		c.log.Warn("redlock: release failed", fastcache.Fields{"name": name, "err": rerr})
	}

	if opErr != nil {
		res = fastcache.LockResult{Status: fastcache.OperationFailed, Err: opErr}
		if opts.ThrowOnOperationFailure {
			return res, &fastcache.LockError{Name: name, Status: res.Status, Err: opErr}
		}
		return res, nil
	}
	return fastcache.LockResult{Status: fastcache.AcquiredAndCompleted}, nil
}

func safeRun(ctx context.Context, op func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrOperationPanicked, r)
		}
	}()
	return op(ctx)
}

// Acquire blocks until the lease on name is held, opts.WaitTime elapses or
// ctx is done. A failed acquisition wraps fastcache.ErrLockNotAcquired.
func (c *Coordinator) Acquire(ctx context.Context, name string, opts fastcache.LockOptions) (*Lease, error) {
	if name == "" {
		return nil, fastcache.ErrEmptyKey
	}
	opts = opts.WithDefaults()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", fastcache.ErrLockNotAcquired, err)
	}

	deadline := time.Now().Add(opts.WaitTime)
	wctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	key := c.prefix + name
	for attempt := 1; ; attempt++ {
		if l := c.attempt(wctx, name, key, opts.Expiry); l != nil {
			c.log.Debug("redlock: acquired", fastcache.Fields{"name": name, "attempt": attempt})
			return l, nil
		}
		if time.Until(deadline) < opts.RetryInterval || !sleep(wctx, opts.RetryInterval) {
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", fastcache.ErrLockNotAcquired, err)
	}
	return nil, fmt.Errorf("%w: %q after %v", fastcache.ErrLockNotAcquired, name, opts.WaitTime)
}

// attempt runs up to retryCount quorum rounds.
func (c *Coordinator) attempt(ctx context.Context, name, key string, expiry time.Duration) *Lease {
	for i := 0; i < c.retryCount; i++ {
		if i > 0 && !sleep(ctx, jitter(c.retryDelay)) {
			return nil
		}
		if l := c.round(ctx, name, key, expiry); l != nil {
			return l
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

// round sets a fresh token on every backend and keeps it only if a quorum
// accepted it with validity to spare.
func (c *Coordinator) round(ctx context.Context, name, key string, expiry time.Duration) *Lease {
	token := uuid.NewString()
	start := time.Now()

	accepted := make([]bool, len(c.clients))
	var g errgroup.Group
	for i, rdb := range c.clients {
		g.Go(func() error {
			bctx, cancel := context.WithTimeout(ctx, c.backendTimeout)
			defer cancel()
			ok, err := rdb.SetNX(bctx, key, token, expiry).Result()
			if err != nil {
				c.log.Debug("redlock: backend set failed", fastcache.Fields{"name": name, "backend": i, "err": err})
			}
			accepted[i] = err == nil && ok
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range accepted {
		if ok {
			n++
		}
	}
	drift := time.Duration(float64(expiry)*c.drift) + driftFloor
	validity := expiry - time.Since(start) - drift
	if n >= c.quorum && validity > 0 {
		return &Lease{c: c, name: name, key: key, token: token, validUntil: start.Add(expiry - drift)}
	}

	// a timed-out SET may still have landed, so clean every backend
	_ = c.release(ctx, key, token)
	return nil
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + rand.N(d)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
