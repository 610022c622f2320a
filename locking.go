package fastcache

import (
	"context"
	"time"
)

// LockingClient is a Client whose writes can be guarded by a distributed lock.
type LockingClient struct {
	Client
	locker Locker
}

var _ Locker = (*LockingClient)(nil)

// WithLock pairs c with l. The store and the lock may share one connection.
func WithLock(c Client, l Locker) *LockingClient {
	return &LockingClient{Client: c, locker: l}
}

func (c *LockingClient) RunExclusive(ctx context.Context, name string, op func(context.Context) error, opts LockOptions) (LockResult, error) {
	return c.locker.RunExclusive(ctx, name, op, opts)
}

// SetExclusive performs Set while holding the lease "set:<key>".
// wrote is false when the lock was not acquired or the key already existed.
func (c *LockingClient) SetExclusive(ctx context.Context, key string, e Entry, ttl time.Duration, opts LockOptions) (wrote bool, res LockResult, err error) {
	res, err = c.locker.RunExclusive(ctx, "set:"+key, func(ctx context.Context) error {
		var setErr error
		wrote, setErr = c.Client.Set(ctx, key, e, ttl)
		return setErr
	}, opts)
	return wrote, res, err
}

// DeleteExclusive performs DeleteWithPrefix while holding the lease
// "delete:<prefix>:<key>".
func (c *LockingClient) DeleteExclusive(ctx context.Context, key, prefix string, opts LockOptions) (LockResult, error) {
	name := "delete:" + key
	if prefix != "" {
		name = "delete:" + prefix + ":" + key
	}
	return c.locker.RunExclusive(ctx, name, func(ctx context.Context) error {
		return c.Client.DeleteWithPrefix(ctx, key, prefix)
	}, opts)
}
