package fastcache

import (
	"context"
	"iter"
	"time"
)

// Client is the backend-agnostic store contract.
// Implementations must be safe for concurrent use.
type Client interface {
	// Set stores e under key unless the key already holds an unexpired entry.
	// ttl > 0 overrides e.ExpiresAt. Returns true when this call wrote the entry.
	Set(ctx context.Context, key string, e Entry, ttl time.Duration) (bool, error)

	// Get returns (entry, true, nil) on hit and (Entry{}, false, nil) on miss.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Delete removes exactly key.
	Delete(ctx context.Context, key string) error

	// DeleteWithPrefix removes "prefix:key" (or key when prefix is empty).
	// When key contains '*' the combined string is a glob and every matching
	// key is removed.
	DeleteWithPrefix(ctx context.Context, key, prefix string) error

	Close(ctx context.Context) error
}

// Locker runs an operation while holding a named distributed lease.
type Locker interface {
	RunExclusive(ctx context.Context, name string, op func(context.Context) error, opts LockOptions) (LockResult, error)
}

// Searcher enumerates stored keys by glob. Only remote backends implement it.
type Searcher interface {
	FuzzySearch(ctx context.Context, opts SearchOptions) iter.Seq2[string, error]
	FuzzySearchKeys(ctx context.Context, opts SearchOptions) ([]string, error)
}

// SearchOptions configure a key scan.
type SearchOptions struct {
	Pattern    string // glob; required
	PageSize   int    // keys requested per scan round-trip; 0 => 200
	MaxResults int    // stop after this many keys; <= 0 => unlimited
}

const (
	DefaultSearchPageSize = 200
	defaultLockExpiry     = 30 * time.Second
	defaultLockWait       = 10 * time.Second
	defaultLockRetry      = 200 * time.Millisecond
)

// WithDefaults fills zero fields.
func (o SearchOptions) WithDefaults() SearchOptions {
	o.PageSize = coalesce(o.PageSize, DefaultSearchPageSize)
	return o
}

// LockStatus is the terminal state of a guarded call.
type LockStatus int

const (
	LockNotAcquired LockStatus = iota
	AcquiredAndCompleted
	OperationFailed
)

func (s LockStatus) String() string {
	switch s {
	case AcquiredAndCompleted:
		return "acquired_and_completed"
	case OperationFailed:
		return "operation_failed"
	default:
		return "lock_not_acquired"
	}
}

// LockOptions tune one RunExclusive call. Zero durations take defaults.
type LockOptions struct {
	Expiry        time.Duration // lease lifetime; 0 => 30s
	WaitTime      time.Duration // total acquisition budget; 0 => 10s
	RetryInterval time.Duration // pause between acquisition attempts; 0 => 200ms

	// Escalations. By default both conditions are reported only through LockResult.
	ThrowOnLockFailure      bool
	ThrowOnOperationFailure bool
}

// WithDefaults fills zero durations.
func (o LockOptions) WithDefaults() LockOptions {
	o.Expiry = coalesce(o.Expiry, defaultLockExpiry)
	o.WaitTime = coalesce(o.WaitTime, defaultLockWait)
	o.RetryInterval = coalesce(o.RetryInterval, defaultLockRetry)
	return o
}

// LockResult reports how a guarded call ended. Err is ErrLockNotAcquired for
// LockNotAcquired and the operation's error for OperationFailed.
type LockResult struct {
	Status LockStatus
	Err    error
}

func (r LockResult) Acquired() bool { return r.Status != LockNotAcquired }
