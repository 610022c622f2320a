// Package bigstore is an in-process backend over allegro/bigcache. Entries
// live off the GC heap as wire frames, so values must be registered types.
//
// bigcache evicts by a global LifeWindow; per-entry TTLs shorter than the
// window are enforced on read.
package bigstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	bc "github.com/allegro/bigcache/v3"
	"github.com/cespare/xxhash/v2"

	"github.com/unkn0wn-root/fastcache"
	"github.com/unkn0wn-root/fastcache/internal/delay"
	"github.com/unkn0wn-root/fastcache/internal/glob"
	"github.com/unkn0wn-root/fastcache/internal/wire"
	"github.com/unkn0wn-root/fastcache/memory"
)

const (
	DefaultLifeWindow         = 10 * time.Minute
	DefaultDeleteGrace        = memory.DefaultDeleteGrace
	DefaultMaxEntriesInWindow = 10_000 // sizes the initial allocation only

	stripes = 64
)

type Options struct {
	LifeWindow         time.Duration // global entry lifetime; 0 => 10m
	CleanWindow        time.Duration // 0 => bigcache default
	Shards             int           // power of two; 0 => bigcache default
	MaxEntriesInWindow int           // 0 => 10000
	MaxEntrySize       int
	HardMaxCacheSizeMB int // 0 = unlimited

	Registry *fastcache.Registry // nil => fastcache.NewRegistry()

	// DeleteGrace is the delay before the second removal that follows every
	// delete. 0 => 2s; negative disables it.
	DeleteGrace time.Duration

	Metrics memory.Metrics
	Logger  fastcache.Logger
	Hooks   fastcache.Hooks
}

type Store struct {
	c     *bc.BigCache
	reg   *fastcache.Registry
	grace time.Duration

	// serializes check-then-set per key
	locks [stripes]sync.Mutex

	sched     *delay.Scheduler
	closeOnce sync.Once
	metrics   memory.Metrics
	log       fastcache.Logger
	hooks     fastcache.Hooks

	testHookHeal func(key string) // runs before heal takes the key lock
}

var _ fastcache.Client = (*Store)(nil)

func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.LifeWindow < 0 || opts.HardMaxCacheSizeMB < 0 || opts.MaxEntrySize < 0 || opts.MaxEntriesInWindow < 0 {
		return nil, fmt.Errorf("%w: negative bigcache option", fastcache.ErrInvalidConfig)
	}
	s := &Store{
		reg:     opts.Registry,
		grace:   fastcache.Coalesce(opts.DeleteGrace, DefaultDeleteGrace),
		sched:   delay.New(1, 4096),
		metrics: opts.Metrics,
		log:     fastcache.OrNopLogger(opts.Logger),
		hooks:   fastcache.OrNopHooks(opts.Hooks),
	}
	if s.reg == nil {
		s.reg = fastcache.NewRegistry()
	}
	if s.metrics == nil {
		s.metrics = memory.NoopMetrics{}
	}

	conf := bc.DefaultConfig(fastcache.Coalesce(opts.LifeWindow, DefaultLifeWindow))
	if opts.CleanWindow > 0 {
		conf.CleanWindow = opts.CleanWindow
	}
	if opts.Shards > 0 {
		conf.Shards = opts.Shards
	}
	conf.MaxEntriesInWindow = fastcache.Coalesce(opts.MaxEntriesInWindow, DefaultMaxEntriesInWindow)
	if opts.MaxEntrySize > 0 {
		conf.MaxEntrySize = opts.MaxEntrySize
	}
	conf.HardMaxCacheSize = opts.HardMaxCacheSizeMB
	conf.OnRemoveWithReason = s.onRemove

	c, err := bc.New(ctx, conf)
	if err != nil {
		s.sched.Close()
		return nil, fmt.Errorf("%w: bigcache: %v", fastcache.ErrInvalidConfig, err)
	}
	s.c = c
	return s, nil
}

func (s *Store) onRemove(_ string, _ []byte, reason bc.RemoveReason) {
	switch reason {
	case bc.Expired:
		s.metrics.Evict(memory.EvictExpired)
	case bc.NoSpace:
		s.metrics.Evict(memory.EvictCapacity)
	case bc.Deleted:
		s.metrics.Evict(memory.EvictDeleted)
	}
}

func (s *Store) lockFor(key string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(key)%stripes]
}

// Set writes e unless key holds an unexpired entry.
func (s *Store) Set(_ context.Context, key string, e fastcache.Entry, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fastcache.ErrEmptyKey
	}
	if fastcache.IsNil(e.Value) {
		return false, nil
	}
	now := time.Now()
	e = e.Prepare(now, ttl)
	if e.Expired(now) {
		return false, nil
	}

	tag, origin, payload, err := s.reg.Encode(e.Value)
	if err != nil {
		return false, &fastcache.KeyError{Op: "set", Key: key, Err: err}
	}
	frame, err := wire.Encode(wire.Frame{
		CreatedAt: e.CreatedAt.UnixNano(),
		ExpiresAt: unixNano(e.ExpiresAt),
		Type:      tag,
		Origin:    origin,
		Payload:   payload,
	})
	if err != nil {
		return false, &fastcache.KeyError{Op: "set", Key: key, Err: err}
	}

	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	if raw, err := s.c.Get(key); err == nil {
		if f, derr := wire.Decode(raw); derr == nil && !expired(f, now) {
			return false, nil
		}
	}
	if err := s.c.Set(key, frame); err != nil {
		return false, &fastcache.KeyError{Op: "set", Key: key, Err: err}
	}
	s.metrics.Size(s.c.Len())
	return true, nil
}

// Get decodes key. Corrupt and expired frames are removed on read.
func (s *Store) Get(_ context.Context, key string) (fastcache.Entry, bool, error) {
	raw, err := s.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		s.metrics.Miss()
		return fastcache.Entry{}, false, nil
	}
	if err != nil {
		return fastcache.Entry{}, false, &fastcache.KeyError{Op: "get", Key: key, Err: err}
	}

	f, err := wire.Decode(raw)
	if err != nil {
		s.heal(key, "corrupt")
		return fastcache.Entry{}, false, nil
	}
	if expired(f, time.Now()) {
		s.heal(key, "expired")
		return fastcache.Entry{}, false, nil
	}
	v, err := s.reg.Decode(f.Type, f.Origin, f.Payload)
	if err != nil {
		s.log.Debug("bigstore: unreadable entry treated as miss", fastcache.Fields{"key": key, "type": f.Type, "err": err})
		s.metrics.Miss()
		return fastcache.Entry{}, false, nil
	}

	s.metrics.Hit()
	return fastcache.Entry{
		Value:     v,
		Type:      f.Type,
		Origin:    f.Origin,
		CreatedAt: time.Unix(0, f.CreatedAt),
		ExpiresAt: fromUnixNano(f.ExpiresAt),
	}, true, nil
}

// heal removes key if it still holds a corrupt or expired frame. A fresh
// frame written after the read is left alone.
func (s *Store) heal(key, reason string) {
	s.metrics.Miss()
	if s.testHookHeal != nil {
		s.testHookHeal(key)
	}

	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	raw, err := s.c.Get(key)
	if err != nil {
		return
	}
	if f, derr := wire.Decode(raw); derr == nil && !expired(f, time.Now()) {
		return
	}
	if err := s.c.Delete(key); err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
		s.log.Warn("bigstore: self-heal delete failed", fastcache.Fields{"key": key, "err": err})
		return
	}
	s.hooks.SelfHeal(key, reason)
}

// Delete removes key now and again after the grace delay.
func (s *Store) Delete(_ context.Context, key string) error {
	if key == "" {
		return fastcache.ErrEmptyKey
	}
	if err := s.removeNow(key); err != nil {
		return &fastcache.KeyError{Op: "delete", Key: key, Err: err}
	}
	s.scheduleGrace([]string{key})
	return nil
}

// DeleteWithPrefix removes "prefix:key"; with a glob metacharacter in key every resident key
// matching the combined glob is removed.
func (s *Store) DeleteWithPrefix(ctx context.Context, key, prefix string) error {
	if key == "" {
		return fastcache.ErrEmptyKey
	}
	full := key
	if prefix != "" {
		full = prefix + ":" + key
	}
	if !glob.HasMeta(key) {
		return s.Delete(ctx, full)
	}

	var matched []string
	it := s.c.Iterator()
	for it.SetNext() {
		info, err := it.Value()
		if err != nil {
			// entry vanished mid-iteration
			continue
		}
		if k := info.Key(); glob.Match(full, k) {
			matched = append(matched, k)
		}
	}
	for _, k := range matched {
		if err := s.removeNow(k); err != nil {
			return &fastcache.KeyError{Op: "delete", Key: k, Err: err}
		}
	}
	if len(matched) > 0 {
		s.scheduleGrace(matched)
	}
	s.log.Debug("bigstore: pattern delete", fastcache.Fields{"pattern": full, "removed": len(matched)})
	return nil
}

func (s *Store) removeNow(key string) error {
	mu := s.lockFor(key)
	mu.Lock()
	err := s.c.Delete(key)
	mu.Unlock()
	if err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
		return err
	}
	s.metrics.Size(s.c.Len())
	return nil
}

func (s *Store) scheduleGrace(keys []string) {
	if s.grace < 0 {
		return
	}
	ok := s.sched.After(s.grace, func(context.Context) {
		for _, k := range keys {
			if err := s.removeNow(k); err != nil {
				s.hooks.DelayedDeleteFailed(1, err)
			}
		}
	})
	if !ok {
		s.hooks.DelayedDeleteDropped(len(keys))
	}
}

// Len returns the number of resident entries.
func (s *Store) Len() int { return s.c.Len() }

// Close drops pending grace deletes and releases the cache. Safe to call
// multiple times.
func (s *Store) Close(context.Context) (err error) {
	s.closeOnce.Do(func() {
		s.sched.Close()
		err = s.c.Close()
	})
	return err
}

func expired(f wire.Frame, now time.Time) bool {
	return f.ExpiresAt != 0 && now.UnixNano() >= f.ExpiresAt
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
