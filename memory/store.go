// Package memory is the sharded in-process backend. Values are kept as Go
// values; nothing is serialized.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/unkn0wn-root/fastcache"
	"github.com/unkn0wn-root/fastcache/eviction"
	"github.com/unkn0wn-root/fastcache/internal/delay"
	"github.com/unkn0wn-root/fastcache/internal/glob"
)

type item struct {
	e fastcache.Entry
}

type shard struct {
	mu  sync.Mutex
	m   map[string]*item
	cap int
}

// Store is a fixed set of mutex-guarded shards. Safe for concurrent use.
type Store struct {
	shards []*shard
	opts   Options
	sched  *delay.Scheduler
	size   atomic.Int64

	evictMu sync.Mutex // serializes store-wide passes
}

var _ fastcache.Client = (*Store)(nil)

func New(opts Options) (*Store, error) {
	o, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	s := &Store{
		shards: make([]*shard, o.Shards),
		opts:   o,
		sched:  delay.New(1, 4096),
	}
	for i := range s.shards {
		// the map grows on demand; capacity can be large. cap 0 means the
		// store-wide Capacity governs.
		s.shards[i] = &shard{m: make(map[string]*item), cap: o.ShardCapacity}
	}
	return s, nil
}

func (s *Store) shardIndex(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(s.shards)))
}

func (s *Store) shardFor(key string) *shard { return s.shards[s.shardIndex(key)] }

// Set inserts e unless key holds an unexpired entry. A full shard, or a full
// store when Capacity is set, runs one eviction pass before the insert.
func (s *Store) Set(_ context.Context, key string, e fastcache.Entry, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fastcache.ErrEmptyKey
	}
	if fastcache.IsNil(e.Value) {
		return false, nil
	}
	now := s.opts.Clock.Now()
	e = s.tag(e.Prepare(now, ttl))

	idx := s.shardIndex(key)
	sh := s.shards[idx]
	passed := false

	for {
		sh.mu.Lock()
		if cur, ok := sh.m[key]; ok {
			if !cur.e.Expired(now) {
				sh.mu.Unlock()
				return false, nil
			}
			delete(sh.m, key)
			s.size.Add(-1)
			s.opts.Metrics.Evict(EvictExpired)
		}
		if s.opts.Capacity > 0 && !passed && s.size.Load() >= int64(s.opts.Capacity) {
			// the store-wide pass takes every shard lock in turn
			sh.mu.Unlock()
			s.evictGlobal()
			passed = true
			continue
		}
		break
	}
	evicted := 0
	if sh.cap > 0 && len(sh.m) >= sh.cap {
		evicted = s.evictLocked(sh)
	}
	sh.m[key] = &item{e: e}
	sh.mu.Unlock()

	s.opts.Metrics.Size(int(s.size.Add(1)))
	if evicted > 0 {
		s.opts.Hooks.Evicted(idx, evicted)
		s.opts.Logger.Debug("memory: eviction pass", fastcache.Fields{"shard": idx, "evicted": evicted})
	}
	return true, nil
}

// evictLocked removes one policy-selected batch. Caller holds sh.mu.
func (s *Store) evictLocked(sh *shard) int {
	cands := make([]eviction.Candidate, 0, len(sh.m))
	for k, it := range sh.m {
		cands = append(cands, eviction.Candidate{Key: k, Hits: it.e.Hits, CreatedAt: it.e.CreatedAt})
	}
	victims := s.opts.Policy.Victims(cands, eviction.Evictions(sh.cap, s.opts.CleanupPercentage))
	for _, k := range victims {
		delete(sh.m, k)
		s.opts.Metrics.Evict(EvictCapacity)
	}
	s.size.Add(-int64(len(victims)))
	return len(victims)
}

// evictGlobal ranks every resident entry and removes one batch sized against
// Capacity. Entries replaced while the candidates were gathered survive.
func (s *Store) evictGlobal() {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()
	if s.size.Load() < int64(s.opts.Capacity) {
		return
	}

	type resident struct {
		shard int
		it    *item
	}
	hint := int(s.size.Load())
	owners := make(map[string]resident, hint)
	cands := make([]eviction.Candidate, 0, hint)
	for i, sh := range s.shards {
		sh.mu.Lock()
		for k, it := range sh.m {
			owners[k] = resident{shard: i, it: it}
			cands = append(cands, eviction.Candidate{Key: k, Hits: it.e.Hits, CreatedAt: it.e.CreatedAt})
		}
		sh.mu.Unlock()
	}

	perShard := make(map[int][]string)
	for _, k := range s.opts.Policy.Victims(cands, eviction.Evictions(s.opts.Capacity, s.opts.CleanupPercentage)) {
		r := owners[k]
		perShard[r.shard] = append(perShard[r.shard], k)
	}
	total := 0
	for idx, keys := range perShard {
		sh := s.shards[idx]
		n := 0
		sh.mu.Lock()
		for _, k := range keys {
			if cur, ok := sh.m[k]; ok && cur == owners[k].it {
				delete(sh.m, k)
				n++
			}
		}
		sh.mu.Unlock()
		if n == 0 {
			continue
		}
		s.size.Add(-int64(n))
		for range n {
			s.opts.Metrics.Evict(EvictCapacity)
		}
		s.opts.Hooks.Evicted(idx, n)
		total += n
	}
	if total > 0 {
		s.opts.Metrics.Size(int(s.size.Load()))
		s.opts.Logger.Debug("memory: eviction pass", fastcache.Fields{"capacity": s.opts.Capacity, "evicted": total})
	}
}

func (s *Store) tag(e fastcache.Entry) fastcache.Entry {
	if e.Type != "" {
		return e
	}
	if s.opts.Registry != nil {
		if tag, origin, ok := s.opts.Registry.Describe(e.Value); ok {
			e.Type, e.Origin = tag, origin
			return e
		}
	}
	e.Type, e.Origin = fastcache.TypeOf(e.Value)
	return e
}

// Get returns a copy of the entry and counts the hit. An expired entry is a
// miss and is removed in the background.
func (s *Store) Get(_ context.Context, key string) (fastcache.Entry, bool, error) {
	sh := s.shardFor(key)
	now := s.opts.Clock.Now()

	sh.mu.Lock()
	it, ok := sh.m[key]
	if !ok {
		sh.mu.Unlock()
		s.opts.Metrics.Miss()
		return fastcache.Entry{}, false, nil
	}
	if it.e.Expired(now) {
		sh.mu.Unlock()
		s.opts.Metrics.Miss()
		s.purgeExpired(sh, key, it)
		return fastcache.Entry{}, false, nil
	}
	it.e.Hits++
	out := it.e
	sh.mu.Unlock()

	s.opts.Metrics.Hit()
	return out, true, nil
}

// purgeExpired removes it from sh unless it was replaced meanwhile.
func (s *Store) purgeExpired(sh *shard, key string, it *item) {
	remove := func(context.Context) {
		sh.mu.Lock()
		cur, ok := sh.m[key]
		if ok && cur == it {
			delete(sh.m, key)
		}
		sh.mu.Unlock()
		if ok && cur == it {
			s.opts.Metrics.Size(int(s.size.Add(-1)))
			s.opts.Metrics.Evict(EvictExpired)
			s.opts.Hooks.SelfHeal(key, "expired")
		}
	}
	if !s.sched.After(0, remove) {
		remove(context.Background())
	}
}

// Delete removes key now and again after the grace delay.
func (s *Store) Delete(_ context.Context, key string) error {
	if key == "" {
		return fastcache.ErrEmptyKey
	}
	s.removeNow(key)
	s.scheduleGrace([]string{key})
	return nil
}

// DeleteWithPrefix removes "prefix:key", or every key matching it as a glob
// when key contains a glob metacharacter. Matching nothing is a no-op.
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

	var removed []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k := range sh.m {
			if glob.Match(full, k) {
				delete(sh.m, k)
				removed = append(removed, k)
			}
		}
		sh.mu.Unlock()
	}
	if len(removed) == 0 {
		return nil
	}
	s.opts.Metrics.Size(int(s.size.Add(-int64(len(removed)))))
	for range removed {
		s.opts.Metrics.Evict(EvictDeleted)
	}
	s.opts.Logger.Debug("memory: pattern delete", fastcache.Fields{"pattern": full, "removed": len(removed)})
	s.scheduleGrace(removed)
	return nil
}

func (s *Store) removeNow(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	_, ok := sh.m[key]
	delete(sh.m, key)
	sh.mu.Unlock()
	if ok {
		s.opts.Metrics.Size(int(s.size.Add(-1)))
		s.opts.Metrics.Evict(EvictDeleted)
	}
	return ok
}

func (s *Store) scheduleGrace(keys []string) {
	if s.opts.DeleteGrace < 0 {
		return
	}
	ok := s.sched.After(s.opts.DeleteGrace, func(context.Context) {
		for _, k := range keys {
			s.removeNow(k)
		}
	})
	if !ok {
		s.opts.Hooks.DelayedDeleteDropped(len(keys))
	}
}

// Len returns the number of resident entries, expired ones included.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

// ShardLen returns the population of shard i.
func (s *Store) ShardLen(i int) int {
	sh := s.shards[i]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.m)
}

// Shards returns the configured partition count.
func (s *Store) Shards() int { return len(s.shards) }

// Close stops background removals; pending grace deletes are dropped.
// The store stays readable.
func (s *Store) Close(context.Context) error {
	s.sched.Close()
	return nil
}
