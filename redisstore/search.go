package redisstore

import (
	"context"
	"iter"
	"runtime"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/unkn0wn-root/fastcache"
	"github.com/unkn0wn-root/fastcache/internal/tracing"
)

// yieldEvery is how many keys a scan hands out between scheduler yields.
const yieldEvery = 100

// FuzzySearch enumerates keys matching opts.Pattern with cursor-based SCAN.
// The sequence is lazy, finite and single-use: ranging over it a second time
// yields ErrSequenceConsumed. Enumeration stops at opts.MaxResults (if > 0),
// at the first error, or when ctx is done (yielding ctx.Err()).
func (s *Store) FuzzySearch(ctx context.Context, opts fastcache.SearchOptions) iter.Seq2[string, error] {
	opts = opts.WithDefaults()
	var used atomic.Bool

	return func(yield func(string, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield("", ErrSequenceConsumed)
			return
		}
		if opts.Pattern == "" {
			yield("", ErrEmptyPattern)
			return
		}
		// cluster keyspaces are not scanned; a single SCAN sees one node only
		if _, ok := s.rdb.(*redis.ClusterClient); ok {
			yield("", ErrClusterScanUnsupported)
			return
		}

		var (
			cursor uint64
			count  int
			seen   = make(map[string]struct{})
		)
		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			keys, next, err := s.rdb.Scan(ctx, cursor, opts.Pattern, int64(opts.PageSize)).Result()
			if err != nil {
				yield("", err)
				return
			}
			for _, k := range keys {
				// SCAN may return a key more than once
				if _, dup := seen[k]; dup || k == "" {
					continue
				}
				seen[k] = struct{}{}
				if !yield(k, nil) {
					return
				}
				count++
				if opts.MaxResults > 0 && count >= opts.MaxResults {
					return
				}
				if count%yieldEvery == 0 {
					runtime.Gosched()
					if err := ctx.Err(); err != nil {
						yield("", err)
						return
					}
				}
			}
			if next == 0 {
				return
			}
			cursor = next
		}
	}
}

// FuzzySearchKeys collects FuzzySearch into a slice.
func (s *Store) FuzzySearchKeys(ctx context.Context, opts fastcache.SearchOptions) ([]string, error) {
	var out []string
	for k, err := range s.FuzzySearch(ctx, opts) {
		if err != nil {
			return out, err
		}
		out = append(out, k)
	}
	return out, nil
}

// BatchDelete removes keys in chunks of batchSize (0 => store default), one
// DEL per chunk, all chunks in one pipeline. It returns how many keys
// existed. When something was removed and a double-delete delay is
// configured, the same keys are deleted again after the delay.
func (s *Store) BatchDelete(ctx context.Context, keys []string, batchSize int) (n int64, err error) {
	ctx, span := tracing.Start(ctx, s.tracer, "redisstore.BatchDelete", attribute.Int("cache.keys", len(keys)))
	defer func() {
		span.SetAttributes(attribute.Int64("cache.removed", n))
		tracing.End(span, err)
	}()

	if len(keys) == 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = s.batchSize
	}
	n, err = s.deleteChunks(ctx, keys, batchSize)
	if err != nil {
		return n, err
	}
	if n > 0 && s.doubleDelete > 0 {
		s.scheduleDoubleDelete(append([]string(nil), keys...), batchSize)
	}
	return n, nil
}

func (s *Store) deleteChunks(ctx context.Context, keys []string, batchSize int) (int64, error) {
	cmds := make([]*redis.IntCmd, 0, (len(keys)+batchSize-1)/batchSize)
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i := 0; i < len(keys); i += batchSize {
			cmds = append(cmds, p.Del(ctx, keys[i:min(i+batchSize, len(keys))]...))
		}
		return nil
	})
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, err
}

func (s *Store) scheduleDoubleDelete(keys []string, batchSize int) {
	ok := s.sched.After(s.doubleDelete, func(ctx context.Context) {
		n, err := s.deleteChunks(ctx, keys, batchSize)
		if err != nil {
			s.log.Warn("redisstore: delayed delete failed", fastcache.Fields{"keys": len(keys), "err": err})
			s.hooks.DelayedDeleteFailed(len(keys), err)
			return
		}
		s.log.Debug("redisstore: delayed delete", fastcache.Fields{"keys": len(keys), "removed": n})
	})
	if !ok {
		s.hooks.DelayedDeleteDropped(len(keys))
	}
}
