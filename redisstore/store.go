// Package redisstore is the remote backend over go-redis. Entries are framed
// with their type tags and timestamps and decoded through a
// fastcache.Registry on read.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/unkn0wn-root/fastcache"
	"github.com/unkn0wn-root/fastcache/internal/delay"
	"github.com/unkn0wn-root/fastcache/internal/glob"
	"github.com/unkn0wn-root/fastcache/internal/tracing"
	"github.com/unkn0wn-root/fastcache/internal/wire"
)

const (
	DefaultBatchSize       = 200
	DefaultPatternPageSize = 1000
)

var (
	ErrNilClient              = errors.New("redisstore: nil client")
	ErrEmptyPattern           = errors.New("redisstore: empty search pattern")
	ErrClusterScanUnsupported = errors.New("redisstore: fuzzy search is not supported on cluster clients")
	ErrSequenceConsumed       = errors.New("redisstore: search sequence already consumed")
)

// Options configure a Store. Either Client or URL is required.
type Options struct {
	Client redis.UniversalClient
	URL    string // redis://[user:pass@]host:port/db; the store then owns the client

	Registry *fastcache.Registry // nil => fastcache.NewRegistry()

	// DoubleDeleteDelay schedules a second delete of every batch-deleted key
	// set after the delay. 0 disables it.
	DoubleDeleteDelay time.Duration
	BatchSize         int // keys per pipelined DEL; 0 => 200
	PatternPageSize   int // SCAN COUNT used by pattern deletes; 0 => 1000

	CloseClient bool // set true only if this store exclusively owns Client

	Logger fastcache.Logger // nil => NopLogger
	Hooks  fastcache.Hooks  // nil => NopHooks
	Tracer trace.Tracer     // nil => no-op
}

type Store struct {
	rdb         redis.UniversalClient
	reg         *fastcache.Registry
	closeClient bool

	doubleDelete time.Duration
	batchSize    int
	patternPage  int

	sched  *delay.Scheduler
	log    fastcache.Logger
	hooks  fastcache.Hooks
	tracer trace.Tracer
}

var (
	_ fastcache.Client   = (*Store)(nil)
	_ fastcache.Searcher = (*Store)(nil)
)

func New(opts Options) (*Store, error) {
	rdb := opts.Client
	closeClient := opts.CloseClient
	if rdb == nil {
		if opts.URL == "" {
			return nil, ErrNilClient
		}
		ro, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: redis url: %v", fastcache.ErrInvalidConfig, err)
		}
		rdb = redis.NewClient(ro)
		closeClient = true
	}
	if opts.DoubleDeleteDelay < 0 || opts.BatchSize < 0 || opts.PatternPageSize < 0 {
		return nil, fmt.Errorf("%w: negative redis store option", fastcache.ErrInvalidConfig)
	}

	s := &Store{
		rdb:          rdb,
		reg:          opts.Registry,
		closeClient:  closeClient,
		doubleDelete: opts.DoubleDeleteDelay,
		batchSize:    fastcache.Coalesce(opts.BatchSize, DefaultBatchSize),
		patternPage:  fastcache.Coalesce(opts.PatternPageSize, DefaultPatternPageSize),
		log:          fastcache.OrNopLogger(opts.Logger),
		hooks:        fastcache.OrNopHooks(opts.Hooks),
		tracer:       tracing.OrNoop(opts.Tracer),
	}
	if s.reg == nil {
		s.reg = fastcache.NewRegistry()
	}
	if s.doubleDelete > 0 {
		s.sched = delay.New(1, 1024)
	}
	rdb.AddHook(newConnHook(s.hooks, s.log))
	return s, nil
}

// Client exposes the underlying connection so a lock coordinator can share it.
func (s *Store) Client() redis.UniversalClient { return s.rdb }

// Set writes e with SET NX; an existing key is never overwritten. The value
// type must be registered.
func (s *Store) Set(ctx context.Context, key string, e fastcache.Entry, ttl time.Duration) (ok bool, err error) {
	ctx, span := tracing.Start(ctx, s.tracer, "redisstore.Set", attribute.String("cache.key", key))
	defer func() { tracing.End(span, err) }()

	if key == "" {
		return false, fastcache.ErrEmptyKey
	}
	if fastcache.IsNil(e.Value) {
		return false, nil
	}
	now := time.Now()
	e = e.Prepare(now, ttl)
	exp := e.TTL(now)
	if !e.ExpiresAt.IsZero() && exp <= 0 {
		return false, nil
	}

	tag, origin, payload, err := s.reg.Encode(e.Value)
	if err != nil {
		return false, &fastcache.KeyError{Op: "set", Key: key, Err: err}
	}
	frame, err := wire.Encode(wire.Frame{
		CreatedAt: unixNano(e.CreatedAt),
		ExpiresAt: unixNano(e.ExpiresAt),
		Type:      tag,
		Origin:    origin,
		Payload:   payload,
	})
	if err != nil {
		return false, &fastcache.KeyError{Op: "set", Key: key, Err: err}
	}

	ok, err = s.rdb.SetNX(ctx, key, frame, exp).Result()
	if err != nil {
		return false, &fastcache.KeyError{Op: "set", Key: key, Err: err}
	}
	span.SetAttributes(attribute.Bool("cache.written", ok))
	return ok, nil
}

// Get reads and decodes key. Corrupt frames are deleted; unknown or
// mismatched type tags are misses.
func (s *Store) Get(ctx context.Context, key string) (e fastcache.Entry, ok bool, err error) {
	ctx, span := tracing.Start(ctx, s.tracer, "redisstore.Get", attribute.String("cache.key", key))
	defer func() {
		span.SetAttributes(attribute.Bool("cache.hit", ok))
		tracing.End(span, err)
	}()

	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return fastcache.Entry{}, false, nil
	}
	if err != nil {
		return fastcache.Entry{}, false, &fastcache.KeyError{Op: "get", Key: key, Err: err}
	}

	f, err := wire.Decode(raw)
	if err != nil {
		if delErr := s.rdb.Del(ctx, key).Err(); delErr != nil {
			s.log.Warn("redisstore: self-heal delete failed", fastcache.Fields{"key": key, "err": delErr})
		}
		s.hooks.SelfHeal(key, "corrupt")
		return fastcache.Entry{}, false, nil
	}
	if f.Type == "" || f.Origin == "" {
		return fastcache.Entry{}, false, nil
	}
	v, err := s.reg.Decode(f.Type, f.Origin, f.Payload)
	if err != nil {
		s.log.Debug("redisstore: unreadable entry treated as miss", fastcache.Fields{"key": key, "type": f.Type, "err": err})
		return fastcache.Entry{}, false, nil
	}

	e = fastcache.Entry{
		Value:     v,
		Type:      f.Type,
		Origin:    f.Origin,
		CreatedAt: fromUnixNano(f.CreatedAt),
		ExpiresAt: fromUnixNano(f.ExpiresAt),
	}
	if e.Expired(time.Now()) {
		return fastcache.Entry{}, false, nil
	}
	return e, true, nil
}

// Delete removes exactly key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return fastcache.ErrEmptyKey
	}
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return &fastcache.KeyError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// DeleteWithPrefix removes "prefix:key". When key holds a glob
// metacharacter the combined string is searched and every match is batch
// deleted.
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

	keys, err := s.FuzzySearchKeys(ctx, fastcache.SearchOptions{Pattern: full, PageSize: s.patternPage})
	if err != nil {
		return &fastcache.KeyError{Op: "delete", Key: full, Err: err}
	}
	if len(keys) == 0 {
		return nil
	}
	n, err := s.BatchDelete(ctx, keys, s.batchSize)
	if err != nil {
		return &fastcache.KeyError{Op: "delete", Key: full, Err: err}
	}
	s.log.Debug("redisstore: pattern delete", fastcache.Fields{"pattern": full, "matched": len(keys), "removed": n})
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close stops pending double deletes and releases the client when this
// store owns it. Safe to call multiple times.
func (s *Store) Close(context.Context) error {
	if s.sched != nil {
		s.sched.Close()
	}
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			return err
		}
	}
	return nil
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
