package fastcache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	c "github.com/unkn0wn-root/fastcache/codec"
	"golang.org/x/sync/errgroup"
)

type memClient struct {
	mu     sync.Mutex
	m      map[string]Entry
	getErr error
	sets   atomic.Int32
}

var _ Client = (*memClient)(nil)

func newMemClient() *memClient { return &memClient{m: make(map[string]Entry)} }

func (p *memClient) Set(_ context.Context, key string, e Entry, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if cur, ok := p.m[key]; ok && !cur.Expired(now) {
		return false, nil
	}
	p.sets.Add(1)
	p.m[key] = e.Prepare(now, ttl)
	return true, nil
}

func (p *memClient) Get(_ context.Context, key string) (Entry, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getErr != nil {
		return Entry{}, false, p.getErr
	}
	e, ok := p.m[key]
	if !ok || e.Expired(time.Now()) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (p *memClient) Delete(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
	return nil
}

func (p *memClient) DeleteWithPrefix(ctx context.Context, key, prefix string) error {
	if prefix != "" {
		key = prefix + ":" + key
	}
	return p.Delete(ctx, key)
}

func (p *memClient) Close(context.Context) error { return nil }

// mutexLocker is an in-process Locker: one holder per name, no waiting.
type mutexLocker struct {
	mu    sync.Mutex
	held  map[string]bool
	calls []string
}

func newMutexLocker() *mutexLocker { return &mutexLocker{held: map[string]bool{}} }

func (l *mutexLocker) RunExclusive(ctx context.Context, name string, op func(context.Context) error, opts LockOptions) (LockResult, error) {
	l.mu.Lock()
	l.calls = append(l.calls, name)
	if l.held[name] {
		l.mu.Unlock()
		res := LockResult{Status: LockNotAcquired, Err: ErrLockNotAcquired}
		if opts.ThrowOnLockFailure {
			return res, &LockError{Name: name, Status: LockNotAcquired, Err: ErrLockNotAcquired}
		}
		return res, nil
	}
	l.held[name] = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.held, name)
		l.mu.Unlock()
	}()
	if err := op(ctx); err != nil {
		return LockResult{Status: OperationFailed, Err: err}, nil
	}
	return LockResult{Status: AcquiredAndCompleted}, nil
}

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func TestFetcherCachesOnMiss(t *testing.T) {
	ctx := context.Background()
	mc := newMemClient()
	f := NewFetcher[user](mc, FetchOptions{TTL: time.Minute})

	var loads int
	load := func(context.Context) (user, error) {
		loads++
		return user{ID: "1", Name: "Ada"}, nil
	}

	for i := 0; i < 3; i++ {
		got, err := f.Get(ctx, "user:1", load)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Name != "Ada" {
			t.Fatalf("got %+v", got)
		}
	}
	if loads != 1 {
		t.Fatalf("loads=%d want 1", loads)
	}

	e, ok, _ := mc.Get(ctx, "user:1")
	if !ok || e.ExpiresAt.IsZero() {
		t.Fatalf("entry not stored with TTL: ok=%v e=%+v", ok, e)
	}
}

func TestFetcherCoalescesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	mc := newMemClient()
	f := NewFetcher[user](mc, FetchOptions{})

	var loads atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) (user, error) {
		loads.Add(1)
		<-release
		return user{ID: "1"}, nil
	}

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			_, err := f.Get(ctx, "k", load)
			return err
		})
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	if err := g.Wait(); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n := loads.Load(); n != 1 {
		t.Fatalf("loads=%d want 1", n)
	}
}

func TestFetcherLeaderCancelDoesNotFailWaiters(t *testing.T) {
	mc := newMemClient()
	f := NewFetcher[user](mc, FetchOptions{})

	var once sync.Once
	started := make(chan struct{})
	release := make(chan struct{})
	load := func(ctx context.Context) (user, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return user{ID: "1"}, nil
		case <-ctx.Done():
			return user{}, ctx.Err()
		}
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := f.Get(leaderCtx, "k", load)
		leaderErr <- err
	}()
	<-started

	waiter := make(chan error, 1)
	go func() {
		u, err := f.Get(context.Background(), "k", load)
		if err == nil && u.ID != "1" {
			err = errors.New("waiter got " + u.ID)
		}
		waiter <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("leader err=%v want context.Canceled", err)
	}
	close(release)
	if err := <-waiter; err != nil {
		t.Fatalf("waiter: %v", err)
	}
	if _, ok, _ := mc.Get(context.Background(), "k"); !ok {
		t.Fatalf("shared load not cached")
	}
}

func TestFetcherDoesNotCacheErrorsOrNil(t *testing.T) {
	ctx := context.Background()
	mc := newMemClient()

	boom := errors.New("boom")
	fu := NewFetcher[*user](mc, FetchOptions{})
	if _, err := fu.Get(ctx, "k", func(context.Context) (*user, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	if v, err := fu.Get(ctx, "k", func(context.Context) (*user, error) { return nil, nil }); err != nil || v != nil {
		t.Fatalf("v=%v err=%v", v, err)
	}
	if n := mc.sets.Load(); n != 0 {
		t.Fatalf("sets=%d want 0", n)
	}
}

func TestFetcherTypeMismatchIsMiss(t *testing.T) {
	ctx := context.Background()
	mc := newMemClient()
	_, _ = mc.Set(ctx, "k", NewEntry("a string"), 0)

	f := NewFetcher[user](mc, FetchOptions{})
	got, err := f.Get(ctx, "k", func(context.Context) (user, error) { return user{ID: "x"}, nil })
	if err != nil || got.ID != "x" {
		t.Fatalf("got %+v err=%v", got, err)
	}
}

func TestFetcherReadErrorFallsThrough(t *testing.T) {
	ctx := context.Background()
	mc := newMemClient()
	mc.getErr = errors.New("down")

	f := NewFetcher[user](mc, FetchOptions{})
	got, err := f.Get(ctx, "k", func(context.Context) (user, error) { return user{ID: "1"}, nil })
	if err != nil || got.ID != "1" {
		t.Fatalf("got %+v err=%v", got, err)
	}
}

func TestFetcherExclusiveUsesLock(t *testing.T) {
	ctx := context.Background()
	mc := newMemClient()
	l := newMutexLocker()
	f := NewFetcher[user](mc, FetchOptions{Locker: l})

	if _, err := f.Get(ctx, "u:1", func(context.Context) (user, error) { return user{ID: "1"}, nil }); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(l.calls) != 1 || l.calls[0] != "fetch:u:1" {
		t.Fatalf("lock calls=%v", l.calls)
	}

	boom := errors.New("boom")
	if _, err := f.Get(ctx, "u:2", func(context.Context) (user, error) { return user{}, boom }); !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
}

func TestFetcherExclusiveFallsBackWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	mc := newMemClient()
	l := newMutexLocker()
	l.held["fetch:k"] = true
	f := NewFetcher[user](mc, FetchOptions{Locker: l})

	got, err := f.Get(ctx, "k", func(context.Context) (user, error) { return user{ID: "1"}, nil })
	if err != nil || got.ID != "1" {
		t.Fatalf("got %+v err=%v", got, err)
	}
}

func TestLockingClient(t *testing.T) {
	ctx := context.Background()
	mc := newMemClient()
	l := newMutexLocker()
	lc := WithLock(mc, l)

	wrote, res, err := lc.SetExclusive(ctx, "k", NewEntry(1), 0, LockOptions{})
	if err != nil || !wrote || res.Status != AcquiredAndCompleted {
		t.Fatalf("wrote=%v res=%+v err=%v", wrote, res, err)
	}
	wrote, _, _ = lc.SetExclusive(ctx, "k", NewEntry(2), 0, LockOptions{})
	if wrote {
		t.Fatalf("second SetExclusive must not overwrite")
	}

	if res, err := lc.DeleteExclusive(ctx, "k", "", LockOptions{}); err != nil || res.Status != AcquiredAndCompleted {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if _, ok, _ := lc.Get(ctx, "k"); ok {
		t.Fatalf("key survived DeleteExclusive")
	}

	_, _ = lc.DeleteExclusive(ctx, "x", "p", LockOptions{})
	if got := l.calls[len(l.calls)-1]; got != "delete:p:x" {
		t.Fatalf("lock name=%q", got)
	}

	l.held["set:busy"] = true
	_, res, err = lc.SetExclusive(ctx, "busy", NewEntry(1), 0, LockOptions{ThrowOnLockFailure: true})
	if res.Status != LockNotAcquired || !errors.Is(err, ErrLockNotAcquired) {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	r := NewRegistry()
	MustRegister[user](r, "user", c.JSON[user]{})

	tag, origin, payload, err := r.Encode(user{ID: "1", Name: "Ada"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if tag != "user" || !strings.HasSuffix(origin, "fastcache") {
		t.Fatalf("tag=%q origin=%q", tag, origin)
	}
	v, err := r.Decode(tag, origin, payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if u, ok := v.(user); !ok || u.Name != "Ada" {
		t.Fatalf("decoded %#v", v)
	}

	if tag, origin, _, _ := r.Encode("s"); tag != "string" || origin != "builtin" {
		t.Fatalf("builtin string tag=%q origin=%q", tag, origin)
	}
}

func TestRegistryErrors(t *testing.T) {
	r := NewRegistry()
	if _, _, _, err := r.Encode(user{}); !errors.Is(err, ErrUnregisteredType) {
		t.Fatalf("want ErrUnregisteredType, got %v", err)
	}
	if _, err := r.Decode("nope", "builtin", nil); !errors.Is(err, ErrUnregisteredType) {
		t.Fatalf("want ErrUnregisteredType, got %v", err)
	}
	if _, err := r.Decode("string", "elsewhere", nil); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("want ErrTypeMismatch, got %v", err)
	}
	if err := Register[user](r, "string", c.JSON[user]{}); !errors.Is(err, ErrDuplicateTag) {
		t.Fatalf("duplicate tag accepted: %v", err)
	}
	if err := Register[string](r, "str2", c.String{}); !errors.Is(err, ErrDuplicateTag) {
		t.Fatalf("duplicate type accepted: %v", err)
	}
	if err := Register[user](r, "", c.JSON[user]{}); err == nil {
		t.Fatalf("empty tag accepted")
	}
}

func TestEntryHelpers(t *testing.T) {
	now := time.Unix(1000, 0)
	e := Entry{Value: 1, Hits: 7}.Prepare(now, time.Second)
	if e.CreatedAt != now || e.ExpiresAt != now.Add(time.Second) || e.Hits != 0 {
		t.Fatalf("Prepare=%+v", e)
	}
	if e.Expired(now) || !e.Expired(now.Add(time.Second)) {
		t.Fatalf("Expired boundaries wrong")
	}
	if (Entry{}).Expired(now) {
		t.Fatalf("zero expiry must never expire")
	}

	if typ, origin := TypeOf(user{}); typ != "fastcache.user" || !strings.HasSuffix(origin, "fastcache") {
		t.Fatalf("TypeOf user=%q,%q", typ, origin)
	}
	if typ, origin := TypeOf(3); typ != "int" || origin != "builtin" {
		t.Fatalf("TypeOf int=%q,%q", typ, origin)
	}
	var up *user
	if !IsNil(up) || !IsNil(nil) || IsNil(0) {
		t.Fatalf("IsNil wrong")
	}
}

func TestLockErrorUnwrap(t *testing.T) {
	boom := errors.New("boom")
	err := error(&LockError{Name: "L", Status: OperationFailed, Err: boom})
	if !errors.Is(err, boom) || errors.Is(err, ErrLockNotAcquired) {
		t.Fatalf("operation failure unwrap wrong: %v", err)
	}
	err = &LockError{Name: "L", Status: LockNotAcquired, Err: context.DeadlineExceeded}
	if !errors.Is(err, ErrLockNotAcquired) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("not-acquired unwrap wrong: %v", err)
	}
}

func TestOptionDefaults(t *testing.T) {
	o := LockOptions{}.WithDefaults()
	if o.Expiry != 30*time.Second || o.WaitTime != 10*time.Second || o.RetryInterval != 200*time.Millisecond {
		t.Fatalf("defaults=%+v", o)
	}
	if o.ThrowOnLockFailure || o.ThrowOnOperationFailure {
		t.Fatalf("escalations must default off")
	}
	if s := (SearchOptions{Pattern: "*"}).WithDefaults(); s.PageSize != DefaultSearchPageSize {
		t.Fatalf("page size=%d", s.PageSize)
	}
}
