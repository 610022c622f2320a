// Package asynchook moves fastcache.Hooks calls off the caller's goroutine.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	store, _ := memory.New(memory.Options{Hooks: hooks})
//
// A full queue drops events; Dropped reports how many.
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/fastcache"
)

type Hooks struct {
	inner fastcache.Hooks
	q     chan func()
	wg    sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ fastcache.Hooks = (*Hooks)(nil)

func New(inner fastcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: fastcache.OrNopHooks(inner), q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Later events are dropped.
func (h *Hooks) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.q)
	h.mu.Unlock()
	h.wg.Wait()
}

// Dropped returns the number of events discarded so far.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) ConnectionFailed(a string, err error) { h.try(func() { h.inner.ConnectionFailed(a, err) }) }
func (h *Hooks) ConnectionRestored(a string)          { h.try(func() { h.inner.ConnectionRestored(a) }) }
func (h *Hooks) SelfHeal(k, r string)                 { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) DelayedDeleteDropped(n int)           { h.try(func() { h.inner.DelayedDeleteDropped(n) }) }
func (h *Hooks) LockNotAcquired(name string)          { h.try(func() { h.inner.LockNotAcquired(name) }) }
func (h *Hooks) Evicted(shard, n int)                 { h.try(func() { h.inner.Evicted(shard, n) }) }
func (h *Hooks) DelayedDeleteFailed(n int, err error) {
	h.try(func() { h.inner.DelayedDeleteFailed(n, err) })
}
