// Package sloghooks logs fastcache.Hooks events through log/slog, with
// sampling for the noisy ones and key redaction.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/fastcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery uint64
	EvictedEvery  uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr atomic.Uint64
	evictedCtr  atomic.Uint64
}

var _ fastcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n <= 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) ConnectionFailed(addr string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("fastcache.connection_failed", "addr", addr, "err", err)
}

func (h *Hooks) ConnectionRestored(addr string) {
	if h.l == nil {
		return
	}
	h.l.Info("fastcache.connection_restored", "addr", addr)
}

func (h *Hooks) SelfHeal(key, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("fastcache.self_heal",
		"key", h.redact(key),
		"reason", reason)
}

func (h *Hooks) DelayedDeleteFailed(count int, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("fastcache.delayed_delete_failed",
		"count", count,
		"err", err)
}

func (h *Hooks) DelayedDeleteDropped(count int) {
	if h.l == nil {
		return
	}
	h.l.Warn("fastcache.delayed_delete_dropped", "count", count)
}

func (h *Hooks) LockNotAcquired(name string) {
	if h.l == nil {
		return
	}
	h.l.Info("fastcache.lock_not_acquired", "name", h.redact(name))
}

func (h *Hooks) Evicted(shard, n int) {
	if h.l == nil || !sample(h.opts.EvictedEvery, &h.evictedCtr) {
		return
	}
	h.l.Debug("fastcache.evicted",
		"shard", shard,
		"count", n)
}
