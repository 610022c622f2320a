package redisstore

import (
	"context"
	"net"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/fastcache"
)

// connHook reports dial transitions per address: the first failure and the
// first success after it. Commands pass through untouched.
type connHook struct {
	hooks fastcache.Hooks
	log   fastcache.Logger

	mu   sync.Mutex
	down map[string]bool
}

var _ redis.Hook = (*connHook)(nil)

func newConnHook(h fastcache.Hooks, l fastcache.Logger) *connHook {
	return &connHook{hooks: h, log: l, down: make(map[string]bool)}
}

func (h *connHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		h.observe(addr, err)
		return conn, err
	}
}

func (h *connHook) observe(addr string, err error) {
	h.mu.Lock()
	wasDown := h.down[addr]
	switch {
	case err != nil && !wasDown:
		h.down[addr] = true
	case err == nil && wasDown:
		delete(h.down, addr)
	default:
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	if err != nil {
		h.log.Warn("redisstore: connection failed", fastcache.Fields{"addr": addr, "err": err})
		h.hooks.ConnectionFailed(addr, err)
		return
	}
	h.log.Info("redisstore: connection restored", fastcache.Fields{"addr": addr})
	h.hooks.ConnectionRestored(addr)
}

func (h *connHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h *connHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}
