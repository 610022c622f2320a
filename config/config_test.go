package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/fastcache"
	"github.com/unkn0wn-root/fastcache/bigstore"
	"github.com/unkn0wn-root/fastcache/memory"
	"github.com/unkn0wn-root/fastcache/redlock"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "fastcache.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != BackendMemory || cfg.Memory.ShardCount != memory.DefaultShards {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	p := writeFile(t, `
backend: redis
memory:
  shard_count: 8
redis:
  url: redis://cache:6379/2
  lock_urls: [redis://a:6379, redis://b:6379]
lock:
  expiry: 15s
  retry_interval: 50ms
log:
  driver: zap
  level: debug
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != BackendRedis || cfg.Memory.ShardCount != 8 || cfg.Redis.URL != "redis://cache:6379/2" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if len(cfg.Redis.LockURLs) != 2 || cfg.Redis.BatchSize != 200 {
		t.Fatalf("redis=%+v", cfg.Redis)
	}
	lo := cfg.LockOptions()
	if lo.Expiry != 15*time.Second || lo.RetryInterval != 50*time.Millisecond || lo.WaitTime != 10*time.Second {
		t.Fatalf("lock options=%+v", lo)
	}
	if cfg.Memory.CleanupPercentage != memory.DefaultCleanupPercentage {
		t.Fatalf("untouched default lost: %+v", cfg.Memory)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("want ErrNotExist, got %v", err)
	}
	if _, err := Load(writeFile(t, "backend: [nope")); !errors.Is(err, fastcache.ErrInvalidConfig) {
		t.Fatalf("want ErrInvalidConfig for bad yaml, got %v", err)
	}
	if _, err := Load(writeFile(t, "memory:\n  shard_count: 500\n")); !errors.Is(err, fastcache.ErrInvalidConfig) {
		t.Fatalf("want ErrInvalidConfig for shard count, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"backend", func(c *Config) { c.Backend = "etcd" }},
		{"shards", func(c *Config) { c.Memory.ShardCount = -1 }},
		{"policy", func(c *Config) { c.Memory.EvictionPolicy = "fifo" }},
		{"redis url", func(c *Config) { c.Backend = BackendRedis; c.Redis.URL = "" }},
		{"lock url", func(c *Config) { c.Redis.LockURLs = []string{" "} }},
		{"lock timing", func(c *Config) { c.Lock.WaitTime = -time.Second }},
		{"bigcache", func(c *Config) { c.BigCache.LifeWindow = -time.Minute }},
		{"log driver", func(c *Config) { c.Log.Driver = "syslog" }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, fastcache.ErrInvalidConfig) {
				t.Fatalf("want ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FASTCACHE_BACKEND", "bigcache")
	t.Setenv("FASTCACHE_SHARD_COUNT", "12")
	t.Setenv("FASTCACHE_LOCK_URLS", "redis://a:1,redis://b:2")
	t.Setenv("FASTCACHE_LOG_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != BackendBigCache || cfg.Memory.ShardCount != 12 || len(cfg.Redis.LockURLs) != 2 || cfg.Log.Level != "warn" {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestNewLoggerDrivers(t *testing.T) {
	for _, driver := range []string{"slog", "zap", "logrus"} {
		t.Run(driver, func(t *testing.T) {
			var buf bytes.Buffer
			l, err := NewLogger(LogConfig{Driver: driver, Level: "warn"}, &buf)
			if err != nil {
				t.Fatalf("NewLogger: %v", err)
			}
			l.Info("quiet", nil)
			l.Warn("loud", fastcache.Fields{"key": "k"})
			out := buf.String()
			if strings.Contains(out, "quiet") || !strings.Contains(out, "loud") || !strings.Contains(out, `"key":"k"`) {
				t.Fatalf("out=%s", out)
			}
		})
	}
	if l, err := NewLogger(LogConfig{Driver: "nop"}, nil); err != nil || l == nil {
		t.Fatalf("nop: %v", err)
	}
}

func TestBuildMemoryWithMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	cfg := Default()
	cfg.Log.Driver = "nop"

	c, err := Build(ctx, cfg, BuildOptions{Metrics: reg})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer c.Close(ctx)

	if _, ok := c.Client.(*memory.Store); !ok || c.Locker != nil || c.Searcher != nil {
		t.Fatalf("cache=%+v", c)
	}
	_, _ = c.Client.Set(ctx, "k", fastcache.NewEntry("v"), 0)
	_, _, _ = c.Client.Get(ctx, "k")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var found bool
	for _, mf := range mfs {
		if mf.GetName() == "fastcache_memory_hits_total" {
			found = mf.GetMetric()[0].GetCounter().GetValue() == 1
		}
	}
	if !found {
		t.Fatalf("hits metric not exported")
	}
}

func TestCapacityReachesMemoryStore(t *testing.T) {
	ctx := context.Background()
	cfg, err := Load(writeFile(t, "memory:\n  shard_count: 3\n  capacity: 50\nlog:\n  driver: nop\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	c, err := Build(ctx, cfg, BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer c.Close(ctx)

	s := c.Client.(*memory.Store)
	for i := 0; i <= 50; i++ {
		if _, err := s.Set(ctx, fmt.Sprintf("k%d", i), fastcache.NewEntry(i), 0); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if s.Len() != 46 {
		t.Fatalf("len=%d want 46", s.Len())
	}
}

func TestBuildBigCache(t *testing.T) {
	ctx := context.Background()
	cfg := Default()
	cfg.Backend = BackendBigCache
	cfg.Log.Driver = "nop"

	c, err := Build(ctx, cfg, BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := c.Client.(*bigstore.Store); !ok {
		t.Fatalf("client=%T", c.Client)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestBuildRedisWithQuorum(t *testing.T) {
	ctx := context.Background()
	primary, a, b := miniredis.RunT(t), miniredis.RunT(t), miniredis.RunT(t)

	cfg := Default()
	cfg.Backend = BackendRedis
	cfg.Redis.URL = "redis://" + primary.Addr()
	cfg.Redis.LockURLs = []string{"redis://" + a.Addr(), "redis://" + b.Addr()}
	cfg.Log.Driver = "nop"

	c, err := Build(ctx, cfg, BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer c.Close(ctx)

	coord, ok := c.Locker.(*redlock.Coordinator)
	if !ok || coord.Quorum() != 2 || c.Searcher == nil {
		t.Fatalf("locker=%T searcher=%T", c.Locker, c.Searcher)
	}
	lc, ok := c.Client.(*fastcache.LockingClient)
	if !ok {
		t.Fatalf("client=%T", c.Client)
	}
	wrote, res, err := lc.SetExclusive(ctx, "k", fastcache.NewEntry("v"), 0, cfg.LockOptions())
	if err != nil || !wrote || res.Status != fastcache.AcquiredAndCompleted {
		t.Fatalf("SetExclusive wrote=%v res=%+v err=%v", wrote, res, err)
	}
	if !primary.Exists("k") {
		t.Fatalf("value not stored")
	}
	keys, err := c.Searcher.FuzzySearchKeys(ctx, fastcache.SearchOptions{Pattern: "*"})
	if err != nil || len(keys) != 1 {
		t.Fatalf("keys=%v err=%v", keys, err)
	}
}

func TestBuildRejectsBadLockURL(t *testing.T) {
	primary := miniredis.RunT(t)
	cfg := Default()
	cfg.Backend = BackendRedis
	cfg.Redis.URL = "redis://" + primary.Addr()
	cfg.Redis.LockURLs = []string{"ftp://nope"}
	cfg.Log.Driver = "nop"

	if _, err := Build(context.Background(), cfg, BuildOptions{}); !errors.Is(err, fastcache.ErrInvalidConfig) {
		t.Fatalf("want ErrInvalidConfig, got %v", err)
	}
}
