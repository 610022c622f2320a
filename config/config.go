// Package config loads the YAML configuration and assembles a cache from it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/fastcache"
	"github.com/unkn0wn-root/fastcache/eviction"
	"github.com/unkn0wn-root/fastcache/memory"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendBigCache = "bigcache"
)

// MemoryConfig holds sharded in-process store settings
type MemoryConfig struct {
	ShardCount         int    `yaml:"shard_count"`
	ShardCapacity      int    `yaml:"shard_capacity"` // 0 => memory.DefaultShardCapacity unless capacity is set
	Capacity           int    `yaml:"capacity"`       // whole-store ceiling; shard_capacity wins when both are set
	EvictionPolicy     string `yaml:"eviction_policy"`
	CleanupPercentage  int    `yaml:"cleanup_percentage"`
	DeleteGraceSeconds int    `yaml:"delete_grace_seconds"` // negative disables
}

// RedisConfig holds remote store settings
type RedisConfig struct {
	URL                 string   `yaml:"url"`
	LockURLs            []string `yaml:"lock_urls"` // extra independent lock backends
	DoubleDeleteDelayMs int      `yaml:"double_delete_delay_ms"`
	BatchSize           int      `yaml:"batch_size"`
}

// LockConfig holds default lease timings
type LockConfig struct {
	Expiry             time.Duration `yaml:"expiry"`
	WaitTime           time.Duration `yaml:"wait_time"`
	RetryInterval      time.Duration `yaml:"retry_interval"`
	QuorumRetryCount   int           `yaml:"quorum_retry_count"`
	QuorumRetryDelayMs int           `yaml:"quorum_retry_delay_ms"`
}

// BigCacheConfig holds off-heap store settings
type BigCacheConfig struct {
	LifeWindow         time.Duration `yaml:"life_window"`
	HardMaxCacheSizeMB int           `yaml:"hard_max_cache_size_mb"`
}

// LogConfig selects the logging driver
type LogConfig struct {
	Driver string `yaml:"driver"` // slog | zap | logrus | nop
	Level  string `yaml:"level"`
}

type Config struct {
	Backend  string         `yaml:"backend"`
	Memory   MemoryConfig   `yaml:"memory"`
	Redis    RedisConfig    `yaml:"redis"`
	Lock     LockConfig     `yaml:"lock"`
	BigCache BigCacheConfig `yaml:"bigcache"`
	Log      LogConfig      `yaml:"log"`
}

// Default returns a Config with the store defaults filled in.
func Default() *Config {
	return &Config{
		Backend: BackendMemory,
		Memory: MemoryConfig{
			ShardCount:         memory.DefaultShards,
			EvictionPolicy:     eviction.MostHitsSurvive{}.Name(),
			CleanupPercentage:  memory.DefaultCleanupPercentage,
			DeleteGraceSeconds: int(memory.DefaultDeleteGrace / time.Second),
		},
		Redis: RedisConfig{
			URL:       "redis://localhost:6379/0",
			BatchSize: 200,
		},
		Lock: LockConfig{
			Expiry:             30 * time.Second,
			WaitTime:           10 * time.Second,
			RetryInterval:      200 * time.Millisecond,
			QuorumRetryCount:   3,
			QuorumRetryDelayMs: 400,
		},
		BigCache: BigCacheConfig{
			LifeWindow: 10 * time.Minute,
		},
		Log: LogConfig{
			Driver: "slog",
			Level:  "info",
		},
	}
}

// Load reads a YAML file over the defaults, applies environment overrides
// and validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", fastcache.ErrInvalidConfig, path, err)
		}
	}
	LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies FASTCACHE_* environment overrides.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("FASTCACHE_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("FASTCACHE_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("FASTCACHE_LOCK_URLS"); v != "" {
		cfg.Redis.LockURLs = strings.Split(v, ",")
	}
	if v := os.Getenv("FASTCACHE_SHARD_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Memory.ShardCount = n
		}
	}
	if v := os.Getenv("FASTCACHE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FASTCACHE_LOG_DRIVER"); v != "" {
		cfg.Log.Driver = v
	}
}

// Validate rejects configurations no store can be built from.
func (c *Config) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{fastcache.ErrInvalidConfig}, args...)...)
	}

	switch c.Backend {
	case BackendMemory, BackendRedis, BackendBigCache:
	default:
		return bad("unknown backend %q", c.Backend)
	}
	if c.Memory.ShardCount < 0 || c.Memory.ShardCount > memory.MaxShards {
		return bad("memory.shard_count %d outside [0,%d]", c.Memory.ShardCount, memory.MaxShards)
	}
	if c.Memory.ShardCapacity < 0 || c.Memory.Capacity < 0 || c.Memory.CleanupPercentage < 0 {
		return bad("negative memory sizing")
	}
	if _, err := eviction.Parse(c.Memory.EvictionPolicy); err != nil {
		return bad("%v", err)
	}
	if c.Backend == BackendRedis && c.Redis.URL == "" {
		return bad("redis.url is required for the redis backend")
	}
	if c.Redis.DoubleDeleteDelayMs < 0 || c.Redis.BatchSize < 0 {
		return bad("negative redis option")
	}
	for i, u := range c.Redis.LockURLs {
		if strings.TrimSpace(u) == "" {
			return bad("redis.lock_urls[%d] is empty", i)
		}
	}
	if c.Lock.Expiry < 0 || c.Lock.WaitTime < 0 || c.Lock.RetryInterval < 0 ||
		c.Lock.QuorumRetryCount < 0 || c.Lock.QuorumRetryDelayMs < 0 {
		return bad("negative lock option")
	}
	if c.BigCache.LifeWindow < 0 || c.BigCache.HardMaxCacheSizeMB < 0 {
		return bad("negative bigcache option")
	}
	switch c.Log.Driver {
	case "", "slog", "zap", "logrus", "nop":
	default:
		return bad("unknown log driver %q", c.Log.Driver)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return bad("%v", err)
	}
	return nil
}

// LockOptions converts the lock section into per-call defaults.
func (c *Config) LockOptions() fastcache.LockOptions {
	return fastcache.LockOptions{
		Expiry:        c.Lock.Expiry,
		WaitTime:      c.Lock.WaitTime,
		RetryInterval: c.Lock.RetryInterval,
	}.WithDefaults()
}
