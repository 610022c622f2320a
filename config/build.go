package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdslog "log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/fastcache"
	"github.com/unkn0wn-root/fastcache/bigstore"
	"github.com/unkn0wn-root/fastcache/eviction"
	logruslog "github.com/unkn0wn-root/fastcache/log/logrus"
	slogadapter "github.com/unkn0wn-root/fastcache/log/slog"
	zaplog "github.com/unkn0wn-root/fastcache/log/zap"
	"github.com/unkn0wn-root/fastcache/memory"
	"github.com/unkn0wn-root/fastcache/metrics/prom"
	"github.com/unkn0wn-root/fastcache/redisstore"
	"github.com/unkn0wn-root/fastcache/redlock"
)

// Level is a backend-neutral log level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func parseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// NewLogger builds the configured adapter writing to w (nil => stderr).
func NewLogger(cfg LogConfig, w io.Writer) (fastcache.Logger, error) {
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fastcache.ErrInvalidConfig, err)
	}
	if w == nil {
		w = os.Stderr
	}

	switch cfg.Driver {
	case "", "slog":
		h := stdslog.NewJSONHandler(w, &stdslog.HandlerOptions{Level: []stdslog.Level{
			stdslog.LevelDebug, stdslog.LevelInfo, stdslog.LevelWarn, stdslog.LevelError,
		}[lvl]})
		return slogadapter.New(stdslog.New(h)), nil
	case "zap":
		zl := []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}[lvl]
		core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(w), zl)
		return zaplog.New(zap.New(core)), nil
	case "logrus":
		l := logrus.New()
		l.SetOutput(w)
		l.SetFormatter(&logrus.JSONFormatter{})
		l.SetLevel([]logrus.Level{logrus.DebugLevel, logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel}[lvl])
		return logruslog.New(l), nil
	case "nop":
		return fastcache.NopLogger{}, nil
	}
	return nil, fmt.Errorf("%w: unknown log driver %q", fastcache.ErrInvalidConfig, cfg.Driver)
}

// BuildOptions carry the runtime collaborators a Config cannot express.
type BuildOptions struct {
	Registry  *fastcache.Registry   // nil => fastcache.NewRegistry()
	Metrics   prometheus.Registerer // nil => no metrics
	Hooks     fastcache.Hooks
	Tracer    trace.Tracer
	LogOutput io.Writer // nil => stderr
}

// Cache is an assembled backend.
type Cache struct {
	Client   fastcache.Client
	Locker   fastcache.Locker   // nil for in-process backends
	Searcher fastcache.Searcher // nil for in-process backends
	Logger   fastcache.Logger

	closers []func(context.Context) error
}

// Close releases everything Build opened, last opened first.
func (c *Cache) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// Build validates cfg and constructs the selected backend.
func Build(ctx context.Context, cfg *Config, opts BuildOptions) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, err := NewLogger(cfg.Log, opts.LogOutput)
	if err != nil {
		return nil, err
	}
	reg := opts.Registry
	if reg == nil {
		reg = fastcache.NewRegistry()
	}

	c := &Cache{Logger: log}
	switch cfg.Backend {
	case BackendRedis:
		err = c.buildRedis(cfg, reg, opts)
	case BackendBigCache:
		err = c.buildBigCache(ctx, cfg, reg, opts)
	default:
		err = c.buildMemory(cfg, reg, opts)
	}
	if err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	log.Info("fastcache: backend ready", fastcache.Fields{"backend": cfg.Backend})
	return c, nil
}

func (c *Cache) buildMemory(cfg *Config, reg *fastcache.Registry, opts BuildOptions) error {
	policy, err := eviction.Parse(cfg.Memory.EvictionPolicy)
	if err != nil {
		return fmt.Errorf("%w: %v", fastcache.ErrInvalidConfig, err)
	}
	mo := memory.Options{
		Shards:            cfg.Memory.ShardCount,
		ShardCapacity:     cfg.Memory.ShardCapacity,
		Capacity:          cfg.Memory.Capacity,
		Policy:            policy,
		CleanupPercentage: cfg.Memory.CleanupPercentage,
		DeleteGrace:       graceOf(cfg.Memory.DeleteGraceSeconds),
		Registry:          reg,
		Logger:            c.Logger,
		Hooks:             opts.Hooks,
	}
	if opts.Metrics != nil {
		mo.Metrics = prom.New(opts.Metrics, "fastcache", "memory", nil)
	}
	s, err := memory.New(mo)
	if err != nil {
		return err
	}
	c.Client = s
	c.closers = append(c.closers, s.Close)
	return nil
}

func (c *Cache) buildBigCache(ctx context.Context, cfg *Config, reg *fastcache.Registry, opts BuildOptions) error {
	bo := bigstore.Options{
		LifeWindow:         cfg.BigCache.LifeWindow,
		HardMaxCacheSizeMB: cfg.BigCache.HardMaxCacheSizeMB,
		Registry:           reg,
		DeleteGrace:        graceOf(cfg.Memory.DeleteGraceSeconds),
		Logger:             c.Logger,
		Hooks:              opts.Hooks,
	}
	if opts.Metrics != nil {
		bo.Metrics = prom.New(opts.Metrics, "fastcache", "bigcache", nil)
	}
	s, err := bigstore.New(ctx, bo)
	if err != nil {
		return err
	}
	c.Client = s
	c.closers = append(c.closers, s.Close)
	return nil
}

func (c *Cache) buildRedis(cfg *Config, reg *fastcache.Registry, opts BuildOptions) error {
	store, err := redisstore.New(redisstore.Options{
		URL:               cfg.Redis.URL,
		Registry:          reg,
		DoubleDeleteDelay: time.Duration(cfg.Redis.DoubleDeleteDelayMs) * time.Millisecond,
		BatchSize:         cfg.Redis.BatchSize,
		Logger:            c.Logger,
		Hooks:             opts.Hooks,
		Tracer:            opts.Tracer,
	})
	if err != nil {
		return err
	}
	c.closers = append(c.closers, store.Close)

	// the store's connection is the first lock backend
	clients := []redis.UniversalClient{store.Client()}
	for _, u := range cfg.Redis.LockURLs {
		ro, err := redis.ParseURL(strings.TrimSpace(u))
		if err != nil {
			return fmt.Errorf("%w: lock url: %v", fastcache.ErrInvalidConfig, err)
		}
		rdb := redis.NewClient(ro)
		clients = append(clients, rdb)
		c.closers = append(c.closers, func(context.Context) error { return rdb.Close() })
	}

	coord, err := redlock.New(redlock.Options{
		Clients:          clients,
		QuorumRetryCount: cfg.Lock.QuorumRetryCount,
		QuorumRetryDelay: time.Duration(cfg.Lock.QuorumRetryDelayMs) * time.Millisecond,
		Logger:           c.Logger,
		Hooks:            opts.Hooks,
		Tracer:           opts.Tracer,
	})
	if err != nil {
		return err
	}
	c.Client = fastcache.WithLock(store, coord)
	c.Locker = coord
	c.Searcher = store
	return nil
}

// graceOf maps delete_grace_seconds onto store options: <= 0 disables it.
func graceOf(seconds int) time.Duration {
	if seconds <= 0 {
		return -1
	}
	return time.Duration(seconds) * time.Second
}
