package memory

import (
	"errors"
	"fmt"
	"time"

	"github.com/unkn0wn-root/fastcache"
	"github.com/unkn0wn-root/fastcache/eviction"
)

const (
	DefaultShards            = 5
	MaxShards                = 128
	DefaultShardCapacity     = 500_000
	DefaultCleanupPercentage = 10
	DefaultDeleteGrace       = 2 * time.Second
)

var ErrInvalidShardCount = errors.New("memory: shard count out of range")

// EvictReason labels why an entry left the store.
type EvictReason int

const (
	EvictCapacity EvictReason = iota
	EvictExpired
	EvictDeleted
)

func (r EvictReason) String() string {
	switch r {
	case EvictExpired:
		return "expired"
	case EvictDeleted:
		return "deleted"
	default:
		return "capacity"
	}
}

// Metrics receives store events. Implementations must be goroutine-safe.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictReason)
	Size(entries int)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) Hit()              {}
func (NoopMetrics) Miss()             {}
func (NoopMetrics) Evict(EvictReason) {}
func (NoopMetrics) Size(int)          {}

// Clock supplies the current time; tests swap in a fake.
type Clock interface{ Now() time.Time }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options configure a Store. Zero values take the defaults noted per field.
type Options struct {
	Shards        int // partitions; 0 => 5; must be <= 128
	ShardCapacity int // entries per shard before eviction; 0 => 500000 unless Capacity is set
	Capacity      int // ceiling on the whole store; a pass spans every shard. Ignored when ShardCapacity is set

	Policy            eviction.Policy // nil => most-hits-survive
	CleanupPercentage int             // a pass evicts capacity/CleanupPercentage entries; 0 => 10

	// DeleteGrace is the delay before the second physical removal that
	// follows every delete. 0 => 2s; negative disables it.
	DeleteGrace time.Duration

	// Registry, when set, supplies Type/Origin tags for registered values.
	// Unregistered values are tagged by reflection.
	Registry *fastcache.Registry

	Metrics Metrics          // nil => NoopMetrics
	Logger  fastcache.Logger // nil => NopLogger
	Hooks   fastcache.Hooks  // nil => NopHooks
	Clock   Clock            // nil => wall clock
}

func (o Options) withDefaults() (Options, error) {
	if o.Shards < 0 || o.Shards > MaxShards {
		return o, fmt.Errorf("%w: %d (want 1..%d)", ErrInvalidShardCount, o.Shards, MaxShards)
	}
	o.Shards = fastcache.Coalesce(o.Shards, DefaultShards)
	if o.ShardCapacity < 0 || o.Capacity < 0 {
		return o, fmt.Errorf("%w: negative capacity", fastcache.ErrInvalidConfig)
	}
	switch {
	case o.ShardCapacity > 0:
		o.Capacity = 0
	case o.Capacity == 0:
		o.ShardCapacity = DefaultShardCapacity
	}
	if o.CleanupPercentage < 0 {
		return o, fmt.Errorf("%w: cleanup percentage %d", fastcache.ErrInvalidConfig, o.CleanupPercentage)
	}
	o.CleanupPercentage = fastcache.Coalesce(o.CleanupPercentage, DefaultCleanupPercentage)
	o.DeleteGrace = fastcache.Coalesce(o.DeleteGrace, DefaultDeleteGrace)
	if o.Policy == nil {
		o.Policy = eviction.MostHitsSurvive{}
	}
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
	o.Logger = fastcache.OrNopLogger(o.Logger)
	o.Hooks = fastcache.OrNopHooks(o.Hooks)
	return o, nil
}
