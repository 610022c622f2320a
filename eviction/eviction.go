// Package eviction selects which entries a full store drops.
package eviction

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"
)

// Candidate is a snapshot of one resident entry.
type Candidate struct {
	Key       string
	Hits      uint64
	CreatedAt time.Time
}

// Policy picks n victims out of entries. Implementations may reorder entries.
type Policy interface {
	Name() string
	Victims(entries []Candidate, n int) []string
}

// Evictions returns how many entries one pass removes from a store holding
// capacity entries: capacity/cleanupPercentage, at least one.
func Evictions(capacity, cleanupPercentage int) int {
	if cleanupPercentage <= 0 {
		cleanupPercentage = 10
	}
	n := capacity / cleanupPercentage
	if n < 1 {
		n = 1
	}
	return n
}

// Parse resolves a policy by its configuration name.
// "lru" and "ttl" are accepted as legacy names for the frequency and age policies.
func Parse(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "most-hits-survive", "lru":
		return MostHitsSurvive{}, nil
	case "newest-survives", "ttl":
		return NewestSurvives{}, nil
	case "random":
		return NewRandom(nil), nil
	default:
		return nil, fmt.Errorf("eviction: unknown policy %q", name)
	}
}

// MostHitsSurvive drops the entries read least often. Ties go to the older entry.
type MostHitsSurvive struct{}

func (MostHitsSurvive) Name() string { return "most-hits-survive" }

func (MostHitsSurvive) Victims(entries []Candidate, n int) []string {
	slices.SortFunc(entries, func(a, b Candidate) int {
		if a.Hits != b.Hits {
			if a.Hits < b.Hits {
				return -1
			}
			return 1
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return head(entries, n)
}

// NewestSurvives drops the oldest entries by insertion time.
type NewestSurvives struct{}

func (NewestSurvives) Name() string { return "newest-survives" }

func (NewestSurvives) Victims(entries []Candidate, n int) []string {
	slices.SortFunc(entries, func(a, b Candidate) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})
	return head(entries, n)
}

// Random drops a uniformly random subset.
type Random struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandom uses src when non-nil (deterministic tests) and a time-seeded
// PCG source otherwise.
func NewRandom(src rand.Source) *Random {
	if src == nil {
		now := uint64(time.Now().UnixNano())
		src = rand.NewPCG(now, now>>17|1)
	}
	return &Random{rnd: rand.New(src)}
}

func (*Random) Name() string { return "random" }

func (r *Random) Victims(entries []Candidate, n int) []string {
	if n > len(entries) {
		n = len(entries)
	}
	r.mu.Lock()
	// partial Fisher-Yates: the first n slots end up a uniform sample
	for i := 0; i < n; i++ {
		j := i + r.rnd.IntN(len(entries)-i)
		entries[i], entries[j] = entries[j], entries[i]
	}
	r.mu.Unlock()
	return head(entries, n)
}

func head(entries []Candidate, n int) []string {
	if n > len(entries) {
		n = len(entries)
	}
	if n <= 0 {
		return nil
	}
	out := make([]string, n)
	for i := range out {
		out[i] = entries[i].Key
	}
	return out
}
