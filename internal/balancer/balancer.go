// Package balancer implements the pluggable load-balancing policies that
// select one live instance from a candidate list. Policies are pure over
// their input plus RNG/counter state, so a scheduler can swap them without
// touching instance internals.
package balancer

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Candidate is the read-only view of an instance a policy chooses over.
// Implementations in internal/instance satisfy this.
type Candidate interface {
	AccountID() string
	CoreSize() int
	Weight() int
	RunningCount() int
	QueueDepth() int
}

// Policy chooses one candidate from a non-empty list, or reports none when
// the list is empty.
type Policy interface {
	Choose(candidates []Candidate) (Candidate, bool)
}

// BestWaitIdle maximizes free slots; on an all-busy field it picks the
// candidate with the lowest load ratio.
type BestWaitIdle struct{}

func (BestWaitIdle) Choose(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	bestFreeIdx := -1
	bestFree := 0
	for i, c := range candidates {
		free := c.CoreSize() - c.RunningCount()
		if free > 0 && (bestFreeIdx == -1 || free > bestFree) {
			bestFreeIdx = i
			bestFree = free
		}
	}
	if bestFreeIdx != -1 {
		return candidates[bestFreeIdx], true
	}

	bestIdx := 0
	bestLoad := loadRatio(candidates[0])
	for i := 1; i < len(candidates); i++ {
		if r := loadRatio(candidates[i]); r < bestLoad {
			bestLoad = r
			bestIdx = i
		}
	}
	return candidates[bestIdx], true
}

func loadRatio(c Candidate) float64 {
	core := c.CoreSize()
	if core <= 0 {
		core = 1
	}
	return float64(c.RunningCount()+c.QueueDepth()) / float64(core)
}

// RoundRobin cycles through the candidate list via a monotonic counter that
// survives across calls but not process restarts.
type RoundRobin struct {
	pos atomic.Int64
}

func NewRoundRobin() *RoundRobin {
	rr := &RoundRobin{}
	rr.pos.Store(-1)
	return rr
}

func (rr *RoundRobin) Choose(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	p := rr.pos.Add(1)
	idx := int(p % int64(len(candidates)))
	if idx < 0 {
		idx += len(candidates)
	}
	return candidates[idx], true
}

// Random uniformly picks over the candidate list using a shared,
// concurrency-safe pseudo-random source.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom creates a Random policy. A nil rng gets a time-seeded source;
// tests inject a fixed-seed one for determinism.
func NewRandom(rng *rand.Rand) *Random {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Random{rng: rng}
}

func (r *Random) Choose(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	r.mu.Lock()
	idx := r.rng.Intn(len(candidates))
	r.mu.Unlock()
	return candidates[idx], true
}

// Weight samples over the cumulative-weight prefix sum. Instances with
// weight 0 are unreachable.
type Weight struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewWeight(rng *rand.Rand) *Weight {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Weight{rng: rng}
}

func (w *Weight) Choose(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	total := 0
	for _, c := range candidates {
		total += c.Weight()
	}
	if total <= 0 {
		return candidates[len(candidates)-1], true
	}

	w.mu.Lock()
	r := w.rng.Intn(total)
	w.mu.Unlock()

	cum := 0
	for _, c := range candidates {
		cum += c.Weight()
		if cum > r {
			return c, true
		}
	}
	return candidates[len(candidates)-1], true
}
