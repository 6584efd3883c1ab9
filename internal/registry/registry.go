// Package registry holds the dispatcher's live instance set, keyed by
// account id. A coarse sync.RWMutex guards the map: registration and
// removal are rare admin operations relative to the read-heavy Alive/Get
// traffic from the balancer and submission facade.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/basket/dispatchd/internal/balancer"
)

// Instance is the surface the registry needs from a runtime: everything
// balancer.Candidate needs, plus whether it is currently a selection
// candidate at all.
type Instance interface {
	balancer.Candidate
	Enabled() bool
}

// Snapshot is a point-in-time view of one registered instance, used by the
// TUI and any future admin endpoint.
type Snapshot struct {
	AccountID string
	Enabled   bool
	CoreSize  int
	Running   int
	Queued    int
}

// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]Instance
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{instances: make(map[string]Instance)}
}

// Register adds or replaces the instance for accountID.
func (r *Registry) Register(accountID string, inst Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[accountID] = inst
}

// Unregister removes accountID, if present.
func (r *Registry) Unregister(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, accountID)
}

// Get returns the instance for accountID.
func (r *Registry) Get(accountID string) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[accountID]
	return inst, ok
}

// Len reports how many instances are registered, enabled or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// Alive returns the subset of registered instances with Enabled() == true,
// in a stable order so balancer policies like RoundRobin behave
// deterministically run to run.
func (r *Registry) Alive() []balancer.Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]balancer.Candidate, 0, len(r.instances))
	ids := make([]string, 0, len(r.instances))
	for id, inst := range r.instances {
		if inst.Enabled() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, r.instances[id])
	}
	return out
}

// Snapshot returns a stable-ordered point-in-time view of every registered
// instance, for the TUI and admin tooling.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		inst := r.instances[id]
		out = append(out, Snapshot{
			AccountID: id,
			Enabled:   inst.Enabled(),
			CoreSize:  inst.CoreSize(),
			Running:   inst.RunningCount(),
			Queued:    inst.QueueDepth(),
		})
	}
	return out
}

// ErrNotFound reports that no instance is registered for an account id. No
// Registry method returns it; Get reports absence through its bool.
type ErrNotFound struct{ AccountID string }

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("registry: no instance registered for account %q", e.AccountID)
}
