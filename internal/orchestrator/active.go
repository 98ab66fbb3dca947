package orchestrator

import (
	"sync"
)

// ActiveRegistry is the per-task mutual exclusion marker. Exactly one
// coordinator invocation may drive a task at a time; recovery, retry and
// health sweeps check the marker before re-invoking the coordinator.
type ActiveRegistry struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func NewActiveRegistry() *ActiveRegistry {
	return &ActiveRegistry{active: make(map[string]struct{})}
}

// TryAcquire marks taskID as actively orchestrated. Returns false when
// another invocation already holds the marker.
func (r *ActiveRegistry) TryAcquire(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[taskID]; ok {
		return false
	}
	r.active[taskID] = struct{}{}
	return true
}

// Release clears the marker. Safe to call for a task that is not held.
func (r *ActiveRegistry) Release(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, taskID)
}

// IsActive reports whether a coordinator currently drives taskID.
func (r *ActiveRegistry) IsActive(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[taskID]
	return ok
}
