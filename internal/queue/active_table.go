// ActiveTable tracks global admission: the set of tasks counted against the
// concurrency limit is {DOWNLOADING, INITIALIZING} plus a "discovery set" of tasks
// currently probing (no segments yet, but already admitted so a burst of Add calls
// can't blow past the limit before segments exist). Grounded on
// internal/queue/scheduler.go's activePerHost bookkeeping, generalized from a
// per-host map to a single global table.
package queue

import (
	"context"
	"sync"
)

// ActiveTable tracks every task counted against the global concurrency limit, plus
// its cancellation func so Shutdown/Remove/Pause can stop an in-flight worker.
type ActiveTable struct {
	mu       sync.Mutex
	limit    int
	active   map[string]struct{} // DOWNLOADING or INITIALIZING
	discover map[string]struct{} // admitted, probe in flight, no segments yet
	cancels  map[string]context.CancelFunc
}

func NewActiveTable(limit int) *ActiveTable {
	if limit <= 0 {
		limit = 1
	}
	return &ActiveTable{
		limit:    limit,
		active:   make(map[string]struct{}),
		discover: make(map[string]struct{}),
		cancels:  make(map[string]context.CancelFunc),
	}
}

func (a *ActiveTable) SetLimit(limit int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit <= 0 {
		limit = 1
	}
	a.limit = limit
}

func (a *ActiveTable) count() int {
	return len(a.active) + len(a.discover)
}

// TryAdmitDiscovery reserves a slot for a task about to probe the remote resource,
// before segments exist. Returns false if the global limit is already reached.
func (a *ActiveTable) TryAdmitDiscovery(taskID string, cancel context.CancelFunc) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count() >= a.limit {
		return false
	}
	a.discover[taskID] = struct{}{}
	a.cancels[taskID] = cancel
	return true
}

// PromoteToActive moves a task from the discovery set to the active set (segments
// now exist, state is transitioning to DOWNLOADING/INITIALIZING). Admission was
// already accounted for by TryAdmitDiscovery, so this never rejects.
func (a *ActiveTable) PromoteToActive(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.discover, taskID)
	a.active[taskID] = struct{}{}
}

// TryAdmitActive reserves a slot directly in the active set, for a resume that skips
// discovery (segments already known from a prior run).
func (a *ActiveTable) TryAdmitActive(taskID string, cancel context.CancelFunc) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count() >= a.limit {
		return false
	}
	a.active[taskID] = struct{}{}
	a.cancels[taskID] = cancel
	return true
}

// Release frees a task's slot, from either set, and drops its cancel func.
func (a *ActiveTable) Release(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.active, taskID)
	delete(a.discover, taskID)
	delete(a.cancels, taskID)
}

// Cancel invokes and forgets a task's cancel func, if one is registered. Used by
// Pause/Remove/Shutdown to stop an in-flight worker without waiting on Release.
func (a *ActiveTable) Cancel(taskID string) {
	a.mu.Lock()
	cancel := a.cancels[taskID]
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CancelAll stops every in-flight task, for Shutdown.
func (a *ActiveTable) CancelAll() {
	a.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(a.cancels))
	for _, c := range a.cancels {
		cancels = append(cancels, c)
	}
	a.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Count returns the current active_count for the invariant check in tests.
func (a *ActiveTable) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count()
}

// Limit returns the configured concurrency_limit.
func (a *ActiveTable) Limit() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.limit
}

// IsActive reports whether a task currently holds any slot.
func (a *ActiveTable) IsActive(taskID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, inActive := a.active[taskID]
	_, inDiscover := a.discover[taskID]
	return inActive || inDiscover
}
