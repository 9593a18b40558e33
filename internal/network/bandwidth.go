// Package network provides bandwidth management and congestion control
// for download operations.
package network

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Priority levels a task can be registered under with SetTaskPriority, matching
// the 0/1/2 scheme storage.DownloadTask.Priority and task.Task.Priority already
// use (0=Low, 1=Normal, 2=High) rather than an independent 1/2/3 numbering.
const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
)

// BandwidthManager handles global speed limiting with zero overhead when disabled
type BandwidthManager struct {
	globalLimiter *rate.Limiter
	limitEnabled  atomic.Bool
	mu            sync.RWMutex

	// Map of TaskID -> Priority Level, set by the Command Surface on Add/SetPriority.
	taskPriorities map[string]int
}

// NewBandwidthManager creates a new bandwidth manager with no limits
func NewBandwidthManager() *BandwidthManager {
	return &BandwidthManager{
		// Default to strict limit initially, but enabled=false bypasses it
		globalLimiter:  rate.NewLimiter(rate.Inf, 0),
		taskPriorities: make(map[string]int),
	}
}

// SetLimit updates the global speed limit in bytes per second
// 0 means unlimited
func (bm *BandwidthManager) SetLimit(bytesPerSec int) {
	if bytesPerSec <= 0 {
		bm.limitEnabled.Store(false)
		bm.globalLimiter.SetLimit(rate.Inf)
	} else {
		bm.limitEnabled.Store(true)
		bm.globalLimiter.SetLimit(rate.Limit(bytesPerSec))
		bm.globalLimiter.SetBurst(bytesPerSec) // Allow 1s burst
	}
}

// SetTaskPriority sets the priority for a specific task. A removed task's entry
// is dropped by ForgetTask, not reset through this call.
func (bm *BandwidthManager) SetTaskPriority(taskID string, priority int) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.taskPriorities[taskID] = priority
}

// ForgetTask drops a task's priority entry once it leaves the active set, so the
// map doesn't grow unbounded across a long-running daemon.
func (bm *BandwidthManager) ForgetTask(taskID string) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	delete(bm.taskPriorities, taskID)
}

// Wait blocks until the requested bytes can be consumed
// Returns fast if limit is disabled
func (bm *BandwidthManager) Wait(ctx context.Context, taskID string, bytes int) error {
	// 1. FAST PATH: Zero overhead check
	if !bm.limitEnabled.Load() {
		return nil
	}

	// 2. Priority Logic
	bm.mu.RLock()
	priority, ok := bm.taskPriorities[taskID]
	if !ok {
		priority = PriorityNormal
	}
	bm.mu.RUnlock()

	err := bm.globalLimiter.WaitN(ctx, bytes)
	if err != nil {
		return err
	}

	if priority == PriorityLow {
		// Artificial delay for low priority tasks to yield to high priority ones
		time.Sleep(10 * time.Millisecond)
	}

	return nil
}
