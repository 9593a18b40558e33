// Package monitor implements per-task throughput sampling and adaptive
// connection-count growth. It holds no task state of its own: the Manager's 1 Hz
// ticker calls Sampler.Tick and, every 30s, Grower.Next, so a Sampler/Grower pair
// can be shared across every concurrently downloading task. Grounded on
// internal/engine/executor.go's inline speed-calculation block and
// internal/network/congestion.go's AIMD controller, generalized from one
// hardcoded loop into a reusable collaborator.
package monitor

import (
	"sync"
	"time"

	"dlm-go/internal/network"
)

type sample struct {
	bytes int64
	at    time.Time
}

// Sampler computes instantaneous bytes/sec for each task from successive
// downloaded-byte readings, sampling throughput once per second.
type Sampler struct {
	mu   sync.Mutex
	last map[string]sample
}

func NewSampler() *Sampler {
	return &Sampler{last: make(map[string]sample)}
}

// Tick records a new downloaded-byte total for taskID and returns the bytes/sec
// rate since the previous tick. The first call for a task returns 0.
func (s *Sampler) Tick(taskID string, downloaded int64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	prev, ok := s.last[taskID]
	s.last[taskID] = sample{bytes: downloaded, at: now}
	if !ok {
		return 0
	}

	elapsed := now.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	delta := downloaded - prev.bytes
	if delta < 0 {
		delta = 0
	}
	return float64(delta) / elapsed
}

// Forget drops a task's sampling history once it leaves the active set, so the
// map doesn't grow unbounded across a long-running process.
func (s *Sampler) Forget(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.last, taskID)
}

// Grower wraps the congestion controller's AIMD decision with a connection cap:
// max_connections grows by observed network conditions but never exceeds 8,
// and only re-evaluates every 30s (the Manager's ticker enforces the cadence).
type Grower struct {
	cc  *network.CongestionController
	cap int
}

func NewGrower(cc *network.CongestionController, cap int) *Grower {
	if cap <= 0 {
		cap = 8
	}
	return &Grower{cc: cc, cap: cap}
}

// Next returns the next max_connections value for host, never less than current
// and never more than the cap.
func (g *Grower) Next(host string, current int) int {
	ideal := g.cc.GetIdealConcurrency(host)
	if ideal > g.cap {
		ideal = g.cap
	}
	if ideal < current {
		return current // growth only; Rebalance is additive, never shrinks connection count
	}
	return ideal
}
