// Package queue holds the task admission path: DownloadQueue stores QUEUED
// rows, ActiveTable bounds how many run concurrently, and SmartScheduler
// picks which queued row gets the next admitted slot.
package queue

import (
	"log/slog"
	"net/url"
	"sync"
	"time"

	"dlm-go/internal/storage"
)

// congestionAdvisor is the subset of network.CongestionController SmartScheduler
// consults: when a host has no operator-set limit, the scheduler falls back to
// whatever concurrency the AIMD controller currently considers safe for that
// host instead of treating it as unlimited.
type congestionAdvisor interface {
	GetIdealConcurrency(host string) int
}

// SmartScheduler decides which queued task is admitted next, applying
// per-host concurrency caps on top of the Manager's global admission count.
type SmartScheduler struct {
	logger        *slog.Logger
	queue         *DownloadQueue
	congestion    congestionAdvisor // nil means no dynamic fallback, only explicit hostLimits apply
	hostLimits    map[string]int    // domain -> operator-set max concurrent
	activePerHost map[string]int    // domain -> currently admitted count
	mu            sync.Mutex
}

func NewSmartScheduler(logger *slog.Logger, queue *DownloadQueue, congestion congestionAdvisor) *SmartScheduler {
	return &SmartScheduler{
		logger:        logger,
		queue:         queue,
		congestion:    congestion,
		hostLimits:    make(map[string]int),
		activePerHost: make(map[string]int),
	}
}

func (s *SmartScheduler) SetHostLimit(domain string, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hostLimits[domain] = limit
}

func (s *SmartScheduler) GetHostLimit(domain string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit, ok := s.hostLimits[domain]; ok {
		return limit
	}
	return 0 // 0 means unlimited
}

// OnTaskStarted records admission against a task's host and stamps its Domain
// column, so a later OnTaskCompleted (or an admin inspecting the row) knows
// which host bucket it was charged against.
func (s *SmartScheduler) OnTaskStarted(task *storage.DownloadTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	domain := extractDomain(task.URL)
	s.activePerHost[domain]++
	task.Domain = domain
}

// OnTaskCompleted releases a task's host slot and wakes the queue, since a
// host that was at its limit may now have room for the next candidate.
func (s *SmartScheduler) OnTaskCompleted(task *storage.DownloadTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	domain := extractDomain(task.URL)
	if s.activePerHost[domain] > 0 {
		s.activePerHost[domain]--
	}
	s.queue.Broadcast()
}

// hostLimitFor resolves the admission cap for a domain: an operator-set
// hostLimits entry wins outright; absent that, a congestion advisor's current
// ideal concurrency is used so a struggling host throttles itself even
// without an explicit limit; with neither, the host is uncapped.
func (s *SmartScheduler) hostLimitFor(domain string) int {
	if limit := s.GetHostLimit(domain); limit > 0 {
		return limit
	}
	if s.congestion != nil {
		return s.congestion.GetIdealConcurrency(domain)
	}
	return 0
}

// GetNextTask scans the queue for the first task that is both due (StartTime
// has passed, if set) and under its host's admission cap, removing it from
// the queue on selection. Scanning past an earlier-queued-but-capped task
// means queue order is FIFO per host, not globally strict.
func (s *SmartScheduler) GetNextTask(activeCount, maxConcurrent int) *storage.DownloadTask {
	if activeCount >= maxConcurrent {
		return nil
	}

	candidates := s.queue.GetAll()
	for _, candidate := range candidates {
		if candidate.StartTime != "" {
			t, err := time.Parse(time.RFC3339, candidate.StartTime)
			if err == nil && time.Now().Before(t) {
				continue // scheduled for later
			}
		}

		domain := extractDomain(candidate.URL)
		limit := s.hostLimitFor(domain)

		s.mu.Lock()
		active := s.activePerHost[domain]
		s.mu.Unlock()

		if limit > 0 && active >= limit {
			continue // host at its cap, try the next candidate
		}

		if s.queue.Remove(candidate.ID) {
			return candidate
		}
	}

	return nil
}

func extractDomain(urlStr string) string {
	u, err := url.Parse(urlStr)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
