package queue

import (
	"log/slog"
	"os"
	"testing"

	"dlm-go/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestGetNextTaskHonorsExplicitHostLimit(t *testing.T) {
	q := NewDownloadQueue()
	s := NewSmartScheduler(testLogger(), q, nil)
	s.SetHostLimit("example.com", 1)

	t1 := &storage.DownloadTask{ID: "a", URL: "https://example.com/1", QueueOrder: 1}
	t2 := &storage.DownloadTask{ID: "b", URL: "https://example.com/2", QueueOrder: 2}
	q.Push(t1)
	q.Push(t2)

	got := s.GetNextTask(0, 5)
	if got == nil || got.ID != "a" {
		t.Fatalf("expected task a first, got %+v", got)
	}
	s.OnTaskStarted(got)

	// example.com is now at its limit of 1; the next candidate for the same
	// host must be skipped even though it's next in queue order.
	next := s.GetNextTask(1, 5)
	if next != nil {
		t.Fatalf("expected no admissible task while example.com is at its limit, got %+v", next)
	}
	if q.Len() != 1 {
		t.Fatalf("expected task b to remain queued, queue len = %d", q.Len())
	}
}

func TestGetNextTaskGlobalAdmissionCap(t *testing.T) {
	q := NewDownloadQueue()
	s := NewSmartScheduler(testLogger(), q, nil)
	q.Push(&storage.DownloadTask{ID: "a", URL: "https://example.com/1", QueueOrder: 1})

	if got := s.GetNextTask(5, 5); got != nil {
		t.Fatalf("expected nil when activeCount >= maxConcurrent, got %+v", got)
	}
	if q.Len() != 1 {
		t.Fatal("GetNextTask must not remove a candidate it didn't admit")
	}
}

func TestGetNextTaskSkipsScheduledForLater(t *testing.T) {
	q := NewDownloadQueue()
	s := NewSmartScheduler(testLogger(), q, nil)
	q.Push(&storage.DownloadTask{ID: "a", URL: "https://example.com/1", QueueOrder: 1, StartTime: "2999-01-01T00:00:00Z"})
	q.Push(&storage.DownloadTask{ID: "b", URL: "https://example.com/2", QueueOrder: 2})

	got := s.GetNextTask(0, 5)
	if got == nil || got.ID != "b" {
		t.Fatalf("expected task b (not yet-due task a) to be admitted, got %+v", got)
	}
}

func TestOnTaskCompletedReleasesHostSlot(t *testing.T) {
	q := NewDownloadQueue()
	s := NewSmartScheduler(testLogger(), q, nil)
	s.SetHostLimit("example.com", 1)

	running := &storage.DownloadTask{ID: "a", URL: "https://example.com/1"}
	s.OnTaskStarted(running)
	if running.Domain != "example.com" {
		t.Fatalf("expected OnTaskStarted to stamp Domain, got %q", running.Domain)
	}

	q.Push(&storage.DownloadTask{ID: "b", URL: "https://example.com/2", QueueOrder: 1})
	if got := s.GetNextTask(0, 5); got != nil {
		t.Fatalf("expected example.com to be at its limit before completion, got %+v", got)
	}
	// Re-queue it since GetNextTask would have removed it had it been admitted.
	s.OnTaskCompleted(running)

	got := s.GetNextTask(0, 5)
	if got == nil || got.ID != "b" {
		t.Fatalf("expected task b admissible after the host slot was released, got %+v", got)
	}
}

// fakeCongestionAdvisor is a minimal congestionAdvisor test double, standing in
// for network.CongestionController without importing the network package.
type fakeCongestionAdvisor struct{ ideal int }

func (f *fakeCongestionAdvisor) GetIdealConcurrency(host string) int { return f.ideal }

func TestGetNextTaskFallsBackToCongestionAdvisor(t *testing.T) {
	q := NewDownloadQueue()
	advisor := &fakeCongestionAdvisor{ideal: 1}
	s := NewSmartScheduler(testLogger(), q, advisor)
	// No explicit SetHostLimit: the advisor's recommendation governs.

	t1 := &storage.DownloadTask{ID: "a", URL: "https://slow.example/1", QueueOrder: 1}
	t2 := &storage.DownloadTask{ID: "b", URL: "https://slow.example/2", QueueOrder: 2}
	q.Push(t1)
	q.Push(t2)

	got := s.GetNextTask(0, 5)
	if got == nil || got.ID != "a" {
		t.Fatalf("expected task a, got %+v", got)
	}
	s.OnTaskStarted(got)

	if next := s.GetNextTask(1, 5); next != nil {
		t.Fatalf("expected congestion advisor's limit of 1 to block admission, got %+v", next)
	}

	// Once the advisor reports more headroom, admission should follow.
	advisor.ideal = 5
	next := s.GetNextTask(1, 5)
	if next == nil || next.ID != "b" {
		t.Fatalf("expected task b admissible once the advisor raised its limit, got %+v", next)
	}
}

func TestNilCongestionAdvisorMeansUnlimited(t *testing.T) {
	q := NewDownloadQueue()
	s := NewSmartScheduler(testLogger(), q, nil)

	t1 := &storage.DownloadTask{ID: "a", URL: "https://example.com/1", QueueOrder: 1}
	t2 := &storage.DownloadTask{ID: "b", URL: "https://example.com/2", QueueOrder: 2}
	q.Push(t1)
	q.Push(t2)

	s.OnTaskStarted(s.GetNextTask(0, 5))
	// With no explicit limit and no advisor, a second task on the same host is
	// still admissible.
	if got := s.GetNextTask(1, 5); got == nil || got.ID != "b" {
		t.Fatalf("expected task b admissible with no host limit or advisor, got %+v", got)
	}
}
