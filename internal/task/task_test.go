package task

import "testing"

// TestDisjointRanges exercises P1/I3: overlapping segments must be rejected.
func TestDisjointRanges(t *testing.T) {
	tk := New("https://example.com/file.bin")
	err := tk.SetSegments([]*Segment{
		NewSegment(0, 99),
		NewSegment(100, 199),
	})
	if err != nil {
		t.Fatalf("disjoint segments should be accepted: %v", err)
	}

	err = tk.AppendSegment(NewSegment(50, 149))
	if err == nil {
		t.Fatal("overlapping segment should have been rejected")
	}
}

func TestStateMachineTransitions(t *testing.T) {
	tk := New("https://example.com/file.bin")
	if tk.State != StateQueued {
		t.Fatalf("new task should start QUEUED, got %s", tk.State)
	}

	if err := tk.SetState(StateInitializing); err != nil {
		t.Fatalf("QUEUED -> INITIALIZING should be legal: %v", err)
	}
	if err := tk.SetState(StateDownloading); err == nil {
		t.Fatal("INITIALIZING -> DOWNLOADING should be illegal (must re-enter QUEUED)")
	}
	if err := tk.SetState(StateQueued); err != nil {
		t.Fatalf("INITIALIZING -> QUEUED should be legal: %v", err)
	}
	if err := tk.SetState(StateDownloading); err != nil {
		t.Fatalf("QUEUED -> DOWNLOADING should be legal: %v", err)
	}
	if err := tk.SetState(StateCompleted); err != nil {
		t.Fatalf("DOWNLOADING -> COMPLETED should be legal: %v", err)
	}
	if err := tk.SetState(StateDownloading); err == nil {
		t.Fatal("COMPLETED -> DOWNLOADING should be illegal")
	}
}

// TestFinalizingGuard exercises the single-writer finalization guard: only one of
// two successive callers may win TryEnterFinalizing.
func TestFinalizingGuard(t *testing.T) {
	tk := New("https://example.com/file.bin")
	tk.State = StateDownloading

	winners := 0
	for i := 0; i < 2; i++ {
		if tk.TryEnterFinalizing() {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners)
	}
}

func TestAllSegmentsComplete(t *testing.T) {
	tk := New("https://example.com/file.bin")
	a, b := NewSegment(0, 9), NewSegment(10, 19)
	_ = tk.SetSegments([]*Segment{a, b})

	if tk.AllSegmentsComplete() {
		t.Fatal("fresh task should not be complete")
	}
	a.Downloaded.Store(10)
	b.Downloaded.Store(10)
	if !tk.AllSegmentsComplete() {
		t.Fatal("task with all segments full should be complete")
	}
}
