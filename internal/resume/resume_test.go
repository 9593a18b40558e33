package resume

import (
	"os"
	"path/filepath"
	"testing"

	"dlm-go/internal/task"
)

// TestRollbackSoundness exercises P4: starting from data.part with bytes [0, N)
// written and a segment claiming progress up to N + 1MiB, post-rollback
// downloaded <= checkpoint <= N.
func TestRollbackSoundness(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "data.part")
	const n = 1024 * 1024
	if err := os.WriteFile(dataPath, make([]byte, n), 0o644); err != nil {
		t.Fatal(err)
	}

	seg := task.NewSegment(0, 2*n-1)
	seg.Checkpoint.Store(n)
	seg.Downloaded.Store(n + 1024*1024) // ahead of checkpoint

	tk := task.New("https://example.com/f.bin")
	tk.TotalSize = 2 * n
	_ = tk.SetSegments([]*task.Segment{seg})

	Check(tk, dataPath, false)

	if seg.Downloaded.Load() > seg.Checkpoint.Load() {
		t.Fatalf("downloaded %d > checkpoint %d after rollback", seg.Downloaded.Load(), seg.Checkpoint.Load())
	}
	if seg.Downloaded.Load() > n {
		t.Fatalf("downloaded %d exceeds N=%d after rollback", seg.Downloaded.Load(), n)
	}
}

// TestCheckIdempotent exercises L2: resume_safety(resume_safety(task)) == resume_safety(task).
func TestCheckIdempotent(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "data.part")
	if err := os.WriteFile(dataPath, make([]byte, 2048), 0o644); err != nil {
		t.Fatal(err)
	}

	seg := task.NewSegment(0, 2047)
	seg.Downloaded.Store(2048)
	seg.Checkpoint.Store(2048)
	startHash, endHash, err := HashSegmentEnds(dataPath, seg)
	if err != nil {
		t.Fatal(err)
	}
	seg.StartHash, seg.EndHash = startHash, endHash

	tk := task.New("https://example.com/f.bin")
	tk.TotalSize = 2048
	_ = tk.SetSegments([]*task.Segment{seg})

	first := Check(tk, dataPath, false)
	second := Check(tk, dataPath, false)
	if first != second {
		t.Fatalf("resume state not idempotent: first=%s second=%s", first, second)
	}
	if first != task.ResumeStable {
		t.Fatalf("expected stable state for untampered file, got %s", first)
	}
}

// TestCorruptionWipesSegment exercises scenario 5: a tampered end byte is detected
// and the segment's progress is wiped.
func TestCorruptionWipesSegment(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "data.part")
	data := make([]byte, 2048)
	if err := os.WriteFile(dataPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	seg := task.NewSegment(0, 2047)
	seg.Downloaded.Store(2048)
	seg.Checkpoint.Store(2048)
	startHash, endHash, err := HashSegmentEnds(dataPath, seg)
	if err != nil {
		t.Fatal(err)
	}
	seg.StartHash, seg.EndHash = startHash, endHash

	// Tamper the last byte.
	f, _ := os.OpenFile(dataPath, os.O_WRONLY, 0o644)
	f.WriteAt([]byte{0xFF}, 2047)
	f.Close()

	tk := task.New("https://example.com/f.bin")
	tk.TotalSize = 2048
	_ = tk.SetSegments([]*task.Segment{seg})

	state := Check(tk, dataPath, false)
	if state != task.ResumeUnstable {
		t.Fatalf("expected unstable state after tamper, got %s", state)
	}
	if seg.Downloaded.Load() != 0 || seg.Checkpoint.Load() != 0 {
		t.Fatalf("expected wiped segment, got downloaded=%d checkpoint=%d", seg.Downloaded.Load(), seg.Checkpoint.Load())
	}
}
