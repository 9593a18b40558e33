package finalize

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"dlm-go/internal/events"
	"dlm-go/internal/filesystem"
	"dlm-go/internal/integrity"
	"dlm-go/internal/security"
	"dlm-go/internal/storage"
	"dlm-go/internal/task"
	"dlm-go/internal/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeScanner is a security.Scanner test double whose verdict is fixed at
// construction, letting tests exercise both the clean and threat-found paths
// without depending on a real AV backend being installed.
type fakeScanner struct {
	result security.ScanResult
}

func (f *fakeScanner) Name() string { return "fake" }
func (f *fakeScanner) ScanFile(ctx context.Context, path string) (security.ScanResult, error) {
	return f.result, nil
}

func setupFinalizer(t *testing.T, digestEnabled bool, scanner security.Scanner) (*Finalizer, string, string) {
	t.Helper()
	root := t.TempDir()
	workDir := filepath.Join(root, "work")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatalf("mkdir workDir: %v", err)
	}
	dataPath := filepath.Join(workDir, "data.part")
	if err := os.WriteFile(dataPath, []byte("hello finalize"), 0o644); err != nil {
		t.Fatalf("write data.part: %v", err)
	}

	ws := workspace.New(root)
	organizer := filesystem.NewSmartOrganizer()
	digester := integrity.NewContentDigester()
	bus := events.New()

	f := New(testLogger(), ws, organizer, digester, func() bool { return digestEnabled }, scanner, bus)
	return f, workDir, dataPath
}

func TestFinalizeStandardHappyPath(t *testing.T) {
	f, workDir, dataPath := setupFinalizer(t, true, security.NewNoOpScanner(testLogger()))

	outDir := filepath.Join(t.TempDir(), "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		t.Fatalf("mkdir outDir: %v", err)
	}

	tk := task.New("https://example.com/file.bin")
	row := storage.DownloadTask{ID: tk.ID, Filename: "file.bin", SavePath: filepath.Join(outDir, "file.bin")}

	completed := f.bus.SubscribeCompleted()

	result, err := f.FinalizeStandard(tk, row, workDir, dataPath)
	if err != nil {
		t.Fatalf("FinalizeStandard: %v", err)
	}
	if result.ContentDigest == "" {
		t.Fatal("expected a non-empty ContentDigest when digestGate returns true")
	}
	if result.ScanThreat != "" {
		t.Fatalf("expected no scan threat from a NoOp scanner, got %q", result.ScanThreat)
	}
	if result.Integrity != task.IntegrityPending {
		t.Fatalf("expected IntegrityPending (no external hash to verify against), got %v", result.Integrity)
	}

	// File should have landed under an "Others" category dir alongside outDir.
	expectedDir := filepath.Join(outDir, "Others")
	if filepath.Dir(result.FinalPath) != expectedDir {
		t.Fatalf("expected final path under %s, got %s", expectedDir, result.FinalPath)
	}
	if _, err := os.Stat(result.FinalPath); err != nil {
		t.Fatalf("expected final artifact to exist: %v", err)
	}
	if _, err := os.Stat(dataPath); !os.IsNotExist(err) {
		t.Fatal("expected data.part to no longer exist at its original path")
	}
	if _, err := os.Stat(workDir); !os.IsNotExist(err) {
		t.Fatal("expected the workspace directory to be removed after finalization")
	}

	select {
	case e := <-completed:
		if e.TaskID != tk.ID {
			t.Fatalf("expected TaskCompleted for %s, got %s", tk.ID, e.TaskID)
		}
	default:
		t.Fatal("expected a TaskCompleted event to have been published")
	}
}

func TestFinalizeStandardDigestGateDisabled(t *testing.T) {
	f, workDir, dataPath := setupFinalizer(t, false, security.NewNoOpScanner(testLogger()))

	outDir := filepath.Join(t.TempDir(), "out")
	os.MkdirAll(outDir, 0o755)

	tk := task.New("https://example.com/file.bin")
	row := storage.DownloadTask{ID: tk.ID, Filename: "file.bin", SavePath: filepath.Join(outDir, "file.bin")}

	result, err := f.FinalizeStandard(tk, row, workDir, dataPath)
	if err != nil {
		t.Fatalf("FinalizeStandard: %v", err)
	}
	if result.ContentDigest != "" {
		t.Fatalf("expected a blank digest when digestGate returns false, got %q", result.ContentDigest)
	}
}

func TestFinalizeStandardScanThreatSurfaces(t *testing.T) {
	scanner := &fakeScanner{result: security.ScanResult{Clean: false, Threat: "EICAR-Test-Signature", Message: "quarantine disabled, file left in place"}}
	f, workDir, dataPath := setupFinalizer(t, true, scanner)

	outDir := filepath.Join(t.TempDir(), "out")
	os.MkdirAll(outDir, 0o755)

	tk := task.New("https://example.com/file.bin")
	row := storage.DownloadTask{ID: tk.ID, Filename: "file.bin", SavePath: filepath.Join(outDir, "file.bin")}

	result, err := f.FinalizeStandard(tk, row, workDir, dataPath)
	if err != nil {
		t.Fatalf("FinalizeStandard: %v", err)
	}
	if result.ScanThreat != "EICAR-Test-Signature" {
		t.Fatalf("expected the scanner's finding to surface on the result, got %q", result.ScanThreat)
	}
	// A scan finding is never a finalization failure: the artifact still lands.
	if _, err := os.Stat(result.FinalPath); err != nil {
		t.Fatalf("expected final artifact to exist despite the scan finding: %v", err)
	}
}

// TestFinalizeStandardSecondCallFailsOnMissingDataPart demonstrates why the
// Manager only ever invokes FinalizeStandard once per task, guarded by
// task.Task.TryEnterFinalizing: data.part is renamed away on the first call, so
// an un-guarded second call (the CAS loses the race) would try to rename a path
// that no longer exists rather than silently doing nothing.
func TestFinalizeStandardSecondCallFailsOnMissingDataPart(t *testing.T) {
	f, workDir, dataPath := setupFinalizer(t, true, security.NewNoOpScanner(testLogger()))

	outDir := filepath.Join(t.TempDir(), "out")
	os.MkdirAll(outDir, 0o755)

	tk := task.New("https://example.com/file.bin")
	row := storage.DownloadTask{ID: tk.ID, Filename: "file.bin", SavePath: filepath.Join(outDir, "file.bin")}

	if _, err := f.FinalizeStandard(tk, row, workDir, dataPath); err != nil {
		t.Fatalf("first FinalizeStandard: %v", err)
	}

	if _, err := f.FinalizeStandard(tk, row, workDir, dataPath); err == nil {
		t.Fatal("expected the second call to fail: data.part was already renamed away by the first")
	}
}

func TestFinalizeSharedMarksPartDone(t *testing.T) {
	root := t.TempDir()
	ws := workspace.New(root)
	dir := filepath.Join(root, "shared-artifact")
	segDir := filepath.Join(dir, workspace.SegmentsDirName)
	if err := os.MkdirAll(segDir, 0o755); err != nil {
		t.Fatalf("mkdir segDir: %v", err)
	}
	missingPath := filepath.Join(segDir, "000.missing")
	if err := os.WriteFile(missingPath, nil, 0o644); err != nil {
		t.Fatalf("touch missing marker: %v", err)
	}

	f := New(testLogger(), ws, filesystem.NewSmartOrganizer(), integrity.NewContentDigester(), func() bool { return true }, security.NewNoOpScanner(testLogger()), events.New())

	if err := f.FinalizeShared(dir, 0); err != nil {
		t.Fatalf("FinalizeShared: %v", err)
	}
	if _, err := os.Stat(filepath.Join(segDir, "000.done")); err != nil {
		t.Fatalf("expected 000.done marker: %v", err)
	}
	if _, err := os.Stat(missingPath); !os.IsNotExist(err) {
		t.Fatal("expected 000.missing marker to be removed")
	}
}
