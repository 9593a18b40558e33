package engine

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"dlm-go/internal/config"
	"dlm-go/internal/storage"
	"dlm-go/internal/task"
)

func newTestEngine(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewStorage(dir)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.NewConfigManager(store)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	m := NewManager(logger, store, cfg, dir)
	t.Cleanup(func() { m.Shutdown() })
	return m
}

func waitForState(t *testing.T, m *Manager, id string, want task.State, timeout time.Duration) storage.DownloadTask {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var row storage.DownloadTask
	for time.Now().Before(deadline) {
		var err error
		row, err = m.store.GetTask(id)
		if err == nil && row.Status == string(want) {
			return row
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach state %s in time, last status %q", id, want, row.Status)
	return row
}

// TestEndToEndSingleFileDownload drives a small rangeable download through
// discovery, segment execution, and finalization using a real HTTP server, with
// no mocking of the admission/dispatch path.
func TestEndToEndSingleFileDownload(t *testing.T) {
	payload := make([]byte, 256*1024+37) // under 20 MiB, so the planner gives it one segment
	for i := range payload {
		payload[i] = byte(i)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "payload.bin", time.Time{}, bytes.NewReader(payload))
	}))
	defer srv.Close()

	m := newTestEngine(t)
	outDir := t.TempDir()

	row, err := m.Add(AddRequest{URL: srv.URL, Filename: "payload.bin", SaveDir: outDir, Priority: 2})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	final := waitForState(t, m, row.ID, task.StateCompleted, 10*time.Second)
	if final.Downloaded != int64(len(payload)) {
		t.Fatalf("expected %d downloaded bytes, got %d", len(payload), final.Downloaded)
	}

	got, err := os.ReadFile(final.SavePath)
	if err != nil {
		t.Fatalf("reading final artifact at %s: %v", final.SavePath, err)
	}
	if len(got) != len(payload) {
		t.Fatalf("final artifact size mismatch: got %d want %d", len(got), len(payload))
	}
	if final.ContentDigest == "" {
		t.Fatal("expected a non-empty ContentDigest on a completed task")
	}
}

// TestEndToEndPauseAndResume exercises the cancellation-then-resume lifecycle:
// Pause must cancel the in-flight context and leave the task resumable, and
// Resume must complete it through the same dispatch path as a fresh task.
func TestEndToEndPauseAndResume(t *testing.T) {
	payload := make([]byte, 512*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.Header().Set("Accept-Ranges", "bytes")
			return
		}

		// Honor the requested byte range exactly, the way a real origin would, so
		// concurrent Segment Workers each write only their own slice. Trickle
		// slowly so there's a window to Pause mid-flight.
		start, end := int64(0), int64(len(payload)-1)
		if rng := r.Header.Get("Range"); rng != "" {
			var s, e int64
			if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &s, &e); err == nil {
				start, end = s, e
			}
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(payload)))
			w.WriteHeader(http.StatusPartialContent)
		}

		flusher, _ := w.(http.Flusher)
		const chunk = 4096
		for i := start; i <= end; i += chunk {
			j := i + chunk
			if j > end+1 {
				j = end + 1
			}
			w.Write(payload[i:j])
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(2 * time.Millisecond)
		}
	}))
	defer srv.Close()

	m := newTestEngine(t)
	outDir := t.TempDir()

	row, err := m.Add(AddRequest{URL: srv.URL, Filename: "slow.bin", SaveDir: outDir})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Give it a moment to start downloading, then pause.
	time.Sleep(50 * time.Millisecond)
	if err := m.Pause(row.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	paused := waitForState(t, m, row.ID, task.StatePaused, 5*time.Second)
	if paused.Status != string(task.StatePaused) {
		t.Fatalf("expected PAUSED, got %s", paused.Status)
	}

	if err := m.Resume(row.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitForState(t, m, row.ID, task.StateCompleted, 10*time.Second)
}
