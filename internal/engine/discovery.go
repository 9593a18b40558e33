package engine

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"dlm-go/internal/network"
	"dlm-go/internal/planner"
	"dlm-go/internal/resume"
	"dlm-go/internal/storage"
	"dlm-go/internal/task"
	"dlm-go/internal/workspace"
)

// growInterval is how often the Monitor re-evaluates max_connections.
const growInterval = 30 * time.Second

// runTask carries one admitted task through discovery, planning, workspace
// initialization, segment/stream execution, and hand-off to the Finalizer.
// Grounded on internal/engine/executor.go's executeTask, replacing its fixed
// chunking with the Planner/Segment model.
func (m *Manager) runTask(ctx context.Context, row storage.DownloadTask) {
	segRows, _ := m.store.GetSegments(row.ID)
	t := rowToTask(row, segRows)

	m.mu.Lock()
	m.live[t.ID] = t
	m.mu.Unlock()

	sess := network.Session{Referer: t.Referer, Headers: t.Headers, Cookies: t.Cookies, UserAgent: t.UserAgent}

	if len(t.Segments) == 0 {
		if err := m.discover(ctx, t, sess); err != nil {
			m.fail(t, err)
			return
		}
	}

	t.SetState(task.StateQueued)
	t.SetState(task.StateDownloading)
	m.active.PromoteToActive(t.ID)
	m.persist(t)

	dir, dataPath, ok := m.workspaceFor(t)
	if !ok {
		return
	}

	resume.Check(t, dataPath, t.Partial)
	if err := workspace.CheckDiskSpace(dir, t.TotalSize-t.GetDownloadedBytes()); err != nil {
		m.fail(t, err)
		return
	}

	m.execute(ctx, t, dir, dataPath, sess)
}

// discover runs the Network Adapter probe and the Planner, installing the task's
// initial segment set. A non-resumable or size-unknown origin always plans to a
// single segment handled later by the Stream Worker.
func (m *Manager) discover(ctx context.Context, t *task.Task, sess network.Session) error {
	t.SetState(task.StateInitializing)
	m.persist(t)

	probe, err := m.adapter.GetContentLength(ctx, t.URL, sess)
	if err != nil {
		return err
	}
	t.TotalSize = probe.Size
	t.Resumable = probe.AcceptRanges && probe.Size > 0
	t.ProbedViaStream = probe.ProbedViaStream
	if t.TargetFilename == "" {
		t.TargetFilename = probe.Filename
	}

	segments := planner.Plan(t.TotalSize, t.Resumable)
	// A declared part of a shared artifact plans only its own range from the
	// manifest ImportPartial wrote; without a manifest it plans the whole size.
	if t.SharedTaskID != "" && t.PartNumber != nil && t.Resumable {
		if manifest, lerr := m.ws.LoadManifest(m.ws.SharedDir(t.SharedTaskID)); lerr == nil {
			for _, pr := range manifest.PartRanges {
				if pr.Part == *t.PartNumber {
					segments = []*task.Segment{task.NewSegment(pr.Start, pr.End)}
				}
			}
		}
	}
	for _, s := range segments {
		s.PartNumber = t.PartNumber
	}
	if err := t.SetSegments(segments); err != nil {
		return err
	}
	t.MaxConnections = planner.ConnectionCount(t.TotalSize, t.Resumable)
	return nil
}

// workspaceFor initializes (or reopens) the on-disk workspace for t, choosing the
// shared layout when the task is a declared part of a multi-part artifact.
func (m *Manager) workspaceFor(t *task.Task) (dir, dataPath string, ok bool) {
	meta := workspace.Meta{
		ID: t.ID, URL: t.URL, Filename: t.TargetFilename, TotalSize: t.TotalSize,
		CreatedAt: t.CreatedAt.Format(time.RFC3339), Resumable: t.Resumable,
		ResumeState: string(t.Resume),
	}

	var err error
	if t.SharedTaskID != "" {
		sharedDir := m.ws.SharedDir(t.SharedTaskID)
		manifest, lerr := m.ws.LoadManifest(sharedDir)
		if lerr != nil {
			// First part to reach discovery for this artifact: build the manifest
			// from what we know of this task alone. A later part reopens the same
			// manifest via LoadManifest above instead of re-declaring it.
			part := 0
			if t.PartNumber != nil {
				part = *t.PartNumber
			}
			manifest = workspace.Manifest{
				ManifestType: "dlm.task.v2",
				TaskID:       t.SharedTaskID,
				URL:          t.URL,
				Filename:     t.TargetFilename,
				TotalSize:    t.TotalSize,
				Parts:        t.MaxConnections,
				PartRanges: []workspace.PartRange{{
					Part: part, Start: 0, End: t.TotalSize - 1, Size: t.TotalSize,
				}},
			}
		}
		dir, dataPath, err = m.ws.InitShared(t.SharedTaskID, manifest)
	} else {
		dir, dataPath, err = m.ws.InitStandard(meta)
	}
	if err != nil {
		m.fail(t, err)
		return "", "", false
	}
	return dir, dataPath, true
}

// execute spawns one worker per current segment, runs the monitor loop until every
// segment is complete or the context is cancelled, then hands off to the Finalizer.
func (m *Manager) execute(ctx context.Context, t *task.Task, dir, dataPath string, sess network.Session) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	spawn := func(seg *task.Segment) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if t.Resumable && t.TotalSize > 0 {
				err = m.runSegmentWorker(ctx, t, seg, dataPath, sess)
			} else {
				err = m.runStreamWorker(ctx, t, seg, dataPath, sess)
			}
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}

	m.mu.Lock()
	segs := append([]*task.Segment{}, t.Segments...)
	m.mu.Unlock()
	for _, seg := range segs {
		spawn(seg)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	lastGrow := time.Now()
	host := hostOf(t.URL)

monitorLoop:
	for {
		select {
		case <-done:
			break monitorLoop
		case <-ticker.C:
			t.Speed = m.sampler.Tick(t.ID, t.GetDownloadedBytes())
			m.stats.UpdateDownloadSpeed(int64(t.Speed))
			m.persist(t)
			if time.Since(lastGrow) >= growInterval {
				lastGrow = time.Now()
				t.MaxConnections = m.grower.Next(host, t.MaxConnections)
			}
			m.tryRebalance(ctx, t, dataPath, sess, spawn)
		}
	}
	m.sampler.Forget(t.ID)

	mu.Lock()
	werr := firstErr
	mu.Unlock()

	switch {
	case ctx.Err() != nil:
		t.SetState(task.StatePaused)
		m.persist(t)
	case errors.Is(werr, task.ErrSessionExpired):
		// The worker has already published SessionRenewalRequired; the task is
		// left PAUSED rather than FAILED.
		t.SetState(task.StatePaused)
		m.persist(t)
	case werr != nil:
		m.fail(t, werr)
	case t.AllSegmentsComplete():
		m.finish(t, dir, dataPath)
	default:
		// Context still live but not every segment finished: a worker returned
		// early (e.g. a shrink raced it to zero remaining) without error. The task
		// is left PAUSED; it runs again only after a Start or Resume command.
		t.SetState(task.StatePaused)
		m.persist(t)
	}
}

// finish runs the Finalizer exactly once, guarded by TryEnterFinalizing.
func (m *Manager) finish(t *task.Task, dir, dataPath string) {
	if !t.TryEnterFinalizing() {
		return
	}

	row := taskToRow(t)
	if t.SharedTaskID != "" && t.Partial {
		partNum := 0
		if t.PartNumber != nil {
			partNum = *t.PartNumber
		}
		if err := m.finalizer.FinalizeShared(dir, partNum); err != nil {
			m.logger.Error("failed to mark shared part done", "task", t.ID, "error", err)
		}
		t.SetState(task.StateCompleted)
		m.persist(t)
		return
	}

	result, err := m.finalizer.FinalizeStandard(t, row, dir, dataPath)
	if err != nil {
		m.logger.Error("finalization failed", "task", t.ID, "error", err)
		t.SetState(task.StateFailed)
		t.ErrorMessage = err.Error()
		m.persist(t)
		return
	}
	t.OutputPath = result.FinalPath
	t.Integrity = result.Integrity
	t.ContentDigest = result.ContentDigest
	t.ScanThreat = result.ScanThreat
	t.SetState(task.StateCompleted)
	m.persist(t)
	m.stats.TrackDownloadBytes(t.TotalSize)
	m.stats.TrackFileCompleted()
}

func (m *Manager) fail(t *task.Task, err error) {
	t.SetState(task.StateFailed)
	t.ErrorMessage = err.Error()
	m.persist(t)
	m.logger.Error("task failed", "task", t.ID, "error", err)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
