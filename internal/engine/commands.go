// Command Surface: Add/Start/Pause/Resume/Remove/Retry/ImportPartial/SetPriority/
// reorder/history queries, the external entry points into the engine. Grounded on
// internal/engine/downloads.go's method set, rebuilt against the Manager/task.Task
// world instead of the old flat storage.DownloadTask+options-map API.
package engine

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"dlm-go/internal/filesystem"
	"dlm-go/internal/storage"
	"dlm-go/internal/task"
	"dlm-go/internal/workspace"

	"github.com/google/uuid"
)

// AddRequest is everything the Command Surface needs to queue a new task.
type AddRequest struct {
	URL            string
	Referer        string
	Headers        []task.Header
	Cookies        map[string]string
	UserAgent      string
	Filename       string
	SaveDir        string
	FolderID       *int64
	Priority       int
	SharedTaskID   string
	PartNumber     *int
	MaxConnections int
}

// Add validates and queues a new task in QUEUED state. It never probes the URL
// itself; discovery happens lazily once the dispatch loop admits the task.
func (m *Manager) Add(req AddRequest) (*storage.DownloadTask, error) {
	if _, err := url.ParseRequestURI(req.URL); err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	t := task.New(req.URL)
	t.Referer = req.Referer
	t.Headers = req.Headers
	if req.Cookies != nil {
		t.Cookies = req.Cookies
	}
	t.UserAgent = req.UserAgent
	if t.UserAgent == "" {
		t.UserAgent = m.cfg.GetUserAgent()
	}
	t.TargetFilename = req.Filename
	t.FolderID = req.FolderID
	t.Priority = req.Priority
	t.SharedTaskID = req.SharedTaskID
	t.Partial = req.SharedTaskID != ""
	if req.MaxConnections > 0 {
		t.MaxConnections = req.MaxConnections
	}

	row := taskToRow(t)
	row.QueueOrder = m.q.GetNextOrder()
	row.Category = strings.TrimPrefix(filepath.Ext(req.Filename), ".")
	if req.SaveDir != "" {
		row.SavePath = filepath.Join(req.SaveDir, req.Filename)
	}
	if req.PartNumber != nil {
		row.AssignedPartsSummary = fmt.Sprintf("part %d", *req.PartNumber)
	}

	if err := m.store.SaveTask(row); err != nil {
		return nil, err
	}
	m.q.Push(&row)
	m.bandwidth.SetTaskPriority(row.ID, row.Priority)
	return &row, nil
}

// ImportPartial declares every part of a multi-part artifact at once, writing the
// shared manifest up front so later parts don't each have to guess at Parts/
// PartRanges. ranges must already be disjoint and cover [0, totalSize).
func (m *Manager) ImportPartial(baseReq AddRequest, totalSize int64, ranges []workspace.PartRange) ([]*storage.DownloadTask, error) {
	sharedID := baseReq.SharedTaskID
	if sharedID == "" {
		sharedID = uuid.NewString()
	}

	manifest := workspace.Manifest{
		ManifestType: "dlm.task.v2",
		TaskID:       sharedID,
		URL:          baseReq.URL,
		Filename:     baseReq.Filename,
		TotalSize:    totalSize,
		Parts:        len(ranges),
		PartRanges:   ranges,
	}
	if _, _, err := m.ws.InitShared(sharedID, manifest); err != nil {
		return nil, err
	}

	rows := make([]*storage.DownloadTask, 0, len(ranges))
	for _, pr := range ranges {
		part := pr.Part
		req := baseReq
		req.SharedTaskID = sharedID
		req.PartNumber = &part
		row, err := m.Add(req)
		if err != nil {
			return rows, err
		}
		row.TotalSize = totalSize
		row.Resumable = true
		m.store.SaveTask(*row)
		rows = append(rows, row)
	}
	m.q.Broadcast()
	return rows, nil
}

// Start admits a QUEUED, PAUSED or FAILED task ahead of its natural queue
// position: any existing queue entry is dropped and the row is re-queued at the
// head (QueueOrder 0, priority 2), which wakes the dispatch loop. The global
// admission limit still applies.
func (m *Manager) Start(id string) error {
	row, err := m.store.GetTask(id)
	if err != nil {
		return err
	}
	if row.Status != string(task.StateQueued) && row.Status != string(task.StatePaused) && row.Status != string(task.StateFailed) {
		return nil
	}
	row.Status = string(task.StateQueued)
	row.Priority = 2
	row.QueueOrder = 0
	if err := m.store.SaveTask(row); err != nil {
		return err
	}
	m.q.Remove(id)
	m.q.Push(&row)
	return nil
}

// Pause cancels an in-flight task's context (the Segment/Stream Workers observe
// ctx.Done and the monitor loop transitions it to PAUSED) or, if it's merely
// queued, removes it from the queue directly.
func (m *Manager) Pause(id string) error {
	m.active.Cancel(id)

	if m.q.Remove(id) {
		row, err := m.store.GetTask(id)
		if err != nil {
			return err
		}
		row.Status = string(task.StatePaused)
		return m.store.SaveTask(row)
	}
	return nil
}

// Resume re-queues a PAUSED or FAILED task for admission.
func (m *Manager) Resume(id string) error {
	row, err := m.store.GetTask(id)
	if err != nil {
		return err
	}
	if !task.CanTransition(task.State(row.Status), task.StateQueued) {
		return task.ErrInvariantViolation
	}
	row.Status = string(task.StateQueued)
	row.ErrorMessage = ""
	if err := m.store.SaveTask(row); err != nil {
		return err
	}
	m.q.Push(&row)
	return nil
}

// Retry discards prior progress and re-queues.
func (m *Manager) Retry(id string) error {
	if err := m.Pause(id); err != nil {
		return err
	}
	row, err := m.store.GetTask(id)
	if err != nil {
		return err
	}
	row.Status = string(task.StateQueued)
	row.Downloaded = 0
	row.Progress = 0
	row.ErrorMessage = ""
	row.ResumeState = string(task.ResumeStable)
	row.IntegrityState = string(task.IntegrityPending)
	if err := m.store.SaveTask(row); err != nil {
		return err
	}
	if err := m.store.SaveSegments(id, nil); err != nil {
		return err
	}
	m.q.Push(&row)
	return nil
}

// Remove cancels any in-flight work, deletes the row, and best-effort removes the
// workspace directory (no-op if it was never created).
func (m *Manager) Remove(id string, hard bool) error {
	m.active.Cancel(id)
	m.q.Remove(id)
	m.bandwidth.ForgetTask(id)

	row, err := m.store.GetTask(id)
	// A shared-layout task's workspace is never removed here: data.part and its
	// segment markers are still owned by sibling parts until every part completes.
	if err == nil && row.SharedTaskID == "" {
		m.ws.RemoveWorkspace(m.ws.StandardDir(id))
	}

	if hard {
		return m.store.HardDeleteTask(id)
	}
	return m.store.DeleteTask(id)
}

// SetPriority updates priority and persists it; it does not itself reorder the
// queue (MoveToFirst/MoveToLast below handle explicit reordering).
func (m *Manager) SetPriority(id string, priority int) error {
	row, err := m.store.GetTask(id)
	if err != nil {
		return err
	}
	row.Priority = priority
	if err := m.store.SaveTask(row); err != nil {
		return err
	}
	m.bandwidth.SetTaskPriority(id, priority)
	return nil
}

func (m *Manager) MoveToFirst(id string) { m.q.MoveToFirst(id) }
func (m *Manager) MoveToLast(id string)  { m.q.MoveToLast(id) }
func (m *Manager) MoveToPrev(id string)  { m.q.MoveToPrev(id) }
func (m *Manager) MoveToNext(id string)  { m.q.MoveToNext(id) }

// GetTask returns the live in-memory task if it's currently running, else the
// persisted row alone.
func (m *Manager) GetTask(id string) (storage.DownloadTask, *task.Task, error) {
	row, err := m.store.GetTask(id)
	if err != nil {
		return row, nil, err
	}
	m.mu.Lock()
	live := m.live[id]
	m.mu.Unlock()
	return row, live, nil
}

// GetHistory returns every non-ephemeral task the Repository knows about.
func (m *Manager) GetHistory() ([]storage.DownloadTask, error) {
	return m.store.GetAllTasks()
}

// CheckCollision reports whether a file already exists at the proposed save path,
// so the caller can ask the user before overwriting it.
func (m *Manager) CheckCollision(saveDir, filename string) (string, bool) {
	candidate := filepath.Join(saveDir, filename)
	resolved := filesystem.ResolveCollision(candidate)
	return resolved, resolved != candidate
}

// CheckHistory reports whether the given URL was already downloaded, to warn
// against silent re-fetches of the same artifact.
func (m *Manager) CheckHistory(rawURL string) (storage.DownloadTask, bool) {
	rows, err := m.store.GetAllTasks()
	if err != nil {
		return storage.DownloadTask{}, false
	}
	for _, r := range rows {
		if r.URL == rawURL && r.Status == string(task.StateCompleted) {
			return r, true
		}
	}
	return storage.DownloadTask{}, false
}

