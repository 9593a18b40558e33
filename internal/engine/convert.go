package engine

import (
	"encoding/json"
	"time"

	"dlm-go/internal/storage"
	"dlm-go/internal/task"
)

// rowToTask hydrates the in-memory domain model from its durable projection
// (DownloadTask row + its SegmentRows), the boundary between the Repository's
// flat columns and the Task/Segment invariant-owning struct.
func rowToTask(row storage.DownloadTask, segRows []storage.SegmentRow) *task.Task {
	t := task.New(row.URL)
	t.ID = row.ID
	t.Referer = row.Referer
	t.UserAgent = row.UserAgent
	t.TargetFilename = row.Filename
	t.OutputPath = row.SavePath
	t.TotalSize = row.TotalSize
	t.Resumable = row.Resumable
	t.MaxConnections = row.MaxConnections
	if t.MaxConnections == 0 {
		t.MaxConnections = 4
	}
	t.State = task.State(statusToState(row.Status))
	t.ErrorMessage = row.ErrorMessage
	t.Speed = row.Speed
	t.Integrity = task.IntegrityState(row.IntegrityState)
	t.ContentDigest = row.ContentDigest
	t.ScanThreat = row.ScanThreat
	t.Resume = task.ResumeState(row.ResumeState)
	t.Partial = row.Partial
	t.SharedTaskID = row.SharedTaskID
	t.PartNumber = row.PartNumber
	t.FolderID = row.FolderID
	t.Ephemeral = row.Ephemeral
	t.ProbedViaStream = row.ProbedViaStream
	t.Priority = row.Priority
	t.QueueOrder = row.QueueOrder

	if row.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339, row.CreatedAt); err == nil {
			t.CreatedAt = ts
		}
	}

	if row.Headers != "" {
		var hdrs []task.Header
		if err := json.Unmarshal([]byte(row.Headers), &hdrs); err == nil {
			t.Headers = hdrs
		}
	}
	if row.Cookies != "" {
		var cookies map[string]string
		if err := json.Unmarshal([]byte(row.Cookies), &cookies); err == nil {
			t.Cookies = cookies
		}
	}

	segments := make([]*task.Segment, len(segRows))
	for i, sr := range segRows {
		s := task.NewSegment(sr.Start, sr.End)
		s.Downloaded.Store(sr.Downloaded)
		s.Checkpoint.Store(sr.Checkpoint)
		s.StartHash = sr.StartHash
		s.EndHash = sr.EndHash
		s.PartNumber = sr.PartNumber
		segments[i] = s
	}
	t.Segments = segments
	return t
}

// taskToRow projects the in-memory Task back to its durable columns. Segments are
// persisted separately via taskToSegmentRows.
func taskToRow(t *task.Task) storage.DownloadTask {
	row := storage.DownloadTask{
		ID:             t.ID,
		Filename:       t.TargetFilename,
		URL:            t.URL,
		SavePath:       t.OutputPath,
		Status:         stateToStatus(t.State),
		Priority:       t.Priority,
		QueueOrder:     t.QueueOrder,
		TotalSize:      t.TotalSize,
		Downloaded:     t.GetDownloadedBytes(),
		Progress:       t.Progress(),
		Speed:          t.Speed,
		ErrorMessage:   t.ErrorMessage,
		Resumable:      t.Resumable,
		ResumeState:    string(t.Resume),
		IntegrityState: string(t.Integrity),
		ContentDigest:  t.ContentDigest,
		ScanThreat:     t.ScanThreat,
		MaxConnections: t.MaxConnections,
		Partial:        t.Partial,
		SharedTaskID:   t.SharedTaskID,
		PartNumber:     t.PartNumber,
		Referer:        t.Referer,
		UserAgent:      t.UserAgent,
		ProbedViaStream: t.ProbedViaStream,
		FolderID:       t.FolderID,
		Ephemeral:      t.Ephemeral,
		CreatedAt:      t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      time.Now().Format(time.RFC3339),
	}
	if t.State == task.StateFinalizing {
		row.CurrentStage = "finalizing"
	}
	if len(t.Headers) > 0 {
		if b, err := json.Marshal(t.Headers); err == nil {
			row.Headers = string(b)
		}
	}
	if len(t.Cookies) > 0 {
		if b, err := json.Marshal(t.Cookies); err == nil {
			row.Cookies = string(b)
		}
	}
	return row
}

func taskToSegmentRows(t *task.Task) []storage.SegmentRow {
	rows := make([]storage.SegmentRow, len(t.Segments))
	for i, s := range t.Segments {
		rows[i] = storage.SegmentRow{
			TaskID:     t.ID,
			Index:      i,
			Start:      s.Start,
			End:        s.End(),
			Downloaded: s.Downloaded.Load(),
			Checkpoint: s.Checkpoint.Load(),
			StartHash:  s.StartHash,
			EndHash:    s.EndHash,
			PartNumber: s.PartNumber,
		}
	}
	return rows
}

// statusToState/stateToStatus translate between the Repository's plain string
// column and the Task state machine's typed constants, so the column stays a
// human-readable string in SQLite while the domain model enforces transitions.
func statusToState(status string) task.State {
	if status == "" {
		return task.StateQueued
	}
	return task.State(status)
}

func stateToStatus(s task.State) string {
	return string(s)
}
