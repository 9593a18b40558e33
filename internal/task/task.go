// Package task holds the Task/Segment domain model: the in-memory representation of
// a download unit independent of how it is persisted or transported. Mutation of a
// Task's segments happens only through its own methods so its invariants stay local
// to one writer.
package task

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is one of the task lifecycle states.
type State string

const (
	StateQueued       State = "QUEUED"
	StateInitializing State = "INITIALIZING"
	StateWaiting      State = "WAITING"
	StateDownloading  State = "DOWNLOADING"
	StateFinalizing   State = "FINALIZING" // internal guard against double finalization
	StatePaused       State = "PAUSED"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateCancelled    State = "CANCELLED"
)

// ResumeState classifies whether a task's on-disk bytes are trusted.
type ResumeState string

const (
	ResumeStable   ResumeState = "STABLE"
	ResumeUnstable ResumeState = "UNSTABLE"
)

// IntegrityState tracks whether the finished artifact has been hash-verified.
type IntegrityState string

const (
	IntegrityPending  IntegrityState = "PENDING"
	IntegrityVerified IntegrityState = "VERIFIED"
	IntegrityCorrupt  IntegrityState = "CORRUPT"
)

// Header is one captured request header. Order matters for a browser-captured
// session so this is always carried as a slice, never a map.
type Header struct {
	Name  string
	Value string
}

// Task is a download unit: one URL, its segments, and its lifecycle state.
type Task struct {
	mu sync.Mutex

	ID              string
	URL             string
	Referer         string
	Headers         []Header
	Cookies         map[string]string
	UserAgent       string
	TargetFilename  string
	OutputPath      string
	TotalSize       int64
	Resumable       bool
	MaxConnections  int
	Segments        []*Segment
	State           State
	ErrorMessage    string
	CreatedAt       time.Time
	LastUpdate      time.Time
	Speed           float64
	Integrity       IntegrityState
	ContentDigest   string // informational SHA-256 of the finished artifact; never authoritative
	ScanThreat      string // non-empty only if the finalize-time AV scanner flagged the artifact
	Resume          ResumeState
	Partial         bool
	SharedTaskID    string
	PartNumber      *int // which declared byte range of the shared artifact this task owns
	FolderID        *int64
	Ephemeral       bool
	ProbedViaStream bool
	Priority        int
	QueueOrder      int
}

// New creates a task in its initial QUEUED state.
func New(url string) *Task {
	return &Task{
		ID:             uuid.NewString(),
		URL:            url,
		Cookies:        make(map[string]string),
		MaxConnections: 4,
		State:          StateQueued,
		CreatedAt:      time.Now(),
		LastUpdate:     time.Now(),
		Integrity:      IntegrityPending,
		Resume:         ResumeStable,
	}
}

// Touch stamps LastUpdate; called by any component that mutates the task so the
// Repository projection sorts/ages correctly.
func (t *Task) Touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.LastUpdate = time.Now()
}

// TryEnterFinalizing is the single compare-and-swap guard against double
// finalization. Returns true iff the caller won the race and is now responsible
// for invoking the Finalizer exactly once.
func (t *Task) TryEnterFinalizing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State == StateFinalizing {
		return false
	}
	t.State = StateFinalizing
	return true
}

// GetDownloadedBytes sums downloaded bytes across every segment.
func (t *Task) GetDownloadedBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var sum int64
	for _, s := range t.Segments {
		sum += s.Downloaded.Load()
	}
	return sum
}

// Progress returns percent complete, 0-100. For size-unknown tasks this is always 0
// until completion (the state machine, not this field, signals completion).
func (t *Task) Progress() float64 {
	if t.TotalSize <= 0 {
		return 0
	}
	downloaded := t.GetDownloadedBytes()
	p := float64(downloaded) / float64(t.TotalSize) * 100.0
	if p > 100 {
		p = 100
	}
	return p
}

// AllSegmentsComplete reports whether every segment has downloaded its full range.
func (t *Task) AllSegmentsComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.Segments) == 0 {
		return false
	}
	for _, s := range t.Segments {
		if !s.IsComplete() {
			return false
		}
	}
	return true
}

// ResetProgress clears all segments and progress fields, used by Retry.
func (t *Task) ResetProgress() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Segments = nil
	t.Speed = 0
	t.ErrorMessage = ""
	t.Resume = ResumeStable
	t.Integrity = IntegrityPending
}

// SetSegments installs the Planner's initial partition or a reloaded set, validating
// that ranges stay disjoint before accepting it.
func (t *Task) SetSegments(segments []*Segment) error {
	if err := validateDisjoint(segments); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Segments = segments
	return nil
}

// AppendSegment adds a rebalance-created segment, validating disjointness against
// the existing set.
func (t *Task) AppendSegment(s *Segment) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	candidate := append(append([]*Segment{}, t.Segments...), s)
	if err := validateDisjoint(candidate); err != nil {
		return err
	}
	t.Segments = candidate
	return nil
}

func validateDisjoint(segments []*Segment) error {
	for i := 0; i < len(segments); i++ {
		for j := i + 1; j < len(segments); j++ {
			a, b := segments[i], segments[j]
			if a.Start <= b.End() && b.Start <= a.End() {
				return ErrInvariantViolation
			}
		}
	}
	return nil
}
