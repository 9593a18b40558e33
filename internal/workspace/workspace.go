// Package workspace implements the on-disk per-task directory that makes the
// artifact on disk meaningful without the Repository.
// Grounded on original_source/dlm/core/workspace.py's WorkspaceManager, ported into
// the engine's internal/filesystem.Allocator preallocation idiom.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"dlm-go/internal/task"

	"github.com/shirou/gopsutil/v3/disk"
)

var invalidFolderChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

func sanitizeFolderName(name string) string {
	name = invalidFolderChars.ReplaceAllString(name, "_")
	name = strings.TrimSpace(name)
	if name == "" {
		name = "task"
	}
	return name
}

const (
	dirName          = ".workspace"
	DataFilename     = "data.part"
	MetaFilename     = "dlm.meta"
	ManifestFilename = "task.manifest.json"
	SegmentsDirName  = "segments"

	diskSpaceBuffer = 50 * 1024 * 1024 // required + 50 MiB safety margin
)

// SegmentMeta mirrors one segment in the dlm.meta JSON schema.
type SegmentMeta struct {
	Start      int64  `json:"start"`
	End        int64  `json:"end"`
	Downloaded int64  `json:"downloaded"`
	Checkpoint int64  `json:"checkpoint"`
	StartHash  string `json:"start_hash,omitempty"`
	EndHash    string `json:"end_hash,omitempty"`
}

// Meta is the dlm.meta JSON sidecar schema: a crash-only recovery projection of
// task state that doesn't require the Repository to interpret.
type Meta struct {
	ID           string        `json:"id"`
	URL          string        `json:"url"`
	Filename     string        `json:"filename"`
	TotalSize    int64         `json:"total_size"`
	CreatedAt    string        `json:"created_at"`
	Resumable    bool          `json:"resumable"`
	ResumeState  string        `json:"resume_state"`
	Source       string        `json:"source,omitempty"`
	MediaType    string        `json:"media_type,omitempty"`
	CurrentStage string        `json:"current_stage,omitempty"`
	Segments     []SegmentMeta `json:"segments"`
}

// PartRange is one declared byte range within a shared-layout artifact.
type PartRange struct {
	Part  int   `json:"part"`
	Start int64 `json:"start"`
	End   int64 `json:"end"`
	Size  int64 `json:"size"`
}

// Manifest is the shared-layout task manifest JSON schema.
type Manifest struct {
	ManifestType string      `json:"manifest_type"`
	TaskID       string      `json:"task_id"`
	URL          string      `json:"url"`
	Filename     string      `json:"filename"`
	TotalSize    int64       `json:"total_size"`
	Parts        int         `json:"parts"`
	PartRanges   []PartRange `json:"part_ranges"`
}

// Manager roots every workspace operation at one project directory (the directory
// containing dlm.db and downloads/.
type Manager struct {
	ProjectRoot string
}

func New(projectRoot string) *Manager {
	return &Manager{ProjectRoot: projectRoot}
}

func (m *Manager) root() string {
	return filepath.Join(m.ProjectRoot, dirName)
}

// EnsureRoot creates the hidden .workspace root directory if missing.
func (m *Manager) EnsureRoot() error {
	if _, err := os.Stat(m.root()); err == nil {
		return nil
	}
	// A hidden-attribute toggle on Windows is cosmetic only (the directory name
	// already starts with a dot); we don't carry a golang.org/x/sys/windows
	// dependency just for that.
	return os.MkdirAll(m.root(), 0o755)
}

// --- Standard layout ---------------------------------------------------------

// StandardDir returns the deterministic directory name for a standard-layout task,
// named from a prefix of the task identifier.
func (m *Manager) StandardDir(taskID string) string {
	prefix := taskID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return filepath.Join(m.root(), "dld_"+prefix)
}

// InitStandard creates a standard-layout workspace: data.part preallocated to
// totalSize when size is known and the task is resumable, plus a dlm.meta sidecar.
func (m *Manager) InitStandard(meta Meta) (dir string, dataPath string, err error) {
	if err = m.EnsureRoot(); err != nil {
		return "", "", err
	}
	dir = m.StandardDir(meta.ID)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}

	dataPath = filepath.Join(dir, DataFilename)
	if meta.Resumable && meta.TotalSize > 0 {
		if err = CheckDiskSpace(dir, meta.TotalSize); err != nil {
			return "", "", err
		}
		if err = preallocate(dataPath, meta.TotalSize); err != nil {
			return "", "", err
		}
	} else {
		f, ferr := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o644)
		if ferr != nil {
			return "", "", ferr
		}
		f.Close()
	}

	if err = m.WriteMeta(dir, meta); err != nil {
		return "", "", err
	}
	return dir, dataPath, nil
}

// --- Shared layout -----------------------------------------------------------

// SharedDir returns the deterministic directory for a shared-layout artifact, named
// from the sanitized folder name every part of that artifact agrees on.
func (m *Manager) SharedDir(folderName string) string {
	return filepath.Join(m.root(), sanitizeFolderName(folderName))
}

// InitShared creates (or reopens) a shared-layout workspace for a partial-download
// artifact. data.part is preallocated to the full artifact size before any worker
// starts, matching the standard layout's preallocation behavior. Missing markers
// are created for every declared part that doesn't already have a marker, so
// repeated ImportPartial calls against the same artifact are idempotent.
func (m *Manager) InitShared(folderName string, manifest Manifest) (dir string, dataPath string, err error) {
	if err = m.EnsureRoot(); err != nil {
		return "", "", err
	}
	dir = filepath.Join(m.root(), sanitizeFolderName(folderName))
	if _, statErr := os.Stat(dir); os.IsNotExist(statErr) {
		if err = os.MkdirAll(filepath.Join(dir, SegmentsDirName), 0o755); err != nil {
			return "", "", err
		}
	}

	dataPath = filepath.Join(dir, DataFilename)
	if err = CheckDiskSpace(dir, manifest.TotalSize); err != nil {
		return "", "", err
	}
	if err = preallocate(dataPath, manifest.TotalSize); err != nil {
		return "", "", err
	}

	manifestPath := filepath.Join(dir, ManifestFilename)
	if _, statErr := os.Stat(manifestPath); os.IsNotExist(statErr) {
		if err = writeJSON(manifestPath, manifest); err != nil {
			return "", "", err
		}
		segDir := filepath.Join(dir, SegmentsDirName)
		for _, pr := range manifest.PartRanges {
			donePath := filepath.Join(segDir, fmt.Sprintf("%03d.done", pr.Part))
			missingPath := filepath.Join(segDir, fmt.Sprintf("%03d.missing", pr.Part))
			if _, derr := os.Stat(donePath); derr == nil {
				continue // already completed by another participant
			}
			if err = touch(missingPath); err != nil {
				return "", "", err
			}
		}
	}
	return dir, dataPath, nil
}

// MarkPartDone atomically replaces NNN.missing with NNN.done for a completed part.
func (m *Manager) MarkPartDone(dir string, part int) error {
	segDir := filepath.Join(dir, SegmentsDirName)
	donePath := filepath.Join(segDir, fmt.Sprintf("%03d.done", part))
	missingPath := filepath.Join(segDir, fmt.Sprintf("%03d.missing", part))
	if err := touch(donePath); err != nil {
		return err
	}
	return os.Remove(missingPath)
}

// LoadManifest reads task.manifest.json from a shared-layout workspace directory.
func (m *Manager) LoadManifest(dir string) (Manifest, error) {
	var manifest Manifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestFilename))
	if err != nil {
		return manifest, err
	}
	err = json.Unmarshal(data, &manifest)
	return manifest, err
}

// --- Shared helpers -----------------------------------------------------------

func (m *Manager) DataPartPath(dir string) string {
	return filepath.Join(dir, DataFilename)
}

func (m *Manager) MetaPath(dir string) string {
	return filepath.Join(dir, MetaFilename)
}

func (m *Manager) WriteMeta(dir string, meta Meta) error {
	return writeJSON(m.MetaPath(dir), meta)
}

func (m *Manager) LoadMeta(dir string) (Meta, error) {
	var meta Meta
	data, err := os.ReadFile(m.MetaPath(dir))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

// ValidateIntegrity checks that the basic workspace structure exists.
func (m *Manager) ValidateIntegrity(dir string) bool {
	if _, err := os.Stat(dir); err != nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(dir, MetaFilename)); err == nil {
		return true
	}
	if _, err := os.Stat(filepath.Join(dir, ManifestFilename)); err == nil {
		return true
	}
	return false
}

// RemoveWorkspace removes a workspace directory with a retry loop (5 x 0.5s) for
// platforms with lingering file-handle locks.
func (m *Manager) RemoveWorkspace(dir string) error {
	var err error
	for i := 0; i < 5; i++ {
		if err = os.RemoveAll(dir); err == nil {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return err
}

// CheckDiskSpace verifies free space at dir's volume is >= required + buffer.
func CheckDiskSpace(dir string, required int64) error {
	usage, err := disk.Usage(filepath.Dir(dir))
	if err != nil {
		// If the directory doesn't exist yet, fall back to its parent.
		usage, err = disk.Usage(filepath.Dir(filepath.Dir(dir)))
		if err != nil {
			return fmt.Errorf("failed to check disk space: %w", err)
		}
	}
	if int64(usage.Free) < required+diskSpaceBuffer {
		return fmt.Errorf("%w: required %d bytes, available %d bytes", task.ErrDiskSpace, required, usage.Free)
	}
	return nil
}

func preallocate(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
