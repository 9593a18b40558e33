package storage

import (
	"gorm.io/gorm"
)

// DownloadTask represents a download task in the database
type DownloadTask struct {
	ID            string         `gorm:"primaryKey" json:"id"`
	Filename      string         `json:"filename"`
	URL           string         `json:"url"`
	SavePath      string         `json:"save_path"`
	Status        string         `gorm:"index" json:"status"`          // QUEUED, INITIALIZING, WAITING, DOWNLOADING, PAUSED, COMPLETED, FAILED, CANCELLED
	Priority      int            `gorm:"default:1" json:"priority"`    // 0=Low, 1=Normal, 2=High
	QueueOrder    int            `gorm:"default:0" json:"queue_order"` // Sequential order in queue
	Category      string         `gorm:"index" json:"category"`
	TotalSize     int64          `json:"total_size"`
	Downloaded    int64          `json:"downloaded"`
	Progress      float64        `json:"progress"`
	Speed         float64        `json:"speed"` // bytes/sec
	TimeRemaining string         `json:"time_remaining"`
	MetaJSON      string         `json:"-"` // Store complex chunk data/headers as JSON
	FileExists    bool           `gorm:"-" json:"file_exists"`
	ContentDigest string         `json:"content_digest"` // informational SHA-256, computed post-download, never compared against anything
	ScanThreat    string         `json:"scan_threat"`    // non-empty only if the finalize-time AV scanner flagged this file
	Headers       string         `json:"headers"`    // JSON serialized, ordered [{name,value}]
	Cookies       string         `json:"cookies"`    // JSON serialized
	StartTime     string         `json:"start_time"` // ISO 8601 for scheduled start
	Domain        string         `json:"domain"`     // e.g. "google.com" for concurrency limits
	ErrorMessage  string         `json:"error_message"`

	// Resume-safety / segment-model fields
	Resumable      bool   `gorm:"default:true" json:"resumable"`
	ResumeState    string `gorm:"default:STABLE" json:"resume_state"` // STABLE | UNSTABLE
	IntegrityState string `gorm:"default:PENDING" json:"integrity_state"`
	CurrentStage   string `json:"current_stage"` // "", "finalizing"
	MaxConnections int    `gorm:"default:4" json:"max_connections"`

	// Partial / shared-workspace fields
	Partial              bool   `gorm:"default:false" json:"partial"`
	SharedTaskID         string `gorm:"index" json:"shared_task_id"` // links partial tasks to one workspace
	PartNumber           *int   `json:"part_number"`                 // which declared byte range this row owns
	AssignedPartsSummary string `json:"assigned_parts_summary"`

	// Browser-capture provenance
	Referer          string `json:"referer"`
	UserAgent        string `json:"user_agent"`
	BrowserCaptureID int64  `json:"browser_capture_id"`
	ProbedViaStream  bool   `gorm:"default:false" json:"probed_via_stream"`

	// Organization
	FolderID  *int64 `gorm:"index" json:"folder_id"`
	Ephemeral bool   `gorm:"-" json:"ephemeral"` // never persisted; zero value on every load

	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName specifies the table name for DownloadTask
func (DownloadTask) TableName() string {
	return "download_tasks"
}

// PartState represents the state of a single download chunk
type PartState struct {
	Start    int64 `json:"s"`           // Start offset
	End      int64 `json:"e"`           // End offset
	Complete bool  `json:"c,omitempty"` // Is chunk fully downloaded and verified?
	Offset   int64 `json:"o,omitempty"` // Current write offset relative to Start (for clean pause)
}

// ResumeState represents the serialized resume data
type ResumeState struct {
	Version      int               `json:"v"`
	ETag         string            `json:"etag"`
	LastModified string            `json:"lm"`
	TotalSize    int64             `json:"total_size"`
	Parts        map[int]PartState `json:"parts"`
}

// SegmentRow is the durable projection of a task.Segment. Segments are
// owned by their parent DownloadTask and are saved/loaded as a unit with it.
type SegmentRow struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	TaskID     string `gorm:"index" json:"task_id"`
	Index      int    `json:"index"` // order within the task, 0-based
	Start      int64  `json:"start"`
	End        int64  `json:"end"` // inclusive
	Downloaded int64  `json:"downloaded"`
	Checkpoint int64  `json:"checkpoint"`
	StartHash  string `json:"start_hash"`
	EndHash    string `json:"end_hash"`
	PartNumber *int   `json:"part_number"` // human part number for partial tasks
}

// TableName specifies the table name for SegmentRow
func (SegmentRow) TableName() string {
	return "segments"
}

// Folder is a hierarchical grouping of tasks.
type Folder struct {
	ID       int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Name     string `json:"name"`
	ParentID *int64 `gorm:"index" json:"parent_id"`
}

// TableName specifies the table name for Folder
func (Folder) TableName() string {
	return "folders"
}

// CapturedBrowserSession is a browser-captured session descriptor that a
// collaborator submitted ahead of an Add/ImportPartial command.
type CapturedBrowserSession struct {
	ID              int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	SourceURL       string `json:"source_url"`
	Referer         string `json:"referer"`
	UserAgent       string `json:"user_agent"`
	HeadersJSON     string `json:"headers_json"` // JSON array preserving capture order
	CookiesJSON     string `json:"cookies_json"`
	CreatedAt       string `json:"created_at"`
}

// TableName specifies the table name for CapturedBrowserSession
func (CapturedBrowserSession) TableName() string {
	return "captured_browser_sessions"
}

// DownloadLocation stores saved download locations with nicknames
type DownloadLocation struct {
	Path     string `gorm:"primaryKey" json:"path"`
	Nickname string `json:"nickname"` // e.g., "Gaming Drive", "SSD"
}

// TableName specifies the table name for DownloadLocation
func (DownloadLocation) TableName() string {
	return "download_locations"
}

// DailyStat tracks daily download statistics for analytics
type DailyStat struct {
	Date  string `gorm:"primaryKey"` // Format: "YYYY-MM-DD"
	Bytes int64  `gorm:"default:0"`  // Total bytes for this day
	Files int64  `gorm:"default:0"`  // Files completed this day
}

// TableName specifies the table name for DailyStat
func (DailyStat) TableName() string {
	return "daily_stats"
}

// AppSetting stores key-value application settings
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// TableName specifies the table name for AppSetting
func (AppSetting) TableName() string {
	return "app_settings"
}

// SpeedTestHistory stores past speed test results
type SpeedTestHistory struct {
	ID             uint    `gorm:"primaryKey" json:"id"`
	DownloadSpeed  float64 `json:"download_mbps"`
	UploadSpeed    float64 `json:"upload_mbps"`
	Ping           int64   `json:"ping_ms"`
	Jitter         int64   `json:"jitter_ms"`
	ISP            string  `json:"isp"`
	ServerName     string  `json:"server_name"`
	ServerLocation string  `json:"server_location"`
	Timestamp      string  `json:"timestamp"`
}

// TableName specifies the table name for SpeedTestHistory
func (SpeedTestHistory) TableName() string {
	return "speed_test_history"
}

// Task is an alias for backward compatibility with existing code
// Deprecated: Use DownloadTask instead
type Task = DownloadTask
