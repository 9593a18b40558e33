package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Storage is the durable Repository: a single embedded WAL-mode store
// holding tasks, their segments, folders, captured-browser sessions, locations,
// daily stats, speed-test history and app settings.
type Storage struct {
	DB *gorm.DB
}

// NewStorage opens (creating if necessary) the dlm.db file at the given project root,
// matching the persisted layout (`dlm.db` at the project root).
func NewStorage(rootPath string) (*Storage, error) {
	if err := os.MkdirAll(rootPath, 0o755); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(rootPath, "dlm.db")

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")

	if err := db.AutoMigrate(
		&DownloadTask{},
		&SegmentRow{},
		&Folder{},
		&CapturedBrowserSession{},
		&DownloadLocation{},
		&DailyStat{},
		&AppSetting{},
		&SpeedTestHistory{},
	); err != nil {
		return nil, err
	}

	return &Storage{DB: db}, nil
}

// Close releases the underlying database connection.
func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint, used on graceful shutdown so the dlm.db file
// itself (not just the -wal sidecar) reflects the latest state.
func (s *Storage) Checkpoint() error {
	return s.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// --- Task CRUD -------------------------------------------------------------

// SaveTask is atomic with respect to crashes: gorm's Save runs in a single
// transaction, either the whole row lands or none of it does (L1).
func (s *Storage) SaveTask(task DownloadTask) error {
	task.UpdatedAt = time.Now().Format(time.RFC3339)
	if task.CreatedAt == "" {
		task.CreatedAt = task.UpdatedAt
	}
	return s.DB.Save(&task).Error
}

// GetTask returns a consistent snapshot of one task.
func (s *Storage) GetTask(id string) (DownloadTask, error) {
	var task DownloadTask
	err := s.DB.First(&task, "id = ?", id).Error
	return task, err
}

// GetAllTasks returns a consistent snapshot of every non-deleted task, newest first.
func (s *Storage) GetAllTasks() ([]DownloadTask, error) {
	var tasks []DownloadTask
	err := s.DB.Order("created_at desc").Find(&tasks).Error
	return tasks, err
}

// GetByFolder returns every task belonging to the given folder.
func (s *Storage) GetByFolder(folderID int64) ([]DownloadTask, error) {
	var tasks []DownloadTask
	err := s.DB.Where("folder_id = ?", folderID).Order("queue_order asc").Find(&tasks).Error
	return tasks, err
}

// DeleteTask soft-deletes a task row (gorm.DeletedAt).
func (s *Storage) DeleteTask(id string) error {
	return s.DB.Where("id = ?", id).Delete(&DownloadTask{}).Error
}

// HardDeleteTask permanently removes a task row and its segments, used by
// "remove with delete" (the CANCELLED path).
func (s *Storage) HardDeleteTask(id string) error {
	if err := s.DB.Unscoped().Where("id = ?", id).Delete(&DownloadTask{}).Error; err != nil {
		return err
	}
	return s.DB.Where("task_id = ?", id).Delete(&SegmentRow{}).Error
}

// --- Segment persistence ----------------------------------------------------

// SaveSegments replaces the full segment list for a task in one transaction,
// matching the Repository contract that a task's segments are stored "as a
// single row" logically, even though physically normalized into a child table.
func (s *Storage) SaveSegments(taskID string, segments []SegmentRow) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", taskID).Delete(&SegmentRow{}).Error; err != nil {
			return err
		}
		for i := range segments {
			segments[i].ID = 0
			segments[i].TaskID = taskID
			segments[i].Index = i
			if err := tx.Create(&segments[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSegments returns every segment for a task, ordered by their original index.
func (s *Storage) GetSegments(taskID string) ([]SegmentRow, error) {
	var rows []SegmentRow
	err := s.DB.Where("task_id = ?", taskID).Order("`index` asc").Find(&rows).Error
	return rows, err
}

// --- Folders ------------------------------------------------------------

func (s *Storage) CreateFolder(name string, parentID *int64) (Folder, error) {
	f := Folder{Name: name, ParentID: parentID}
	err := s.DB.Create(&f).Error
	return f, err
}

func (s *Storage) GetFolders() ([]Folder, error) {
	var folders []Folder
	err := s.DB.Find(&folders).Error
	return folders, err
}

// --- Captured browser sessions -------------------------------------------

func (s *Storage) SaveCapturedSession(session CapturedBrowserSession) (CapturedBrowserSession, error) {
	session.CreatedAt = time.Now().Format(time.RFC3339)
	err := s.DB.Create(&session).Error
	return session, err
}

func (s *Storage) GetCapturedSession(id int64) (CapturedBrowserSession, error) {
	var session CapturedBrowserSession
	err := s.DB.First(&session, "id = ?", id).Error
	return session, err
}

// --- Daily stats (analytics) ----------------------------------------------

// IncrementDailyBytes performs an upsert-style increment for today's byte counter.
func (s *Storage) IncrementDailyBytes(delta int64) error {
	today := time.Now().Format("2006-01-02")
	return s.DB.Transaction(func(tx *gorm.DB) error {
		var stat DailyStat
		err := tx.First(&stat, "date = ?", today).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&DailyStat{Date: today, Bytes: delta}).Error
		}
		if err != nil {
			return err
		}
		stat.Bytes += delta
		return tx.Save(&stat).Error
	})
}

// IncrementDailyFiles performs an upsert-style increment for today's file counter.
func (s *Storage) IncrementDailyFiles() error {
	today := time.Now().Format("2006-01-02")
	return s.DB.Transaction(func(tx *gorm.DB) error {
		var stat DailyStat
		err := tx.First(&stat, "date = ?", today).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&DailyStat{Date: today, Files: 1}).Error
		}
		if err != nil {
			return err
		}
		stat.Files++
		return tx.Save(&stat).Error
	})
}

// GetTotalLifetime sums bytes across every recorded day.
func (s *Storage) GetTotalLifetime() (int64, error) {
	var total int64
	err := s.DB.Model(&DailyStat{}).Select("COALESCE(SUM(bytes), 0)").Row().Scan(&total)
	return total, err
}

// GetTotalFiles sums files across every recorded day.
func (s *Storage) GetTotalFiles() (int64, error) {
	var total int64
	err := s.DB.Model(&DailyStat{}).Select("COALESCE(SUM(files), 0)").Row().Scan(&total)
	return total, err
}

// GetDailyHistory returns the last `days` of DailyStat rows, oldest first.
func (s *Storage) GetDailyHistory(days int) ([]DailyStat, error) {
	var stats []DailyStat
	cutoff := time.Now().AddDate(0, 0, -days).Format("2006-01-02")
	err := s.DB.Where("date >= ?", cutoff).Order("date asc").Find(&stats).Error
	return stats, err
}

// --- Locations --------------------------------------------------------------

// AddLocation upserts a saved download location by path.
func (s *Storage) AddLocation(path, nickname string) error {
	loc := DownloadLocation{Path: path, Nickname: nickname}
	return s.DB.Save(&loc).Error
}

func (s *Storage) GetLocations() ([]DownloadLocation, error) {
	var locations []DownloadLocation
	err := s.DB.Find(&locations).Error
	return locations, err
}

// --- Settings / speedtest history --------------------------------------------

func (s *Storage) GetString(key string) (string, error) {
	var setting AppSetting
	err := s.DB.First(&setting, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return setting.Value, nil
}

func (s *Storage) SetString(key, value string) error {
	setting := AppSetting{Key: key, Value: value}
	return s.DB.Save(&setting).Error
}

func (s *Storage) GetStringList(key string) ([]string, error) {
	val, err := s.GetString(key)
	if err != nil {
		return nil, err
	}
	if val == "" {
		return []string{}, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(val), &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Storage) SetStringList(key string, list []string) error {
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return s.SetString(key, string(data))
}

func (s *Storage) SaveSpeedTestResult(r SpeedTestHistory) error {
	r.Timestamp = time.Now().Format(time.RFC3339)
	return s.DB.Create(&r).Error
}

func (s *Storage) GetSpeedTestHistory(limit int) ([]SpeedTestHistory, error) {
	var rows []SpeedTestHistory
	err := s.DB.Order("id desc").Limit(limit).Find(&rows).Error
	return rows, err
}
