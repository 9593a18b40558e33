// Package engine wires the domain collaborators (task, planner, workspace, resume,
// network) into the orchestrator: the Command Surface acts on a Manager, the
// Manager dispatches Segment/Stream Workers, and the Monitor/Finalizer hand control
// back to it at completion. The queueWorker loop, graceful Shutdown, and
// bufferPool reuse follow the original engine's lifecycle, generalized from a
// single fixed-chunk worker swarm to the segment model.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dlm-go/internal/analytics"
	"dlm-go/internal/config"
	"dlm-go/internal/events"
	"dlm-go/internal/filesystem"
	"dlm-go/internal/finalize"
	"dlm-go/internal/integrity"
	"dlm-go/internal/monitor"
	"dlm-go/internal/network"
	"dlm-go/internal/queue"
	"dlm-go/internal/security"
	"dlm-go/internal/storage"
	"dlm-go/internal/task"
	"dlm-go/internal/workspace"
)

const bufferSize = 256 * 1024 // per-worker read buffer

// Manager is the download orchestrator: the Command Surface's receiver and the
// Segment/Stream Workers' owner.
type Manager struct {
	logger *slog.Logger
	store  *storage.Storage
	cfg    *config.ConfigManager

	adapter    *network.Adapter
	ws         *workspace.Manager
	bandwidth  *network.BandwidthManager
	congestion *network.CongestionController
	active     *queue.ActiveTable
	bus        *events.Bus
	stats      *analytics.StatsManager
	organizer  *filesystem.SmartOrganizer
	digester   *integrity.ContentDigester
	scanner    security.Scanner
	sampler    *monitor.Sampler
	grower     *monitor.Grower
	finalizer  *finalize.Finalizer

	q         *queue.DownloadQueue
	scheduler *queue.SmartScheduler

	mu     sync.Mutex
	live   map[string]*task.Task
	rowMu  sync.Mutex // serializes persistence of a single task's row+segments
	cancel map[string]context.CancelFunc

	bufferPool *sync.Pool

	shutdownOnce sync.Once
	done         chan struct{}
}

// NewManager constructs the orchestrator and starts its background dispatch loop.
// projectRoot is the directory holding dlm.db and the hidden .workspace tree.
func NewManager(logger *slog.Logger, store *storage.Storage, cfg *config.ConfigManager, projectRoot string) *Manager {
	congestion := network.NewCongestionController(1, 8)
	q := queue.NewDownloadQueue()
	sched := queue.NewSmartScheduler(logger, q, congestion)
	ws := workspace.New(projectRoot)
	organizer := filesystem.NewSmartOrganizer()
	digester := integrity.NewContentDigester()
	scanner := security.NewScanner(logger)
	bus := events.New()

	m := &Manager{
		logger:     logger,
		store:      store,
		cfg:        cfg,
		adapter:    network.NewAdapter(),
		ws:         ws,
		bandwidth:  network.NewBandwidthManager(),
		congestion: congestion,
		active:     queue.NewActiveTable(cfg.GetAIMaxConcurrent()),
		bus:        bus,
		stats:      analytics.NewStatsManager(store, filesystem.GetDefaultDownloadPath),
		organizer:  organizer,
		digester:   digester,
		scanner:    scanner,
		sampler:    monitor.NewSampler(),
		grower:     monitor.NewGrower(congestion, 8),
		finalizer:  finalize.New(logger, ws, organizer, digester, cfg.GetEnableIntegrityCheck, scanner, bus),
		q:          q,
		scheduler:  sched,
		live:       make(map[string]*task.Task),
		cancel:     make(map[string]context.CancelFunc),
		bufferPool: &sync.Pool{New: func() interface{} { b := make([]byte, bufferSize); return &b }},
		done:       make(chan struct{}),
	}

	m.recoverInterrupted()
	go m.dispatchLoop()
	return m
}

// Bus exposes the event bus so the Command Surface can subscribe to
// SessionRenewalRequired/TaskCompleted.
func (m *Manager) Bus() *events.Bus { return m.bus }

// Storage exposes the Repository handle for read-mostly surfaces (stats, history).
func (m *Manager) Storage() *storage.Storage { return m.store }

// Stats exposes the analytics collaborator.
func (m *Manager) Stats() *analytics.StatsManager { return m.stats }

// SetMaxConcurrent updates the global admission limit.
func (m *Manager) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	m.active.SetLimit(n)
	m.q.Broadcast()
}

func (m *Manager) SetHostLimit(domain string, limit int) { m.scheduler.SetHostLimit(domain, limit) }
func (m *Manager) GetHostLimit(domain string) int        { return m.scheduler.GetHostLimit(domain) }
func (m *Manager) SetGlobalBandwidthLimit(bps int)        { m.bandwidth.SetLimit(bps) }

// RunSpeedTest measures current link throughput against the nearest available
// server and records it to history, for a caller deciding what global bandwidth
// limit or connection count to configure.
func (m *Manager) RunSpeedTest() (*network.SpeedTestResult, error) {
	result, err := network.RunSpeedTest()
	if err != nil {
		return nil, err
	}
	row := storage.SpeedTestHistory{
		DownloadSpeed:  result.DownloadSpeed,
		UploadSpeed:    result.UploadSpeed,
		Ping:           result.Ping,
		Jitter:         result.Jitter,
		ISP:            result.ISP,
		ServerName:     result.ServerName,
		ServerLocation: result.ServerLocation,
	}
	if err := m.store.SaveSpeedTestResult(row); err != nil {
		m.logger.Warn("failed to record speed test result", "error", err)
	}
	return result, nil
}

// SpeedTestHistory returns the most recent recorded speed test results.
func (m *Manager) SpeedTestHistory(limit int) ([]storage.SpeedTestHistory, error) {
	return m.store.GetSpeedTestHistory(limit)
}

// recoverInterrupted moves any task still marked DOWNLOADING/INITIALIZING from a
// prior process into PAUSED, per the crash-recovery contract: nothing
// auto-resumes without going back through admission.
func (m *Manager) recoverInterrupted() {
	rows, err := m.store.GetAllTasks()
	if err != nil {
		m.logger.Error("failed to load tasks for recovery", "error", err)
		return
	}
	for _, row := range rows {
		if row.Status == string(task.StateDownloading) || row.Status == string(task.StateInitializing) {
			row.Status = string(task.StatePaused)
			if err := m.store.SaveTask(row); err != nil {
				m.logger.Error("failed to recover interrupted task", "id", row.ID, "error", err)
				continue
			}
			m.logger.Info("recovered interrupted task into paused state", "id", row.ID)
		}
	}
}

// dispatchLoop pulls admissible queued tasks and starts discovery for them,
// grounded on the original engine's queueWorker loop.
func (m *Manager) dispatchLoop() {
	for {
		select {
		case <-m.done:
			return
		default:
		}

		row := m.scheduler.GetNextTask(m.active.Count(), m.active.Limit())
		if row == nil {
			m.q.Wait()
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		if !m.active.TryAdmitDiscovery(row.ID, cancel) {
			// Lost the race against another dispatch tick; put it back.
			m.q.Push(row)
			cancel()
			continue
		}

		m.mu.Lock()
		m.cancel[row.ID] = cancel
		m.mu.Unlock()

		m.scheduler.OnTaskStarted(row)
		go func(row *storage.DownloadTask) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("worker panic recovered", "id", row.ID, "panic", r)
				}
				m.active.Release(row.ID)
				m.mu.Lock()
				delete(m.live, row.ID)
				delete(m.cancel, row.ID)
				m.mu.Unlock()
				m.scheduler.OnTaskCompleted(row)
			}()
			m.runTask(ctx, *row)
		}(row)
	}
}

// Shutdown cancels every in-flight task, waits briefly for cleanup, and forces a
// WAL checkpoint so a crash immediately after shutdown loses nothing.
func (m *Manager) Shutdown() error {
	var err error
	m.shutdownOnce.Do(func() {
		m.logger.Info("engine shutting down")
		close(m.done)
		m.active.CancelAll()
		m.q.Broadcast()

		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			m.mu.Lock()
			n := len(m.live)
			m.mu.Unlock()
			if n == 0 {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}

		if cerr := m.store.Checkpoint(); cerr != nil {
			m.logger.Error("failed to checkpoint db on shutdown", "error", cerr)
			err = cerr
			return
		}
		m.logger.Info("engine shutdown complete")
	})
	return err
}

// persist saves a task's row and segments as one unit, serialized per task so the
// Monitor's periodic tick and an explicit save from a command don't interleave.
func (m *Manager) persist(t *task.Task) error {
	m.rowMu.Lock()
	defer m.rowMu.Unlock()
	if err := m.store.SaveTask(taskToRow(t)); err != nil {
		return err
	}
	return m.store.SaveSegments(t.ID, taskToSegmentRows(t))
}
