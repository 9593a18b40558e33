// Package api exposes the Control Server: a loopback-only HTTP surface over the
// Command Surface, for a browser extension or a local automation script to queue
// and manage downloads without going through the CLI.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"dlm-go/internal/config"
	"dlm-go/internal/engine"
	"dlm-go/internal/security"
	"dlm-go/internal/workspace"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	keyDomainWhitelist = "domain_whitelist"
	keyDomainBlacklist = "domain_blacklist"
)

type ControlServer struct {
	engine     *engine.Manager
	cfg        *config.ConfigManager
	audit      *security.AuditLogger
	router     *chi.Mux
	activeReqs int64
}

func NewControlServer(mgr *engine.Manager, cfg *config.ConfigManager, audit *security.AuditLogger) *ControlServer {
	s := &ControlServer{
		engine: mgr,
		cfg:    cfg,
		audit:  audit,
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *ControlServer) concurrencyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		max := int64(s.cfg.GetAIMaxConcurrent())
		if max <= 0 {
			max = 1
		}

		current := atomic.AddInt64(&s.activeReqs, 1)
		defer atomic.AddInt64(&s.activeReqs, -1)

		if current > max {
			s.audit.Log("127.0.0.1", r.UserAgent(), "Overloaded "+r.URL.Path, 429, "Max Concurrent Reached")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *ControlServer) Start(port int) {
	if !s.cfg.GetEnableAI() {
		return
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	log.Printf("Control Server listening on %s", addr)

	go func() {
		conn, err := net.Listen("tcp", addr)
		if err != nil {
			log.Printf("Control Server failed to bind: %v", err)
			return
		}
		if err := http.Serve(conn, s.router); err != nil {
			log.Printf("Control Server failed: %v", err)
		}
	}()
}

func (s *ControlServer) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(s.securityMiddleware)
	s.router.Use(s.concurrencyLimitMiddleware)

	s.router.Post("/v1/queue", s.handleQueueDownload)
	s.router.Post("/v1/browser/trigger", s.handleBrowserTrigger)
	s.router.Post("/v1/import-partial", s.handleImportPartial)
	s.router.Get("/v1/tasks/{id}", s.handleGetTask)
	s.router.Post("/v1/tasks/{id}/control", s.handleTaskControl)
	s.router.Post("/v1/tasks/{id}/start", s.handleTaskStart)
	s.router.Get("/v1/status", s.handleGetStatus)
	s.router.Get("/v1/analytics", s.handleAnalytics)
	s.router.Get("/v1/settings", s.handleGetSettings)
	s.router.Put("/v1/settings", s.handlePutSettings)
	s.router.Post("/v1/settings/reset", s.handleResetSettings)
	s.router.Post("/v1/shutdown", s.handleShutdown)
	s.router.Post("/v1/speedtest", s.handleSpeedTest)
}

func (s *ControlServer) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		userAgent := r.UserAgent()
		action := fmt.Sprintf("%s %s", r.Method, r.URL.Path)

		if !s.cfg.GetEnableAI() {
			s.audit.Log(sourceIP, userAgent, action, 503, "Feature Disabled")
			http.Error(w, "AI Interface Disabled", http.StatusServiceUnavailable)
			return
		}

		if sourceIP != "127.0.0.1" && sourceIP != "::1" {
			s.audit.Log(sourceIP, userAgent, action, 403, "External Access Denied")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		token := r.Header.Get("X-Dlm-Token")
		expectedToken := s.cfg.GetAIToken()
		if token != expectedToken {
			s.audit.Log(sourceIP, userAgent, action, 401, "Invalid Token")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		s.audit.Log(sourceIP, userAgent, action, 200, "Authorized")
		next.ServeHTTP(w, r)
	})
}

// checkDomainFilters enforces the optional domain allow/deny lists a user can set
// from the control surface: a non-empty whitelist makes it exclusive, otherwise the
// blacklist excludes individually named domains. Ported from the legacy engine
// server's inline domain-filter logic.
func (s *ControlServer) checkDomainFilters(rawURL string) error {
	domain := extractHost(rawURL)
	if domain == "" {
		return nil
	}

	store := s.engine.Storage()
	if whitelist, err := store.GetStringList(keyDomainWhitelist); err == nil && len(whitelist) > 0 {
		for _, d := range whitelist {
			if matchesDomain(domain, d) {
				return nil
			}
		}
		return fmt.Errorf("domain %s is not in the allowed list", domain)
	}
	if blacklist, err := store.GetStringList(keyDomainBlacklist); err == nil {
		for _, d := range blacklist {
			if matchesDomain(domain, d) {
				return fmt.Errorf("domain %s is blocked", domain)
			}
		}
	}
	return nil
}

func matchesDomain(domain, pattern string) bool {
	domain, pattern = strings.ToLower(domain), strings.ToLower(pattern)
	return domain == pattern || strings.HasSuffix(domain, "."+pattern)
}

func extractHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Request/Response Models
type EnqueueRequest struct {
	URL      string `json:"url"`
	Path     string `json:"path"`
	Filename string `json:"filename"`
	Priority int    `json:"priority"`
}

type EnqueueResponse struct {
	TaskID string `json:"task_id"`
}

type ControlRequest struct {
	Action string `json:"action"` // "pause", "resume", "cancel", "retry", "delete", "start"
}

// ImportPartialRequest declares a shared-layout artifact whose byte ranges are
// already known (e.g. recovered from a foreign download manager's partial
// state) so each range can be queued as its own part-owning task.
type ImportPartialRequest struct {
	URL       string                `json:"url"`
	Filename  string                `json:"filename"`
	SaveDir   string                `json:"path"`
	TotalSize int64                 `json:"total_size"`
	Ranges    []workspace.PartRange `json:"ranges"`
}

type ImportPartialResponse struct {
	TaskIDs []string `json:"task_ids"`
}

func (s *ControlServer) handleQueueDownload(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.audit.Log("127.0.0.1", r.UserAgent(), "POST /queue", 400, "Bad Request JSON")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.checkDomainFilters(req.URL); err != nil {
		s.audit.Log("127.0.0.1", r.UserAgent(), "POST /queue", 403, err.Error())
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	row, err := s.engine.Add(engine.AddRequest{URL: req.URL, SaveDir: req.Path, Filename: req.Filename, Priority: req.Priority})
	if err != nil {
		s.audit.Log("127.0.0.1", r.UserAgent(), "POST /queue", 500, err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(EnqueueResponse{TaskID: row.ID})
}

func (s *ControlServer) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	row, _, err := s.engine.GetTask(id)
	if err != nil {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(row)
}

func (s *ControlServer) handleTaskControl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var err error
	switch req.Action {
	case "pause":
		err = s.engine.Pause(id)
	case "resume":
		err = s.engine.Resume(id)
	case "cancel", "stop":
		err = s.engine.Pause(id)
	case "retry":
		err = s.engine.Retry(id)
	case "delete":
		err = s.engine.Remove(id, false)
	case "start":
		err = s.engine.Start(id)
	default:
		http.Error(w, "Invalid action", http.StatusBadRequest)
		return
	}

	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleTaskStart admits a single QUEUED/PAUSED/FAILED task immediately, as a
// dedicated route distinct from the generic control endpoint so callers can
// fire a single targeted request instead of going through ControlRequest.
func (s *ControlServer) handleTaskStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Start(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleImportPartial queues one part-owning task per declared byte range
// against a shared workspace, for recovering a partial download that originated
// outside this process.
func (s *ControlServer) handleImportPartial(w http.ResponseWriter, r *http.Request) {
	var req ImportPartialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.audit.Log("127.0.0.1", r.UserAgent(), "POST /import-partial", 400, "Bad Request JSON")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.checkDomainFilters(req.URL); err != nil {
		s.audit.Log("127.0.0.1", r.UserAgent(), "POST /import-partial", 403, err.Error())
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	baseReq := engine.AddRequest{URL: req.URL, SaveDir: req.SaveDir, Filename: req.Filename}
	rows, err := s.engine.ImportPartial(baseReq, req.TotalSize, req.Ranges)
	if err != nil {
		s.audit.Log("127.0.0.1", r.UserAgent(), "POST /import-partial", 500, err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	json.NewEncoder(w).Encode(ImportPartialResponse{TaskIDs: ids})
}

// handleShutdown drains the engine's in-flight tasks to PAUSED and checkpoints
// storage, for an operator-triggered graceful stop distinct from process exit.
func (s *ControlServer) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Shutdown(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleSpeedTest runs a synchronous network speed test and returns the result.
// It blocks for the test's duration (tens of seconds), so callers should treat
// it as a slow diagnostic endpoint, not one to poll.
func (s *ControlServer) handleSpeedTest(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.RunSpeedTest()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	json.NewEncoder(w).Encode(result)
}

func (s *ControlServer) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(`{"status": "running"}`))
}

// handleAnalytics reports lifetime/daily transfer totals, disk usage on the
// download volume, and the most recently observed instantaneous speed.
func (s *ControlServer) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	data := s.engine.Stats().GetAnalytics()
	json.NewEncoder(w).Encode(data)
}

// Settings is the operator-tunable subset of config.ConfigManager exposed
// over the wire; GetAIToken is deliberately excluded from the GET response
// so a settings dump never leaks the auth credential it guards.
type Settings struct {
	AIPort               int    `json:"ai_port"`
	AIMaxConcurrent      int    `json:"ai_max_concurrent"`
	EnableAI             bool   `json:"enable_ai"`
	EnableIntegrityCheck bool   `json:"enable_integrity_check"`
	UserAgent            string `json:"user_agent"`
}

func (s *ControlServer) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(Settings{
		AIPort:               s.cfg.GetAIPort(),
		AIMaxConcurrent:      s.cfg.GetAIMaxConcurrent(),
		EnableAI:             s.cfg.GetEnableAI(),
		EnableIntegrityCheck: s.cfg.GetEnableIntegrityCheck(),
		UserAgent:            s.cfg.GetUserAgent(),
	})
}

// handlePutSettings applies every field of the request body; a field left at
// its zero value still overwrites the stored setting, so callers should GET
// first and only flip the fields they mean to change.
func (s *ControlServer) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req Settings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.cfg.SetAIPort(req.AIPort); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.cfg.SetAIMaxConcurrent(req.AIMaxConcurrent); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.cfg.SetEnableAI(req.EnableAI); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.cfg.SetEnableIntegrityCheck(req.EnableIntegrityCheck); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.cfg.SetUserAgent(req.UserAgent); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.engine.SetMaxConcurrent(req.AIMaxConcurrent)
	w.WriteHeader(http.StatusOK)
}

func (s *ControlServer) handleResetSettings(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.FactoryReset(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
