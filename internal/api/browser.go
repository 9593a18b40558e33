package api

import (
	"encoding/json"
	"net/http"

	"dlm-go/internal/engine"
	"dlm-go/internal/filesystem"
	"dlm-go/internal/network"
	"dlm-go/internal/task"
)

type BrowserParams struct {
	URL       string `json:"url"`
	Cookies   string `json:"cookies"` // Raw string "a=b; c=d"
	UserAgent string `json:"user_agent"`
	Referer   string `json:"referer"`
	Filename  string `json:"filename"`
}

// handleBrowserTrigger accepts a capture from the companion browser extension and
// queues it directly through the Command Surface, carrying the captured session
// (cookies, referer, user agent) onto the new task instead of round-tripping
// through a serialized options blob.
func (s *ControlServer) handleBrowserTrigger(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	var params BrowserParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if params.URL == "" {
		http.Error(w, "URL required", http.StatusBadRequest)
		return
	}

	if err := s.checkDomainFilters(params.URL); err != nil {
		s.audit.Log("127.0.0.1", r.UserAgent(), "POST /v1/browser/trigger", 403, err.Error())
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	cookies := make(map[string]string)
	if params.Cookies != "" {
		for _, c := range ParseCookieString(params.Cookies) {
			cookies[c.Name] = c.Value
		}
	}

	userAgent := params.UserAgent
	if userAgent == "" {
		userAgent = network.GenericUserAgent
	}

	defaultPath, err := filesystem.GetDefaultDownloadPath()
	if err != nil {
		defaultPath = "."
	}

	row, err := s.engine.Add(engine.AddRequest{
		URL:       params.URL,
		Referer:   params.Referer,
		Cookies:   cookies,
		UserAgent: userAgent,
		Filename:  params.Filename,
		SaveDir:   defaultPath,
		Headers:   []task.Header{{Name: "User-Agent", Value: userAgent}},
	})
	if err != nil {
		s.audit.Log("127.0.0.1", r.UserAgent(), "POST /v1/browser/trigger", 500, err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.audit.Log("127.0.0.1", r.UserAgent(), "POST /v1/browser/trigger", 200, "Started "+row.ID)

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "started",
		"id":     row.ID,
	})
}

// ParseCookieString parses a raw "a=b; c=d" cookie string into http.Cookie values.
func ParseCookieString(raw string) []*http.Cookie {
	header := http.Header{}
	header.Add("Cookie", raw)
	req := http.Request{Header: header}
	return req.Cookies()
}
