// Package network implements the Network Adapter: range-capability probing,
// ranged GET, unranged streaming GET, and browser-session header/cookie replay.
// Grounded on internal/engine/http.go's ProbeURL/newRequest, generalized from a
// single engine-bound client into a standalone collaborator the Segment/Stream
// Worker depends on.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dlm-go/internal/task"
)

const GenericUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"

// Session captures the provenance of a browser-originated download: referer,
// ordered captured headers (excluding only Host and Content-Length), cookies,
// and a user-agent override. The Adapter MUST NOT mutate these.
type Session struct {
	Referer   string
	Headers   []task.Header // ordered; order affects anti-bot origins
	Cookies   map[string]string
	UserAgent string
}

var excludedHeaders = map[string]bool{
	"host":           true,
	"content-length": true,
}

// ProbeResult carries everything GetContentLength/SupportsRanges discover in one
// round trip, since a single GET with Range: 0-0 answers both questions at once.
type ProbeResult struct {
	Size            int64
	Filename        string
	Status          int
	AcceptRanges    bool
	ETag            string
	LastModified    string
	ProbedViaStream bool
}

// Adapter is the Network Adapter. One Adapter is shared across every task; it holds
// no per-task state.
type Adapter struct {
	client *http.Client
}

// NewAdapter builds the shared HTTP client, matching the transport tuning in
// internal/engine/manager.go's NewEngine (connection reuse, idle pool sizing) plus
// explicit HTTP/2 negotiation.
func NewAdapter() *Adapter {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second, // connect timeout
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
	}
	return &Adapter{client: &http.Client{Transport: transport, Timeout: 0}}
}

func (a *Adapter) newRequest(ctx context.Context, method, urlStr string, sess Session) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, nil)
	if err != nil {
		return nil, err
	}

	ua := sess.UserAgent
	if ua == "" {
		ua = GenericUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Connection", "keep-alive")
	if sess.Referer != "" {
		req.Header.Set("Referer", sess.Referer)
	}

	// Ordered replay: iterate the captured slice, never a map, so header order
	// matches what the browser originally sent.
	for _, h := range sess.Headers {
		if excludedHeaders[strings.ToLower(h.Name)] {
			continue
		}
		req.Header.Set(h.Name, h.Value)
	}

	for name, value := range sess.Cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	return req, nil
}

// GetContentLength probes the origin for a total size. Attempts HEAD first; if
// HEAD fails or returns no length, falls back to a GET with Range: bytes=0-0 and
// parses Content-Range. If the caller must fall back all the way to a streamed GET
// to learn the size, ProbedViaStream is set true.
func (a *Adapter) GetContentLength(ctx context.Context, urlStr string, sess Session) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second) // discovery timeout
	defer cancel()

	if req, err := a.newRequest(ctx, http.MethodHead, urlStr, sess); err == nil {
		if resp, err := a.client.Do(req); err == nil {
			defer resp.Body.Close()
			if resp.StatusCode < 400 && resp.ContentLength > 0 {
				return probeFromResponse(resp, false), nil
			}
		}
	}

	return a.probeViaRange(ctx, urlStr, sess)
}

// SupportsRanges reports range capability via a GET with Range: bytes=0-0,
// true iff the response status is 206.
func (a *Adapter) SupportsRanges(ctx context.Context, urlStr string, sess Session) (bool, error) {
	result, err := a.probeViaRange(ctx, urlStr, sess)
	if err != nil {
		return false, err
	}
	return result.AcceptRanges, nil
}

func (a *Adapter) probeViaRange(ctx context.Context, urlStr string, sess Session) (*ProbeResult, error) {
	req, err := a.newRequest(ctx, http.MethodGet, urlStr, sess)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return probeFromResponse(resp, true), nil
}

func probeFromResponse(resp *http.Response, rangeProbe bool) *ProbeResult {
	filename := ""
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			filename = params["filename"]
		}
	}
	if filename == "" {
		filename = filepath.Base(resp.Request.URL.Path)
		if filename == "." || filename == "/" {
			filename = "unknown_file"
		}
	}

	acceptRanges := resp.Header.Get("Accept-Ranges") == "bytes"
	size := resp.ContentLength

	if rangeProbe && resp.StatusCode == http.StatusPartialContent {
		acceptRanges = true
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if parts := strings.Split(cr, "/"); len(parts) == 2 {
				if total, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
					size = total
				}
			}
		}
	}

	return &ProbeResult{
		Size:         size,
		Filename:     filename,
		Status:       resp.StatusCode,
		AcceptRanges: acceptRanges,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
}

// DownloadRange issues a ranged GET yielding a
// io.ReadCloser the caller streams until exhaustion or remote close.
func (a *Adapter) DownloadRange(ctx context.Context, urlStr string, start, end int64, sess Session) (io.ReadCloser, *http.Response, error) {
	req, err := a.newRequest(ctx, http.MethodGet, urlStr, sess)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, classifyTransportError(err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, nil, err
	}
	return resp.Body, resp, nil
}

// DownloadStream issues an unranged GET: same contract without a range.
func (a *Adapter) DownloadStream(ctx context.Context, urlStr string, sess Session) (io.ReadCloser, *http.Response, error) {
	req, err := a.newRequest(ctx, http.MethodGet, urlStr, sess)
	if err != nil {
		return nil, nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, classifyTransportError(err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, nil, err
	}
	return resp.Body, resp, nil
}

// checkStatus implements the session-expired/HTML-landing-page/not-ok classification
// shared by every operation: status not in {200, 206}, or an HTML content-type,
// fails.
func checkStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusGone:
		return task.ErrSessionExpired
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("%w: server returned status %d", task.ErrTransientNetwork, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/html") {
		return task.ErrHTMLLandingPage
	}
	return nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", task.ErrTransientNetwork, err)
	}
	return fmt.Errorf("%w: %v", task.ErrTransientNetwork, err)
}
