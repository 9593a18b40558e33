package network

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dlm-go/internal/task"
)

func rangeAwareHandler(body []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rangeHdr := r.Header.Get("Range")
		if rangeHdr == "" {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Write(body)
			return
		}
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Range", "bytes 0-0/"+itoa(len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[:1])
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

func TestSupportsRanges(t *testing.T) {
	body := []byte("hello world")
	srv := httptest.NewServer(rangeAwareHandler(body))
	defer srv.Close()

	a := NewAdapter()
	ok, err := a.SupportsRanges(context.Background(), srv.URL, Session{})
	if err != nil {
		t.Fatalf("SupportsRanges error: %v", err)
	}
	if !ok {
		t.Fatal("expected range support to be detected")
	}
}

func TestHTMLLandingPageDetected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>login</html>"))
	}))
	defer srv.Close()

	a := NewAdapter()
	_, _, err := a.DownloadStream(context.Background(), srv.URL, Session{})
	if err == nil {
		t.Fatal("expected an error for HTML landing page")
	}
	if !strings.Contains(err.Error(), "HTML") {
		t.Fatalf("expected HTML landing page error, got: %v", err)
	}
}

func TestSessionExpiredOn403(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	a := NewAdapter()
	_, err := a.GetContentLength(context.Background(), srv.URL, Session{})
	if err == nil {
		t.Fatal("expected session-expired error on 403")
	}
}

func TestOrderedHeaderReplayExcludesHostAndContentLength(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("X-Custom-1"), r.Header.Get("X-Custom-2"))
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	a := NewAdapter()
	sess := Session{Headers: []task.Header{
		{Name: "X-Custom-1", Value: "first"},
		{Name: "X-Custom-2", Value: "second"},
		{Name: "Host", Value: "should-be-excluded"},
		{Name: "Content-Length", Value: "0"},
	}}
	body, resp, err := a.DownloadStream(context.Background(), srv.URL, sess)
	if err != nil {
		t.Fatalf("DownloadStream error: %v", err)
	}
	defer body.Close()
	io.ReadAll(body)
	_ = resp

	if seen[0] != "first" || seen[1] != "second" {
		t.Fatalf("expected ordered custom headers to reach the server, got %v", seen)
	}
}
