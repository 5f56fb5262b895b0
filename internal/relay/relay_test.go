package relay

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"explorer/internal/log"
)

const defaultOrigin = "https://expenses.example.com"

type upstreamCall struct {
	method string
	uri    string
	header http.Header
	body   string
}

// recordingUpstream stores the last request it received.
type recordingUpstream struct {
	mu      sync.Mutex
	last    upstreamCall
	handler http.HandlerFunc
}

func (u *recordingUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	u.last = upstreamCall{method: r.Method, uri: r.URL.RequestURI(), header: r.Header.Clone(), body: string(body)}
	u.mu.Unlock()
	if u.handler != nil {
		u.handler(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"ok":true}`)
}

func (u *recordingUpstream) lastCall() upstreamCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last
}

func newTestRelay(t *testing.T, upstream http.Handler) (http.Handler, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)

	rl := New(Config{
		UpstreamURL:    server.URL + "/v1/namespaces/default",
		AllowedOrigins: []string{"https://partner.example.org"},
		DefaultOrigin:  defaultOrigin,
	}, server.Client(), log.Discard(), nil)
	return NewHandler(rl, nil, log.Discard()), server
}

func TestPreflight(t *testing.T) {
	handler, _ := newTestRelay(t, &recordingUpstream{})

	tests := []struct {
		name   string
		path   string
		origin string
		want   string
	}{
		{"unknown origin gets default", "/api/proxy/applications/x", "https://evil.example.net", defaultOrigin},
		{"substring of localhost is not loopback", "/api/proxy/x", "https://localhost.evil.net", defaultOrigin},
		{"allow-listed origin echoed", "/api/proxy/x", "https://partner.example.org", "https://partner.example.org"},
		{"default origin echoed", "/api/proxy/x", defaultOrigin, defaultOrigin},
		{"localhost with port echoed", "/anything", "http://localhost:5173", "http://localhost:5173"},
		{"loopback ip echoed", "/healthz", "http://127.0.0.1:8888", "http://127.0.0.1:8888"},
		{"ipv6 loopback echoed", "/", "http://[::1]:3000", "http://[::1]:3000"},
		{"missing origin", "/api/proxy/x", "", defaultOrigin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, tt.path, nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusNoContent {
				t.Errorf("status = %d, want 204", rec.Code)
			}
			if rec.Body.Len() != 0 {
				t.Errorf("preflight body must be empty, got %q", rec.Body.String())
			}
			h := rec.Header()
			if got := h.Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.want)
			}
			if got := h.Get("Access-Control-Allow-Methods"); got != "GET, POST, OPTIONS" {
				t.Errorf("Allow-Methods = %q", got)
			}
			if got := h.Get("Access-Control-Allow-Headers"); got != "Content-Type, X-TensorLake-API-Key, X-Gemini-API-Key, X-Database-URL, Authorization" {
				t.Errorf("Allow-Headers = %q", got)
			}
			if got := h.Get("Access-Control-Max-Age"); got != "86400" {
				t.Errorf("Max-Age = %q", got)
			}
			if got := h.Get("Vary"); got != "Origin" {
				t.Errorf("Vary = %q", got)
			}
		})
	}
}

func TestForward_PathQueryAndHeaders(t *testing.T) {
	up := &recordingUpstream{}
	handler, _ := newTestRelay(t, up)

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/applications/query_app?debug=1&x=a%20b", strings.NewReader(`{"user_query":"hi"}`))
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Referer", "http://localhost:5173/app")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-TensorLake-API-Key", "tl-key")
	req.Header.Set("X-Gemini-API-Key", "gem")
	req.Header.Set("X-Database-URL", "postgres://db")
	req.Header.Set("Accept-Encoding", "br")
	req.Header.Set("Connection", "keep-alive")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	call := up.lastCall()
	if call.method != http.MethodPost {
		t.Errorf("method = %s", call.method)
	}
	if call.uri != "/v1/namespaces/default/applications/query_app?debug=1&x=a%20b" {
		t.Errorf("upstream URI = %s", call.uri)
	}
	if call.body != `{"user_query":"hi"}` {
		t.Errorf("upstream body = %q", call.body)
	}
	if got := call.header.Get("Authorization"); got != "Bearer tl-key" {
		t.Errorf("Authorization = %q, want synthesized bearer", got)
	}
	for name, want := range map[string]string{
		"X-TensorLake-API-Key": "tl-key",
		"X-Gemini-API-Key":     "gem",
		"X-Database-URL":       "postgres://db",
		"Content-Type":         "application/json",
	} {
		if got := call.header.Get(name); got != want {
			t.Errorf("upstream %s = %q, want %q", name, got, want)
		}
	}
	for _, name := range []string{"Origin", "Referer"} {
		if got := call.header.Get(name); got != "" {
			t.Errorf("upstream %s must be stripped, got %q", name, got)
		}
	}
	if got := call.header.Get("Accept-Encoding"); got == "br" {
		t.Error("browser Accept-Encoding must not reach upstream")
	}

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("response Allow-Origin = %q", got)
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Errorf("response body = %q", rec.Body.String())
	}
}

func TestForward_NoAPIKeyNoAuthorization(t *testing.T) {
	up := &recordingUpstream{}
	handler, _ := newTestRelay(t, up)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/proxy/applications/a/requests/1", nil))
	if got := up.lastCall().header.Get("Authorization"); got != "" {
		t.Errorf("Authorization = %q, want none", got)
	}
}

func TestForward_ExistingAuthorizationOverridden(t *testing.T) {
	up := &recordingUpstream{}
	handler, _ := newTestRelay(t, up)

	req := httptest.NewRequest(http.MethodGet, "/api/proxy/x", nil)
	req.Header.Set("Authorization", "Bearer stale")
	req.Header.Set("X-TensorLake-API-Key", "fresh")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got := up.lastCall().header.Get("Authorization"); got != "Bearer fresh" {
		t.Errorf("Authorization = %q, want Bearer fresh", got)
	}
}

func TestForward_ResponseHeadersAndStatus(t *testing.T) {
	up := &recordingUpstream{handler: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("Access-Control-Allow-Origin", "https://upstream.example")
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"message":"bad"}`)
	}}
	handler, _ := newTestRelay(t, up)

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/applications/a", strings.NewReader(`{}`))
	req.Header.Set("Origin", "https://evil.example.net")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422 verbatim", rec.Code)
	}
	if rec.Body.String() != `{"message":"bad"}` {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Error("upstream headers must be copied")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != defaultOrigin {
		t.Errorf("Allow-Origin = %q, want %q", got, defaultOrigin)
	}
}

func TestForward_CompressedUpstream(t *testing.T) {
	up := &recordingUpstream{handler: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "application/json")
		gz := gzip.NewWriter(w)
		fmt.Fprint(gz, `{"status":"completed"}`)
		gz.Close()
	}}
	handler, _ := newTestRelay(t, up)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxy/applications/a/requests/1", nil))

	if got := rec.Header().Get("Content-Encoding"); got != "" {
		t.Errorf("Content-Encoding = %q, want stripped", got)
	}
	if rec.Body.String() != `{"status":"completed"}` {
		t.Errorf("body = %q, want decoded JSON", rec.Body.String())
	}
}

func TestForward_RedirectNotFollowed(t *testing.T) {
	up := &recordingUpstream{handler: func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/namespaces/default/moved" {
			http.Redirect(w, r, "/v1/namespaces/default/elsewhere", http.StatusFound)
			return
		}
		fmt.Fprint(w, "followed")
	}}
	handler, _ := newTestRelay(t, up)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxy/moved", nil))

	if rec.Code != http.StatusFound {
		t.Errorf("status = %d, want 302 passed through", rec.Code)
	}
	if got := up.lastCall().uri; got != "/v1/namespaces/default/moved" {
		t.Errorf("upstream saw %s, redirect must not be followed", got)
	}
}

func TestForward_UpstreamFailure(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	rl := New(Config{UpstreamURL: deadURL, DefaultOrigin: defaultOrigin}, &http.Client{Timeout: time.Second}, nil, nil)
	handler := NewHandler(rl, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/proxy/applications/a", nil)
	req.Header.Set("Origin", defaultOrigin)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Message == "" {
		t.Error("expected error message")
	}
}

func TestRoutes(t *testing.T) {
	handler, _ := newTestRelay(t, &recordingUpstream{})

	tests := []struct {
		method string
		path   string
		code   int
		body   string
	}{
		{http.MethodGet, "/", http.StatusOK, livenessMessage},
		{http.MethodGet, "/healthz", http.StatusOK, "ok"},
		{http.MethodGet, "/nope", http.StatusNotFound, "Not Found"},
		{http.MethodPost, "/api/other", http.StatusNotFound, "Not Found"},
		{http.MethodGet, "/metrics", http.StatusNotFound, "Not Found"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.code {
				t.Errorf("status = %d, want %d", rec.Code, tt.code)
			}
			if rec.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"direct public peer ignores XFF", "203.0.113.9:1234", "198.51.100.1", "203.0.113.9"},
		{"trusted proxy uses XFF", "10.0.0.5:1234", "198.51.100.1, 10.0.0.5", "198.51.100.1"},
		{"trusted proxy invalid XFF", "127.0.0.1:1", "garbage", "127.0.0.1"},
		{"no port", "192.0.2.7", "", "192.0.2.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := ClientIP(r); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
