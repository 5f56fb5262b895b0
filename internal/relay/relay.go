// Package relay is the CORS-bridging reverse proxy that lets a browser
// reach the upstream job API. It keeps no state between requests.
package relay

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"explorer/internal/log"
	"explorer/internal/middleware/trace"
	"explorer/internal/transport"
)

// DefaultPrefix is the path under which requests are forwarded.
const DefaultPrefix = "/api/proxy"

// dropRequestHeaders are never sent upstream. Accept-Encoding is dropped so
// the relay's own transport negotiates and undoes compression.
var dropRequestHeaders = []string{
	"Host",
	"Connection",
	"Origin",
	"Referer",
	"Content-Length",
	"Accept-Encoding",
}

// dropResponseHeaders are never copied back to the browser.
var dropResponseHeaders = []string{
	"Content-Encoding",
	"Transfer-Encoding",
	"Connection",
}

// Recorder receives upstream timings. internal/metrics implements it.
type Recorder interface {
	UpstreamLatency(method string, duration time.Duration)
}

// Config describes the relay's upstream and CORS policy.
type Config struct {
	UpstreamURL    string
	Prefix         string
	AllowedOrigins []string
	DefaultOrigin  string
}

// Relay forwards prefixed requests to the upstream API.
type Relay struct {
	upstream string
	prefix   string
	cors     CORS
	client   *http.Client
	logger   *log.Logger
	recorder Recorder
}

// New creates a Relay. The client is copied and set to never follow
// redirects; a nil client gets a default one.
func New(cfg Config, client *http.Client, logger *log.Logger, recorder Recorder) *Relay {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = log.Discard()
	}

	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Relay{
		upstream: strings.TrimRight(cfg.UpstreamURL, "/"),
		prefix:   strings.TrimRight(cfg.Prefix, "/"),
		cors:     NewCORS(cfg.AllowedOrigins, cfg.DefaultOrigin),
		client:   &c,
		logger:   logger.WithComponent(log.ComponentRelay),
		recorder: recorder,
	}
}

// Prefix returns the forwarded path prefix without a trailing slash.
func (rl *Relay) Prefix() string {
	return rl.prefix
}

// Preflight answers a CORS preflight request for any path.
func (rl *Relay) Preflight(w http.ResponseWriter, r *http.Request) {
	rl.cors.Apply(w.Header(), r.Header.Get("Origin"))
	w.WriteHeader(http.StatusNoContent)
}

// ServeHTTP forwards a request under the prefix to the upstream API.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		rl.Preflight(w, r)
		return
	}

	path := r.URL.EscapedPath()
	if !strings.HasPrefix(path, rl.prefix+"/") {
		notFound(w)
		return
	}

	target := rl.upstream + strings.TrimPrefix(path, rl.prefix)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	ctx := r.Context()
	fields := log.NewFields().
		WithOperation(log.OpForward).
		WithRequestID(trace.GetRequestID(ctx)).
		With(log.FieldMethod, r.Method).
		With(log.FieldUpstream, target)
	rl.logger.InfoContext(ctx, "Proxying request", fields.ToSlice()...)

	var body io.Reader
	if carriesBody(r.Method) {
		body = r.Body
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		rl.fail(w, r, err)
		return
	}
	out.Header = forwardHeaders(r.Header)
	if body != nil {
		out.ContentLength = r.ContentLength
	}

	start := time.Now()
	resp, err := rl.client.Do(out)
	if rl.recorder != nil {
		rl.recorder.UpstreamLatency(r.Method, time.Since(start))
	}
	if err != nil {
		rl.fail(w, r, err)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	for _, name := range dropResponseHeaders {
		header.Del(name)
	}
	rl.cors.Apply(header, r.Header.Get("Origin"))

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		rl.logger.WarnContext(ctx, "Copying upstream body failed",
			fields.WithError(err).WithElapsed(start).ToSlice()...)
		return
	}

	rl.logger.DebugContext(ctx, "Upstream responded",
		fields.With(log.FieldStatusCode, resp.StatusCode).WithElapsed(start).ToSlice()...)
}

// fail reports an upstream failure as a structured 500.
func (rl *Relay) fail(w http.ResponseWriter, r *http.Request, err error) {
	rl.logger.ErrorContext(r.Context(), "Proxy error",
		log.NewFields().
			WithOperation(log.OpForward).
			WithRequestID(trace.GetRequestID(r.Context())).
			WithError(err).
			With(log.FieldErrorType, log.ErrorTypeNetwork).
			ToSlice()...)

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": err.Error()})
}

// forwardHeaders copies the browser's headers minus the ones that describe
// the browser-to-relay hop, and turns the API key header into a bearer token.
func forwardHeaders(in http.Header) http.Header {
	out := in.Clone()
	for _, name := range dropRequestHeaders {
		out.Del(name)
	}
	if key := strings.TrimSpace(in.Get(transport.HeaderAPIKey)); key != "" {
		out.Set(transport.HeaderAuthorization, "Bearer "+key)
	}
	return out
}

func carriesBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = io.WriteString(w, "Not Found")
}
