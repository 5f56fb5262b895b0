package relay

import (
	"io"
	"net/http"
	"time"

	"explorer/internal/log"
	"explorer/internal/middleware/trace"
)

// livenessMessage is served at the root.
const livenessMessage = "expense explorer relay is running"

// Metrics is what the router needs from internal/metrics.
type Metrics interface {
	Recorder
	RelayRequest(method string, status int)
	Handler() http.Handler
}

// NewHandler assembles the relay's HTTP surface: preflight on any path,
// liveness, health, metrics and the forwarding prefix. Everything else is
// a plain 404. m may be nil.
func NewHandler(rl *Relay, m Metrics, logger *log.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", handleLiveness)
	mux.HandleFunc("GET /healthz", handleHealth)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}
	mux.Handle(rl.Prefix()+"/", rl)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		notFound(w)
	})

	opts := []trace.Option{trace.WithIPExtractor(ClientIP)}
	if m != nil {
		opts = append(opts, trace.WithCompletionHook(func(method string, status int, _ time.Duration) {
			m.RelayRequest(method, status)
		}))
	}
	tracer := trace.NewMiddleware(logger, opts...)

	return tracer.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			rl.Preflight(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	}))
}

// NewServer wraps handler in an http.Server with the relay's timeouts. No
// write timeout is set because upstream responses are streamed.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}
}

func handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, livenessMessage)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}
