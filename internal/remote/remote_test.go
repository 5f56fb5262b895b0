package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"explorer/internal/credentials"
	"explorer/internal/transport"
)

func testTarget(serverURL string, creds credentials.Credentials) Target {
	return Target{
		Configurator: transport.Configurator{DirectURL: serverURL + "/", Route: transport.RouteDirect},
		Host:         "localhost",
		Credentials:  credentials.Static(creds),
	}
}

func fastPoller(serverURL string, maxTransient int) *Poller {
	return NewPoller(nil, testTarget(serverURL, credentials.Credentials{}), PollerConfig{
		Interval:           10 * time.Millisecond,
		Timeout:            time.Second,
		MaxTransientErrors: maxTransient,
	}, nil, nil)
}

func TestSubmit_Success(t *testing.T) {
	var gotPath, gotAuth, gotKey, gotBody, gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("X-TensorLake-API-Key")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"request_id":"req-123"}`)
	}))
	defer server.Close()

	s := NewSubmitter(server.Client(), testTarget(server.URL, credentials.Credentials{APIKey: "tl-key"}))
	h, err := s.Submit(context.Background(), "query app", map[string]string{"user_query": "how much on food?"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if h.RequestID != "req-123" || h.ApplicationName != "query app" {
		t.Errorf("unexpected handle %+v", h)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
	if gotPath != "/applications/query%20app" {
		t.Errorf("path = %s", gotPath)
	}
	if gotAuth != "Bearer tl-key" || gotKey != "tl-key" {
		t.Errorf("auth headers = %q / %q", gotAuth, gotKey)
	}
	if gotBody != `{"user_query":"how much on food?"}` {
		t.Errorf("body = %s", gotBody)
	}
}

func TestSubmit_RawPayloadVerbatim(t *testing.T) {
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		fmt.Fprint(w, `{"request_id":"r"}`)
	}))
	defer server.Close()

	s := NewSubmitter(server.Client(), testTarget(server.URL, credentials.Credentials{}))
	raw := json.RawMessage(`{"force_refresh": true}`)
	if _, err := s.Submit(context.Background(), "insights_app", raw); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if gotBody != string(raw) {
		t.Errorf("body = %q, want %q", gotBody, raw)
	}
}

func TestSubmit_Rejected(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
	}{
		{"json message", http.StatusBadRequest, `{"message":"invalid payload"}`, "invalid payload"},
		{"server error with message", http.StatusInternalServerError, `{"message":"queue unavailable"}`, "queue unavailable"},
		{"no body falls back to status line", http.StatusNotFound, ``, "404 Not Found"},
		{"non-json body", http.StatusUnauthorized, `nope`, "401 Unauthorized"},
		{"empty message", http.StatusForbidden, `{"message":"  "}`, "403 Forbidden"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			s := NewSubmitter(server.Client(), testTarget(server.URL, credentials.Credentials{}))
			h, err := s.Submit(context.Background(), "app", nil)

			var rejected *RejectedError
			if !errors.As(err, &rejected) {
				t.Fatalf("expected RejectedError, got %v", err)
			}
			if !errors.Is(err, ErrRejected) {
				t.Error("expected errors.Is(err, ErrRejected)")
			}
			if rejected.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", rejected.StatusCode, tt.status)
			}
			if rejected.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", rejected.Message, tt.wantMessage)
			}
			if h != (RequestHandle{}) {
				t.Errorf("expected zero handle, got %+v", h)
			}
		})
	}
}

func TestSubmit_Malformed(t *testing.T) {
	for name, body := range map[string]string{
		"missing request_id": `{"id":"x"}`,
		"empty request_id":   `{"request_id":""}`,
		"numeric request_id": `{"request_id":42}`,
		"not json":           `<html>`,
	} {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, body)
			}))
			defer server.Close()

			s := NewSubmitter(server.Client(), testTarget(server.URL, credentials.Credentials{}))
			_, err := s.Submit(context.Background(), "app", nil)
			if !errors.Is(err, ErrMalformedResponse) {
				t.Fatalf("expected malformed response error, got %v", err)
			}
		})
	}
}

func TestSubmit_EmptyApplicationMakesNoRequest(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	s := NewSubmitter(server.Client(), testTarget(server.URL, credentials.Credentials{}))
	_, err := s.Submit(context.Background(), "  ", nil)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("expected no network calls, got %d", calls.Load())
	}
}

func TestSubmit_NetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	s := NewSubmitter(nil, testTarget(url, credentials.Credentials{}))
	_, err := s.Submit(context.Background(), "app", nil)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !errors.Is(err, ErrTransport) {
		t.Error("expected errors.Is(err, ErrTransport)")
	}
}

// jobServer scripts the status responses of a single job.
type jobServer struct {
	mu            sync.Mutex
	statuses      []string
	statusCalls   int
	outputCalls   int
	outputBody    string
	lastStatusURI string
}

func (s *jobServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.HasSuffix(r.URL.Path, "/output") {
		s.outputCalls++
		fmt.Fprint(w, s.outputBody)
		return
	}

	s.lastStatusURI = r.URL.Path
	idx := s.statusCalls
	if idx >= len(s.statuses) {
		idx = len(s.statuses) - 1
	}
	s.statusCalls++
	fmt.Fprint(w, s.statuses[idx])
}

func (s *jobServer) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCalls, s.outputCalls
}

func TestAwait_PendingPendingSuccess(t *testing.T) {
	js := &jobServer{
		statuses: []string{
			`{"status":"pending"}`,
			`{"status":"running"}`,
			`{"status":"completed"}`,
		},
		outputBody: `{"transactions_added":12}`,
	}
	server := httptest.NewServer(js)
	defer server.Close()

	p := fastPoller(server.URL, 3)
	out, err := p.Await(context.Background(), RequestHandle{RequestID: "req-1", ApplicationName: "expense_ingestion_app"}, 0)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if string(out) != `{"transactions_added":12}` {
		t.Errorf("output = %s", out)
	}

	statusCalls, outputCalls := js.counts()
	if statusCalls != 3 {
		t.Errorf("status calls = %d, want 3", statusCalls)
	}
	if outputCalls != 1 {
		t.Errorf("output calls = %d, want exactly 1", outputCalls)
	}
	if js.lastStatusURI != "/applications/expense_ingestion_app/requests/req-1" {
		t.Errorf("status path = %s", js.lastStatusURI)
	}
}

func TestAwait_NestedFailure(t *testing.T) {
	js := &jobServer{
		statuses: []string{`{"function_runs":[{"status":"failed","failure_reason":"not a bank statement"}]}`},
	}
	server := httptest.NewServer(js)
	defer server.Close()

	_, err := fastPoller(server.URL, 3).Await(context.Background(), RequestHandle{RequestID: "r", ApplicationName: "a"}, 0)

	var rf *RemoteFailureError
	if !errors.As(err, &rf) {
		t.Fatalf("expected RemoteFailureError, got %v", err)
	}
	if rf.Message != "not a bank statement" || rf.RequestID != "r" {
		t.Errorf("unexpected failure %+v", rf)
	}
	if _, outputCalls := js.counts(); outputCalls != 0 {
		t.Errorf("output must not be fetched on failure, got %d calls", outputCalls)
	}
}

func TestAwait_TimeoutStopsTicking(t *testing.T) {
	js := &jobServer{statuses: []string{`{"status":"pending"}`}}
	server := httptest.NewServer(js)
	defer server.Close()

	p := fastPoller(server.URL, 3)
	start := time.Now()
	_, err := p.Await(context.Background(), RequestHandle{RequestID: "slow", ApplicationName: "a"}, 80*time.Millisecond)

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.RequestID != "slow" || te.Timeout != 80*time.Millisecond {
		t.Errorf("unexpected timeout error %+v", te)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Await returned after %v, expected close to the deadline", elapsed)
	}

	before, _ := js.counts()
	time.Sleep(60 * time.Millisecond)
	after, _ := js.counts()
	if after != before {
		t.Errorf("poll ticks continued after return: %d -> %d", before, after)
	}
}

func TestAwait_TimeoutDuringSlowRequest(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	_, err := fastPoller(server.URL, 3).Await(context.Background(), RequestHandle{RequestID: "r", ApplicationName: "a"}, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestAwait_CallerCancellation(t *testing.T) {
	js := &jobServer{statuses: []string{`{"status":"pending"}`}}
	server := httptest.NewServer(js)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(40*time.Millisecond, cancel)

	_, err := fastPoller(server.URL, 3).Await(ctx, RequestHandle{RequestID: "r", ApplicationName: "a"}, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("caller cancellation must not be reported as a timeout")
	}
}

func TestAwait_TransientErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/output") {
			fmt.Fprint(w, `"answer"`)
			return
		}
		n := calls.Add(1)
		switch n {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			fmt.Fprint(w, `{"status":"completed"}`)
		}
	}))
	defer server.Close()

	out, err := fastPoller(server.URL, 3).Await(context.Background(), RequestHandle{RequestID: "r", ApplicationName: "a"}, 0)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if string(out) != `"answer"` {
		t.Errorf("output = %s", out)
	}
}

func TestAwait_TooManyTransientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := fastPoller(server.URL, 2).Await(context.Background(), RequestHandle{RequestID: "r", ApplicationName: "a"}, 0)

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if te.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d", te.StatusCode)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3 (initial + 2 retries)", got)
	}
}

func TestAwait_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := fastPoller(server.URL, 3).Await(context.Background(), RequestHandle{RequestID: "r", ApplicationName: "a"}, 0)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestAwait_MalformedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":`)
	}))
	defer server.Close()

	_, err := fastPoller(server.URL, 3).Await(context.Background(), RequestHandle{RequestID: "r", ApplicationName: "a"}, 0)
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected malformed response error, got %v", err)
	}
}

type countingRecorder struct {
	mu       sync.Mutex
	ticks    int
	outcomes []string
}

func (r *countingRecorder) PollTick(string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks++
}

func (r *countingRecorder) JobFinished(_ string, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func TestClient_Run(t *testing.T) {
	var sawAIKey atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Gemini-API-Key") == "gem" {
			sawAIKey.Store(true)
		}
		switch {
		case r.Method == http.MethodPost:
			fmt.Fprint(w, `{"request_id":"job-9"}`)
		case strings.HasSuffix(r.URL.Path, "/output"):
			fmt.Fprint(w, `"You spent 42 on groceries."`)
		default:
			fmt.Fprint(w, `{"status":"success"}`)
		}
	}))
	defer server.Close()

	rec := &countingRecorder{}
	c := New(Options{
		HTTPClient: server.Client(),
		Target:     testTarget(server.URL, credentials.Credentials{AIKey: "gem"}),
		Poll:       PollerConfig{Interval: 10 * time.Millisecond, Timeout: time.Second},
		Recorder:   rec,
	})

	out, err := c.Run(context.Background(), "query_app", map[string]string{"user_query": "groceries?"}, 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	var answer string
	if err := json.Unmarshal(out, &answer); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if answer != "You spent 42 on groceries." {
		t.Errorf("answer = %q", answer)
	}
	if !sawAIKey.Load() {
		t.Error("expected AI key header on requests")
	}
	if rec.ticks != 1 || len(rec.outcomes) != 1 || rec.outcomes[0] != "success" {
		t.Errorf("unexpected recorder state ticks=%d outcomes=%v", rec.ticks, rec.outcomes)
	}
}

func TestOutcomeLabel(t *testing.T) {
	tests := map[string]error{
		"success":         nil,
		"timeout":         &TimeoutError{},
		"failure":         &RemoteFailureError{},
		"rejected":        fmt.Errorf("wrapped: %w", &RejectedError{}),
		"malformed":       &MalformedResponseError{},
		"transport_error": &TransportError{Err: io.EOF},
		"cancelled":       context.Canceled,
		"error":           errors.New("other"),
	}
	for want, err := range tests {
		if got := OutcomeLabel(err); got != want {
			t.Errorf("OutcomeLabel(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestClient_ExecuteKeepsHandle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			fmt.Fprint(w, `{"request_id":"job-7"}`)
		default:
			fmt.Fprint(w, `{"status":"failed","failure_reason":"bad pdf"}`)
		}
	}))
	defer server.Close()

	c := New(Options{
		HTTPClient: server.Client(),
		Target:     testTarget(server.URL, credentials.Credentials{}),
		Poll:       PollerConfig{Interval: 10 * time.Millisecond, Timeout: time.Second},
	})

	exec, err := c.Execute(context.Background(), "ingest", json.RawMessage(`{}`), 0)
	if !errors.Is(err, ErrRemoteFailure) {
		t.Fatalf("expected remote failure, got %v", err)
	}
	if !errors.Is(err, ErrAccepted) || AcceptedRequestID(err) != "job-7" {
		t.Errorf("error after submission not marked accepted: %v", err)
	}
	if exec.Handle.RequestID != "job-7" || exec.Handle.ApplicationName != "ingest" {
		t.Errorf("handle = %+v", exec.Handle)
	}
	if exec.Output != nil {
		t.Errorf("output = %s", exec.Output)
	}
	if exec.FinishedAt.Before(exec.StartedAt) {
		t.Errorf("finished %v before started %v", exec.FinishedAt, exec.StartedAt)
	}
}

func TestClient_ExecuteRejectionIsNotAccepted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"message":"busy"}`)
	}))
	defer server.Close()

	c := New(Options{
		HTTPClient: server.Client(),
		Target:     testTarget(server.URL, credentials.Credentials{}),
		Poll:       PollerConfig{Interval: 10 * time.Millisecond, Timeout: time.Second},
	})

	_, err := c.Execute(context.Background(), "ingest", json.RawMessage(`{}`), 0)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if errors.Is(err, ErrAccepted) || AcceptedRequestID(err) != "" {
		t.Errorf("rejected submission marked accepted: %v", err)
	}
}
