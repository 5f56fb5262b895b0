// Package remote is the asynchronous remote-job client: submit a unit of work
// to a queue-backed application, then poll until it reaches a terminal state
// or the time budget runs out.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"explorer/internal/credentials"
	"explorer/internal/transport"
)

// maxBodySize bounds how much of any upstream response is read.
const maxBodySize = 32 << 20

// RequestHandle identifies one submitted job. It is only meaningful to the
// poller that owns it and is never persisted.
type RequestHandle struct {
	RequestID       string
	ApplicationName string
}

// Target tells the client where to send requests. Credentials are read on
// every call so updates take effect without rebuilding the client.
type Target struct {
	Configurator transport.Configurator
	Host         string
	Credentials  credentials.Source
}

func (t Target) resolve() transport.Config {
	var creds credentials.Credentials
	if t.Credentials != nil {
		creds = t.Credentials.Credentials()
	}
	return t.Configurator.Resolve(t.Host, creds)
}

// api holds the HTTP plumbing shared by Submitter and Poller.
type api struct {
	httpClient *http.Client
	target     Target
}

func newAPI(httpClient *http.Client, target Target) api {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return api{httpClient: httpClient, target: target}
}

func applicationURL(base, app string) string {
	return base + "/applications/" + url.PathEscape(app)
}

func requestURL(base string, h RequestHandle) string {
	return applicationURL(base, h.ApplicationName) + "/requests/" + url.PathEscape(h.RequestID)
}

// response is a fully read upstream reply.
type response struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (r response) ok() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// do performs one exchange and reads the whole body. Only failures that
// produced no usable response are returned as errors.
func (a api) do(ctx context.Context, op, method, target string, headers http.Header, body []byte) (response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return response{}, &TransportError{Op: op, URL: target, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header = headers.Clone()

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return response{}, &TransportError{Op: op, URL: target, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return response{}, &TransportError{Op: op, URL: target, Err: fmt.Errorf("read body: %w", err)}
	}

	return response{StatusCode: resp.StatusCode, Status: resp.Status, Body: data}, nil
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}
