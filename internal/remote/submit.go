package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Submitter enqueues jobs on the upstream API.
type Submitter struct {
	api
}

// NewSubmitter creates a Submitter. A nil httpClient gets a default one.
func NewSubmitter(httpClient *http.Client, target Target) *Submitter {
	return &Submitter{api: newAPI(httpClient, target)}
}

// Submit posts payload to the named application and returns the handle of
// the enqueued job. It never retries.
func (s *Submitter) Submit(ctx context.Context, applicationName string, payload any) (RequestHandle, error) {
	if strings.TrimSpace(applicationName) == "" {
		return RequestHandle{}, fmt.Errorf("%w: application name is required", ErrInvalidRequest)
	}

	body, err := encodePayload(payload)
	if err != nil {
		return RequestHandle{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !json.Valid(body) {
		return RequestHandle{}, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRequest)
	}

	tc := s.target.resolve()
	resp, err := s.do(ctx, "submit", http.MethodPost, applicationURL(tc.BaseURL, applicationName), tc.Headers, body)
	if err != nil {
		return RequestHandle{}, err
	}

	if !resp.ok() {
		return RequestHandle{}, &RejectedError{StatusCode: resp.StatusCode, Message: rejectionMessage(resp)}
	}

	if !gjson.ValidBytes(resp.Body) {
		return RequestHandle{}, &MalformedResponseError{Op: "submit", Reason: "body is not JSON"}
	}
	id := gjson.GetBytes(resp.Body, "request_id")
	if id.Type != gjson.String || strings.TrimSpace(id.String()) == "" {
		return RequestHandle{}, &MalformedResponseError{Op: "submit", Reason: "missing request_id"}
	}

	return RequestHandle{RequestID: id.String(), ApplicationName: applicationName}, nil
}

// rejectionMessage prefers the upstream's own explanation and falls back to
// the status line.
func rejectionMessage(resp response) string {
	if gjson.ValidBytes(resp.Body) {
		if msg := gjson.GetBytes(resp.Body, "message"); msg.Type == gjson.String {
			if s := strings.TrimSpace(msg.String()); s != "" {
				return s
			}
		}
	}
	if resp.Status != "" {
		return resp.Status
	}
	return fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}
