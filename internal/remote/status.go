package remote

import (
	"strings"

	"github.com/tidwall/gjson"
)

// State is the normalized lifecycle state of a remote job.
type State int

const (
	StatePending State = iota
	StateSuccess
	StateFailure
)

func (s State) String() string {
	switch s {
	case StateSuccess:
		return "success"
	case StateFailure:
		return "failure"
	default:
		return "pending"
	}
}

// Outcome is one observation of a remote job. Message is only set for
// StateFailure.
type Outcome struct {
	State   State
	Message string
}

// Terminal reports whether no further polling is needed.
func (o Outcome) Terminal() bool {
	return o.State != StatePending
}

const defaultFailureMessage = "remote job failed"

// statusPaths lists where the job status may live, most specific first. The
// primary execution unit supersedes the request-level status.
var statusPaths = []string{
	"function_runs.0.status",
	"status",
	"outcome",
}

// ResolveStatus normalizes a status envelope. It assumes body is valid JSON.
func ResolveStatus(body []byte) Outcome {
	doc := gjson.ParseBytes(body)

	var status gjson.Result
	for _, path := range statusPaths {
		r := doc.Get(path)
		if !r.Exists() || r.Type == gjson.Null {
			continue
		}
		if r.Type == gjson.String && strings.TrimSpace(r.Str) == "" {
			continue
		}
		status = r
		break
	}

	if status.IsObject() {
		return Outcome{State: StateFailure, Message: failureMessage(doc, status)}
	}

	if reqErr := doc.Get("request_error"); reqErr.Exists() && reqErr.Type != gjson.Null {
		return Outcome{State: StateFailure, Message: failureMessage(doc, status)}
	}

	switch strings.ToLower(strings.TrimSpace(status.String())) {
	case "completed", "success":
		return Outcome{State: StateSuccess}
	case "failed", "failure":
		return Outcome{State: StateFailure, Message: failureMessage(doc, status)}
	}
	return Outcome{State: StatePending}
}

func failureMessage(doc, status gjson.Result) string {
	candidates := []gjson.Result{
		doc.Get("failure_reason"),
		doc.Get("function_runs.0.failure_reason"),
		doc.Get("request_error.message"),
	}
	if reqErr := doc.Get("request_error"); reqErr.Type == gjson.String {
		candidates = append(candidates, reqErr)
	}
	if status.IsObject() {
		candidates = append(candidates, status.Get("message"), status.Get("reason"))
	}

	for _, c := range candidates {
		if c.Type == gjson.String {
			if msg := strings.TrimSpace(c.String()); msg != "" {
				return msg
			}
		}
	}
	return defaultFailureMessage
}
