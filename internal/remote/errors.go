package remote

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds. Every typed error in this package matches exactly one of them
// with errors.Is.
var (
	ErrTransport         = errors.New("transport failure")
	ErrRejected          = errors.New("submission rejected")
	ErrMalformedResponse = errors.New("malformed response")
	ErrRemoteFailure     = errors.New("remote job failed")
	ErrTimeout           = errors.New("timed out waiting for remote job")
	ErrInvalidRequest    = errors.New("invalid request")
)

// ErrAccepted is matched by errors that happened after the upstream accepted
// the job. The job may still run, so resubmitting the payload can duplicate
// its effects.
var ErrAccepted = errors.New("job accepted upstream")

type acceptedError struct {
	requestID string
	err       error
}

func (e *acceptedError) Error() string { return e.err.Error() }

func (e *acceptedError) Unwrap() []error { return []error{e.err, ErrAccepted} }

// AcceptedRequestID returns the request ID of the accepted job err refers
// to, or "" when err happened before the upstream accepted anything.
func AcceptedRequestID(err error) string {
	var accepted *acceptedError
	if errors.As(err, &accepted) {
		return accepted.requestID
	}
	return ""
}

// TransportError reports a failed HTTP exchange: the request never produced
// a response, or the response status was unusable.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Transient reports whether retrying the exchange may succeed.
func (e *TransportError) Transient() bool {
	if e.StatusCode == 0 {
		return true
	}
	return isTransientStatus(e.StatusCode)
}

// RejectedError is returned when the upstream API refuses a submission.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("submission rejected (%d): %s", e.StatusCode, e.Message)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// MalformedResponseError is returned when a 2xx response body cannot be
// interpreted.
type MalformedResponseError struct {
	Op     string
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s: malformed response: %s", e.Op, e.Reason)
}

func (e *MalformedResponseError) Is(target error) bool { return target == ErrMalformedResponse }

// RemoteFailureError carries the failure message reported by the remote job.
type RemoteFailureError struct {
	RequestID string
	Message   string
}

func (e *RemoteFailureError) Error() string {
	return fmt.Sprintf("remote job %s failed: %s", e.RequestID, e.Message)
}

func (e *RemoteFailureError) Is(target error) bool { return target == ErrRemoteFailure }

// TimeoutError is returned when no terminal outcome was observed within the
// polling budget.
type TimeoutError struct {
	RequestID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote job %s did not finish within %v", e.RequestID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func isTransientStatus(code int) bool {
	return code == 429 || code >= 500
}
