package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"explorer/internal/log"
)

// Recorder receives job measurements. internal/metrics provides the
// Prometheus implementation.
type Recorder interface {
	PollTick(application, state string)
	JobFinished(application, outcome string, duration time.Duration)
}

// NopRecorder discards all measurements.
type NopRecorder struct{}

func (NopRecorder) PollTick(string, string) {}
func (NopRecorder) JobFinished(string, string, time.Duration) {}

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	Target     Target
	Poll       PollerConfig
	Logger     *log.Logger
	Recorder   Recorder
}

// Client runs remote jobs end to end.
type Client struct {
	submitter *Submitter
	poller    *Poller
	logger    *log.Logger
	recorder  Recorder
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.Recorder == nil {
		opts.Recorder = NopRecorder{}
	}
	return &Client{
		submitter: NewSubmitter(opts.HTTPClient, opts.Target),
		poller:    NewPoller(opts.HTTPClient, opts.Target, opts.Poll, opts.Logger, opts.Recorder),
		logger:    opts.Logger.WithComponent(log.ComponentRemote),
		recorder:  opts.Recorder,
	}
}

// Submit enqueues a job without waiting for it.
func (c *Client) Submit(ctx context.Context, app string, payload any) (RequestHandle, error) {
	return c.submitter.Submit(ctx, app, payload)
}

// Await waits for a previously submitted job.
func (c *Client) Await(ctx context.Context, h RequestHandle, timeout time.Duration) (json.RawMessage, error) {
	return c.poller.Await(ctx, h, timeout)
}

// Execution describes one submitted and awaited job.
type Execution struct {
	Handle     RequestHandle
	Output     json.RawMessage
	StartedAt  time.Time
	FinishedAt time.Time
}

// Run submits payload to app and waits for its output. A non-positive
// timeout selects the configured default.
func (c *Client) Run(ctx context.Context, app string, payload any, timeout time.Duration) (json.RawMessage, error) {
	exec, err := c.Execute(ctx, app, payload, timeout)
	return exec.Output, err
}

// Execute is Run with the handle and timings kept. The returned Execution is
// filled as far as the job got, even on error. Errors raised once the job was
// submitted match ErrAccepted.
func (c *Client) Execute(ctx context.Context, app string, payload any, timeout time.Duration) (Execution, error) {
	start := time.Now()
	exec := Execution{Handle: RequestHandle{ApplicationName: app}, StartedAt: start}

	h, err := c.submitter.Submit(ctx, app, payload)
	if err != nil {
		exec.FinishedAt = time.Now()
		c.finish(ctx, app, "", start, err)
		return exec, err
	}
	exec.Handle = h

	c.logger.InfoContext(ctx, "Remote job submitted",
		log.NewFields().
			WithJob(h.ApplicationName, h.RequestID).
			WithOperation(log.OpSubmit).
			WithElapsed(start).
			ToSlice()...)

	output, err := c.poller.Await(ctx, h, timeout)
	exec.FinishedAt = time.Now()
	c.finish(ctx, app, h.RequestID, start, err)
	if err != nil {
		return exec, &acceptedError{requestID: h.RequestID, err: err}
	}
	exec.Output = output
	return exec, nil
}

func (c *Client) finish(ctx context.Context, app, requestID string, start time.Time, err error) {
	outcome := OutcomeLabel(err)
	c.recorder.JobFinished(app, outcome, time.Since(start))

	fields := log.NewFields().
		WithJob(app, requestID).
		WithElapsed(start).
		With(log.FieldOutcome, outcome)

	if err == nil {
		c.logger.InfoContext(ctx, "Remote job completed", fields.ToSlice()...)
		return
	}
	fields = fields.WithError(err).With(log.FieldErrorType, errorType(err))
	c.logger.WarnContext(ctx, "Remote job did not complete", fields.ToSlice()...)
}

// OutcomeLabel classifies the result of a job run for metrics and history.
func OutcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrRemoteFailure):
		return "failure"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, ErrTransport):
		return "transport_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return log.ErrorTypeTimeout
	case errors.Is(err, ErrRemoteFailure):
		return log.ErrorTypeRemote
	case errors.Is(err, ErrRejected):
		return log.ErrorTypeRejected
	case errors.Is(err, ErrMalformedResponse):
		return log.ErrorTypeMalformed
	case errors.Is(err, ErrTransport):
		return log.ErrorTypeNetwork
	case errors.Is(err, ErrInvalidRequest):
		return log.ErrorTypeValidation
	default:
		return log.ErrorTypeInternal
	}
}
