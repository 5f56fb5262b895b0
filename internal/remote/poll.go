package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"explorer/internal/log"
)

// Polling defaults.
const (
	DefaultPollInterval       = 3 * time.Second
	DefaultPollTimeout        = 2 * time.Minute
	DefaultMaxTransientErrors = 3
)

var errPollDeadline = errors.New("poll deadline exceeded")

// PollerConfig tunes the poll loop. Zero values select the defaults;
// MaxTransientErrors < 0 disables retries.
type PollerConfig struct {
	Interval           time.Duration
	Timeout            time.Duration
	MaxTransientErrors int
}

// Poller waits for a submitted job to reach a terminal state.
type Poller struct {
	api
	interval     time.Duration
	timeout      time.Duration
	maxTransient int
	logger       *log.Logger
	recorder     Recorder
}

// NewPoller creates a Poller. A nil httpClient gets a default one.
func NewPoller(httpClient *http.Client, target Target, cfg PollerConfig, logger *log.Logger, recorder Recorder) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPollTimeout
	}
	switch {
	case cfg.MaxTransientErrors == 0:
		cfg.MaxTransientErrors = DefaultMaxTransientErrors
	case cfg.MaxTransientErrors < 0:
		cfg.MaxTransientErrors = 0
	}
	if logger == nil {
		logger = log.Discard()
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Poller{
		api:          newAPI(httpClient, target),
		interval:     cfg.Interval,
		timeout:      cfg.Timeout,
		maxTransient: cfg.MaxTransientErrors,
		logger:       logger.WithComponent(log.ComponentRemote),
		recorder:     recorder,
	}
}

// Await polls the job identified by h until it succeeds, fails, or timeout
// elapses, and returns the job output on success. A non-positive timeout
// selects the configured default. Cancelling ctx stops the loop and returns
// ctx.Err().
func (p *Poller) Await(ctx context.Context, h RequestHandle, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = p.timeout
	}

	pollCtx, cancel := context.WithTimeoutCause(ctx, timeout, errPollDeadline)
	defer cancel()

	timer := time.NewTimer(0)
	defer timer.Stop()

	start := time.Now()
	transientErrors := 0
	succeeded := false

	for attempt := 1; ; attempt++ {
		select {
		case <-pollCtx.Done():
			return nil, p.stopped(ctx, pollCtx, h, timeout)
		case <-timer.C:
		}

		var (
			output json.RawMessage
			err    error
		)
		if succeeded {
			output, err = p.fetchOutput(pollCtx, h)
			if err == nil {
				return output, nil
			}
		} else {
			var outcome Outcome
			outcome, err = p.fetchStatus(pollCtx, h)
			if err == nil {
				p.recorder.PollTick(h.ApplicationName, outcome.State.String())
				p.logger.DebugContext(ctx, "Polled remote job",
					log.NewFields().
						WithJob(h.ApplicationName, h.RequestID).
						WithOperation(log.OpPoll).
						WithElapsed(start).
						With(log.FieldAttempt, attempt).
						With(log.FieldOutcome, outcome.State.String()).
						ToSlice()...)

				switch outcome.State {
				case StateFailure:
					return nil, &RemoteFailureError{RequestID: h.RequestID, Message: outcome.Message}
				case StateSuccess:
					succeeded = true
					transientErrors = 0
					timer.Reset(0)
					continue
				default:
					transientErrors = 0
					timer.Reset(p.interval)
					continue
				}
			}
		}

		if pollCtx.Err() != nil {
			return nil, p.stopped(ctx, pollCtx, h, timeout)
		}

		var te *TransportError
		if !errors.As(err, &te) || !te.Transient() {
			return nil, err
		}
		transientErrors++
		if transientErrors > p.maxTransient {
			return nil, err
		}

		p.recorder.PollTick(h.ApplicationName, "transient_error")
		p.logger.WarnContext(ctx, "Transient error while polling remote job, retrying",
			log.NewFields().
				WithJob(h.ApplicationName, h.RequestID).
				WithOperation(log.OpPoll).
				WithError(err).
				With(log.FieldAttempt, attempt).
				ToSlice()...)
		timer.Reset(p.interval)
	}
}

// stopped maps the end of the poll context to the right error: our own
// deadline is a TimeoutError, anything else belongs to the caller.
func (p *Poller) stopped(parent, pollCtx context.Context, h RequestHandle, timeout time.Duration) error {
	if context.Cause(pollCtx) == errPollDeadline {
		return &TimeoutError{RequestID: h.RequestID, Timeout: timeout}
	}
	if err := parent.Err(); err != nil {
		return err
	}
	return pollCtx.Err()
}

func (p *Poller) fetchStatus(ctx context.Context, h RequestHandle) (Outcome, error) {
	tc := p.target.resolve()
	target := requestURL(tc.BaseURL, h)

	resp, err := p.do(ctx, "poll", http.MethodGet, target, tc.Headers, nil)
	if err != nil {
		return Outcome{}, err
	}
	if !resp.ok() {
		return Outcome{}, &TransportError{Op: "poll", URL: target, StatusCode: resp.StatusCode}
	}
	if !json.Valid(resp.Body) {
		return Outcome{}, &MalformedResponseError{Op: "poll", Reason: "status body is not JSON"}
	}
	return ResolveStatus(resp.Body), nil
}

func (p *Poller) fetchOutput(ctx context.Context, h RequestHandle) (json.RawMessage, error) {
	tc := p.target.resolve()
	target := requestURL(tc.BaseURL, h) + "/output"

	resp, err := p.do(ctx, "output", http.MethodGet, target, tc.Headers, nil)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, &TransportError{Op: "output", URL: target, StatusCode: resp.StatusCode}
	}
	if !json.Valid(resp.Body) {
		return nil, &MalformedResponseError{Op: "output", Reason: "output body is not JSON"}
	}
	return json.RawMessage(resp.Body), nil
}
