// Package worker runs queued statement ingestions.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"explorer/internal/amqp"
	"explorer/internal/core"
	"explorer/internal/log"
	"explorer/internal/remote"
	"explorer/internal/services"
)

// Ingester is the part of services.ExplorerService the worker needs.
type Ingester interface {
	Ingest(ctx context.Context, st core.Statement) (int, error)
}

// IngestWorker handles ingestion messages from the queue.
type IngestWorker struct {
	ingester Ingester
	logger   *log.Logger
}

func NewIngestWorker(ingester Ingester, logger *log.Logger) *IngestWorker {
	if logger == nil {
		logger = log.Discard()
	}
	return &IngestWorker{ingester: ingester, logger: logger.WithComponent(log.ComponentWorker)}
}

// Handle ingests the statement carried by msg. Errors that a retry cannot
// fix are marked permanent so the message is dropped instead of requeued.
func (w *IngestWorker) Handle(ctx context.Context, msg *amqp.IngestMessage) error {
	start := time.Now()
	fields := log.NewFields().
		WithOperation(log.OpIngest).
		With("message_id", msg.ID).
		With("filename", msg.Filename)

	st, err := msg.Statement()
	if err != nil {
		return amqp.Permanent(err)
	}

	n, err := w.ingester.Ingest(ctx, st)
	if err != nil {
		if retryable(err) {
			w.logger.WarnContext(ctx, "Ingestion failed, will retry", fields.WithError(err).WithElapsed(start).ToSlice()...)
			return fmt.Errorf("ingest %s: %w", msg.Filename, err)
		}
		if id := remote.AcceptedRequestID(err); id != "" {
			fields = fields.With("remote_request_id", id)
		}
		w.logger.ErrorContext(ctx, "Ingestion failed permanently", fields.WithError(err).WithElapsed(start).ToSlice()...)
		return amqp.Permanent(fmt.Errorf("ingest %s: %w", msg.Filename, err))
	}

	w.logger.InfoContext(ctx, "Statement ingested from queue",
		fields.With("transactions", n).WithElapsed(start).ToSlice()...)
	return nil
}

// retryable reports whether the message can be delivered again. Once the
// upstream has accepted the statement nothing is retried, whatever went wrong
// while waiting: the job may still complete and a resubmission would ingest
// the statement twice.
func retryable(err error) bool {
	var rejected *remote.RejectedError
	switch {
	case errors.Is(err, remote.ErrAccepted):
		return false
	case errors.As(err, &rejected):
		return rejected.StatusCode == http.StatusTooManyRequests || rejected.StatusCode >= 500
	case errors.Is(err, remote.ErrTransport):
		return true
	case errors.Is(err, remote.ErrTimeout),
		errors.Is(err, remote.ErrRemoteFailure),
		errors.Is(err, remote.ErrMalformedResponse),
		errors.Is(err, remote.ErrInvalidRequest),
		errors.Is(err, services.ErrUnexpectedOutput):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		// Statement validation and anything unclassified.
		return false
	}
}
