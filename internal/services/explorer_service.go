package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"explorer/internal/cache"
	"explorer/internal/core"
	"explorer/internal/log"
	"explorer/internal/remote"
	"explorer/internal/storage"
)

const (
	insightsKey        = "insights"
	defaultConcurrency = 3
)

// ErrUnexpectedOutput is returned when a job succeeds but its output does
// not have the shape its application promises.
var ErrUnexpectedOutput = errors.New("unexpected job output")

// Runner executes remote jobs. *remote.Client implements it.
type Runner interface {
	Execute(ctx context.Context, app string, payload any, timeout time.Duration) (remote.Execution, error)
}

// HistoryStore records finished jobs. *storage.SQLiteRepository implements it.
type HistoryStore interface {
	RecordJob(ctx context.Context, rec storage.JobRecord) (int64, error)
}

// Apps names the remote applications.
type Apps struct {
	Ingest   string
	Query    string
	Insights string
}

// Options configures an ExplorerService.
type Options struct {
	Runner      Runner
	History     HistoryStore // optional
	Apps        Apps
	Timeout     time.Duration // per job; zero uses the poller default
	Concurrency int
	InsightsTTL time.Duration // zero disables caching
	Logger      *log.Logger
}

// IngestResult is the outcome of ingesting one statement.
type IngestResult struct {
	Filename     string
	Transactions int
	Err          error
}

// ExplorerService runs the expense applications on top of the remote client.
type ExplorerService struct {
	runner      Runner
	history     HistoryStore
	apps        Apps
	timeout     time.Duration
	concurrency int
	insights    cache.Cache[core.InsightsReport]
	group       singleflight.Group
	logger      *log.Logger
}

func NewExplorerService(opts Options) *ExplorerService {
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = defaultConcurrency
	}
	s := &ExplorerService{
		runner:      opts.Runner,
		history:     opts.History,
		apps:        opts.Apps,
		timeout:     opts.Timeout,
		concurrency: opts.Concurrency,
		logger:      opts.Logger.WithComponent(log.ComponentJobs),
	}
	if opts.InsightsTTL > 0 {
		s.insights = cache.NewLRU[core.InsightsReport](1, opts.InsightsTTL)
	}
	return s
}

// Ingest uploads one statement and returns the number of transactions the
// remote side added.
func (s *ExplorerService) Ingest(ctx context.Context, st core.Statement) (int, error) {
	if err := st.Validate(); err != nil {
		return 0, fmt.Errorf("invalid statement %q: %w", st.Filename, err)
	}

	payload := core.IngestionPayload{
		FileB64:     base64.StdEncoding.EncodeToString(st.Data),
		ContentType: core.ContentTypePDF,
		Filename:    st.BaseName(),
	}

	exec, err := s.run(ctx, log.OpIngest, s.apps.Ingest, payload)
	if err != nil {
		return 0, err
	}
	s.invalidateInsights()

	count, err := decodeCount(exec.Output)
	if err != nil {
		return 0, err
	}

	s.logger.InfoContext(ctx, "Statement ingested",
		log.NewFields().
			WithJob(exec.Handle.ApplicationName, exec.Handle.RequestID).
			With("filename", payload.Filename).
			With("transactions", count).
			ToSlice()...)
	return count, nil
}

// IngestAll ingests statements concurrently. One failure does not stop the
// others; results keep the input order.
func (s *ExplorerService) IngestAll(ctx context.Context, statements []core.Statement) []IngestResult {
	results := make([]IngestResult, len(statements))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, st := range statements {
		g.Go(func() error {
			n, err := s.Ingest(ctx, st)
			results[i] = IngestResult{Filename: st.BaseName(), Transactions: n, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Query asks a free-text question about the ingested transactions.
func (s *ExplorerService) Query(ctx context.Context, question string) (string, error) {
	q, err := core.NormalizeQuestion(question)
	if err != nil {
		return "", err
	}

	exec, err := s.run(ctx, log.OpQuery, s.apps.Query, core.QueryPayload{UserQuery: q})
	if err != nil {
		return "", err
	}
	return decodeAnswer(exec.Output)
}

// Insights returns the spending report. Unforced calls may be answered from
// cache and concurrent calls share one remote job. The shared job is not tied
// to any one caller: a caller that gives up gets ctx.Err() while the others
// keep waiting, and the job stays bounded by the poll timeout.
func (s *ExplorerService) Insights(ctx context.Context, force bool) (core.InsightsReport, error) {
	if !force && s.insights != nil {
		if report, ok := s.insights.Get(insightsKey); ok {
			s.logger.DebugContext(ctx, "Insights served from cache")
			return report, nil
		}
	}

	key := insightsKey
	if force {
		key += "/refresh"
	}
	jobCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		return s.loadInsights(jobCtx, force)
	})

	select {
	case <-ctx.Done():
		return core.InsightsReport{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			s.logger.DebugContext(ctx, "Insights request shared with a concurrent caller")
		}
		if res.Err != nil {
			return core.InsightsReport{}, res.Err
		}
		return res.Val.(core.InsightsReport), nil
	}
}

func (s *ExplorerService) loadInsights(ctx context.Context, force bool) (core.InsightsReport, error) {
	exec, err := s.run(ctx, log.OpInsights, s.apps.Insights, core.InsightsPayload{ForceRefresh: force})
	if err != nil {
		return core.InsightsReport{}, err
	}
	report, err := decodeInsights(exec.Output)
	if err != nil {
		return core.InsightsReport{}, err
	}
	if s.insights != nil {
		s.insights.Set(insightsKey, report)
	}
	return report, nil
}

// DemoInsights returns the built-in sample report.
func (s *ExplorerService) DemoInsights() core.InsightsReport {
	return core.DemoInsights()
}

func (s *ExplorerService) invalidateInsights() {
	if s.insights != nil {
		s.insights.Purge()
	}
}

func (s *ExplorerService) run(ctx context.Context, op, app string, payload any) (remote.Execution, error) {
	exec, err := s.runner.Execute(ctx, app, payload, s.timeout)
	s.record(ctx, op, exec, err)
	if err != nil {
		return exec, fmt.Errorf("%s: %w", op, err)
	}
	return exec, nil
}

func (s *ExplorerService) record(ctx context.Context, op string, exec remote.Execution, jobErr error) {
	if s.history == nil {
		return
	}
	rec := storage.JobRecord{
		Application: exec.Handle.ApplicationName,
		RequestID:   exec.Handle.RequestID,
		Status:      remote.OutcomeLabel(jobErr),
		Output:      exec.Output,
		StartedAt:   exec.StartedAt,
		FinishedAt:  exec.FinishedAt,
	}
	if jobErr != nil {
		rec.Message = jobErr.Error()
	}

	// Recording runs even if the caller's context was cancelled.
	if _, err := s.history.RecordJob(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.WarnContext(ctx, "Failed to record job history",
			log.NewFields().
				WithOperation(log.OpRecord).
				With("job_operation", op).
				WithJob(rec.Application, rec.RequestID).
				WithError(err).
				ToSlice()...)
	}
}

func decodeCount(output []byte) (int, error) {
	if !gjson.ValidBytes(output) {
		return 0, fmt.Errorf("%w: ingestion result is not JSON", ErrUnexpectedOutput)
	}
	res := gjson.ParseBytes(output)
	if res.IsObject() {
		for _, path := range []string{"transactions_added", "count"} {
			if v := res.Get(path); v.Exists() {
				res = v
				break
			}
		}
	}
	switch res.Type {
	case gjson.Number:
		if res.Num < 0 || res.Num != float64(int64(res.Num)) {
			return 0, fmt.Errorf("%w: invalid transaction count %s", ErrUnexpectedOutput, res.Raw)
		}
		return int(res.Int()), nil
	case gjson.String:
		n, err := strconv.Atoi(strings.TrimSpace(res.Str))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: invalid transaction count %q", ErrUnexpectedOutput, res.Str)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: ingestion result %.64s", ErrUnexpectedOutput, res.Raw)
	}
}

func decodeAnswer(output []byte) (string, error) {
	if !gjson.ValidBytes(output) {
		return "", fmt.Errorf("%w: query result is not JSON", ErrUnexpectedOutput)
	}
	res := gjson.ParseBytes(output)
	if res.IsObject() {
		res = res.Get("answer")
	}
	if res.Type != gjson.String {
		return "", fmt.Errorf("%w: query result is not text", ErrUnexpectedOutput)
	}
	return res.Str, nil
}

func decodeInsights(output []byte) (core.InsightsReport, error) {
	var report core.InsightsReport
	if !gjson.ValidBytes(output) || !gjson.ParseBytes(output).IsObject() {
		return report, fmt.Errorf("%w: insights result is not an object", ErrUnexpectedOutput)
	}
	if err := json.Unmarshal(output, &report); err != nil {
		return report, fmt.Errorf("%w: %v", ErrUnexpectedOutput, err)
	}
	return report, nil
}
