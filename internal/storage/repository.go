// Package storage keeps a local SQLite history of finished remote jobs.
// Request handles are never stored; only outcomes are.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"explorer/internal/log"

	_ "modernc.org/sqlite"
)

// maxStoredOutput caps how much job output is kept per row.
const maxStoredOutput = 64 << 10

// JobRecord describes one finished job.
type JobRecord struct {
	ID          int64
	Application string
	RequestID   string
	Status      string
	Message     string
	Output      json.RawMessage
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Duration is the wall time between start and finish.
func (r JobRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

type SQLiteRepository struct {
	db      *sql.DB
	queries *Queries
	logger  *log.Logger
	now     func() time.Time
}

// NewSQLiteRepository opens (creating if needed) the database at dbPath and
// applies migrations.
func NewSQLiteRepository(dbPath string, logger *log.Logger) (*SQLiteRepository, error) {
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentStorage)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows a single writer; concurrent ingests share one connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	version, err := RunMigrations(dbPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Debug("Job history schema ready", "path", dbPath, "schema_version", version)

	return &SQLiteRepository{
		db:      db,
		queries: New(db),
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// RecordJob stores a finished job and returns its row id. Oversized or
// non-JSON output is dropped.
func (r *SQLiteRepository) RecordJob(ctx context.Context, rec JobRecord) (int64, error) {
	if rec.Application == "" || rec.Status == "" {
		return 0, errors.New("record job: application and status are required")
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = r.now()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.FinishedAt
	}

	var output sql.NullString
	if len(rec.Output) > 0 && len(rec.Output) <= maxStoredOutput && json.Valid(rec.Output) {
		output = sql.NullString{String: string(rec.Output), Valid: true}
	}

	id, err := r.queries.InsertJob(ctx, InsertJobParams{
		Application: rec.Application,
		RequestID:   rec.RequestID,
		Status:      rec.Status,
		Message:     rec.Message,
		Output:      output,
		StartedAt:   rec.StartedAt.UnixMilli(),
		FinishedAt:  rec.FinishedAt.UnixMilli(),
		DurationMs:  rec.Duration().Milliseconds(),
	})
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}

	r.logger.DebugContext(ctx, "Job recorded",
		log.NewFields().
			WithJob(rec.Application, rec.RequestID).
			With("id", id).
			With("status", rec.Status).
			ToSlice()...)
	return id, nil
}

// ListRecent returns up to limit jobs, most recently finished first.
func (r *SQLiteRepository) ListRecent(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.queries.ListRecentJobs(ctx, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("list recent jobs: %w", err)
	}

	records := make([]JobRecord, len(rows))
	for i, row := range rows {
		records[i] = JobRecord{
			ID:          row.ID,
			Application: row.Application,
			RequestID:   row.RequestID,
			Status:      row.Status,
			Message:     row.Message,
			StartedAt:   time.UnixMilli(row.StartedAt),
			FinishedAt:  time.UnixMilli(row.FinishedAt),
		}
		if row.Output.Valid {
			records[i].Output = json.RawMessage(row.Output.String)
		}
	}
	return records, nil
}

// CountByStatus returns the number of recorded jobs per status.
func (r *SQLiteRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.queries.CountJobsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// PruneOlderThan deletes jobs that finished more than age ago.
func (r *SQLiteRepository) PruneOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := r.now().Add(-age)
	n, err := r.queries.DeleteJobsFinishedBefore(ctx, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	if n > 0 {
		r.logger.InfoContext(ctx, "Old jobs pruned", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}
