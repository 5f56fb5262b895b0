package storage

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// Queries holds the job_history statements.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx runs the same queries inside tx.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// JobHistory is one row of job_history.
type JobHistory struct {
	ID          int64
	Application string
	RequestID   string
	Status      string
	Message     string
	Output      sql.NullString
	StartedAt   int64
	FinishedAt  int64
	DurationMs  int64
}

const insertJob = `
INSERT INTO job_history (application, request_id, status, message, output, started_at, finished_at, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id`

type InsertJobParams struct {
	Application string
	RequestID   string
	Status      string
	Message     string
	Output      sql.NullString
	StartedAt   int64
	FinishedAt  int64
	DurationMs  int64
}

func (q *Queries) InsertJob(ctx context.Context, arg InsertJobParams) (int64, error) {
	row := q.db.QueryRowContext(ctx, insertJob,
		arg.Application,
		arg.RequestID,
		arg.Status,
		arg.Message,
		arg.Output,
		arg.StartedAt,
		arg.FinishedAt,
		arg.DurationMs,
	)
	var id int64
	err := row.Scan(&id)
	return id, err
}

const listRecentJobs = `
SELECT id, application, request_id, status, message, output, started_at, finished_at, duration_ms
FROM job_history
ORDER BY finished_at DESC, id DESC
LIMIT ?`

func (q *Queries) ListRecentJobs(ctx context.Context, limit int64) ([]JobHistory, error) {
	rows, err := q.db.QueryContext(ctx, listRecentJobs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []JobHistory
	for rows.Next() {
		var i JobHistory
		if err := rows.Scan(
			&i.ID,
			&i.Application,
			&i.RequestID,
			&i.Status,
			&i.Message,
			&i.Output,
			&i.StartedAt,
			&i.FinishedAt,
			&i.DurationMs,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const countJobsByStatus = `
SELECT status, COUNT(*) FROM job_history GROUP BY status`

type CountJobsByStatusRow struct {
	Status string
	Count  int64
}

func (q *Queries) CountJobsByStatus(ctx context.Context) ([]CountJobsByStatusRow, error) {
	rows, err := q.db.QueryContext(ctx, countJobsByStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []CountJobsByStatusRow
	for rows.Next() {
		var i CountJobsByStatusRow
		if err := rows.Scan(&i.Status, &i.Count); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const deleteJobsFinishedBefore = `
DELETE FROM job_history WHERE finished_at < ?`

func (q *Queries) DeleteJobsFinishedBefore(ctx context.Context, finishedAt int64) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteJobsFinishedBefore, finishedAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
