package database

import (
	"context"
	"time"
)

// JobRunRow mirrors one row of the job_runs bookkeeping table.
type JobRunRow struct {
	ID           int64      `json:"id"`
	JobName      string     `json:"job_name"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Status       string     `json:"status"`
	AffectedRows int64      `json:"affected_rows"`
	Details      []byte     `json:"details,omitempty"`
	ErrorText    *string    `json:"error_text,omitempty"`
}

// StartJobRun opens a job-run row in 'running' state and returns its id.
func (db *DB) StartJobRun(ctx context.Context, jobName string) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO job_runs (job_name, started_at, status)
		VALUES ($1, now(), 'running')
		RETURNING id
	`, jobName).Scan(&id)
	return id, err
}

// FinishJobRun closes a job-run row with its outcome.
func (db *DB) FinishJobRun(ctx context.Context, id int64, status string, affectedRows int64, details []byte, errText string) error {
	var errPtr *string
	if errText != "" {
		errPtr = &errText
	}
	_, err := db.Pool.Exec(ctx, `
		UPDATE job_runs
		SET finished_at = now(), status = $2, affected_rows = $3, details = $4, error_text = $5
		WHERE id = $1
	`, id, status, affectedRows, details, errPtr)
	return err
}

// LastJobRun returns the most recent finished run of the named job, or nil.
func (db *DB) LastJobRun(ctx context.Context, jobName string) (*JobRunRow, error) {
	return db.lastJobRunWhere(ctx, jobName, false)
}

// LastSuccessfulJobRun returns the most recent 'ok' run of the named job, or nil.
func (db *DB) LastSuccessfulJobRun(ctx context.Context, jobName string) (*JobRunRow, error) {
	return db.lastJobRunWhere(ctx, jobName, true)
}

func (db *DB) lastJobRunWhere(ctx context.Context, jobName string, okOnly bool) (*JobRunRow, error) {
	query := `
		SELECT id, job_name, started_at, finished_at, status, affected_rows, details, error_text
		FROM job_runs
		WHERE job_name = $1 AND finished_at IS NOT NULL`
	if okOnly {
		query += ` AND status = 'ok'`
	}
	query += ` ORDER BY started_at DESC LIMIT 1`

	var r JobRunRow
	err := db.Pool.QueryRow(ctx, query, jobName).Scan(
		&r.ID, &r.JobName, &r.StartedAt, &r.FinishedAt, &r.Status,
		&r.AffectedRows, &r.Details, &r.ErrorText,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}
