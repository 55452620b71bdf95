package database

import (
	"context"
	"time"
)

// SyncRunRow is one measurement push toward the optimizer backend.
type SyncRunRow struct {
	ID         int64      `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	KeysSynced int        `json:"keys_synced"`
	ErrorText  *string    `json:"error_text,omitempty"`
}

// StartSyncRun opens a sync-run row in 'running' state.
func (db *DB) StartSyncRun(ctx context.Context) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO eos_measurement_sync_runs DEFAULT VALUES RETURNING id`,
	).Scan(&id)
	return id, err
}

// FinishSyncRun records the outcome of a sync run.
func (db *DB) FinishSyncRun(ctx context.Context, id int64, status string, keysSynced int, errText string) error {
	var errPtr *string
	if errText != "" {
		errPtr = &errText
	}
	_, err := db.Pool.Exec(ctx, `
		UPDATE eos_measurement_sync_runs
		SET finished_at = now(), status = $2, keys_synced = $3, error_text = $4
		WHERE id = $1
	`, id, status, keysSynced, errPtr)
	return err
}

// LastSyncRun returns the most recent finished sync run, or nil.
func (db *DB) LastSyncRun(ctx context.Context) (*SyncRunRow, error) {
	var r SyncRunRow
	err := db.Pool.QueryRow(ctx, `
		SELECT id, started_at, finished_at, status, keys_synced, error_text
		FROM eos_measurement_sync_runs
		WHERE finished_at IS NOT NULL
		ORDER BY started_at DESC LIMIT 1
	`).Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Status, &r.KeysSynced, &r.ErrorText)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}
