package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// RunRow is one optimizer run.
type RunRow struct {
	ID                 int64      `json:"id"`
	TriggerSource      string     `json:"trigger_source"`
	RunMode            string     `json:"run_mode"`
	Status             string     `json:"status"`
	EOSLastRunDatetime *time.Time `json:"eos_last_run_datetime,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
	ErrorText          *string    `json:"error_text,omitempty"`
	SkipReason         *string    `json:"skip_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// InstructionRow is one ordered plan instruction of a run.
type InstructionRow struct {
	ID                  int64      `json:"id"`
	RunID               int64      `json:"run_id"`
	InstructionIndex    int        `json:"instruction_index"`
	ResourceID          string     `json:"resource_id"`
	ExecutionTime       *time.Time `json:"execution_time,omitempty"`
	StartsAt            *time.Time `json:"starts_at,omitempty"`
	EndsAt              *time.Time `json:"ends_at,omitempty"`
	OperationMode       *string    `json:"operation_mode,omitempty"`
	OperationModeFactor *float64   `json:"operation_mode_factor,omitempty"`
	RequestedPowerW     *float64   `json:"requested_power_w,omitempty"`
	GuardApplied        bool       `json:"guard_applied"`
	GuardNote           *string    `json:"guard_note,omitempty"`
	Payload             []byte     `json:"payload,omitempty"`
}

// ArtifactRow is one typed JSON blob persisted under a run.
type ArtifactRow struct {
	ID           int64     `json:"id"`
	RunID        int64     `json:"run_id"`
	ArtifactType string    `json:"artifact_type"`
	Payload      []byte    `json:"payload"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateRun opens a run row in pending state.
func (db *DB) CreateRun(ctx context.Context, triggerSource, runMode string) (*RunRow, error) {
	row := db.Pool.QueryRow(ctx, `
		INSERT INTO eos_runs (trigger_source, run_mode, status)
		VALUES ($1, $2, 'pending')
		RETURNING id, trigger_source, run_mode, status, eos_last_run_datetime,
		          started_at, finished_at, error_text, skip_reason, created_at
	`, triggerSource, runMode)
	return scanRun(row)
}

// MarkRunRunning transitions pending → running. Returns false when the run
// was not in pending state.
func (db *DB) MarkRunRunning(ctx context.Context, id int64) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE eos_runs SET status = 'running', started_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FinishRun writes the terminal status of a run.
func (db *DB) FinishRun(ctx context.Context, id int64, status string, errText string, eosLastRun *time.Time) error {
	var errPtr *string
	if errText != "" {
		errPtr = &errText
	}
	_, err := db.Pool.Exec(ctx, `
		UPDATE eos_runs
		SET status = $2, finished_at = now(), error_text = $3,
		    eos_last_run_datetime = COALESCE($4, eos_last_run_datetime)
		WHERE id = $1
	`, id, status, errPtr, eosLastRun)
	return err
}

// RecordSkippedRun records a trigger that was skipped (e.g. overlap) as an
// aborted run carrying the skip reason.
func (db *DB) RecordSkippedRun(ctx context.Context, triggerSource, reason string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO eos_runs (trigger_source, run_mode, status, skip_reason, finished_at)
		VALUES ($1, 'optimize', 'aborted', $2, now())
	`, triggerSource, reason)
	return err
}

// ActiveRunExists reports whether any run is currently running.
func (db *DB) ActiveRunExists(ctx context.Context) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM eos_runs WHERE status = 'running')`,
	).Scan(&exists)
	return exists, err
}

// GetRun loads one run, or nil.
func (db *DB) GetRun(ctx context.Context, id int64) (*RunRow, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT id, trigger_source, run_mode, status, eos_last_run_datetime,
		       started_at, finished_at, error_text, skip_reason, created_at
		FROM eos_runs WHERE id = $1
	`, id)
	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

// LatestSucceededRun returns the most recent succeeded run, or nil.
func (db *DB) LatestSucceededRun(ctx context.Context) (*RunRow, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT id, trigger_source, run_mode, status, eos_last_run_datetime,
		       started_at, finished_at, error_text, skip_reason, created_at
		FROM eos_runs WHERE status = 'succeeded'
		ORDER BY finished_at DESC LIMIT 1
	`)
	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

// ListRuns returns the newest runs.
func (db *DB) ListRuns(ctx context.Context, limit, offset int) ([]RunRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, trigger_source, run_mode, status, eos_last_run_datetime,
		       started_at, finished_at, error_text, skip_reason, created_at
		FROM eos_runs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []RunRow
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

func scanRun(row pgx.Row) (*RunRow, error) {
	var r RunRow
	err := row.Scan(&r.ID, &r.TriggerSource, &r.RunMode, &r.Status,
		&r.EOSLastRunDatetime, &r.StartedAt, &r.FinishedAt, &r.ErrorText,
		&r.SkipReason, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpsertArtifact stores a typed JSON blob under a run; one blob per type.
func (db *DB) UpsertArtifact(ctx context.Context, runID int64, artifactType string, payload []byte) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO eos_run_artifacts (run_id, artifact_type, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id, artifact_type) DO UPDATE SET
			payload = EXCLUDED.payload, created_at = now()
	`, runID, artifactType, payload)
	return err
}

// GetArtifact loads one artifact, or nil.
func (db *DB) GetArtifact(ctx context.Context, runID int64, artifactType string) (*ArtifactRow, error) {
	var a ArtifactRow
	err := db.Pool.QueryRow(ctx, `
		SELECT id, run_id, artifact_type, payload, created_at
		FROM eos_run_artifacts WHERE run_id = $1 AND artifact_type = $2
	`, runID, artifactType).Scan(&a.ID, &a.RunID, &a.ArtifactType, &a.Payload, &a.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// ListArtifacts returns a run's artifacts ordered by type.
func (db *DB) ListArtifacts(ctx context.Context, runID int64) ([]ArtifactRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, run_id, artifact_type, payload, created_at
		FROM eos_run_artifacts WHERE run_id = $1 ORDER BY artifact_type ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ArtifactRow
	for rows.Next() {
		var a ArtifactRow
		if err := rows.Scan(&a.ID, &a.RunID, &a.ArtifactType, &a.Payload, &a.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// InsertPlanInstructions batch-inserts the ordered plan of a run.
func (db *DB) InsertPlanInstructions(ctx context.Context, runID int64, instructions []InstructionRow) (int64, error) {
	if len(instructions) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(instructions))
	for i, in := range instructions {
		rows[i] = []any{runID, in.InstructionIndex, in.ResourceID, in.ExecutionTime,
			in.StartsAt, in.EndsAt, in.OperationMode, in.OperationModeFactor,
			in.RequestedPowerW, in.GuardApplied, in.GuardNote, in.Payload}
	}
	return db.Pool.CopyFrom(ctx,
		pgx.Identifier{"eos_plan_instructions"},
		[]string{"run_id", "instruction_index", "resource_id", "execution_time",
			"starts_at", "ends_at", "operation_mode", "operation_mode_factor",
			"requested_power_w", "guard_applied", "guard_note", "payload"},
		pgx.CopyFromRows(rows),
	)
}

// ListPlanInstructions returns a run's plan ordered by instruction index.
func (db *DB) ListPlanInstructions(ctx context.Context, runID int64) ([]InstructionRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, run_id, instruction_index, resource_id, execution_time,
		       starts_at, ends_at, operation_mode, operation_mode_factor,
		       requested_power_w, guard_applied, guard_note, payload
		FROM eos_plan_instructions
		WHERE run_id = $1
		ORDER BY instruction_index ASC, id ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []InstructionRow
	for rows.Next() {
		var in InstructionRow
		if err := rows.Scan(&in.ID, &in.RunID, &in.InstructionIndex, &in.ResourceID,
			&in.ExecutionTime, &in.StartsAt, &in.EndsAt, &in.OperationMode,
			&in.OperationModeFactor, &in.RequestedPowerW, &in.GuardApplied,
			&in.GuardNote, &in.Payload); err != nil {
			return nil, err
		}
		result = append(result, in)
	}
	return result, rows.Err()
}
