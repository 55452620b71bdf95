package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meintechblog/eos-engine/internal/apperr"
)

// SignalValue carries exactly one of the four typed value columns.
type SignalValue struct {
	Num  *float64
	Text *string
	Bool *bool
	JSON []byte
}

// MeasurementInsert is one canonical measurement bound for the store.
type MeasurementInsert struct {
	SignalKey     string
	Label         string
	ValueType     string // number|text|bool|json
	CanonicalUnit *string
	Value         SignalValue
	Ts            time.Time
	Quality       string // ok|gap|interpolated
	SourceType    string
	RunID         *int64
	SourceRefID   *int64
	Tags          map[string]string
	IngestedAt    time.Time
	IngestLagMs   int32
}

// SignalInfo is a catalog row.
type SignalInfo struct {
	ID            int64          `json:"id"`
	SignalKey     string         `json:"signal_key"`
	Label         string         `json:"label"`
	ValueType     string         `json:"value_type"`
	CanonicalUnit *string        `json:"canonical_unit,omitempty"`
	Tags          map[string]any `json:"tags,omitempty"`
}

// LatestRow is a catalog row joined with its latest-state entry.
type LatestRow struct {
	SignalInfo
	Ts         *time.Time `json:"ts,omitempty"`
	ValueNum   *float64   `json:"value_num,omitempty"`
	ValueText  *string    `json:"value_text,omitempty"`
	ValueBool  *bool      `json:"value_bool,omitempty"`
	ValueJSON  []byte     `json:"value_json,omitempty"`
	Quality    *string    `json:"quality_status,omitempty"`
	SourceType *string    `json:"source_type,omitempty"`
}

// SeriesPoint is one point of a series read, raw or rolled up.
type SeriesPoint struct {
	Ts        time.Time `json:"ts"`
	ValueNum  *float64  `json:"value_num,omitempty"`
	ValueText *string   `json:"value_text,omitempty"`
	ValueBool *bool     `json:"value_bool,omitempty"`
	ValueJSON []byte    `json:"value_json,omitempty"`
	Min       *float64  `json:"min,omitempty"`
	Max       *float64  `json:"max,omitempty"`
	Avg       *float64  `json:"avg,omitempty"`
	Sum       *float64  `json:"sum,omitempty"`
	Count     *int64    `json:"count,omitempty"`
	Last      *float64  `json:"last,omitempty"`
	TextLast  *string   `json:"text_last,omitempty"`
	Quality   *string   `json:"quality_status,omitempty"`
}

// InsertMeasurement upserts the catalog row (value type and unit frozen on
// first sight), inserts the measurement honoring the dedup key, and updates
// the latest-state row when the incoming ts is not older than the stored one.
// All three steps run in a single transaction. Returns the measurement id;
// for a dedup no-op the id of the existing row is returned.
func (db *DB) InsertMeasurement(ctx context.Context, m MeasurementInsert) (int64, error) {
	var measurementID int64

	err := db.withTx(ctx, func(tx pgx.Tx) error {
		tags := m.Tags
		if tags == nil {
			tags = map[string]string{}
		}
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}

		var signalID int64
		var storedType string
		var storedUnit *string
		err = tx.QueryRow(ctx, `
			INSERT INTO signals (signal_key, label, value_type, canonical_unit, tags)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (signal_key) DO UPDATE SET
				label = COALESCE(NULLIF($2, ''), signals.label)
			RETURNING id, value_type, canonical_unit
		`, m.SignalKey, m.Label, m.ValueType, m.CanonicalUnit, tagsJSON).
			Scan(&signalID, &storedType, &storedUnit)
		if err != nil {
			return fmt.Errorf("upsert signal: %w", err)
		}

		if storedType != m.ValueType {
			return apperr.Newf(apperr.KindValidation,
				"signal %s has value type %s, got %s", m.SignalKey, storedType, m.ValueType)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO signal_measurements
				(signal_id, ts, source_type, run_id, source_ref_id,
				 value_num, value_text, value_bool, value_json,
				 quality_status, ingested_at, ingest_lag_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (signal_id, ts, source_type, COALESCE(run_id, 0), COALESCE(source_ref_id, 0))
				DO NOTHING
			RETURNING id
		`, signalID, m.Ts, m.SourceType, m.RunID, m.SourceRefID,
			m.Value.Num, m.Value.Text, m.Value.Bool, m.Value.JSON,
			m.Quality, m.IngestedAt, m.IngestLagMs).
			Scan(&measurementID)

		if err == pgx.ErrNoRows {
			// Dedup hit: the row already exists, resolve its id and stop.
			return tx.QueryRow(ctx, `
				SELECT id FROM signal_measurements
				WHERE signal_id = $1 AND ts = $2 AND source_type = $3
				  AND COALESCE(run_id, 0) = COALESCE($4::bigint, 0)
				  AND COALESCE(source_ref_id, 0) = COALESCE($5::bigint, 0)
			`, signalID, m.Ts, m.SourceType, m.RunID, m.SourceRefID).
				Scan(&measurementID)
		}
		if err != nil {
			return fmt.Errorf("insert measurement: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO signal_latest
				(signal_id, ts, value_num, value_text, value_bool, value_json,
				 quality_status, source_type, run_id, source_ref_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
			ON CONFLICT (signal_id) DO UPDATE SET
				ts             = EXCLUDED.ts,
				value_num      = EXCLUDED.value_num,
				value_text     = EXCLUDED.value_text,
				value_bool     = EXCLUDED.value_bool,
				value_json     = EXCLUDED.value_json,
				quality_status = EXCLUDED.quality_status,
				source_type    = EXCLUDED.source_type,
				run_id         = EXCLUDED.run_id,
				source_ref_id  = EXCLUDED.source_ref_id,
				updated_at     = now()
			WHERE EXCLUDED.ts >= signal_latest.ts
		`, signalID, m.Ts, m.Value.Num, m.Value.Text, m.Value.Bool, m.Value.JSON,
			m.Quality, m.SourceType, m.RunID, m.SourceRefID)
		if err != nil {
			return fmt.Errorf("update latest state: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return measurementID, nil
}

// RawSeries reads the measurement log for one signal over [from, to).
func (db *DB) RawSeries(ctx context.Context, signalKey string, from, to time.Time, limit int) ([]SeriesPoint, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT m.ts, m.value_num, m.value_text, m.value_bool, m.value_json, m.quality_status
		FROM signal_measurements m
		JOIN signals s ON s.id = m.signal_id
		WHERE s.signal_key = $1 AND m.ts >= $2 AND m.ts < $3
		ORDER BY m.ts ASC, m.id ASC
		LIMIT $4
	`, signalKey, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []SeriesPoint
	for rows.Next() {
		var p SeriesPoint
		var quality string
		if err := rows.Scan(&p.Ts, &p.ValueNum, &p.ValueText, &p.ValueBool, &p.ValueJSON, &quality); err != nil {
			return nil, err
		}
		p.Quality = &quality
		points = append(points, p)
	}
	return points, rows.Err()
}

// RollupSeries reads one of the rollup tiers for a signal over [from, to).
// table must be one of the fixed rollup table names (caller-controlled).
func (db *DB) RollupSeries(ctx context.Context, table, signalKey string, from, to time.Time, limit int) ([]SeriesPoint, error) {
	rows, err := db.Pool.Query(ctx, fmt.Sprintf(`
		SELECT r.bucket_start, r.value_min, r.value_max, r.value_avg, r.value_sum,
		       r.value_count, r.value_last, r.text_last
		FROM %s r
		JOIN signals s ON s.id = r.signal_id
		WHERE s.signal_key = $1 AND r.bucket_start >= $2 AND r.bucket_start < $3
		ORDER BY r.bucket_start ASC
		LIMIT $4
	`, table), signalKey, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []SeriesPoint
	for rows.Next() {
		var p SeriesPoint
		var count int64
		if err := rows.Scan(&p.Ts, &p.Min, &p.Max, &p.Avg, &p.Sum, &count, &p.Last, &p.TextLast); err != nil {
			return nil, err
		}
		p.Count = &count
		points = append(points, p)
	}
	return points, rows.Err()
}

// ListSignalsWithLatest joins catalog and latest-state, ordered by key.
func (db *DB) ListSignalsWithLatest(ctx context.Context, limit int) ([]LatestRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT s.id, s.signal_key, s.label, s.value_type, s.canonical_unit, s.tags,
		       l.ts, l.value_num, l.value_text, l.value_bool, l.value_json,
		       l.quality_status, l.source_type
		FROM signals s
		LEFT JOIN signal_latest l ON l.signal_id = s.id
		ORDER BY s.signal_key ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLatestRows(rows)
}

// LatestBySignalKeys returns latest-state rows for the given keys, ordered by key.
func (db *DB) LatestBySignalKeys(ctx context.Context, keys []string, limit int) ([]LatestRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT s.id, s.signal_key, s.label, s.value_type, s.canonical_unit, s.tags,
		       l.ts, l.value_num, l.value_text, l.value_bool, l.value_json,
		       l.quality_status, l.source_type
		FROM signals s
		LEFT JOIN signal_latest l ON l.signal_id = s.id
		WHERE s.signal_key = ANY($1)
		ORDER BY s.signal_key ASC
		LIMIT $2
	`, keys, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLatestRows(rows)
}

func scanLatestRows(rows pgx.Rows) ([]LatestRow, error) {
	var result []LatestRow
	for rows.Next() {
		var r LatestRow
		var tagsJSON []byte
		if err := rows.Scan(
			&r.ID, &r.SignalKey, &r.Label, &r.ValueType, &r.CanonicalUnit, &tagsJSON,
			&r.Ts, &r.ValueNum, &r.ValueText, &r.ValueBool, &r.ValueJSON,
			&r.Quality, &r.SourceType,
		); err != nil {
			return nil, err
		}
		if len(tagsJSON) > 0 {
			_ = json.Unmarshal(tagsJSON, &r.Tags)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// CountSignals returns the catalog size.
func (db *DB) CountSignals(ctx context.Context) (int64, error) {
	var n int64
	err := db.Pool.QueryRow(ctx, `SELECT count(*) FROM signals`).Scan(&n)
	return n, err
}

// CountMeasurementsSince counts measurement rows ingested after the cutoff.
func (db *DB) CountMeasurementsSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM signal_measurements WHERE ingested_at >= $1`, since,
	).Scan(&n)
	return n, err
}
