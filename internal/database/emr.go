package database

import (
	"context"
	"time"
)

// PowerSampleRow is one raw power reading feeding energy integration.
type PowerSampleRow struct {
	ID        int64     `json:"id"`
	SampleKey string    `json:"sample_key"`
	Ts        time.Time `json:"ts"`
	Source    string    `json:"source"`
	ValueW    float64   `json:"value_w"`
}

// EMRRow is one cumulative energy meter reading derived from power samples.
type EMRRow struct {
	ID         int64     `json:"id"`
	EMRKey     string    `json:"emr_key"`
	Ts         time.Time `json:"ts"`
	EMRKwh     float64   `json:"emr_kwh"`
	Method     string    `json:"method"`
	LastPowerW *float64  `json:"last_power_w,omitempty"`
	Notes      *string   `json:"notes,omitempty"`
}

// InsertPowerSample stores a raw power reading. Returns false on a dedup hit.
func (db *DB) InsertPowerSample(ctx context.Context, s PowerSampleRow) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO power_samples (sample_key, ts, source, value_w)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sample_key, ts, source) DO NOTHING
	`, s.SampleKey, s.Ts, s.Source, s.ValueW)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// LastPowerSample returns the newest sample for a key, or nil.
func (db *DB) LastPowerSample(ctx context.Context, sampleKey string) (*PowerSampleRow, error) {
	var s PowerSampleRow
	err := db.Pool.QueryRow(ctx, `
		SELECT id, sample_key, ts, source, value_w
		FROM power_samples WHERE sample_key = $1
		ORDER BY ts DESC LIMIT 1
	`, sampleKey).Scan(&s.ID, &s.SampleKey, &s.Ts, &s.Source, &s.ValueW)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// PowerSamplesRange returns samples for a key in [from, to), oldest first.
func (db *DB) PowerSamplesRange(ctx context.Context, sampleKey string, from, to time.Time, limit int) ([]PowerSampleRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, sample_key, ts, source, value_w
		FROM power_samples
		WHERE sample_key = $1 AND ts >= $2 AND ts < $3
		ORDER BY ts ASC LIMIT $4
	`, sampleKey, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []PowerSampleRow
	for rows.Next() {
		var s PowerSampleRow
		if err := rows.Scan(&s.ID, &s.SampleKey, &s.Ts, &s.Source, &s.ValueW); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// InsertEMRRow appends a meter reading. Returns false on a dedup hit.
func (db *DB) InsertEMRRow(ctx context.Context, r EMRRow) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO energy_emr (emr_key, ts, emr_kwh, method, last_power_w, notes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (emr_key, ts) DO NOTHING
	`, r.EMRKey, r.Ts, r.EMRKwh, r.Method, r.LastPowerW, r.Notes)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// LastEMRRow returns the newest meter reading for a key, or nil.
func (db *DB) LastEMRRow(ctx context.Context, emrKey string) (*EMRRow, error) {
	var r EMRRow
	err := db.Pool.QueryRow(ctx, `
		SELECT id, emr_key, ts, emr_kwh, method, last_power_w, notes
		FROM energy_emr WHERE emr_key = $1
		ORDER BY ts DESC LIMIT 1
	`, emrKey).Scan(&r.ID, &r.EMRKey, &r.Ts, &r.EMRKwh, &r.Method, &r.LastPowerW, &r.Notes)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// EMRRange returns meter readings for a key in [from, to), oldest first.
func (db *DB) EMRRange(ctx context.Context, emrKey string, from, to time.Time, limit int) ([]EMRRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, emr_key, ts, emr_kwh, method, last_power_w, notes
		FROM energy_emr
		WHERE emr_key = $1 AND ts >= $2 AND ts < $3
		ORDER BY ts ASC LIMIT $4
	`, emrKey, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []EMRRow
	for rows.Next() {
		var r EMRRow
		if err := rows.Scan(&r.ID, &r.EMRKey, &r.Ts, &r.EMRKwh, &r.Method, &r.LastPowerW, &r.Notes); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ListEMRKeys returns the distinct meter keys present.
func (db *DB) ListEMRKeys(ctx context.Context) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `SELECT DISTINCT emr_key FROM energy_emr ORDER BY emr_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
