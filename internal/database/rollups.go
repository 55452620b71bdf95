package database

import (
	"context"
	"time"
)

// MeasurementIngestWindow returns the minimum and maximum event ts among
// measurements ingested in [since, until). ok is false when the window is empty.
func (db *DB) MeasurementIngestWindow(ctx context.Context, since, until time.Time) (minTs, maxTs time.Time, ok bool, err error) {
	var minPtr, maxPtr *time.Time
	err = db.Pool.QueryRow(ctx, `
		SELECT min(ts), max(ts)
		FROM signal_measurements
		WHERE ingested_at >= $1 AND ingested_at < $2
	`, since, until).Scan(&minPtr, &maxPtr)
	if err != nil || minPtr == nil || maxPtr == nil {
		return time.Time{}, time.Time{}, false, err
	}
	return *minPtr, *maxPtr, true, nil
}

// RecomputeRollup5m rebuilds every 5-minute bucket whose start lies in
// [from, to) from the raw measurement log. from and to must be aligned to
// 5-minute boundaries; recomputation of a bucket from the same source rows
// is idempotent because all columns are overwritten.
func (db *DB) RecomputeRollup5m(ctx context.Context, from, to time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		WITH src AS (
			SELECT signal_id,
			       date_bin('5 minutes', ts, TIMESTAMPTZ 'epoch') AS bucket_start,
			       ts, id, value_num, value_text
			FROM signal_measurements
			WHERE ts >= $1 AND ts < $2
		), agg AS (
			SELECT signal_id, bucket_start,
			       min(value_num)   AS value_min,
			       max(value_num)   AS value_max,
			       avg(value_num)   AS value_avg,
			       sum(value_num)   AS value_sum,
			       count(value_num) AS value_count
			FROM src
			GROUP BY signal_id, bucket_start
		), last AS (
			SELECT DISTINCT ON (signal_id, bucket_start)
			       signal_id, bucket_start, value_num AS value_last, value_text AS text_last
			FROM src
			ORDER BY signal_id, bucket_start, ts DESC, id DESC
		)
		INSERT INTO signal_rollup_5m
			(signal_id, bucket_start, value_min, value_max, value_avg, value_sum,
			 value_count, value_last, text_last)
		SELECT a.signal_id, a.bucket_start, a.value_min, a.value_max, a.value_avg,
		       a.value_sum, a.value_count, l.value_last, l.text_last
		FROM agg a
		JOIN last l USING (signal_id, bucket_start)
		ON CONFLICT (signal_id, bucket_start) DO UPDATE SET
			value_min   = EXCLUDED.value_min,
			value_max   = EXCLUDED.value_max,
			value_avg   = EXCLUDED.value_avg,
			value_sum   = EXCLUDED.value_sum,
			value_count = EXCLUDED.value_count,
			value_last  = EXCLUDED.value_last,
			text_last   = EXCLUDED.text_last
	`, from, to)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RecomputeRollupDerived rebuilds a coarser rollup tier (1h or 1d) from the
// 5-minute tier over [from, to). step is the tier's bucket width as a
// Postgres interval literal; table is one of the fixed rollup table names.
// Deriving from 5m keeps the pipeline monotonic: a coarse bucket is never
// fresher than the fine buckets beneath it.
func (db *DB) RecomputeRollupDerived(ctx context.Context, table, step string, from, to time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		WITH src AS (
			SELECT signal_id,
			       date_bin($1::interval, bucket_start, TIMESTAMPTZ 'epoch') AS bucket_start,
			       bucket_start AS fine_start,
			       value_min, value_max, value_sum, value_count, value_last, text_last
			FROM signal_rollup_5m
			WHERE bucket_start >= $2 AND bucket_start < $3
		), agg AS (
			SELECT signal_id, bucket_start,
			       min(value_min) AS value_min,
			       max(value_max) AS value_max,
			       sum(value_sum) AS value_sum,
			       sum(value_count) AS value_count
			FROM src
			GROUP BY signal_id, bucket_start
		), last AS (
			SELECT DISTINCT ON (signal_id, bucket_start)
			       signal_id, bucket_start, value_last, text_last
			FROM src
			ORDER BY signal_id, bucket_start, fine_start DESC
		)
		INSERT INTO `+table+`
			(signal_id, bucket_start, value_min, value_max, value_avg, value_sum,
			 value_count, value_last, text_last)
		SELECT a.signal_id, a.bucket_start, a.value_min, a.value_max,
		       CASE WHEN a.value_count > 0 THEN a.value_sum / a.value_count END,
		       a.value_sum, a.value_count, l.value_last, l.text_last
		FROM agg a
		JOIN last l USING (signal_id, bucket_start)
		ON CONFLICT (signal_id, bucket_start) DO UPDATE SET
			value_min   = EXCLUDED.value_min,
			value_max   = EXCLUDED.value_max,
			value_avg   = EXCLUDED.value_avg,
			value_sum   = EXCLUDED.value_sum,
			value_count = EXCLUDED.value_count,
			value_last  = EXCLUDED.value_last,
			text_last   = EXCLUDED.text_last
	`, step, from, to)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
