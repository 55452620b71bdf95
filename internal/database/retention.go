package database

import (
	"context"
	"fmt"
	"time"
)

// retentionTables maps a tier name to its table and time column. Table names
// are fixed here, never user input.
var retentionTables = map[string]struct{ table, column string }{
	"raw":       {"signal_measurements", "ts"},
	"rollup_5m": {"signal_rollup_5m", "bucket_start"},
	"rollup_1h": {"signal_rollup_1h", "bucket_start"},
	"rollup_1d": {"signal_rollup_1d", "bucket_start"},
}

// DeleteTierBefore deletes rows of one retention tier older than the cutoff,
// in chunks to bound transaction size. It returns the total rows deleted.
// Deleting in id-chunks lets a stop request take effect between chunks.
func (db *DB) DeleteTierBefore(ctx context.Context, tier string, cutoff time.Time, chunkSize int) (int64, error) {
	spec, ok := retentionTables[tier]
	if !ok {
		return 0, fmt.Errorf("unknown retention tier %q", tier)
	}

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		var query string
		if tier == "raw" {
			query = fmt.Sprintf(`
				DELETE FROM %s WHERE id IN (
					SELECT id FROM %s WHERE %s < $1 LIMIT $2
				)`, spec.table, spec.table, spec.column)
		} else {
			// Rollup tables have a composite key; chunk on ctid instead.
			query = fmt.Sprintf(`
				DELETE FROM %s WHERE ctid IN (
					SELECT ctid FROM %s WHERE %s < $1 LIMIT $2
				)`, spec.table, spec.table, spec.column)
		}

		tag, err := db.Pool.Exec(ctx, query, cutoff, chunkSize)
		if err != nil {
			return total, err
		}
		n := tag.RowsAffected()
		total += n
		if n < int64(chunkSize) {
			return total, nil
		}
	}
}

// DeleteTelemetryEventsBefore prunes the input telemetry log.
func (db *DB) DeleteTelemetryEventsBefore(ctx context.Context, cutoff time.Time, chunkSize int) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		tag, err := db.Pool.Exec(ctx, `
			DELETE FROM input_telemetry_events WHERE id IN (
				SELECT id FROM input_telemetry_events WHERE received_at < $1 LIMIT $2
			)`, cutoff, chunkSize)
		if err != nil {
			return total, err
		}
		n := tag.RowsAffected()
		total += n
		if n < int64(chunkSize) {
			return total, nil
		}
	}
}
