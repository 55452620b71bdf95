package database

import (
	"context"
	"time"
)

// OutputAccessRow tracks per-signal fetch accounting for pull consumers.
type OutputAccessRow struct {
	SignalKey       string     `json:"signal_key"`
	LastFetchTs     *time.Time `json:"last_fetch_ts,omitempty"`
	LastFetchClient *string    `json:"last_fetch_client,omitempty"`
	FetchCount      int64      `json:"fetch_count"`
}

// RecordOutputFetch bumps the fetch counter and stamps the client for every
// signal key served in one response.
func (db *DB) RecordOutputFetch(ctx context.Context, signalKeys []string, client string, fetchedAt time.Time) error {
	if len(signalKeys) == 0 {
		return nil
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO output_signal_access_state (signal_key, last_fetch_ts, last_fetch_client, fetch_count)
		SELECT k, $2, $3, 1 FROM unnest($1::text[]) AS k
		ON CONFLICT (signal_key) DO UPDATE SET
			last_fetch_ts     = EXCLUDED.last_fetch_ts,
			last_fetch_client = EXCLUDED.last_fetch_client,
			fetch_count       = output_signal_access_state.fetch_count + 1
	`, signalKeys, fetchedAt, client)
	return err
}

// GetOutputAccess returns the access state of one signal key, or nil.
func (db *DB) GetOutputAccess(ctx context.Context, signalKey string) (*OutputAccessRow, error) {
	var r OutputAccessRow
	err := db.Pool.QueryRow(ctx, `
		SELECT signal_key, last_fetch_ts, last_fetch_client, fetch_count
		FROM output_signal_access_state WHERE signal_key = $1
	`, signalKey).Scan(&r.SignalKey, &r.LastFetchTs, &r.LastFetchClient, &r.FetchCount)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// ListOutputAccess returns all access rows ordered by signal key.
func (db *DB) ListOutputAccess(ctx context.Context) ([]OutputAccessRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT signal_key, last_fetch_ts, last_fetch_client, fetch_count
		FROM output_signal_access_state ORDER BY signal_key ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []OutputAccessRow
	for rows.Next() {
		var r OutputAccessRow
		if err := rows.Scan(&r.SignalKey, &r.LastFetchTs, &r.LastFetchClient, &r.FetchCount); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
