package database

import (
	"context"
	"time"
)

// PreferenceRow is one runtime preference (JSON value keyed by name).
type PreferenceRow struct {
	PrefKey   string    `json:"pref_key"`
	PrefValue []byte    `json:"pref_value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetPreference returns one preference, or nil when unset.
func (db *DB) GetPreference(ctx context.Context, key string) (*PreferenceRow, error) {
	var p PreferenceRow
	err := db.Pool.QueryRow(ctx, `
		SELECT pref_key, pref_value, updated_at
		FROM runtime_preferences WHERE pref_key = $1
	`, key).Scan(&p.PrefKey, &p.PrefValue, &p.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// SetPreference upserts a preference value.
func (db *DB) SetPreference(ctx context.Context, key string, value []byte) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO runtime_preferences (pref_key, pref_value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (pref_key) DO UPDATE SET
			pref_value = EXCLUDED.pref_value, updated_at = now()
	`, key, value)
	return err
}

// ListPreferences returns all preferences ordered by key.
func (db *DB) ListPreferences(ctx context.Context) ([]PreferenceRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT pref_key, pref_value, updated_at
		FROM runtime_preferences ORDER BY pref_key ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []PreferenceRow
	for rows.Next() {
		var p PreferenceRow
		if err := rows.Scan(&p.PrefKey, &p.PrefValue, &p.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}
