package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meintechblog/eos-engine/internal/apperr"
)

// ProfileRow is a parameter profile. At most one profile is active.
type ProfileRow struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// RevisionRow is one append-only revision of a profile payload.
type RevisionRow struct {
	ID               int64      `json:"id"`
	ProfileID        int64      `json:"profile_id"`
	RevisionNo       int        `json:"revision_no"`
	Payload          []byte     `json:"payload"`
	Source           string     `json:"source"`
	ValidationStatus string     `json:"validation_status"`
	Issues           []byte     `json:"issues,omitempty"`
	IsCurrentDraft   bool       `json:"is_current_draft"`
	IsLastApplied    bool       `json:"is_last_applied"`
	AppliedAt        *time.Time `json:"applied_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// BindingRow binds an input key to a dotted parameter path.
type BindingRow struct {
	ID            int64   `json:"id"`
	ChannelID     int64   `json:"channel_id"`
	InputKey      string  `json:"input_key"`
	ParamPath     string  `json:"param_path"`
	SelectorValue *string `json:"selector_value,omitempty"`
	PayloadPath   *string `json:"payload_path,omitempty"`
	TimestampPath *string `json:"timestamp_path,omitempty"`
	Unit          *string `json:"unit,omitempty"`
	Multiplier    float64 `json:"multiplier"`
	Enabled       bool    `json:"enabled"`
}

// SetupFieldEventRow is one field-level override event.
type SetupFieldEventRow struct {
	ID                int64      `json:"id"`
	FieldID           string     `json:"field_id"`
	Source            string     `json:"source"`
	RawValue          *string    `json:"raw_value,omitempty"`
	NormalizedValue   []byte     `json:"normalized_value,omitempty"`
	EventTs           time.Time  `json:"event_ts"`
	ApplyStatus       string     `json:"apply_status"`
	Detail            *string    `json:"detail,omitempty"`
	OverrideExpiresAt *time.Time `json:"override_expires_at,omitempty"`
}

// GetActiveProfile returns the active profile, or nil before bootstrap.
func (db *DB) GetActiveProfile(ctx context.Context) (*ProfileRow, error) {
	var p ProfileRow
	err := db.Pool.QueryRow(ctx, `
		SELECT id, name, is_active, created_at FROM parameter_profiles WHERE is_active
	`).Scan(&p.ID, &p.Name, &p.IsActive, &p.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// BootstrapProfile creates the single active profile and its first revision
// (draft and last-applied) if no active profile exists yet. The engine never
// creates a second profile.
func (db *DB) BootstrapProfile(ctx context.Context, name string, payload []byte) (*ProfileRow, error) {
	var p ProfileRow
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT id, name, is_active, created_at FROM parameter_profiles WHERE is_active
		`).Scan(&p.ID, &p.Name, &p.IsActive, &p.CreatedAt)
		if err == nil {
			return nil
		}
		if !isNoRows(err) {
			return err
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO parameter_profiles (name, is_active) VALUES ($1, true)
			RETURNING id, name, is_active, created_at
		`, name).Scan(&p.ID, &p.Name, &p.IsActive, &p.CreatedAt)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO parameter_revisions
				(profile_id, revision_no, payload, source, validation_status,
				 is_current_draft, is_last_applied, applied_at)
			VALUES ($1, 1, $2, 'bootstrap', 'valid', true, true, now())
		`, p.ID, payload)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateRevision allocates the next revision_no, optionally clears the
// existing current-draft flag, and inserts the new revision.
func (db *DB) CreateRevision(ctx context.Context, profileID int64, source string, payload []byte, validationStatus string, issues []byte, setCurrentDraft bool) (*RevisionRow, error) {
	var r RevisionRow
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		if setCurrentDraft {
			if _, err := tx.Exec(ctx, `
				UPDATE parameter_revisions SET is_current_draft = false
				WHERE profile_id = $1 AND is_current_draft
			`, profileID); err != nil {
				return err
			}
		}

		return tx.QueryRow(ctx, `
			INSERT INTO parameter_revisions
				(profile_id, revision_no, payload, source, validation_status, issues, is_current_draft)
			SELECT $1, COALESCE(max(revision_no), 0) + 1, $2, $3, $4, $5, $6
			FROM parameter_revisions WHERE profile_id = $1
			RETURNING id, profile_id, revision_no, payload, source, validation_status,
			          issues, is_current_draft, is_last_applied, applied_at, created_at
		`, profileID, payload, source, validationStatus, issues, setCurrentDraft).Scan(
			&r.ID, &r.ProfileID, &r.RevisionNo, &r.Payload, &r.Source,
			&r.ValidationStatus, &r.Issues, &r.IsCurrentDraft, &r.IsLastApplied,
			&r.AppliedAt, &r.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// MarkRevisionLastApplied clears the previous last-applied flag for the
// profile and sets it on the given revision with applied_at = now(). The
// current-draft flag is left untouched.
func (db *DB) MarkRevisionLastApplied(ctx context.Context, profileID, revisionID int64) error {
	return db.withTx(ctx, func(tx pgx.Tx) error {
		var belongs bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM parameter_revisions WHERE id = $1 AND profile_id = $2)
		`, revisionID, profileID).Scan(&belongs)
		if err != nil {
			return err
		}
		if !belongs {
			return apperr.Newf(apperr.KindNotFound, "revision %d not found in profile %d", revisionID, profileID)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE parameter_revisions SET is_last_applied = false
			WHERE profile_id = $1 AND is_last_applied
		`, profileID); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE parameter_revisions
			SET is_last_applied = true, applied_at = now()
			WHERE id = $1
		`, revisionID)
		return err
	})
}

// GetRevision loads one revision by id.
func (db *DB) GetRevision(ctx context.Context, id int64) (*RevisionRow, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT id, profile_id, revision_no, payload, source, validation_status,
		       issues, is_current_draft, is_last_applied, applied_at, created_at
		FROM parameter_revisions WHERE id = $1
	`, id)
	return scanRevision(row)
}

// GetCurrentDraft returns the profile's current-draft revision, or nil.
func (db *DB) GetCurrentDraft(ctx context.Context, profileID int64) (*RevisionRow, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT id, profile_id, revision_no, payload, source, validation_status,
		       issues, is_current_draft, is_last_applied, applied_at, created_at
		FROM parameter_revisions WHERE profile_id = $1 AND is_current_draft
	`, profileID)
	return scanRevision(row)
}

// GetLastApplied returns the profile's last-applied revision, or nil.
func (db *DB) GetLastApplied(ctx context.Context, profileID int64) (*RevisionRow, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT id, profile_id, revision_no, payload, source, validation_status,
		       issues, is_current_draft, is_last_applied, applied_at, created_at
		FROM parameter_revisions WHERE profile_id = $1 AND is_last_applied
	`, profileID)
	return scanRevision(row)
}

// ListRevisions returns the newest revisions of a profile.
func (db *DB) ListRevisions(ctx context.Context, profileID int64, limit int) ([]RevisionRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, profile_id, revision_no, payload, source, validation_status,
		       issues, is_current_draft, is_last_applied, applied_at, created_at
		FROM parameter_revisions
		WHERE profile_id = $1
		ORDER BY revision_no DESC
		LIMIT $2
	`, profileID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []RevisionRow
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

func scanRevision(row pgx.Row) (*RevisionRow, error) {
	var r RevisionRow
	err := row.Scan(&r.ID, &r.ProfileID, &r.RevisionNo, &r.Payload, &r.Source,
		&r.ValidationStatus, &r.Issues, &r.IsCurrentDraft, &r.IsLastApplied,
		&r.AppliedAt, &r.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// GetParameterBinding resolves the enabled binding for (channel, input key), or nil.
func (db *DB) GetParameterBinding(ctx context.Context, channelID int64, inputKey string) (*BindingRow, error) {
	var b BindingRow
	err := db.Pool.QueryRow(ctx, `
		SELECT id, channel_id, input_key, param_path, selector_value,
		       payload_path, timestamp_path, unit, multiplier, enabled
		FROM parameter_bindings
		WHERE channel_id = $1 AND input_key = $2 AND enabled
	`, channelID, inputKey).Scan(&b.ID, &b.ChannelID, &b.InputKey, &b.ParamPath,
		&b.SelectorValue, &b.PayloadPath, &b.TimestampPath, &b.Unit, &b.Multiplier, &b.Enabled)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

// ListParameterBindings returns all bindings ordered by input key.
func (db *DB) ListParameterBindings(ctx context.Context) ([]BindingRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, channel_id, input_key, param_path, selector_value,
		       payload_path, timestamp_path, unit, multiplier, enabled
		FROM parameter_bindings ORDER BY input_key ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []BindingRow
	for rows.Next() {
		var b BindingRow
		if err := rows.Scan(&b.ID, &b.ChannelID, &b.InputKey, &b.ParamPath,
			&b.SelectorValue, &b.PayloadPath, &b.TimestampPath, &b.Unit,
			&b.Multiplier, &b.Enabled); err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// CreateParameterBinding inserts a binding. A duplicate (channel, input_key)
// is a conflict.
func (db *DB) CreateParameterBinding(ctx context.Context, b BindingRow) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO parameter_bindings
			(channel_id, input_key, param_path, selector_value, payload_path,
			 timestamp_path, unit, multiplier, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, b.ChannelID, b.InputKey, b.ParamPath, b.SelectorValue, b.PayloadPath,
		b.TimestampPath, b.Unit, b.Multiplier, b.Enabled).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, apperr.Newf(apperr.KindConflict, "binding for this channel and input key already exists")
		}
		return 0, err
	}
	return id, nil
}

// InsertSetupFieldEvent appends a field-level override event.
func (db *DB) InsertSetupFieldEvent(ctx context.Context, e SetupFieldEventRow) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO setup_field_events
			(field_id, source, raw_value, normalized_value, event_ts,
			 apply_status, detail, override_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, e.FieldID, e.Source, e.RawValue, e.NormalizedValue, e.EventTs,
		e.ApplyStatus, e.Detail, e.OverrideExpiresAt).Scan(&id)
	return id, err
}

// CurrentFieldStates returns the most recent successful event per field.
func (db *DB) CurrentFieldStates(ctx context.Context) ([]SetupFieldEventRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT DISTINCT ON (field_id)
		       id, field_id, source, raw_value, normalized_value, event_ts,
		       apply_status, detail, override_expires_at
		FROM setup_field_events
		WHERE apply_status IN ('accepted', 'applied')
		ORDER BY field_id, event_ts DESC, id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFieldEvents(rows)
}

// ActiveHTTPOverrides returns per-field HTTP overrides whose TTL has not
// expired; during the TTL the field is externally authoritative.
func (db *DB) ActiveHTTPOverrides(ctx context.Context, now time.Time) ([]SetupFieldEventRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT DISTINCT ON (field_id)
		       id, field_id, source, raw_value, normalized_value, event_ts,
		       apply_status, detail, override_expires_at
		FROM setup_field_events
		WHERE source = 'http'
		  AND apply_status IN ('accepted', 'applied')
		  AND override_expires_at > $1
		ORDER BY field_id, event_ts DESC, id DESC
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFieldEvents(rows)
}

func scanFieldEvents(rows pgx.Rows) ([]SetupFieldEventRow, error) {
	var result []SetupFieldEventRow
	for rows.Next() {
		var e SetupFieldEventRow
		if err := rows.Scan(&e.ID, &e.FieldID, &e.Source, &e.RawValue,
			&e.NormalizedValue, &e.EventTs, &e.ApplyStatus, &e.Detail,
			&e.OverrideExpiresAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
