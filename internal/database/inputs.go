package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meintechblog/eos-engine/internal/apperr"
)

// ChannelRow is one input channel (HTTP or the disabled MQTT arm).
type ChannelRow struct {
	ID          int64  `json:"id"`
	Code        string `json:"code"`
	ChannelType string `json:"channel_type"`
	Enabled     bool   `json:"enabled"`
	IsDefault   bool   `json:"is_default"`
	Config      []byte `json:"config,omitempty"`
}

// MappingRow binds an external input key to a signal key with transform rules.
type MappingRow struct {
	ID             int64      `json:"id"`
	ChannelID      *int64     `json:"channel_id,omitempty"`
	InputKey       *string    `json:"input_key,omitempty"`
	MqttTopic      *string    `json:"mqtt_topic,omitempty"`
	EOSField       string     `json:"eos_field"`
	PayloadPath    *string    `json:"payload_path,omitempty"`
	TimestampPath  *string    `json:"timestamp_path,omitempty"`
	Unit           *string    `json:"unit,omitempty"`
	Multiplier     float64    `json:"multiplier"`
	SignConvention string     `json:"sign_convention"`
	FixedValue     *string    `json:"fixed_value,omitempty"`
	Enabled        bool       `json:"enabled"`
	CreatedAt      time.Time  `json:"created_at"`
}

// TelemetryEventRow is one accepted or rejected inbound event.
type TelemetryEventRow struct {
	ChannelID      *int64
	InputKey       string
	NormalizedKey  string
	Payload        string
	EventTs        time.Time
	ReceivedAt     time.Time
	MappingID      *int64
	Accepted       bool
	MappingMatched bool
}

// GetChannelByCode looks up a channel by its code.
func (db *DB) GetChannelByCode(ctx context.Context, code string) (*ChannelRow, error) {
	var c ChannelRow
	err := db.Pool.QueryRow(ctx, `
		SELECT id, code, channel_type, enabled, is_default, config
		FROM input_channels WHERE code = $1
	`, code).Scan(&c.ID, &c.Code, &c.ChannelType, &c.Enabled, &c.IsDefault, &c.Config)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// GetDefaultChannel returns the default channel of the given type, or nil.
func (db *DB) GetDefaultChannel(ctx context.Context, channelType string) (*ChannelRow, error) {
	var c ChannelRow
	err := db.Pool.QueryRow(ctx, `
		SELECT id, code, channel_type, enabled, is_default, config
		FROM input_channels WHERE channel_type = $1 AND is_default
	`, channelType).Scan(&c.ID, &c.Code, &c.ChannelType, &c.Enabled, &c.IsDefault, &c.Config)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// EnsureDefaultHTTPChannel creates the default HTTP channel on first boot.
func (db *DB) EnsureDefaultHTTPChannel(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO input_channels (code, channel_type, enabled, is_default)
		SELECT 'http', 'http', true, true
		WHERE NOT EXISTS (SELECT 1 FROM input_channels WHERE channel_type = 'http' AND is_default)
	`)
	return err
}

// ListChannels returns all channels ordered by code.
func (db *DB) ListChannels(ctx context.Context) ([]ChannelRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, code, channel_type, enabled, is_default, config
		FROM input_channels ORDER BY code ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ChannelRow
	for rows.Next() {
		var c ChannelRow
		if err := rows.Scan(&c.ID, &c.Code, &c.ChannelType, &c.Enabled, &c.IsDefault, &c.Config); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// GetMapping resolves the enabled mapping for (channel, normalized key), or nil.
func (db *DB) GetMapping(ctx context.Context, channelID int64, inputKey string) (*MappingRow, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT id, channel_id, input_key, mqtt_topic, eos_field, payload_path,
		       timestamp_path, unit, multiplier, sign_convention, fixed_value,
		       enabled, created_at
		FROM input_mappings
		WHERE channel_id = $1 AND input_key = $2 AND enabled
	`, channelID, inputKey)

	m, err := scanMapping(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

// ListMappings returns all mappings ordered by signal key.
func (db *DB) ListMappings(ctx context.Context) ([]MappingRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, channel_id, input_key, mqtt_topic, eos_field, payload_path,
		       timestamp_path, unit, multiplier, sign_convention, fixed_value,
		       enabled, created_at
		FROM input_mappings ORDER BY eos_field ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []MappingRow
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

// ListFixedValueMappings returns the enabled mappings that carry a fixed
// value instead of an input key.
func (db *DB) ListFixedValueMappings(ctx context.Context) ([]MappingRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, channel_id, input_key, mqtt_topic, eos_field, payload_path,
		       timestamp_path, unit, multiplier, sign_convention, fixed_value,
		       enabled, created_at
		FROM input_mappings
		WHERE enabled AND fixed_value IS NOT NULL
		ORDER BY eos_field ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []MappingRow
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

// CreateMapping inserts a new mapping. A duplicate (channel, input_key) is a
// conflict; the exactly-one-of shape is enforced by the table check.
func (db *DB) CreateMapping(ctx context.Context, m MappingRow) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO input_mappings
			(channel_id, input_key, eos_field, payload_path, timestamp_path,
			 unit, multiplier, sign_convention, fixed_value, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, m.ChannelID, m.InputKey, m.EOSField, m.PayloadPath, m.TimestampPath,
		m.Unit, m.Multiplier, m.SignConvention, m.FixedValue, m.Enabled).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, apperr.Newf(apperr.KindConflict, "mapping for this channel and input key already exists")
		}
		return 0, err
	}
	return id, nil
}

func scanMapping(row pgx.Row) (*MappingRow, error) {
	var m MappingRow
	err := row.Scan(&m.ID, &m.ChannelID, &m.InputKey, &m.MqttTopic, &m.EOSField,
		&m.PayloadPath, &m.TimestampPath, &m.Unit, &m.Multiplier,
		&m.SignConvention, &m.FixedValue, &m.Enabled, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpsertObservation records that an input key was seen on a channel, with a
// monotonic message count. Never overwrites a payload with an empty one.
func (db *DB) UpsertObservation(ctx context.Context, channelID int64, inputKey, payload string, meta []byte, seenAt time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO input_observations
			(channel_id, input_key, last_payload, last_meta, first_seen, last_seen, message_count)
		VALUES ($1, $2, $3, $4, $5, $5, 1)
		ON CONFLICT (channel_id, input_key) DO UPDATE SET
			last_payload  = COALESCE(NULLIF($3, ''), input_observations.last_payload),
			last_meta     = COALESCE($4, input_observations.last_meta),
			last_seen     = $5,
			message_count = input_observations.message_count + 1
	`, channelID, inputKey, payload, meta, seenAt)
	return err
}

// InsertTelemetryEvents batch-inserts inbound event rows.
func (db *DB) InsertTelemetryEvents(ctx context.Context, events []TelemetryEventRow) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = []any{e.ChannelID, e.InputKey, e.NormalizedKey, e.Payload,
			e.EventTs, e.ReceivedAt, e.MappingID, e.Accepted, e.MappingMatched}
	}
	return db.Pool.CopyFrom(ctx,
		pgx.Identifier{"input_telemetry_events"},
		[]string{"channel_id", "input_key", "normalized_key", "payload",
			"event_ts", "received_at", "mapping_id", "accepted", "mapping_matched"},
		pgx.CopyFromRows(rows),
	)
}
