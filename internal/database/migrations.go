package database

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations is the ordered list of schema migrations to apply.
// Each must be idempotent (use IF NOT EXISTS, IF EXISTS, etc.).
var migrations = []migration{
	{
		// Legacy MQTT-era mappings carried the key in mqtt_topic. input_key
		// wins under HTTP-only mode; backfill once and stop reading the column.
		name: "backfill input_mappings.input_key from mqtt_topic",
		sql: `UPDATE input_mappings
			SET input_key = lower(ltrim(mqtt_topic, '/'))
			WHERE input_key IS NULL AND mqtt_topic IS NOT NULL AND fixed_value IS NULL`,
		check: `SELECT NOT EXISTS (
			SELECT 1 FROM input_mappings
			WHERE input_key IS NULL AND mqtt_topic IS NOT NULL AND fixed_value IS NULL)`,
	},
	{
		// prediction.* signal keys are restricted to the staged-prediction
		// allowlist; ingest rejects others before reaching the catalog, and
		// this constraint is the authoritative backstop.
		name: "restrict prediction signal keys",
		sql: `ALTER TABLE signals ADD CONSTRAINT ck_signals_prediction_allowlist
			CHECK (
				signal_key NOT LIKE 'prediction.%'
				OR signal_key IN (
					'prediction.pvforecast_ac_power',
					'prediction.pvforecast_ac_energy',
					'prediction.elecprice_marketprice_wh',
					'prediction.elecprice_marketprice_kwh',
					'prediction.load_mean',
					'prediction.load_std',
					'prediction.load_mean_adjusted'
				)
			) NOT VALID`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'ck_signals_prediction_allowlist')`,
	},
	{
		name:  "add setup_field_events apply_status index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_setup_field_events_status ON setup_field_events (apply_status)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_setup_field_events_status')`,
	},
	{
		name:  "add eos_plan_instructions execution_time index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_eos_plan_instructions_exec ON eos_plan_instructions (run_id, execution_time)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_eos_plan_instructions_exec')`,
	},
}

// Migrate runs all pending schema migrations.
// For each migration, it first checks whether the change is already present.
// If the apply fails the error is returned; the caller should treat this as
// fatal since the application's queries depend on the changes existing.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		return nil
	}

	applied := 0
	for _, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{
				failed:  m,
				pending: pending[applied:],
				err:     err,
			}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	return nil
}

// MigrationError is returned when a migration fails.
// It includes the SQL needed to apply all remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart eos-engine.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}

// PredictionAllowlist mirrors the ck_signals_prediction_allowlist constraint.
// Ingest consults it so rejected keys fail with a typed error instead of a
// constraint violation.
var PredictionAllowlist = map[string]bool{
	"prediction.pvforecast_ac_power":       true,
	"prediction.pvforecast_ac_energy":      true,
	"prediction.elecprice_marketprice_wh":  true,
	"prediction.elecprice_marketprice_kwh": true,
	"prediction.load_mean":                 true,
	"prediction.load_std":                  true,
	"prediction.load_mean_adjusted":        true,
}
