package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// dbcheck is a small operator utility for poking at a live eos-engine
// database: table counts by default, plus a couple of consistency checks.
func main() {
	pool, err := pgxpool.New(context.Background(), os.Getenv("DATABASE_URL"))
	if err != nil {
		panic(err)
	}
	defer pool.Close()

	ctx := context.Background()

	if len(os.Args) > 1 && os.Args[1] == "emr" {
		showRegisters(ctx, pool)
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "orphans" {
		showOrphans(ctx, pool)
		return
	}

	tables := []string{
		"signals", "signal_measurements", "signal_latest",
		"signal_rollup_5m", "signal_rollup_1h", "signal_rollup_1d",
		"input_channels", "input_mappings", "input_observations", "input_telemetry_events",
		"parameter_profiles", "parameter_revisions", "parameter_bindings", "setup_field_events",
		"eos_runs", "eos_run_artifacts", "eos_plan_instructions",
		"power_samples", "energy_emr", "eos_measurement_sync_runs",
		"runtime_preferences", "output_signal_access_state", "job_runs",
	}
	fmt.Println("Table                           Count")
	fmt.Println("-------------------------------------")
	for _, t := range tables {
		var count int64
		pool.QueryRow(ctx, "SELECT count(*) FROM "+t).Scan(&count)
		fmt.Printf("%-31s %d\n", t, count)
	}
}

func showRegisters(ctx context.Context, pool *pgxpool.Pool) {
	rows, err := pool.Query(ctx, `
		SELECT DISTINCT ON (emr_key) emr_key, ts, emr_kwh, method
		FROM energy_emr ORDER BY emr_key, ts DESC
	`)
	if err != nil {
		panic(err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, method string
		var ts time.Time
		var kwh float64
		if err := rows.Scan(&key, &ts, &kwh, &method); err != nil {
			panic(err)
		}
		fmt.Printf("%-40s %12.3f kWh  %-9s %s\n", key, kwh, method, ts.Format(time.RFC3339))
	}
}

func showOrphans(ctx context.Context, pool *pgxpool.Pool) {
	checks := []struct {
		label string
		query string
	}{
		{"plan instructions without run", `
			SELECT count(*) FROM eos_plan_instructions i
			WHERE NOT EXISTS (SELECT 1 FROM eos_runs r WHERE r.id = i.run_id)`},
		{"artifacts without run", `
			SELECT count(*) FROM eos_run_artifacts a
			WHERE NOT EXISTS (SELECT 1 FROM eos_runs r WHERE r.id = a.run_id)`},
		{"latest state without catalog", `
			SELECT count(*) FROM signal_latest l
			WHERE NOT EXISTS (SELECT 1 FROM signals s WHERE s.id = l.signal_id)`},
		{"runs stuck in running", `
			SELECT count(*) FROM eos_runs
			WHERE status = 'running' AND started_at < now() - interval '1 hour'`},
	}
	for _, c := range checks {
		var count int64
		pool.QueryRow(ctx, c.query).Scan(&count)
		fmt.Printf("%-35s %d\n", c.label, count)
	}
}
