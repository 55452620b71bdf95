package emr

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/meintechblog/eos-engine/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		EMRPowerMaxW:              100000,
		EMRPVMaxW:                 50000,
		EMRHouseMaxW:              50000,
		EMRGridMaxW:               100000,
		EMRBatteryMaxW:            50000,
		EMRDeltaMinSeconds:        1,
		EMRDeltaMaxSeconds:        1800,
		EMRGridConflictThresholdW: 500,
	}
}

func TestDeltaKwh(t *testing.T) {
	tests := []struct {
		name     string
		lastW    float64
		nowW     float64
		deltaSec float64
		want     float64
	}{
		{"constant_1kw_for_one_hour", 1000, 1000, 3600, 1.0},
		{"ramp_0_to_2kw_for_one_hour", 0, 2000, 3600, 1.0},
		{"constant_500w_for_five_minutes", 500, 500, 300, 500.0 * 300 / 3_600_000},
		{"zero_power", 0, 0, 600, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deltaKwh(tt.lastW, tt.nowW, tt.deltaSec)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("deltaKwh() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKeyClass(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"eos/input/pv_power", "pv"},
		{"eos/input/grid_import_power", "grid"},
		{"eos/input/battery_power", "battery"},
		{"eos/input/akku_leistung", "battery"},
		{"eos/input/house_power", "house"},
		{"eos/input/load_total", "house"},
		{"eos/input/heatpump_power", "other"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := keyClass(tt.key); got != tt.want {
				t.Errorf("keyClass(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestEnvelope(t *testing.T) {
	in := NewIntegrator(nil, testConfig(), zerolog.Nop())

	tests := []struct {
		name   string
		key    string
		valueW float64
		want   bool
	}{
		{"pv_in_range", "eos/input/pv_power", 4200, true},
		{"pv_negative_rejected", "eos/input/pv_power", -10, false},
		{"pv_over_limit", "eos/input/pv_power", 60000, false},
		{"battery_negative_allowed", "eos/input/battery_power", -3000, true},
		{"grid_negative_allowed", "eos/input/grid_power", -8000, true},
		{"unknown_key_generic_limit", "eos/input/heatpump_power", 99999, true},
		{"unknown_key_negative_rejected", "eos/input/heatpump_power", -1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := in.inEnvelope(tt.key, tt.valueW); got != tt.want {
				t.Errorf("inEnvelope(%q, %v) = %v, want %v", tt.key, tt.valueW, got, tt.want)
			}
		})
	}
}

func TestGridConflict(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("disagreeing_pair_refused", func(t *testing.T) {
		in := NewIntegrator(nil, testConfig(), zerolog.Nop())
		if in.gridConflict("eos/input/grid_import_power", 2000, base) {
			t.Fatal("first reading should not conflict")
		}
		if !in.gridConflict("eos/input/grid_export_power", 1800, base.Add(2*time.Second)) {
			t.Fatal("opposing readings above threshold should conflict")
		}
	})

	t.Run("small_opposite_reading_allowed", func(t *testing.T) {
		in := NewIntegrator(nil, testConfig(), zerolog.Nop())
		in.gridConflict("eos/input/grid_import_power", 2000, base)
		if in.gridConflict("eos/input/grid_export_power", 100, base.Add(2*time.Second)) {
			t.Fatal("export below threshold must not conflict")
		}
	})

	t.Run("stale_opposite_reading_ignored", func(t *testing.T) {
		in := NewIntegrator(nil, testConfig(), zerolog.Nop())
		in.gridConflict("eos/input/grid_import_power", 2000, base)
		if in.gridConflict("eos/input/grid_export_power", 1800, base.Add(5*time.Minute)) {
			t.Fatal("reading outside the pair window must not conflict")
		}
	})

	t.Run("non_grid_key_never_conflicts", func(t *testing.T) {
		in := NewIntegrator(nil, testConfig(), zerolog.Nop())
		if in.gridConflict("eos/input/pv_power", 99999, base) {
			t.Fatal("non-grid keys are not part of the conflict check")
		}
	})
}
