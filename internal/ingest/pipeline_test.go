package ingest

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/meintechblog/eos-engine/internal/database"
)

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain_key_gets_prefix", "pv_power", "eos/input/pv_power"},
		{"leading_slash_stripped", "/pv_power", "eos/input/pv_power"},
		{"uppercase_lowered", "PV_Power", "eos/input/pv_power"},
		{"canonical_key_untouched", "eos/input/pv_power", "eos/input/pv_power"},
		{"param_key_untouched", "eos/param/battery/capacity_wh", "eos/param/battery/capacity_wh"},
		{"slash_and_case_combined", "/EOS/Input/Grid_Power", "eos/input/grid_power"},
		{"nested_device_path", "shelly/em3/power", "eos/input/shelly/em3/power"},
		{"empty_stays_empty", "", ""},
		{"whitespace_only", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeKey(tt.in); got != tt.want {
				t.Errorf("NormalizeKey(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsParamKey(t *testing.T) {
	if !IsParamKey("eos/param/battery/capacity_wh") {
		t.Error("param path not recognized")
	}
	if IsParamKey("eos/input/pv_power") {
		t.Error("input path misclassified as param")
	}
}

func TestTransformValue(t *testing.T) {
	log := zerolog.Nop()
	unitW := "W"

	mapping := func(mult float64, sign string) *database.MappingRow {
		return &database.MappingRow{EOSField: "eos/input/test", Unit: &unitW, Multiplier: mult, SignConvention: sign}
	}

	tests := []struct {
		name     string
		parsed   string
		mapping  *database.MappingRow
		wantText string
		wantNum  *float64
	}{
		{"identity", "1500", mapping(1, "raw"), "1500", f(1500)},
		{"multiplier_kw_to_w", "1.5", mapping(1000, "raw"), "1500", f(1500)},
		{"export_convention_negates", "2000", mapping(1, "positive_is_export"), "-2000", f(-2000)},
		{"multiplier_and_negate", "2", mapping(1000, "positive_is_export"), "-2000", f(-2000)},
		{"non_numeric_passthrough", "charging", mapping(1000, "raw"), "charging", nil},
		{"whitespace_tolerated", " 42 ", mapping(1, "raw"), "42", f(42)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, num := transformValue(tt.parsed, tt.mapping, log)
			if text != tt.wantText {
				t.Errorf("text = %q, want %q", text, tt.wantText)
			}
			if (num == nil) != (tt.wantNum == nil) {
				t.Fatalf("num = %v, want %v", num, tt.wantNum)
			}
			if num != nil && *num != *tt.wantNum {
				t.Errorf("num = %v, want %v", *num, *tt.wantNum)
			}
		})
	}
}

func TestPowerRelevant(t *testing.T) {
	unitW := "W"
	unitKwh := "kWh"

	tests := []struct {
		name    string
		mapping database.MappingRow
		want    bool
	}{
		{"unit_watts", database.MappingRow{EOSField: "eos/input/x", Unit: &unitW}, true},
		{"power_in_key", database.MappingRow{EOSField: "eos/input/pv_power"}, true},
		{"energy_unit_not_power", database.MappingRow{EOSField: "eos/input/meter", Unit: &unitKwh}, false},
		{"temperature", database.MappingRow{EOSField: "eos/input/outdoor_temp"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := powerRelevant(&tt.mapping); got != tt.want {
				t.Errorf("powerRelevant() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBindingValue(t *testing.T) {
	tests := []struct {
		name       string
		parsed     string
		multiplier float64
		want       any
	}{
		{"number_with_multiplier", "1.5", 1000, 1500.0},
		{"number_identity", "42", 1, 42.0},
		{"bool_true", "true", 1, true},
		{"bool_false", "FALSE", 1, false},
		{"string_passthrough", "PVForecastImport", 1000, "PVForecastImport"},
		{"whitespace_number", " 7 ", 2, 14.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := bindingValue(tt.parsed, tt.multiplier); got != tt.want {
				t.Errorf("bindingValue(%q, %v) = %v, want %v", tt.parsed, tt.multiplier, got, tt.want)
			}
		})
	}
}

func TestFixedValueMeasurement(t *testing.T) {
	log := zerolog.Nop()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	unitW := "W"

	t.Run("numeric_fixed_value_transformed", func(t *testing.T) {
		fixed := "1.5"
		m := &database.MappingRow{
			EOSField:       "eos/input/feed_in_limit",
			Unit:           &unitW,
			Multiplier:     1000,
			SignConvention: "raw",
			FixedValue:     &fixed,
		}
		ins := fixedValueMeasurement(m, now, log)
		if ins.SignalKey != "eos/input/feed_in_limit" || ins.SourceType != "fixed_value" {
			t.Fatalf("measurement mis-addressed: %+v", ins)
		}
		if ins.ValueType != "number" || ins.Value.Num == nil || *ins.Value.Num != 1500 {
			t.Errorf("value = %+v, want number 1500", ins.Value)
		}
		if !ins.Ts.Equal(now) || !ins.IngestedAt.Equal(now) {
			t.Errorf("timestamps not pinned to emit instant: %v / %v", ins.Ts, ins.IngestedAt)
		}
	})

	t.Run("text_fixed_value_passthrough", func(t *testing.T) {
		fixed := "manual"
		m := &database.MappingRow{
			EOSField:       "eos/input/operating_mode",
			Multiplier:     1,
			SignConvention: "raw",
			FixedValue:     &fixed,
		}
		ins := fixedValueMeasurement(m, now, log)
		if ins.ValueType != "text" || ins.Value.Text == nil || *ins.Value.Text != "manual" {
			t.Errorf("value = %+v, want text manual", ins.Value)
		}
	})
}

func f(v float64) *float64 { return &v }
