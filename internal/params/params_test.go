package params

import (
	"encoding/json"
	"strings"
	"testing"

	eosengine "github.com/meintechblog/eos-engine"
)

func TestValidate(t *testing.T) {
	t.Run("minimal_valid_payload", func(t *testing.T) {
		res := Validate([]byte(`{"general":{},"devices":{"battery":{"capacity_wh":11000}}}`))
		if !res.Valid {
			t.Fatalf("expected valid, errors: %v", res.Errors)
		}
		if res.Normalized == nil {
			t.Fatal("normalized payload missing")
		}
	})

	t.Run("not_json", func(t *testing.T) {
		res := Validate([]byte(`{broken`))
		if res.Valid || len(res.Errors) == 0 {
			t.Fatal("expected parse error")
		}
	})

	t.Run("non_object_root", func(t *testing.T) {
		if res := Validate([]byte(`[1,2]`)); res.Valid {
			t.Fatal("array root must be invalid")
		}
	})

	t.Run("constraint_violation", func(t *testing.T) {
		res := Validate([]byte(`{"devices":{"battery":{"min_soc_percentage":150}}}`))
		if res.Valid {
			t.Fatal("soc above 100 must be invalid")
		}
		if !strings.Contains(res.Errors[0], "min_soc_percentage") {
			t.Errorf("error should name the path: %v", res.Errors)
		}
	})

	t.Run("enum_violation", func(t *testing.T) {
		res := Validate([]byte(`{"prediction":{"pvforecast":{"provider":"Bogus"}}}`))
		if res.Valid {
			t.Fatal("unknown provider must be invalid")
		}
	})

	t.Run("unknown_section_warns", func(t *testing.T) {
		res := Validate([]byte(`{"general":{},"mystery":{}}`))
		if !res.Valid {
			t.Fatalf("unknown sections are warnings, not errors: %v", res.Errors)
		}
		if len(res.Warnings) != 1 {
			t.Fatalf("expected one warning, got %v", res.Warnings)
		}
	})
}

func TestSetPath(t *testing.T) {
	t.Run("creates_intermediate_objects", func(t *testing.T) {
		tree := map[string]any{}
		if err := setPath(tree, "devices.battery.capacity_wh", 11000.0); err != nil {
			t.Fatal(err)
		}
		v, ok := lookupPath(tree, "devices.battery.capacity_wh")
		if !ok || v != 11000.0 {
			t.Fatalf("lookup after set = %v, %v", v, ok)
		}
	})

	t.Run("refuses_scalar_intermediate", func(t *testing.T) {
		tree := map[string]any{"devices": "oops"}
		if err := setPath(tree, "devices.battery.capacity_wh", 1.0); err == nil {
			t.Fatal("expected error for scalar intermediate")
		}
	})

	t.Run("overwrites_existing_leaf", func(t *testing.T) {
		tree := map[string]any{"a": map[string]any{"b": 1.0}}
		if err := setPath(tree, "a.b", 2.0); err != nil {
			t.Fatal(err)
		}
		if v, _ := lookupPath(tree, "a.b"); v != 2.0 {
			t.Fatalf("got %v", v)
		}
	})
}

func TestSetTreeValue(t *testing.T) {
	sel := func(s string) *string { return &s }
	batteries := func() map[string]any {
		return map[string]any{
			"devices": map[string]any{
				"batteries": []any{
					map[string]any{"device_id": "bat1", "min_soc_percentage": 5.0},
					map[string]any{"device_id": "bat2", "min_soc_percentage": 10.0},
				},
			},
		}
	}

	t.Run("array_segment_updates_first_element", func(t *testing.T) {
		tree := batteries()
		if err := setTreeValue(tree, "devices.batteries[].min_soc_percentage", nil, 20.0); err != nil {
			t.Fatal(err)
		}
		devices := tree["devices"].(map[string]any)
		if _, exists := devices["batteries[]"]; exists {
			t.Fatal("bracket segment stored as a literal key instead of addressing the array")
		}
		arr := devices["batteries"].([]any)
		if got := arr[0].(map[string]any)["min_soc_percentage"]; got != 20.0 {
			t.Errorf("first element = %v, want 20", got)
		}
		if got := arr[1].(map[string]any)["min_soc_percentage"]; got != 10.0 {
			t.Errorf("second element touched: %v", got)
		}
	})

	t.Run("selector_picks_matching_element", func(t *testing.T) {
		tree := batteries()
		if err := setTreeValue(tree, "devices.batteries[].min_soc_percentage", sel("bat2"), 25.0); err != nil {
			t.Fatal(err)
		}
		arr := tree["devices"].(map[string]any)["batteries"].([]any)
		if got := arr[0].(map[string]any)["min_soc_percentage"]; got != 5.0 {
			t.Errorf("unselected element touched: %v", got)
		}
		if got := arr[1].(map[string]any)["min_soc_percentage"]; got != 25.0 {
			t.Errorf("selected element = %v, want 25", got)
		}
	})

	t.Run("selector_miss_appends_new_element", func(t *testing.T) {
		tree := batteries()
		if err := setTreeValue(tree, "devices.batteries[].min_soc_percentage", sel("bat3"), 30.0); err != nil {
			t.Fatal(err)
		}
		arr := tree["devices"].(map[string]any)["batteries"].([]any)
		if len(arr) != 3 {
			t.Fatalf("array has %d elements, want appended third", len(arr))
		}
		added := arr[2].(map[string]any)
		if added["device_id"] != "bat3" || added["min_soc_percentage"] != 30.0 {
			t.Errorf("appended element = %v", added)
		}
	})

	t.Run("missing_array_created", func(t *testing.T) {
		tree := map[string]any{}
		if err := setTreeValue(tree, "devices.batteries[].capacity_wh", nil, 11000.0); err != nil {
			t.Fatal(err)
		}
		arr := tree["devices"].(map[string]any)["batteries"].([]any)
		if len(arr) != 1 || arr[0].(map[string]any)["capacity_wh"] != 11000.0 {
			t.Fatalf("created array = %v", arr)
		}
	})

	t.Run("path_ending_in_array_segment_rejected", func(t *testing.T) {
		if err := setTreeValue(map[string]any{}, "devices.batteries[]", nil, 1.0); err == nil {
			t.Fatal("expected error for trailing array segment")
		}
	})

	t.Run("scalar_where_array_expected_rejected", func(t *testing.T) {
		tree := map[string]any{"devices": map[string]any{"batteries": "oops"}}
		if err := setTreeValue(tree, "devices.batteries[].capacity_wh", nil, 1.0); err == nil {
			t.Fatal("expected error for non-array segment")
		}
	})
}

func TestNormalizeFieldValue(t *testing.T) {
	tests := []struct {
		name    string
		fieldID string
		raw     string
		want    any
		wantErr bool
	}{
		{"number_in_range", "battery.capacity_wh", "11000", 11000.0, false},
		{"number_below_min", "battery.capacity_wh", "10", nil, true},
		{"number_not_numeric", "battery.capacity_wh", "lots", nil, true},
		{"bool_words", "grid.charge_from_grid_allowed", "on", true, false},
		{"bool_numeric", "grid.charge_from_grid_allowed", "0", false, false},
		{"bool_garbage", "grid.charge_from_grid_allowed", "maybe", nil, true},
		{"enum_accepted", "pv.provider", "PVForecastAkkudoktor", "PVForecastAkkudoktor", false},
		{"enum_rejected", "pv.provider", "Nope", nil, true},
		{"free_string", "general.timezone", "Europe/Berlin", "Europe/Berlin", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := LookupField(tt.fieldID)
			if !ok {
				t.Fatalf("field %q missing from catalog", tt.fieldID)
			}
			got, err := normalizeFieldValue(f, tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("value = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLayout(t *testing.T) {
	t.Run("every_field_in_exactly_one_category", func(t *testing.T) {
		seen := map[string]bool{}
		for _, cat := range Layout() {
			for _, f := range cat.Fields {
				if seen[f.ID] {
					t.Errorf("field %q appears twice", f.ID)
				}
				seen[f.ID] = true
			}
		}
		if len(seen) != len(catalog) {
			t.Errorf("layout has %d fields, catalog has %d", len(seen), len(catalog))
		}
	})
}

func TestApplyStatusesMatchSchema(t *testing.T) {
	var check string
	for _, line := range strings.Split(string(eosengine.SchemaSQL), "\n") {
		if strings.Contains(line, "apply_status") && strings.Contains(line, "CHECK") {
			check = line
			break
		}
	}
	if check == "" {
		t.Fatal("apply_status CHECK constraint missing from schema")
	}
	for _, status := range []string{applyStatusApplied, applyStatusRejected, applyStatusFailed} {
		if !strings.Contains(check, "'"+status+"'") {
			t.Errorf("status %q not permitted by schema constraint: %s", status, strings.TrimSpace(check))
		}
	}
}

func TestDefaultPayloadIsValid(t *testing.T) {
	res := Validate(defaultPayload())
	if !res.Valid {
		t.Fatalf("bootstrap payload must validate: %v", res.Errors)
	}
	var tree map[string]any
	if err := json.Unmarshal(defaultPayload(), &tree); err != nil {
		t.Fatal(err)
	}
	if _, ok := tree["devices"]; !ok {
		t.Fatal("bootstrap payload missing devices section")
	}
}
