package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/meintechblog/eos-engine/internal/database"
	"github.com/meintechblog/eos-engine/internal/eos"
)

func TestNextAligned(t *testing.T) {
	minutes := []int{0, 15, 30, 45}
	delay := 30 * time.Second

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			"mid_quarter",
			time.Date(2025, 6, 1, 12, 7, 0, 0, time.UTC),
			time.Date(2025, 6, 1, 12, 15, 30, 0, time.UTC),
		},
		{
			"exactly_on_trigger_advances",
			time.Date(2025, 6, 1, 12, 15, 30, 0, time.UTC),
			time.Date(2025, 6, 1, 12, 30, 30, 0, time.UTC),
		},
		{
			"just_before_trigger",
			time.Date(2025, 6, 1, 12, 15, 29, 0, time.UTC),
			time.Date(2025, 6, 1, 12, 15, 30, 0, time.UTC),
		},
		{
			"within_delay_window_still_due_this_quarter",
			time.Date(2025, 6, 1, 12, 45, 10, 0, time.UTC),
			time.Date(2025, 6, 1, 12, 45, 30, 0, time.UTC),
		},
		{
			"rolls_into_next_hour",
			time.Date(2025, 6, 1, 12, 46, 0, 0, time.UTC),
			time.Date(2025, 6, 1, 13, 0, 30, 0, time.UTC),
		},
		{
			"end_of_day",
			time.Date(2025, 6, 1, 23, 50, 0, 0, time.UTC),
			time.Date(2025, 6, 2, 0, 0, 30, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextAligned(tt.now, minutes, delay); !got.Equal(tt.want) {
				t.Errorf("NextAligned(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}

	t.Run("single_minute_set", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
		want := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
		if got := NextAligned(now, []int{0}, 0); !got.Equal(want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})
}

func TestExtractWarmStart(t *testing.T) {
	tests := []struct {
		name     string
		solution string
		expected int
		want     []float64
	}{
		{"numeric_array", `{"start_solution":[1,0.5,0]}`, 3, []float64{1, 0.5, 0}},
		{"string_numeric_array", `{"start_solution":["1","0.5","0"]}`, 3, []float64{1, 0.5, 0}},
		{"length_mismatch", `{"start_solution":[1,2]}`, 3, nil},
		{"no_length_enforced", `{"start_solution":[1,2]}`, 0, []float64{1, 2}},
		{"non_numeric_entry", `{"start_solution":[1,"x"]}`, 0, nil},
		{"missing_key", `{"other":[1]}`, 0, nil},
		{"ac_charge_alias", `{"ac_charge":[0,1]}`, 2, []float64{0, 1}},
		{"empty_array", `{"start_solution":[]}`, 0, nil},
		{"not_json", `garbage`, 0, nil},
		{"empty_input", ``, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractWarmStart([]byte(tt.solution), tt.expected)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestImportProfileUsable(t *testing.T) {
	tests := []struct {
		name   string
		series string
		want   bool
	}{
		{"five_unique_values", `[0,100,250,400,380]`, true},
		{"flat_series", `[0,0,0,0,0,0,0]`, false},
		{"four_unique_values", `[0,100,0,100,250,400]`, false},
		{"map_shape", `{"t1":0,"t2":10,"t3":20,"t4":30,"t5":40}`, true},
		{"empty", `[]`, false},
		{"not_json", `nope`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := importProfileUsable([]byte(tt.series)); got != tt.want {
				t.Errorf("importProfileUsable(%s) = %v, want %v", tt.series, got, tt.want)
			}
		})
	}
}

func TestParsePlan(t *testing.T) {
	t.Run("instructions_keep_order", func(t *testing.T) {
		raw := `{"plan":[
			{"resource_id":"battery1","operation_mode":"charge","requested_power_w":3000,"execution_time":"2025-06-01T12:00:00Z"},
			{"resource_id":"battery1","operation_mode":"idle","execution_time":"2025-06-01T13:00:00Z"}
		]}`
		got := parsePlan([]byte(raw))
		if len(got) != 2 {
			t.Fatalf("got %d instructions", len(got))
		}
		if got[0].InstructionIndex != 0 || got[1].InstructionIndex != 1 {
			t.Error("instruction indexes not sequential")
		}
		if *got[0].OperationMode != "charge" || *got[0].RequestedPowerW != 3000 {
			t.Errorf("first instruction mangled: %+v", got[0])
		}
		if got[0].ExecutionTime == nil || !got[0].ExecutionTime.Equal(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)) {
			t.Errorf("execution time = %v", got[0].ExecutionTime)
		}
	})

	t.Run("entries_without_resource_skipped", func(t *testing.T) {
		got := parsePlan([]byte(`{"plan":[{"operation_mode":"charge"},{"resource_id":"b"}]}`))
		if len(got) != 1 || got[0].ResourceID != "b" {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("no_plan_key", func(t *testing.T) {
		if got := parsePlan([]byte(`{"solution":[1,2]}`)); got != nil {
			t.Fatalf("got %+v", got)
		}
	})
}

func TestPVImportFallbackRestoresOriginalProvider(t *testing.T) {
	run := func(t *testing.T, configBody string, wantRestore string) map[string]any {
		t.Helper()
		var puts []string
		mux := http.NewServeMux()
		mux.HandleFunc("GET /v1/prediction/series", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`[0,100,250,400,380]`))
		})
		mux.HandleFunc("GET /v1/config", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(configBody))
		})
		mux.HandleFunc("PUT /v1/config/prediction/pvforecast/provider", func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			var req struct {
				Value string `json:"value"`
			}
			_ = json.Unmarshal(body, &req)
			puts = append(puts, req.Value)
			_, _ = w.Write([]byte(`{}`))
		})
		mux.HandleFunc("POST /v1/prediction/update", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		o := &Orchestrator{
			client: eos.NewClient(srv.URL, 5*time.Second),
			log:    zerolog.Nop(),
		}
		health := map[string]any{}
		o.pvImportFallback(context.Background(), health, zerolog.Nop())

		if len(puts) != 2 {
			t.Fatalf("provider writes = %v, want switch then restore", puts)
		}
		if puts[0] != "PVForecastImport" {
			t.Errorf("switched to %q, want PVForecastImport", puts[0])
		}
		if puts[1] != wantRestore {
			t.Errorf("restored %q, want %q", puts[1], wantRestore)
		}
		return health
	}

	t.Run("restores_configured_provider", func(t *testing.T) {
		health := run(t, `{"prediction":{"pvforecast":{"provider":"PVForecastVrm"}}}`, "PVForecastVrm")
		if health["pv_fallback"] != "used import profile" {
			t.Errorf("pv_fallback = %v", health["pv_fallback"])
		}
	})

	t.Run("unreadable_config_restores_stock_provider", func(t *testing.T) {
		run(t, `not json`, "PVForecastAkkudoktor")
	})
}

func TestIsBatteryCharge(t *testing.T) {
	mode := func(m string) *string { return &m }

	tests := []struct {
		name string
		in   database.InstructionRow
		want bool
	}{
		{"battery_charge", database.InstructionRow{ResourceID: "battery1", OperationMode: mode("charge")}, true},
		{"battery_grid_charge", database.InstructionRow{ResourceID: "home_battery", OperationMode: mode("charge_from_grid")}, true},
		{"battery_discharge", database.InstructionRow{ResourceID: "battery1", OperationMode: mode("discharge")}, false},
		{"battery_idle", database.InstructionRow{ResourceID: "battery1", OperationMode: mode("idle")}, false},
		{"ev_charge_not_battery", database.InstructionRow{ResourceID: "wallbox", OperationMode: mode("charge")}, false},
		{"akku_charge", database.InstructionRow{ResourceID: "akku", OperationMode: mode("charge")}, true},
		{"no_mode", database.InstructionRow{ResourceID: "battery1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isBatteryCharge(&tt.in); got != tt.want {
				t.Errorf("isBatteryCharge() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplyAzimuthWorkaround(t *testing.T) {
	t.Run("north_referenced_value_shifted", func(t *testing.T) {
		tree := map[string]any{}
		_ = setTreePath(tree, "devices.pv.azimuth_deg", json.Number("270"))
		applyAzimuthWorkaround(tree)
		v, _ := treePath(tree, "devices.pv.azimuth_deg")
		num, _ := toNumber(v)
		if num != -90 {
			t.Errorf("azimuth = %v, want -90", num)
		}
	})

	t.Run("south_referenced_value_untouched", func(t *testing.T) {
		tree := map[string]any{}
		_ = setTreePath(tree, "devices.pv.azimuth_deg", json.Number("90"))
		applyAzimuthWorkaround(tree)
		v, _ := treePath(tree, "devices.pv.azimuth_deg")
		num, _ := toNumber(v)
		if num != 90 {
			t.Errorf("azimuth = %v, want 90", num)
		}
	})
}
