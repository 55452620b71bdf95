package output

import (
	"strings"
	"testing"
	"time"

	"github.com/meintechblog/eos-engine/internal/database"
)

func ts(h, m int) *time.Time {
	t := time.Date(2025, 6, 1, h, m, 0, 0, time.UTC)
	return &t
}

func mode(s string) *string { return &s }
func pw(v float64) *float64 { return &v }

func TestReduceInstructions(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

	t.Run("current_instruction_selected", func(t *testing.T) {
		instructions := []database.InstructionRow{
			{ID: 1, InstructionIndex: 0, ResourceID: "battery1", ExecutionTime: ts(12, 0), OperationMode: mode("charge"), RequestedPowerW: pw(3000)},
			{ID: 2, InstructionIndex: 1, ResourceID: "battery1", ExecutionTime: ts(13, 0), OperationMode: mode("idle"), RequestedPowerW: pw(0)},
		}
		got := reduceInstructions(instructions, at)
		item := got["battery1"]
		if item.Status != StatusOK {
			t.Fatalf("status = %q", item.Status)
		}
		if *item.RequestedPowerKw != 3.0 {
			t.Errorf("power = %v kW, want 3.0", *item.RequestedPowerKw)
		}
		if *item.SourceInstruction != 1 {
			t.Errorf("source instruction = %d, want 1", *item.SourceInstruction)
		}
	})

	t.Run("duplicate_keeps_highest_index", func(t *testing.T) {
		instructions := []database.InstructionRow{
			{ID: 1, InstructionIndex: 0, ResourceID: "battery1", ExecutionTime: ts(12, 0), RequestedPowerW: pw(1000), OperationMode: mode("charge")},
			{ID: 2, InstructionIndex: 3, ResourceID: "battery1", ExecutionTime: ts(12, 0), RequestedPowerW: pw(2000), OperationMode: mode("charge")},
			{ID: 3, InstructionIndex: 1, ResourceID: "battery1", ExecutionTime: ts(12, 0), RequestedPowerW: pw(1500), OperationMode: mode("charge")},
		}
		got := reduceInstructions(instructions, at)
		if *got["battery1"].RequestedPowerKw != 2.0 {
			t.Errorf("power = %v, want 2.0 from index 3", *got["battery1"].RequestedPowerKw)
		}
	})

	t.Run("duplicate_index_tie_breaks_on_id", func(t *testing.T) {
		instructions := []database.InstructionRow{
			{ID: 5, InstructionIndex: 2, ResourceID: "b", ExecutionTime: ts(12, 0), RequestedPowerW: pw(100), OperationMode: mode("charge")},
			{ID: 9, InstructionIndex: 2, ResourceID: "b", ExecutionTime: ts(12, 0), RequestedPowerW: pw(200), OperationMode: mode("charge")},
		}
		got := reduceInstructions(instructions, at)
		if *got["b"].SourceInstruction != 9 {
			t.Errorf("source = %d, want 9", *got["b"].SourceInstruction)
		}
	})

	t.Run("guarded_instruction_reported", func(t *testing.T) {
		note := "guard"
		instructions := []database.InstructionRow{
			{ID: 1, ResourceID: "battery1", ExecutionTime: ts(12, 0), OperationMode: mode("idle"), RequestedPowerW: pw(0), GuardApplied: true, GuardNote: &note},
		}
		got := reduceInstructions(instructions, at)
		if got["battery1"].Status != StatusGuarded {
			t.Errorf("status = %q, want guarded", got["battery1"].Status)
		}
	})

	t.Run("only_past_instructions_is_stale", func(t *testing.T) {
		instructions := []database.InstructionRow{
			{ID: 1, ResourceID: "battery1", ExecutionTime: ts(9, 0), OperationMode: mode("charge"), RequestedPowerW: pw(1000)},
			{ID: 2, ResourceID: "battery1", ExecutionTime: ts(10, 0), OperationMode: mode("idle"), RequestedPowerW: pw(0)},
		}
		got := reduceInstructions(instructions, at)
		item := got["battery1"]
		if item.Status != StatusStale {
			t.Fatalf("status = %q, want stale", item.Status)
		}
		if *item.SourceInstruction != 2 {
			t.Errorf("stale item should come from the newest past instruction")
		}
	})

	t.Run("window_instruction_respects_ends_at", func(t *testing.T) {
		instructions := []database.InstructionRow{
			{ID: 1, ResourceID: "b", StartsAt: ts(12, 0), EndsAt: ts(12, 15), OperationMode: mode("charge"), RequestedPowerW: pw(500)},
		}
		got := reduceInstructions(instructions, at)
		if got["b"].Status != StatusStale {
			t.Errorf("expired window should be stale, got %q", got["b"].Status)
		}
	})

	t.Run("instruction_without_mode_or_power_blocked", func(t *testing.T) {
		instructions := []database.InstructionRow{
			{ID: 1, ResourceID: "b", ExecutionTime: ts(12, 0)},
		}
		got := reduceInstructions(instructions, at)
		if got["b"].Status != StatusBlocked {
			t.Errorf("status = %q, want blocked", got["b"].Status)
		}
	})
}

func TestFormatLoxone(t *testing.T) {
	t.Run("sorted_lines_with_decimal_values", func(t *testing.T) {
		b := &Bundle{Signals: map[string]BundleItem{
			"b": {SignalKey: "b", Status: StatusOK, RequestedPowerKw: pw(0)},
			"a": {SignalKey: "a", Status: StatusOK, RequestedPowerKw: pw(2)},
			"c": {SignalKey: "c", Status: StatusOK, RequestedPowerKw: pw(2.5)},
		}}
		want := "a:2.0\nb:0.0\nc:2.5\n"
		if got := FormatLoxone(b); got != want {
			t.Errorf("FormatLoxone() = %q, want %q", got, want)
		}
	})

	t.Run("stale_and_missing_render_zero", func(t *testing.T) {
		b := &Bundle{Signals: map[string]BundleItem{
			"x": {SignalKey: "x", Status: StatusStale, RequestedPowerKw: pw(4)},
			"y": {SignalKey: "y", Status: StatusMissing},
		}}
		if got := FormatLoxone(b); got != "x:0.0\ny:0.0\n" {
			t.Errorf("got %q", got)
		}
	})
}

func TestFormatLoxoneNumber(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0.0"},
		{2, "2.0"},
		{2.5, "2.5"},
		{2.504, "2.504"},
		{2.5044, "2.504"},
		{-1.2, "-1.2"},
		{0.001, "0.001"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := formatLoxoneNumber(tt.in)
			if got != tt.want {
				t.Errorf("formatLoxoneNumber(%v) = %q, want %q", tt.in, got, tt.want)
			}
			if !strings.Contains(got, ".") {
				t.Errorf("%q missing decimal point", got)
			}
		})
	}
}

func TestClientID(t *testing.T) {
	tests := []struct {
		name         string
		forwardedFor string
		remoteAddr   string
		want         string
	}{
		{"forwarded_first_hop", "10.0.0.5, 172.16.0.1", "192.168.1.1:4312", "10.0.0.5"},
		{"forwarded_single", "10.0.0.5", "192.168.1.1:4312", "10.0.0.5"},
		{"no_forwarded_strips_port", "", "192.168.1.1:4312", "192.168.1.1"},
		{"empty_forwarded_entry", " , 10.0.0.5", "192.168.1.1:4312", "192.168.1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClientID(tt.forwardedFor, tt.remoteAddr); got != tt.want {
				t.Errorf("ClientID() = %q, want %q", got, tt.want)
			}
		})
	}
}
