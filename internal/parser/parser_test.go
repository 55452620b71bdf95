package parser

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var testLog = zerolog.Nop()

func TestParseValue(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		path   string
		want   string
		wantOK bool
	}{
		{"plain_text_no_path", "  hello  ", "", "hello", true},
		{"json_number_no_path", "42.5", "", "42.5", true},
		{"json_string_no_path", `"on"`, "", "on", true},
		{"json_bool_no_path", "true", "", "true", true},
		{"json_object_no_path", `{"a": 1, "b": "x"}`, "", `{"a":1,"b":"x"}`, true},
		{"empty_no_path", "   ", "", "", false},
		{"simple_path", `{"value": 1234}`, "value", "1234", true},
		{"nested_path", `{"meter": {"power": {"w": 812.3}}}`, "meter.power.w", "812.3", true},
		{"path_to_object", `{"meter": {"power": 5}}`, "meter", `{"power":5}`, true},
		{"path_to_array", `{"phases": [1, 2, 3]}`, "phases", "[1,2,3]", true},
		{"missing_key", `{"value": 1}`, "other", "", false},
		{"non_object_mid_chain", `{"value": 7}`, "value.deep", "", false},
		{"path_on_non_json", "plain", "value", "", false},
		{"null_value", `{"value": null}`, "value", "", false},
		{"number_precision_kept", `{"v": 0.30000000000000004}`, "v", "0.30000000000000004", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseValue(tt.raw, tt.path, testLog)
			if ok != tt.wantOK {
				t.Fatalf("ParseValue(%q, %q) ok = %v, want %v", tt.raw, tt.path, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("ParseValue(%q, %q) = %q, want %q", tt.raw, tt.path, got, tt.want)
			}
		})
	}
}

func TestParseEventTimestamp(t *testing.T) {
	fallback := time.Date(2026, 2, 21, 14, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		raw  string
		path string
		want time.Time
	}{
		{"iso8601_z", `"2026-02-21T13:45:00Z"`, "", time.Date(2026, 2, 21, 13, 45, 0, 0, time.UTC)},
		{"iso8601_offset", `"2026-02-21T14:45:00+01:00"`, "", time.Date(2026, 2, 21, 13, 45, 0, 0, time.UTC)},
		{"naive_assumed_utc", `"2026-02-21T13:45:00"`, "", time.Date(2026, 2, 21, 13, 45, 0, 0, time.UTC)},
		{"epoch_seconds", "1771682700", "", time.Unix(1771682700, 0).UTC()},
		{"epoch_milliseconds", "1771682700000", "", time.UnixMilli(1771682700000).UTC()},
		{"path_resolution", `{"ts": 1771682700}`, "ts", time.Unix(1771682700, 0).UTC()},
		{"garbage_uses_fallback", `"not a time"`, "", fallback},
		{"missing_path_uses_fallback", `{"other": 1}`, "ts", fallback},
		{"empty_uses_fallback", "", "", fallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseEventTimestamp(tt.raw, tt.path, fallback, testLog)
			if !got.Equal(tt.want) {
				t.Errorf("ParseEventTimestamp(%q, %q) = %v, want %v", tt.raw, tt.path, got, tt.want)
			}
			if got.Location() != time.UTC {
				t.Errorf("ParseEventTimestamp(%q, %q) location = %v, want UTC", tt.raw, tt.path, got.Location())
			}
		})
	}
}

func TestParseEventTimestampFallbackNormalizedToUTC(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	fallback := time.Date(2026, 2, 21, 15, 0, 0, 0, loc)
	got := ParseEventTimestamp("garbage{", "", fallback, testLog)
	if got.Location() != time.UTC {
		t.Errorf("fallback location = %v, want UTC", got.Location())
	}
	if !got.Equal(fallback) {
		t.Errorf("fallback instant changed: %v != %v", got, fallback)
	}
}
