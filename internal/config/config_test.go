package config

import (
	"os"
	"testing"
)

func TestLoad(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"DATABASE_URL": "postgres://localhost/test",
	})
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":8080" {
			t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.MQTTEnabled {
			t.Error("MQTTEnabled = true, want false")
		}
		if cfg.EOSForceRunTimeoutSeconds != 240 {
			t.Errorf("EOSForceRunTimeoutSeconds = %d, want 240", cfg.EOSForceRunTimeoutSeconds)
		}
		if cfg.DataRawRetentionDays != 90 {
			t.Errorf("DataRawRetentionDays = %d, want 90", cfg.DataRawRetentionDays)
		}
		if !cfg.EOSNoGridChargeGuardEnabled {
			t.Error("EOSNoGridChargeGuardEnabled = false, want true")
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:     "nonexistent.env",
			HTTPAddr:    ":9090",
			LogLevel:    "debug",
			DatabaseURL: "postgres://override/db",
			EOSBaseURL:  "http://eos-override:8503",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if cfg.DatabaseURL != "postgres://override/db" {
			t.Errorf("DatabaseURL = %q, want override", cfg.DatabaseURL)
		}
		if cfg.EOSBaseURL != "http://eos-override:8503" {
			t.Errorf("EOSBaseURL = %q, want override", cfg.EOSBaseURL)
		}
	})

	t.Run("empty_overrides_use_env", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.DatabaseURL != "postgres://localhost/test" {
			t.Errorf("DatabaseURL = %q, want env value", cfg.DatabaseURL)
		}
	})

	t.Run("mqtt_enabled_requires_broker", func(t *testing.T) {
		inner := setEnvs(t, map[string]string{"MQTT_ENABLED": "true"})
		defer inner()
		if _, err := Load(Overrides{EnvFile: "nonexistent.env"}); err == nil {
			t.Error("expected error when MQTT_ENABLED without MQTT_BROKER_URL")
		}
	})

	t.Run("s3_enabled_requires_bucket", func(t *testing.T) {
		inner := setEnvs(t, map[string]string{"S3_ENABLED": "true"})
		defer inner()
		if _, err := Load(Overrides{EnvFile: "nonexistent.env"}); err == nil {
			t.Error("expected error when S3_ENABLED without S3_BUCKET")
		}
	})
}

func TestLoadMissingRequired(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{"DATABASE_URL": ""})
	defer cleanup()
	os.Unsetenv("DATABASE_URL")

	_, err := Load(Overrides{EnvFile: "nonexistent.env"})
	if err == nil {
		t.Error("expected error when required env vars are missing")
	}
}

func TestAlignedMinutes(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []int
		wantErr bool
	}{
		{"default_set", "0,15,30,45", []int{0, 15, 30, 45}, false},
		{"empty_falls_back", "", []int{0, 15, 30, 45}, false},
		{"unsorted_deduplicated", "30, 0, 30, 5", []int{0, 5, 30}, false},
		{"out_of_range", "0,61", nil, true},
		{"non_numeric", "0,x", nil, true},
		{"only_separators", ",,", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{EOSAlignedSchedulerMinutes: tt.raw}
			got, err := cfg.AlignedMinutes()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("AlignedMinutes(%q) = %v, want error", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("AlignedMinutes(%q): %v", tt.raw, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("AlignedMinutes(%q) = %v, want %v", tt.raw, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("AlignedMinutes(%q)[%d] = %d, want %d", tt.raw, i, got[i], tt.want[i])
				}
			}
		})
	}
}

// setEnvs sets environment variables and returns a cleanup function.
func setEnvs(t *testing.T, envs map[string]string) func() {
	t.Helper()
	originals := make(map[string]string)
	unset := make([]string, 0)

	for k, v := range envs {
		if orig, ok := os.LookupEnv(k); ok {
			originals[k] = orig
		} else {
			unset = append(unset, k)
		}
		os.Setenv(k, v)
	}

	return func() {
		for k, v := range originals {
			os.Setenv(k, v)
		}
		for _, k := range unset {
			os.Unsetenv(k)
		}
	}
}
