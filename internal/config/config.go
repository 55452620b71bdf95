package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	// A latest-state row older than this is reported as stale.
	LiveStaleSeconds int `env:"LIVE_STALE_SECONDS" envDefault:"900"`

	// EOS optimizer service.
	EOSBaseURL                string `env:"EOS_BASE_URL" envDefault:"http://localhost:8503"`
	EOSSyncPollSeconds        int    `env:"EOS_SYNC_POLL_SECONDS" envDefault:"300"`
	EOSForceRunTimeoutSeconds int    `env:"EOS_FORCE_RUN_TIMEOUT_SECONDS" envDefault:"240"`

	EOSAlignedSchedulerEnabled             bool   `env:"EOS_ALIGNED_SCHEDULER_ENABLED" envDefault:"true"`
	EOSAlignedSchedulerMinutes             string `env:"EOS_ALIGNED_SCHEDULER_MINUTES" envDefault:"0,15,30,45"`
	EOSAlignedSchedulerDelaySeconds        int    `env:"EOS_ALIGNED_SCHEDULER_DELAY_SECONDS" envDefault:"30"`
	EOSAlignedSchedulerBaseIntervalSeconds int    `env:"EOS_ALIGNED_SCHEDULER_BASE_INTERVAL_SECONDS" envDefault:"900"`

	EOSPredictionPVImportFallbackEnabled    bool `env:"EOS_PREDICTION_PV_IMPORT_FALLBACK_ENABLED" envDefault:"false"`
	EOSPVAkkudoktorAzimuthWorkaroundEnabled bool `env:"EOS_PV_AKKUDOKTOR_AZIMUTH_WORKAROUND_ENABLED" envDefault:"false"`

	EOSNoGridChargeGuardEnabled    bool    `env:"EOS_NO_GRID_CHARGE_GUARD_ENABLED" envDefault:"true"`
	EOSNoGridChargeGuardThresholdW float64 `env:"EOS_NO_GRID_CHARGE_GUARD_THRESHOLD_W" envDefault:"200"`

	// Retention tiers; 0 disables a tier.
	DataRawRetentionDays      int `env:"DATA_RAW_RETENTION_DAYS" envDefault:"90"`
	DataRollup5mRetentionDays int `env:"DATA_ROLLUP_5M_RETENTION_DAYS" envDefault:"365"`
	DataRollup1hRetentionDays int `env:"DATA_ROLLUP_1H_RETENTION_DAYS" envDefault:"1095"`
	DataRollup1dRetentionDays int `env:"DATA_ROLLUP_1D_RETENTION_DAYS" envDefault:"0"`

	DataRollupJobSeconds    int `env:"DATA_ROLLUP_JOB_SECONDS" envDefault:"300"`
	DataRetentionJobSeconds int `env:"DATA_RETENTION_JOB_SECONDS" envDefault:"3600"`

	// EMR power envelopes (watts) and integration deltas.
	EMRPowerMaxW              float64 `env:"EMR_POWER_MAX_W" envDefault:"100000"`
	EMRPVMaxW                 float64 `env:"EMR_PV_MAX_W" envDefault:"50000"`
	EMRHouseMaxW              float64 `env:"EMR_HOUSE_MAX_W" envDefault:"50000"`
	EMRGridMaxW               float64 `env:"EMR_GRID_MAX_W" envDefault:"100000"`
	EMRBatteryMaxW            float64 `env:"EMR_BATTERY_MAX_W" envDefault:"50000"`
	EMRDeltaMinSeconds        float64 `env:"EMR_DELTA_MIN_SECONDS" envDefault:"1"`
	EMRDeltaMaxSeconds        float64 `env:"EMR_DELTA_MAX_SECONDS" envDefault:"1800"`
	EMRGridConflictThresholdW float64 `env:"EMR_GRID_CONFLICT_THRESHOLD_W" envDefault:"500"`

	// Fixed-value mappings have no inbound edge; a periodic job re-emits them.
	FixedValueEmitSeconds int `env:"FIXED_VALUE_EMIT_SECONDS" envDefault:"300"`

	// Dynamic parameter inputs and the drop-in import directory.
	ParamDynamicEnabled       bool   `env:"PARAM_DYNAMIC_ENABLED" envDefault:"true"`
	ParamImportDir            string `env:"PARAM_IMPORT_DIR"`
	HTTPOverrideActiveSeconds int    `env:"HTTP_OVERRIDE_ACTIVE_SECONDS" envDefault:"600"`

	// MQTT is a disabled alternate ingress; the HTTP path is canonical.
	MQTTEnabled   bool   `env:"MQTT_ENABLED" envDefault:"false"`
	MQTTBrokerURL string `env:"MQTT_BROKER_URL"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"eos-engine"`
	MQTTTopics    string `env:"MQTT_TOPICS" envDefault:"eos/#"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`

	// Run artifact archive. Local dir always used when set; S3 optional.
	ArtifactDir string `env:"ARTIFACT_DIR"`
	S3          S3Config
}

type S3Config struct {
	Enabled   bool   `env:"S3_ENABLED" envDefault:"false"`
	Endpoint  string `env:"S3_ENDPOINT"`
	Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	Bucket    string `env:"S3_BUCKET"`
	AccessKey string `env:"S3_ACCESS_KEY"`
	SecretKey string `env:"S3_SECRET_KEY"`
	Prefix    string `env:"S3_PREFIX"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	EOSBaseURL  string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.EOSBaseURL != "" {
		cfg.EOSBaseURL = overrides.EOSBaseURL
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := c.AlignedMinutes(); err != nil {
		return err
	}
	if c.EMRDeltaMinSeconds <= 0 || c.EMRDeltaMaxSeconds <= c.EMRDeltaMinSeconds {
		return fmt.Errorf("invalid EMR delta bounds: min=%v max=%v", c.EMRDeltaMinSeconds, c.EMRDeltaMaxSeconds)
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		return fmt.Errorf("S3_ENABLED requires S3_BUCKET")
	}
	if c.MQTTEnabled && c.MQTTBrokerURL == "" {
		return fmt.Errorf("MQTT_ENABLED requires MQTT_BROKER_URL")
	}
	return nil
}

// AlignedMinutes parses EOS_ALIGNED_SCHEDULER_MINUTES into a sorted, deduplicated
// minute set. An empty value yields the default quarter-hour set.
func (c *Config) AlignedMinutes() ([]int, error) {
	raw := c.EOSAlignedSchedulerMinutes
	if strings.TrimSpace(raw) == "" {
		return []int{0, 15, 30, 45}, nil
	}
	seen := make(map[int]bool)
	var minutes []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		m, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid aligned scheduler minute %q", part)
		}
		if m < 0 || m > 59 {
			return nil, fmt.Errorf("aligned scheduler minute %d out of range", m)
		}
		if !seen[m] {
			seen[m] = true
			minutes = append(minutes, m)
		}
	}
	if len(minutes) == 0 {
		return nil, fmt.Errorf("aligned scheduler minute set is empty")
	}
	sort.Ints(minutes)
	return minutes, nil
}
