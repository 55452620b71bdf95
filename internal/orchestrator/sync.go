package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meintechblog/eos-engine/internal/config"
	"github.com/meintechblog/eos-engine/internal/database"
	"github.com/meintechblog/eos-engine/internal/eos"
)

const prefMeasurementSyncEnabled = "measurement_sync_enabled"

// measurementSyncKeys maps local signal keys to EOS measurement keys.
var measurementSyncKeys = map[string]string{
	"eos/input/house_power":       "load_mean",
	"eos/input/pv_power":          "pv_production",
	"eos/input/grid_import_power": "grid_import",
	"eos/input/grid_export_power": "grid_export",
}

// MeasurementSync periodically pushes recent measurement history to EOS so
// its load prediction keeps learning from real consumption.
type MeasurementSync struct {
	db     *database.DB
	cfg    *config.Config
	client *eos.Client
	log    zerolog.Logger
}

func NewMeasurementSync(db *database.DB, cfg *config.Config, client *eos.Client, log zerolog.Logger) *MeasurementSync {
	return &MeasurementSync{
		db:     db,
		cfg:    cfg,
		client: client,
		log:    log.With().Str("component", "measurement-sync").Logger(),
	}
}

// Enabled consults the runtime preference; the sync defaults to on.
func (s *MeasurementSync) Enabled() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pref, err := s.db.GetPreference(ctx, prefMeasurementSyncEnabled)
	if err != nil || pref == nil {
		return true
	}
	var enabled bool
	if err := json.Unmarshal(pref.PrefValue, &enabled); err != nil {
		return true
	}
	return enabled
}

// Run pushes the last 48 hours of each mapped series. Partial failures mark
// the sync run partial; the first error is reported.
func (s *MeasurementSync) Run(ctx context.Context) (int64, error) {
	syncID, err := s.db.StartSyncRun(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	from := now.Add(-48 * time.Hour)

	synced := 0
	var firstErr error
	for signalKey, eosKey := range measurementSyncKeys {
		points, err := s.db.RawSeries(ctx, signalKey, from, now, 10000)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("read %s: %w", signalKey, err)
			}
			continue
		}
		if len(points) == 0 {
			continue
		}

		series := make(map[string]float64, len(points))
		for _, p := range points {
			if p.ValueNum == nil {
				continue
			}
			series[p.Ts.Format(time.RFC3339)] = *p.ValueNum
		}
		payload, err := json.Marshal(series)
		if err != nil {
			continue
		}
		if err := s.client.PutMeasurement(ctx, eosKey, payload); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("push %s: %w", eosKey, err)
			}
			continue
		}
		synced++
	}

	status := "ok"
	errText := ""
	if firstErr != nil {
		status = "error"
		if synced > 0 {
			status = "partial"
		}
		errText = firstErr.Error()
	}
	if err := s.db.FinishSyncRun(ctx, syncID, status, synced, errText); err != nil {
		s.log.Error().Err(err).Msg("finish sync run row")
	}
	return int64(synced), firstErr
}
