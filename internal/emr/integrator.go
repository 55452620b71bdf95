package emr

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meintechblog/eos-engine/internal/config"
	"github.com/meintechblog/eos-engine/internal/database"
	"github.com/meintechblog/eos-engine/internal/metrics"
)

// Outcome classifies what the integrator did with one power sample.
type Outcome string

const (
	OutcomeIntegrated   Outcome = "integrated"
	OutcomeHeld         Outcome = "held"
	OutcomeDropped      Outcome = "dropped"
	OutcomeFirstSample  Outcome = "first_sample"
	OutcomeGridConflict Outcome = "grid_conflict"
)

// envelope bounds acceptable instantaneous power for one key class.
type envelope struct {
	minW float64
	maxW float64
}

// keyClass maps a power key onto its envelope class by substring.
func keyClass(key string) string {
	switch {
	case strings.Contains(key, "pv"):
		return "pv"
	case strings.Contains(key, "grid"):
		return "grid"
	case strings.Contains(key, "battery") || strings.Contains(key, "akku"):
		return "battery"
	case strings.Contains(key, "house") || strings.Contains(key, "load") || strings.Contains(key, "home"):
		return "house"
	default:
		return "other"
	}
}

// Integrator folds instantaneous power samples into cumulative energy
// registers. One register per power key; each key is serialized through a
// per-key mutex so concurrent ingest cannot interleave Δt computation.
type Integrator struct {
	db  *database.DB
	cfg *config.Config
	log zerolog.Logger

	envelopes map[string]envelope

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	gridMu         sync.Mutex
	lastGridImport *gridReading
	lastGridExport *gridReading
}

type gridReading struct {
	valueW float64
	ts     time.Time
}

func NewIntegrator(db *database.DB, cfg *config.Config, log zerolog.Logger) *Integrator {
	return &Integrator{
		db:  db,
		cfg: cfg,
		log: log.With().Str("component", "emr").Logger(),
		envelopes: map[string]envelope{
			"pv":      {0, cfg.EMRPVMaxW},
			"house":   {0, cfg.EMRHouseMaxW},
			"grid":    {-cfg.EMRGridMaxW, cfg.EMRGridMaxW},
			"battery": {-cfg.EMRBatteryMaxW, cfg.EMRBatteryMaxW},
			"other":   {0, cfg.EMRPowerMaxW},
		},
		locks: make(map[string]*sync.Mutex),
	}
}

func (in *Integrator) keyLock(key string) *sync.Mutex {
	in.mu.Lock()
	defer in.mu.Unlock()
	l, ok := in.locks[key]
	if !ok {
		l = &sync.Mutex{}
		in.locks[key] = l
	}
	return l
}

// inEnvelope reports whether a sample value is plausible for its key class.
func (in *Integrator) inEnvelope(key string, valueW float64) bool {
	env := in.envelopes[keyClass(key)]
	return valueW >= env.minW && valueW <= env.maxW
}

// deltaKwh is the trapezoid increment for one step: mean power times elapsed
// seconds, watt-seconds scaled to kWh.
func deltaKwh(lastPowerW, powerW, deltaSeconds float64) float64 {
	return (lastPowerW + powerW) / 2 * deltaSeconds / 3_600_000
}

// isGridImportKey and isGridExportKey identify the paired grid keys used by
// the conflict check.
func isGridImportKey(key string) bool {
	return strings.Contains(key, "grid") && strings.Contains(key, "import")
}

func isGridExportKey(key string) bool {
	return strings.Contains(key, "grid") && strings.Contains(key, "export")
}

// gridConflict checks an incoming grid reading against the most recent
// reading of the opposite direction. Both directions drawing meaningful
// power at once is physically impossible; when they disagree by more than
// the threshold the sample is refused and the opposing reading forgotten so
// it cannot keep poisoning future samples.
func (in *Integrator) gridConflict(key string, valueW float64, ts time.Time) bool {
	if in.cfg.EMRGridConflictThresholdW <= 0 {
		return false
	}
	imp, exp := isGridImportKey(key), isGridExportKey(key)
	if !imp && !exp {
		return false
	}

	in.gridMu.Lock()
	defer in.gridMu.Unlock()

	const pairWindow = 30 * time.Second
	var opposite *gridReading
	if imp {
		opposite = in.lastGridExport
	} else {
		opposite = in.lastGridImport
	}

	if opposite != nil && ts.Sub(opposite.ts).Abs() <= pairWindow {
		if math.Abs(valueW) > in.cfg.EMRGridConflictThresholdW &&
			math.Abs(opposite.valueW) > in.cfg.EMRGridConflictThresholdW {
			in.log.Warn().
				Str("key", key).
				Float64("value_w", valueW).
				Float64("opposite_w", opposite.valueW).
				Msg("grid import and export disagree, refusing both")
			if imp {
				in.lastGridExport = nil
			} else {
				in.lastGridImport = nil
			}
			return true
		}
	}

	r := &gridReading{valueW: valueW, ts: ts}
	if imp {
		in.lastGridImport = r
	} else {
		in.lastGridExport = r
	}
	return false
}

// Process accepts one power sample and advances the energy register for its
// key. The register never decreases; ordering within a key is enforced by
// dropping samples at or before the last integrated timestamp.
func (in *Integrator) Process(ctx context.Context, key string, ts time.Time, valueW float64, source string) (outcome Outcome, err error) {
	defer func() { metrics.EMRSamplesTotal.WithLabelValues(string(outcome)).Inc() }()
	ts = ts.UTC()

	if !in.inEnvelope(key, valueW) {
		in.log.Warn().Str("key", key).Float64("value_w", valueW).Msg("power sample out of envelope, dropped")
		return OutcomeDropped, nil
	}
	if in.gridConflict(key, valueW, ts) {
		return OutcomeGridConflict, nil
	}

	lock := in.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	inserted, err := in.db.InsertPowerSample(ctx, database.PowerSampleRow{
		SampleKey: key, Ts: ts, Source: source, ValueW: valueW,
	})
	if err != nil {
		return OutcomeDropped, err
	}
	if !inserted {
		return OutcomeDropped, nil
	}

	last, err := in.db.LastEMRRow(ctx, key)
	if err != nil {
		return OutcomeDropped, err
	}

	if last == nil {
		ok, err := in.db.InsertEMRRow(ctx, database.EMRRow{
			EMRKey: key, Ts: ts, EMRKwh: 0, Method: "integrate", LastPowerW: &valueW,
		})
		if err != nil || !ok {
			return OutcomeDropped, err
		}
		return OutcomeFirstSample, nil
	}

	deltaSec := ts.Sub(last.Ts).Seconds()
	if deltaSec < in.cfg.EMRDeltaMinSeconds {
		return OutcomeDropped, nil
	}

	if deltaSec > in.cfg.EMRDeltaMaxSeconds {
		note := "gap exceeded integration window"
		ok, err := in.db.InsertEMRRow(ctx, database.EMRRow{
			EMRKey: key, Ts: ts, EMRKwh: last.EMRKwh, Method: "hold",
			LastPowerW: &valueW, Notes: &note,
		})
		if err != nil || !ok {
			return OutcomeDropped, err
		}
		return OutcomeHeld, nil
	}

	lastPower := valueW
	if last.LastPowerW != nil {
		lastPower = *last.LastPowerW
	}
	kwh := last.EMRKwh + deltaKwh(lastPower, valueW, deltaSec)

	method := "integrate"
	var notes *string
	if kwh < last.EMRKwh {
		in.log.Warn().
			Str("key", key).
			Float64("prev_kwh", last.EMRKwh).
			Float64("computed_kwh", kwh).
			Msg("register decrement clamped")
		kwh = last.EMRKwh
		n := "decrement clamped to previous register value"
		notes = &n
	}

	ok, err := in.db.InsertEMRRow(ctx, database.EMRRow{
		EMRKey: key, Ts: ts, EMRKwh: kwh, Method: method,
		LastPowerW: &valueW, Notes: notes,
	})
	if err != nil || !ok {
		return OutcomeDropped, err
	}
	return OutcomeIntegrated, nil
}
