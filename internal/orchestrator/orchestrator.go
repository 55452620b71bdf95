package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meintechblog/eos-engine/internal/apperr"
	"github.com/meintechblog/eos-engine/internal/config"
	"github.com/meintechblog/eos-engine/internal/database"
	"github.com/meintechblog/eos-engine/internal/eos"
	"github.com/meintechblog/eos-engine/internal/metrics"
	"github.com/meintechblog/eos-engine/internal/params"
	"github.com/meintechblog/eos-engine/internal/signals"
)

// Trigger sources for runs.
const (
	TriggerAligned    = "aligned_scheduler"
	TriggerForce      = "force"
	TriggerAutoPreset = "auto_preset"
	TriggerPreRefresh = "pre_refresh"
)

// Artifact types persisted per run.
const (
	ArtifactParameterPayload = "parameter_payload"
	ArtifactMappings         = "mappings"
	ArtifactLiveState        = "live_state"
	ArtifactRuntimeConfig    = "runtime_config"
	ArtifactAssembledInput   = "assembled_eos_input"
	ArtifactPlan             = "plan"
	ArtifactSolution         = "solution"
	ArtifactHealth           = "health"
)

const prefAutoRunPreset = "auto_run_preset"

// Archiver mirrors run artifacts to out-of-band storage. Archive failures
// never fail a run.
type Archiver interface {
	Archive(ctx context.Context, runID int64, artifactType string, payload []byte)
}

// Orchestrator drives optimizer runs: assembles the input, calls EOS,
// persists artifacts and the plan, and applies safety gates.
type Orchestrator struct {
	db      *database.DB
	cfg     *config.Config
	params  *params.Engine
	signals *signals.Service
	client  *eos.Client
	archive Archiver
	log     zerolog.Logger

	minutes []int
	delay   time.Duration

	mu       sync.Mutex
	forceRun bool
	nextDue  time.Time
	lastErr  string

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func New(db *database.DB, cfg *config.Config, paramEngine *params.Engine, signalSvc *signals.Service, client *eos.Client, archive Archiver, log zerolog.Logger) (*Orchestrator, error) {
	minutes, err := cfg.AlignedMinutes()
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		db:      db,
		cfg:     cfg,
		params:  paramEngine,
		signals: signalSvc,
		client:  client,
		archive: archive,
		log:     log.With().Str("component", "orchestrator").Logger(),
		minutes: minutes,
		delay:   time.Duration(cfg.EOSAlignedSchedulerDelaySeconds) * time.Second,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the aligned scheduler loop. The loop wakes every second and
// compares wall clock against the next due instant; missed instants during
// downtime collapse into at most one catch-up run.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	o.nextDue = NextAligned(time.Now(), o.minutes, o.delay)
	o.mu.Unlock()
	go o.loop()
	o.log.Info().
		Ints("minutes", o.minutes).
		Dur("delay", o.delay).
		Time("next_due", o.nextDue).
		Msg("aligned scheduler started")
}

func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
	<-o.done
}

func (o *Orchestrator) loop() {
	defer close(o.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-o.stop:
			return
		case now := <-ticker.C:
			o.mu.Lock()
			due := !now.Before(o.nextDue)
			if due {
				o.nextDue = NextAligned(now, o.minutes, o.delay)
			}
			o.mu.Unlock()
			if !due {
				continue
			}
			if !o.schedulerEnabled() {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(),
				time.Duration(o.cfg.EOSAlignedSchedulerBaseIntervalSeconds)*time.Second)
			if _, err := o.RunOnce(ctx, TriggerAligned); err != nil {
				o.mu.Lock()
				o.lastErr = err.Error()
				o.mu.Unlock()
				if !apperr.IsKind(err, apperr.KindConflict) {
					o.log.Error().Err(err).Msg("scheduled run failed")
				}
			}
			cancel()
		}
	}
}

// schedulerEnabled combines the static config flag with the runtime
// preference so the UI can pause scheduling without a restart.
func (o *Orchestrator) schedulerEnabled() bool {
	if !o.cfg.EOSAlignedSchedulerEnabled {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pref, err := o.db.GetPreference(ctx, prefAutoRunPreset)
	if err != nil || pref == nil {
		return true
	}
	var preset string
	if err := json.Unmarshal(pref.PrefValue, &preset); err != nil {
		return true
	}
	return preset != "disabled"
}

// SchedulerStatus is the supervisor snapshot for the scheduler.
type SchedulerStatus struct {
	Enabled   bool      `json:"enabled"`
	Minutes   []int     `json:"minutes"`
	DelaySec  int       `json:"delay_seconds"`
	NextDue   time.Time `json:"next_due"`
	LastError string    `json:"last_error,omitempty"`
}

func (o *Orchestrator) Status() SchedulerStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return SchedulerStatus{
		Enabled:   o.schedulerEnabled(),
		Minutes:   o.minutes,
		DelaySec:  o.cfg.EOSAlignedSchedulerDelaySeconds,
		NextDue:   o.nextDue,
		LastError: o.lastErr,
	}
}

// Force starts a run immediately. A second force while one is active is a
// conflict; the run itself is bounded by the force timeout.
func (o *Orchestrator) Force(ctx context.Context) (*database.RunRow, error) {
	o.mu.Lock()
	if o.forceRun {
		o.mu.Unlock()
		return nil, apperr.Conflict("force_run_in_progress")
	}
	o.forceRun = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.forceRun = false
		o.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.EOSForceRunTimeoutSeconds)*time.Second)
	defer cancel()
	return o.RunOnce(ctx, TriggerForce)
}

// RunOnce executes one full optimizer run. Overlapping triggers are recorded
// as skipped runs, keeping single-writer semantics on the run table.
func (o *Orchestrator) RunOnce(ctx context.Context, trigger string) (*database.RunRow, error) {
	active, err := o.db.ActiveRunExists(ctx)
	if err != nil {
		return nil, err
	}
	if active {
		if err := o.db.RecordSkippedRun(ctx, trigger, "overlap"); err != nil {
			o.log.Error().Err(err).Msg("record skipped run")
		}
		return nil, apperr.Conflict("a run is already in progress")
	}

	run, err := o.db.CreateRun(ctx, trigger, "optimize")
	if err != nil {
		return nil, err
	}
	started, err := o.db.MarkRunRunning(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if !started {
		return nil, apperr.Conflict("run state changed underneath")
	}

	log := o.log.With().Int64("run_id", run.ID).Str("trigger", trigger).Logger()
	log.Info().Msg("run started")
	runStart := time.Now()

	health := map[string]any{"trigger": trigger}
	eosLastRun, runErr := o.execute(ctx, run.ID, health, log)

	status := "succeeded"
	errText := ""
	if runErr != nil {
		status = "failed"
		errText = runErr.Error()
		health["error"] = errText
	}
	metrics.RunsTotal.WithLabelValues(trigger, status).Inc()
	metrics.RunDuration.Observe(time.Since(runStart).Seconds())
	o.putArtifact(ctx, run.ID, ArtifactHealth, mustJSON(health))

	if err := o.db.FinishRun(ctx, run.ID, status, errText, eosLastRun); err != nil {
		log.Error().Err(err).Msg("finish run row")
	}
	log.Info().Str("status", status).Msg("run finished")

	if runErr != nil {
		return nil, runErr
	}
	return o.db.GetRun(ctx, run.ID)
}

func (o *Orchestrator) execute(ctx context.Context, runID int64, health map[string]any, log zerolog.Logger) (*time.Time, error) {
	payload, rev, err := o.params.LastAppliedPayload(ctx)
	if err != nil {
		return nil, fmt.Errorf("load applied parameters: %w", err)
	}
	health["parameter_revision_id"] = rev.ID
	o.putArtifact(ctx, runID, ArtifactParameterPayload, payload)

	if mappings, err := o.db.ListMappings(ctx); err == nil {
		o.putArtifact(ctx, runID, ArtifactMappings, mustJSON(mappings))
	} else {
		log.Warn().Err(err).Msg("snapshot mappings")
	}
	if live, err := o.db.ListSignalsWithLatest(ctx, 1000); err == nil {
		o.putArtifact(ctx, runID, ArtifactLiveState, mustJSON(live))
	} else {
		log.Warn().Err(err).Msg("snapshot live state")
	}
	o.putArtifact(ctx, runID, ArtifactRuntimeConfig, mustJSON(o.runtimeConfigSnapshot()))

	assembled, err := o.assembleInput(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("assemble input: %w", err)
	}
	o.putArtifact(ctx, runID, ArtifactAssembledInput, assembled)

	o.preRefresh(ctx, runID, health, log)

	warmStart := o.warmStart(ctx, assembled)
	health["warm_start"] = warmStart != nil

	resp, err := o.client.Optimize(ctx, eos.OptimizeRequest{
		Parameters:    assembled,
		StartSolution: warmStart,
	})
	if err != nil {
		return nil, fmt.Errorf("optimize: %w", err)
	}
	o.putArtifact(ctx, runID, ArtifactSolution, resp.Raw)

	instructions := parsePlan(resp.Raw)
	guarded := o.applyNoGridChargeGuard(ctx, instructions, log)
	health["instructions"] = len(instructions)
	health["guarded"] = guarded

	if len(instructions) > 0 {
		if _, err := o.db.InsertPlanInstructions(ctx, runID, instructions); err != nil {
			return resp.LastRunDatetime, fmt.Errorf("persist plan: %w", err)
		}
		o.putArtifact(ctx, runID, ArtifactPlan, mustJSON(instructions))
	}
	return resp.LastRunDatetime, nil
}

func (o *Orchestrator) putArtifact(ctx context.Context, runID int64, artifactType string, payload []byte) {
	if err := o.db.UpsertArtifact(ctx, runID, artifactType, payload); err != nil {
		o.log.Error().Err(err).Str("type", artifactType).Int64("run_id", runID).Msg("persist artifact")
		return
	}
	if o.archive != nil {
		o.archive.Archive(ctx, runID, artifactType, payload)
	}
}

func (o *Orchestrator) runtimeConfigSnapshot() map[string]any {
	return map[string]any{
		"eos_base_url":                o.cfg.EOSBaseURL,
		"aligned_minutes":             o.minutes,
		"aligned_delay_seconds":       o.cfg.EOSAlignedSchedulerDelaySeconds,
		"pv_import_fallback_enabled":  o.cfg.EOSPredictionPVImportFallbackEnabled,
		"azimuth_workaround_enabled":  o.cfg.EOSPVAkkudoktorAzimuthWorkaroundEnabled,
		"grid_charge_guard_enabled":   o.cfg.EOSNoGridChargeGuardEnabled,
		"grid_charge_guard_threshold": o.cfg.EOSNoGridChargeGuardThresholdW,
	}
}

// assembleInput merges the applied payload with any live HTTP overrides and
// applies the azimuth workaround when configured.
func (o *Orchestrator) assembleInput(ctx context.Context, payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var tree map[string]any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}

	overrides, err := o.params.ActiveOverrides(ctx)
	if err != nil {
		return nil, err
	}
	for path, raw := range overrides {
		var v any
		d := json.NewDecoder(bytes.NewReader(raw))
		d.UseNumber()
		if err := d.Decode(&v); err != nil {
			continue
		}
		if err := setTreePath(tree, path, v); err != nil {
			o.log.Warn().Err(err).Str("path", path).Msg("skip override merge")
		}
	}

	if o.cfg.EOSPVAkkudoktorAzimuthWorkaroundEnabled {
		applyAzimuthWorkaround(tree)
	}
	return json.Marshal(tree)
}

// applyAzimuthWorkaround shifts a 0..360 north-referenced azimuth into the
// -180..180 south-referenced range the Akkudoktor provider expects.
func applyAzimuthWorkaround(tree map[string]any) {
	v, ok := treePath(tree, "devices.pv.azimuth_deg")
	if !ok {
		return
	}
	num, ok := toNumber(v)
	if !ok || num <= 180 {
		return
	}
	_ = setTreePath(tree, "devices.pv.azimuth_deg", num-360)
}

// preRefresh requests fresh predictions and stages allowlisted series as
// catalog signals. Failures degrade the run, never abort it.
func (o *Orchestrator) preRefresh(ctx context.Context, runID int64, health map[string]any, log zerolog.Logger) {
	series, err := o.client.RefreshPredictions(ctx, eos.PredictionAll)
	if err != nil {
		log.Warn().Err(err).Msg("prediction refresh failed")
		health["prediction_refresh"] = err.Error()

		if o.cfg.EOSPredictionPVImportFallbackEnabled {
			o.pvImportFallback(ctx, health, log)
		}
		return
	}
	health["prediction_refresh"] = "ok"
	o.stagePredictions(ctx, runID, series, log)
}

// pvImportFallback switches the PV provider to the import profile when that
// profile is usable, refreshes, and restores the original provider.
func (o *Orchestrator) pvImportFallback(ctx context.Context, health map[string]any, log zerolog.Logger) {
	profile, err := o.client.GetPredictionSeries(ctx, "pvforecastimport")
	if err != nil {
		health["pv_fallback"] = "import profile unavailable"
		return
	}
	if !importProfileUsable(profile) {
		health["pv_fallback"] = "too few unique values"
		log.Warn().Msg("pv import fallback rejected: too few unique values")
		return
	}

	const providerPath = "prediction/pvforecast/provider"
	original := o.currentPVProvider(ctx)
	if err := o.client.PutConfigValue(ctx, providerPath, "PVForecastImport"); err != nil {
		health["pv_fallback"] = "provider switch failed"
		return
	}
	defer func() {
		if err := o.client.PutConfigValue(ctx, providerPath, original); err != nil {
			log.Error().Err(err).Str("provider", original).Msg("restore pv provider")
		}
	}()

	if _, err := o.client.RefreshPredictions(ctx, eos.PredictionPV); err != nil {
		health["pv_fallback"] = "fallback refresh failed"
		return
	}
	health["pv_fallback"] = "used import profile"
}

// currentPVProvider reads the configured PV provider so the fallback can put
// back whatever was active before the switch. When the config tree is
// unreadable the stock provider is assumed.
func (o *Orchestrator) currentPVProvider(ctx context.Context) string {
	const stockProvider = "PVForecastAkkudoktor"
	raw, err := o.client.GetConfig(ctx)
	if err != nil {
		return stockProvider
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return stockProvider
	}
	v, ok := treePath(tree, "prediction.pvforecast.provider")
	if !ok {
		return stockProvider
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return stockProvider
	}
	return s
}

// stagePredictions writes refreshed prediction series into the signal store.
// Only keys on the prediction allowlist are accepted.
func (o *Orchestrator) stagePredictions(ctx context.Context, runID int64, series map[string]json.RawMessage, log zerolog.Logger) {
	now := time.Now().UTC()
	for key, raw := range series {
		signalKey := key
		if !strings.HasPrefix(signalKey, "prediction.") {
			signalKey = "prediction." + signalKey
		}
		if !database.PredictionAllowlist[signalKey] {
			log.Warn().Str("key", signalKey).Msg("prediction key not on allowlist, rejected")
			continue
		}
		_, err := o.signals.Ingest(ctx, database.MeasurementInsert{
			SignalKey:  signalKey,
			ValueType:  "json",
			Value:      database.SignalValue{JSON: raw},
			Ts:         now,
			SourceType: "prediction",
			RunID:      &runID,
		})
		if err != nil {
			log.Warn().Err(err).Str("key", signalKey).Msg("stage prediction series")
		}
	}
}

// warmStart loads the prior solution artifact and extracts a start solution
// sized to the configured optimization horizon.
func (o *Orchestrator) warmStart(ctx context.Context, assembled []byte) []float64 {
	prior, err := o.db.LatestSucceededRun(ctx)
	if err != nil || prior == nil {
		return nil
	}
	artifact, err := o.db.GetArtifact(ctx, prior.ID, ArtifactSolution)
	if err != nil || artifact == nil {
		return nil
	}

	expected := 0
	var tree map[string]any
	if err := json.Unmarshal(assembled, &tree); err == nil {
		if v, ok := treePath(tree, "optimization.hours"); ok {
			if num, ok := toNumber(v); ok {
				expected = int(num)
			}
		}
	}
	return ExtractWarmStart(artifact.Payload, expected)
}

// applyNoGridChargeGuard downgrades battery-charge instructions while the
// house is importing more than the threshold from the grid.
func (o *Orchestrator) applyNoGridChargeGuard(ctx context.Context, instructions []database.InstructionRow, log zerolog.Logger) int {
	if !o.cfg.EOSNoGridChargeGuardEnabled || len(instructions) == 0 {
		return 0
	}

	gridW, ok := o.currentGridImportW(ctx)
	if !ok || gridW <= o.cfg.EOSNoGridChargeGuardThresholdW {
		return 0
	}

	note := fmt.Sprintf("no_grid_charge_guard: grid import %.0f W above %.0f W",
		gridW, o.cfg.EOSNoGridChargeGuardThresholdW)
	guarded := 0
	for i := range instructions {
		if !isBatteryCharge(&instructions[i]) {
			continue
		}
		idle := "idle"
		zero := 0.0
		instructions[i].OperationMode = &idle
		instructions[i].RequestedPowerW = &zero
		instructions[i].GuardApplied = true
		instructions[i].GuardNote = &note
		guarded++
	}
	if guarded > 0 {
		log.Warn().Int("instructions", guarded).Float64("grid_w", gridW).Msg("grid charge guard applied")
	}
	return guarded
}

func isBatteryCharge(in *database.InstructionRow) bool {
	if !strings.Contains(strings.ToLower(in.ResourceID), "batter") &&
		!strings.Contains(strings.ToLower(in.ResourceID), "akku") {
		return false
	}
	if in.OperationMode != nil && strings.Contains(strings.ToLower(*in.OperationMode), "charge") &&
		!strings.Contains(strings.ToLower(*in.OperationMode), "discharge") {
		return true
	}
	return false
}

var gridImportKeys = []string{"eos/input/grid_import_power", "eos/input/grid_power"}

func (o *Orchestrator) currentGridImportW(ctx context.Context) (float64, bool) {
	rows, err := o.db.LatestBySignalKeys(ctx, gridImportKeys, len(gridImportKeys))
	if err != nil {
		return 0, false
	}
	stale := o.signals.StaleAfter()
	now := time.Now().UTC()
	for _, r := range rows {
		if r.ValueNum == nil || r.Ts == nil {
			continue
		}
		if stale > 0 && now.Sub(*r.Ts) > stale {
			continue
		}
		return *r.ValueNum, true
	}
	return 0, false
}

// parsePlan extracts the ordered instruction list from the raw solution.
func parsePlan(raw []byte) []database.InstructionRow {
	var envelope struct {
		Plan []json.RawMessage `json:"plan"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope.Plan) == 0 {
		return nil
	}

	out := make([]database.InstructionRow, 0, len(envelope.Plan))
	for i, item := range envelope.Plan {
		var in struct {
			ResourceID          string   `json:"resource_id"`
			ExecutionTime       *string  `json:"execution_time"`
			StartsAt            *string  `json:"starts_at"`
			EndsAt              *string  `json:"ends_at"`
			OperationMode       *string  `json:"operation_mode"`
			OperationModeFactor *float64 `json:"operation_mode_factor"`
			RequestedPowerW     *float64 `json:"requested_power_w"`
		}
		if err := json.Unmarshal(item, &in); err != nil || in.ResourceID == "" {
			continue
		}
		out = append(out, database.InstructionRow{
			InstructionIndex:    i,
			ResourceID:          in.ResourceID,
			ExecutionTime:       parseRFC3339(in.ExecutionTime),
			StartsAt:            parseRFC3339(in.StartsAt),
			EndsAt:              parseRFC3339(in.EndsAt),
			OperationMode:       in.OperationMode,
			OperationModeFactor: in.OperationModeFactor,
			RequestedPowerW:     in.RequestedPowerW,
			Payload:             item,
		})
	}
	return out
}

func parseRFC3339(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func treePath(tree map[string]any, path string) (any, bool) {
	cur := any(tree)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setTreePath(tree map[string]any, path string, value any) error {
	parts := strings.Split(path, ".")
	cur := tree
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part]
		if !ok {
			child := map[string]any{}
			cur[part] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("path segment %q is not an object", part)
		}
		cur = child
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	default:
		return 0, false
	}
}
