package params

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meintechblog/eos-engine/internal/apperr"
	"github.com/meintechblog/eos-engine/internal/config"
	"github.com/meintechblog/eos-engine/internal/database"
)

// Engine owns the single active parameter profile: revision lifecycle,
// setup-field writes, and the drop-in import path.
type Engine struct {
	db  *database.DB
	cfg *config.Config
	log zerolog.Logger
}

func NewEngine(db *database.DB, cfg *config.Config, log zerolog.Logger) *Engine {
	return &Engine{
		db:  db,
		cfg: cfg,
		log: log.With().Str("component", "params").Logger(),
	}
}

// defaultPayload seeds the bootstrap revision with a minimal valid tree.
func defaultPayload() []byte {
	b, _ := json.Marshal(map[string]any{
		"general": map[string]any{},
		"devices": map[string]any{
			"battery": map[string]any{},
			"pv":      map[string]any{},
			"grid":    map[string]any{},
		},
		"prediction":   map[string]any{},
		"optimization": map[string]any{"hours": 48},
	})
	return b
}

// Bootstrap ensures the active profile exists. Safe to call on every boot.
func (e *Engine) Bootstrap(ctx context.Context) (*database.ProfileRow, error) {
	return e.db.BootstrapProfile(ctx, "default", defaultPayload())
}

func (e *Engine) activeProfile(ctx context.Context) (*database.ProfileRow, error) {
	p, err := e.db.GetActiveProfile(ctx)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperr.Unavailable("no active parameter profile")
	}
	return p, nil
}

// CreateRevision validates a payload and appends it as the new draft.
func (e *Engine) CreateRevision(ctx context.Context, source string, payload []byte) (*database.RevisionRow, ValidationResult, error) {
	profile, err := e.activeProfile(ctx)
	if err != nil {
		return nil, ValidationResult{}, err
	}

	res := Validate(payload)
	stored := payload
	if res.Valid {
		stored = res.Normalized
	}
	rev, err := e.db.CreateRevision(ctx, profile.ID, source, stored, res.Status(), res.IssuesJSON(), true)
	if err != nil {
		return nil, res, err
	}
	e.log.Info().
		Int64("revision_id", rev.ID).
		Int("revision_no", rev.RevisionNo).
		Str("source", source).
		Str("validation", res.Status()).
		Msg("revision created")
	return rev, res, nil
}

// Apply marks a revision as the last-applied configuration. The payload is
// never altered; an invalid revision is refused.
func (e *Engine) Apply(ctx context.Context, revisionID int64) (*database.RevisionRow, error) {
	profile, err := e.activeProfile(ctx)
	if err != nil {
		return nil, err
	}
	rev, err := e.db.GetRevision(ctx, revisionID)
	if err != nil {
		return nil, err
	}
	if rev == nil || rev.ProfileID != profile.ID {
		return nil, apperr.NotFound("revision not found")
	}

	res := Validate(rev.Payload)
	if !res.Valid {
		return nil, apperr.ValidationFields("revision payload is invalid", map[string]string{
			"errors": strings.Join(res.Errors, "; "),
		})
	}
	if err := e.db.MarkRevisionLastApplied(ctx, profile.ID, rev.ID); err != nil {
		return nil, err
	}
	e.log.Info().Int64("revision_id", rev.ID).Int("revision_no", rev.RevisionNo).Msg("revision applied")
	return e.db.GetRevision(ctx, rev.ID)
}

// LastAppliedPayload returns the payload the orchestrator should send.
func (e *Engine) LastAppliedPayload(ctx context.Context) ([]byte, *database.RevisionRow, error) {
	profile, err := e.activeProfile(ctx)
	if err != nil {
		return nil, nil, err
	}
	rev, err := e.db.GetLastApplied(ctx, profile.ID)
	if err != nil {
		return nil, nil, err
	}
	if rev == nil {
		return nil, nil, apperr.Unavailable("no applied parameter revision")
	}
	return rev.Payload, rev, nil
}

// ListRevisions returns the newest revisions of the active profile.
func (e *Engine) ListRevisions(ctx context.Context, limit int) ([]database.RevisionRow, error) {
	profile, err := e.activeProfile(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return e.db.ListRevisions(ctx, profile.ID, limit)
}

// GetRevision loads one revision of the active profile.
func (e *Engine) GetRevision(ctx context.Context, id int64) (*database.RevisionRow, error) {
	profile, err := e.activeProfile(ctx)
	if err != nil {
		return nil, err
	}
	rev, err := e.db.GetRevision(ctx, id)
	if err != nil {
		return nil, err
	}
	if rev == nil || rev.ProfileID != profile.ID {
		return nil, apperr.NotFound("revision not found")
	}
	return rev, nil
}

// normalizeFieldValue parses a raw field write against the catalog entry.
func normalizeFieldValue(f Field, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch f.ValueType {
	case "number":
		num, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("expected number, got %q", raw)
		}
		if f.Min != nil && num < *f.Min {
			return nil, fmt.Errorf("%v below minimum %v", num, *f.Min)
		}
		if f.Max != nil && num > *f.Max {
			return nil, fmt.Errorf("%v above maximum %v", num, *f.Max)
		}
		return num, nil
	case "bool":
		switch strings.ToLower(raw) {
		case "true", "1", "on", "yes":
			return true, nil
		case "false", "0", "off", "no":
			return false, nil
		}
		return nil, fmt.Errorf("expected boolean, got %q", raw)
	case "string":
		if len(f.Enum) > 0 && !contains(f.Enum, raw) {
			return nil, fmt.Errorf("%q not one of %v", raw, f.Enum)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unsupported value type %q", f.ValueType)
	}
}

// Apply statuses recorded on setup_field_events. The values are constrained
// by the schema's CHECK, so only these spellings may reach the insert.
const (
	applyStatusApplied  = "applied"
	applyStatusRejected = "rejected"
	applyStatusFailed   = "failed"
)

// FieldWriteResult reports one setup-field write.
type FieldWriteResult struct {
	FieldID     string     `json:"field_id"`
	ApplyStatus string     `json:"apply_status"`
	Detail      string     `json:"detail,omitempty"`
	RevisionID  *int64     `json:"revision_id,omitempty"`
	OverrideTTL *time.Time `json:"override_expires_at,omitempty"`
}

// WriteField validates a raw field value, records the event, and on success
// merges the value into the draft payload as a new dynamic_input revision.
// HTTP writes additionally carry an override TTL during which external
// automation owns the field.
func (e *Engine) WriteField(ctx context.Context, fieldID, raw, source string, ts time.Time) (*FieldWriteResult, error) {
	if !e.cfg.ParamDynamicEnabled && source != "api" {
		return nil, apperr.Unavailable("dynamic parameter inputs are disabled")
	}
	f, ok := LookupField(fieldID)
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "unknown setup field %q", fieldID)
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	ts = ts.UTC()

	value, verr := normalizeFieldValue(f, raw)
	if verr != nil {
		detail := verr.Error()
		_, err := e.db.InsertSetupFieldEvent(ctx, database.SetupFieldEventRow{
			FieldID: fieldID, Source: source, RawValue: &raw,
			EventTs: ts, ApplyStatus: applyStatusRejected, Detail: &detail,
		})
		if err != nil {
			return nil, err
		}
		return &FieldWriteResult{FieldID: fieldID, ApplyStatus: applyStatusRejected, Detail: detail},
			apperr.ValidationFields("field value rejected", map[string]string{fieldID: detail})
	}

	normalized, _ := json.Marshal(value)

	var overrideExpires *time.Time
	if source == "http" && e.cfg.HTTPOverrideActiveSeconds > 0 {
		t := ts.Add(time.Duration(e.cfg.HTTPOverrideActiveSeconds) * time.Second)
		overrideExpires = &t
	}

	rev, err := e.mergeIntoDraft(ctx, f, value)
	if err != nil {
		detail := err.Error()
		_, evErr := e.db.InsertSetupFieldEvent(ctx, database.SetupFieldEventRow{
			FieldID: fieldID, Source: source, RawValue: &raw, NormalizedValue: normalized,
			EventTs: ts, ApplyStatus: applyStatusFailed, Detail: &detail,
		})
		if evErr != nil {
			return nil, evErr
		}
		return nil, err
	}

	_, err = e.db.InsertSetupFieldEvent(ctx, database.SetupFieldEventRow{
		FieldID: fieldID, Source: source, RawValue: &raw, NormalizedValue: normalized,
		EventTs: ts, ApplyStatus: applyStatusApplied, OverrideExpiresAt: overrideExpires,
	})
	if err != nil {
		return nil, err
	}

	res := &FieldWriteResult{FieldID: fieldID, ApplyStatus: applyStatusApplied, OverrideTTL: overrideExpires}
	if rev != nil {
		res.RevisionID = &rev.ID
	}
	return res, nil
}

func (e *Engine) mergeIntoDraft(ctx context.Context, f Field, value any) (*database.RevisionRow, error) {
	return e.mergeValueAtPath(ctx, f.Path, nil, value)
}

// mergeValueAtPath writes one value into the current draft payload and
// appends the result as a new dynamic_input revision.
func (e *Engine) mergeValueAtPath(ctx context.Context, path string, selector *string, value any) (*database.RevisionRow, error) {
	profile, err := e.activeProfile(ctx)
	if err != nil {
		return nil, err
	}

	base := defaultPayload()
	if draft, err := e.db.GetCurrentDraft(ctx, profile.ID); err != nil {
		return nil, err
	} else if draft != nil {
		base = draft.Payload
	}

	dec := json.NewDecoder(bytes.NewReader(base))
	dec.UseNumber()
	var tree map[string]any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode draft payload: %w", err)
	}
	if err := setTreeValue(tree, path, selector, value); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "merge value into draft", err)
	}
	merged, err := json.Marshal(tree)
	if err != nil {
		return nil, err
	}

	res := Validate(merged)
	stored := merged
	if res.Valid {
		stored = res.Normalized
	}
	return e.db.CreateRevision(ctx, profile.ID, "dynamic_input", stored, res.Status(), res.IssuesJSON(), true)
}

// ApplyBinding merges a bound input value into the draft payload. The path
// may cross arrays ("devices.batteries[].min_soc_percentage"); selector picks
// the array element by device_id.
func (e *Engine) ApplyBinding(ctx context.Context, paramPath string, selector *string, value any) error {
	if !e.cfg.ParamDynamicEnabled {
		return apperr.Unavailable("dynamic parameter inputs are disabled")
	}
	rev, err := e.mergeValueAtPath(ctx, paramPath, selector, value)
	if err != nil {
		return err
	}
	e.log.Info().
		Str("path", paramPath).
		Int64("revision_id", rev.ID).
		Str("validation", rev.ValidationStatus).
		Msg("binding value merged")
	return nil
}

// FieldState is one field's current value as seen through the event log.
type FieldState struct {
	Field
	Value          json.RawMessage `json:"value,omitempty"`
	Source         string          `json:"source,omitempty"`
	EventTs        *time.Time      `json:"event_ts,omitempty"`
	OverrideActive bool            `json:"override_active"`
}

// ReadFields merges the catalog with the latest successful event per field.
func (e *Engine) ReadFields(ctx context.Context) ([]FieldState, error) {
	states, err := e.db.CurrentFieldStates(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]database.SetupFieldEventRow, len(states))
	for _, s := range states {
		byID[s.FieldID] = s
	}

	now := time.Now().UTC()
	out := make([]FieldState, 0, len(catalog))
	for _, f := range catalog {
		fs := FieldState{Field: f}
		if ev, ok := byID[f.ID]; ok {
			fs.Value = ev.NormalizedValue
			fs.Source = ev.Source
			ts := ev.EventTs
			fs.EventTs = &ts
			fs.OverrideActive = ev.OverrideExpiresAt != nil && ev.OverrideExpiresAt.After(now)
		}
		out = append(out, fs)
	}
	return out, nil
}

// ActiveOverrides returns the field values whose HTTP override TTL has not
// expired, keyed by dotted payload path.
func (e *Engine) ActiveOverrides(ctx context.Context) (map[string]json.RawMessage, error) {
	events, err := e.db.ActiveHTTPOverrides(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(events))
	for _, ev := range events {
		f, ok := LookupField(ev.FieldID)
		if !ok || len(ev.NormalizedValue) == 0 {
			continue
		}
		out[f.Path] = ev.NormalizedValue
	}
	return out, nil
}

// HandleParamInput implements the ingest parameter sink: field paths arrive
// slash separated on the wire and dotted in the catalog.
func (e *Engine) HandleParamInput(ctx context.Context, fieldPath, payload string, ts time.Time) error {
	fieldID := strings.ReplaceAll(strings.Trim(fieldPath, "/"), "/", ".")
	_, err := e.WriteField(ctx, fieldID, payload, "http", ts)
	return err
}
