package ingest

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meintechblog/eos-engine/internal/config"
	"github.com/meintechblog/eos-engine/internal/database"
	"github.com/meintechblog/eos-engine/internal/emr"
	"github.com/meintechblog/eos-engine/internal/metrics"
	"github.com/meintechblog/eos-engine/internal/parser"
)

const (
	canonicalPrefix = "eos/"
	inputPrefix     = "eos/input/"
	paramPrefix     = "eos/param/"
)

// InboundMessage is one raw input hitting the pipeline, regardless of edge.
type InboundMessage struct {
	Channel    *database.ChannelRow
	InputKey   string
	Payload    string
	Meta       []byte
	ReceivedAt time.Time
	ExplicitTs *time.Time
	SourceType string // http_input or mqtt_input
}

// InputIngestResult reports what the pipeline did with one message.
type InputIngestResult struct {
	Accepted       bool       `json:"accepted"`
	ChannelID      *int64     `json:"channel_id,omitempty"`
	ChannelCode    string     `json:"channel_code,omitempty"`
	InputKey       string     `json:"input_key"`
	NormalizedKey  string     `json:"normalized_key"`
	MappingMatched bool       `json:"mapping_matched"`
	MappingID      *int64     `json:"mapping_id,omitempty"`
	BindingID      *int64     `json:"binding_id,omitempty"`
	EventTs        time.Time  `json:"event_ts"`
	ParamInput     bool       `json:"param_input,omitempty"`
}

// ParamSink receives parameter writes that bypass signal emission: explicit
// eos/param/ field paths and inputs routed through a parameter binding.
type ParamSink interface {
	HandleParamInput(ctx context.Context, fieldPath, payload string, ts time.Time) error
	ApplyBinding(ctx context.Context, paramPath string, selector *string, value any) error
}

// SignalIngester is the slice of the signal service the pipeline needs.
type SignalIngester interface {
	Ingest(ctx context.Context, m database.MeasurementInsert) (int64, error)
}

// Pipeline turns inbound channel messages into telemetry events, canonical
// measurements, and energy-register updates.
type Pipeline struct {
	db      *database.DB
	cfg     *config.Config
	signals SignalIngester
	emr     *emr.Integrator
	params  ParamSink
	log     zerolog.Logger

	events *Batcher[database.TelemetryEventRow]
}

func NewPipeline(db *database.DB, cfg *config.Config, signals SignalIngester, integrator *emr.Integrator, params ParamSink, log zerolog.Logger) *Pipeline {
	p := &Pipeline{
		db:      db,
		cfg:     cfg,
		signals: signals,
		emr:     integrator,
		params:  params,
		log:     log.With().Str("component", "ingest").Logger(),
	}
	p.events = NewBatcher(100, time.Second, p.flushEvents)
	return p
}

// Stop drains the telemetry event batcher.
func (p *Pipeline) Stop() {
	p.events.Stop()
}

func (p *Pipeline) flushEvents(events []database.TelemetryEventRow) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := p.db.InsertTelemetryEvents(ctx, events); err != nil {
		p.log.Error().Err(err).Int("count", len(events)).Msg("flush telemetry events")
	}
}

// NormalizeKey canonicalizes an input key: lowercase, no leading slash, and
// the eos/input/ prefix unless the key already lives in the eos/ namespace.
func NormalizeKey(raw string) string {
	k := strings.ToLower(strings.TrimSpace(raw))
	k = strings.TrimPrefix(k, "/")
	if k == "" {
		return k
	}
	if !strings.HasPrefix(k, canonicalPrefix) {
		k = inputPrefix + k
	}
	return k
}

// IsParamKey reports whether a normalized key addresses the parameter channel.
func IsParamKey(key string) bool {
	return strings.HasPrefix(key, paramPrefix)
}

// transformValue applies the mapping's multiplier and sign convention to a
// numeric payload. Non-numeric payloads pass through untouched; a configured
// non-identity transform on such a payload is logged once per message.
func transformValue(parsed string, m *database.MappingRow, log zerolog.Logger) (string, *float64) {
	num, err := strconv.ParseFloat(strings.TrimSpace(parsed), 64)
	if err != nil {
		if m.Multiplier != 1 || m.SignConvention == "positive_is_export" {
			log.Warn().
				Str("eos_field", m.EOSField).
				Str("payload", parsed).
				Msg("non-numeric payload bypasses configured transform")
		}
		return parsed, nil
	}

	num *= m.Multiplier
	if m.SignConvention == "positive_is_export" {
		num = -num
	}
	return strconv.FormatFloat(num, 'f', -1, 64), &num
}

// powerRelevant reports whether a mapped signal feeds the energy integrator.
func powerRelevant(m *database.MappingRow) bool {
	if m.Unit != nil && strings.EqualFold(*m.Unit, "w") {
		return true
	}
	return strings.Contains(m.EOSField, "power") || strings.Contains(m.EOSField, "leistung")
}

// HandleInput runs one message through the full pipeline. Unknown keys are
// accepted and observed so new devices show up for mapping before any
// mapping exists.
func (p *Pipeline) HandleInput(ctx context.Context, in InboundMessage) (result InputIngestResult, err error) {
	channelType := "unknown"
	if in.Channel != nil {
		channelType = in.Channel.ChannelType
	}
	defer func() {
		outcome := "rejected"
		if result.Accepted {
			outcome = "accepted"
		}
		metrics.IngestMessagesTotal.WithLabelValues(channelType, outcome).Inc()
	}()

	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = time.Now().UTC()
	}
	in.ReceivedAt = in.ReceivedAt.UTC()

	res := InputIngestResult{
		InputKey: in.InputKey,
		EventTs:  in.ReceivedAt,
	}
	if in.Channel != nil {
		res.ChannelID = &in.Channel.ID
		res.ChannelCode = in.Channel.Code
	}

	key := NormalizeKey(in.InputKey)
	res.NormalizedKey = key
	if key == "" {
		return res, nil
	}

	// Parameter channel writes never emit signals; the setup field engine
	// owns them end to end.
	if IsParamKey(key) {
		res.ParamInput = true
		res.Accepted = true
		if p.params != nil {
			fieldPath := strings.TrimPrefix(key, paramPrefix)
			if err := p.params.HandleParamInput(ctx, fieldPath, in.Payload, in.ReceivedAt); err != nil {
				p.log.Warn().Err(err).Str("field", fieldPath).Msg("param input rejected")
				res.Accepted = false
			}
		}
		return res, nil
	}

	if in.Channel != nil {
		if err := p.db.UpsertObservation(ctx, in.Channel.ID, key, in.Payload, in.Meta, in.ReceivedAt); err != nil {
			p.log.Error().Err(err).Str("key", key).Msg("upsert observation")
		}
	}

	// A parameter binding on (channel, key) outranks signal mappings: the
	// value belongs in the parameter tree, not in the signal store.
	if in.Channel != nil && p.params != nil {
		binding, err := p.db.GetParameterBinding(ctx, in.Channel.ID, key)
		if err != nil {
			return res, err
		}
		if binding != nil {
			return p.handleBinding(ctx, in, res, binding)
		}
	}

	var mapping *database.MappingRow
	if in.Channel != nil {
		var err error
		mapping, err = p.db.GetMapping(ctx, in.Channel.ID, key)
		if err != nil {
			return res, err
		}
	}

	if mapping == nil {
		res.Accepted = true
		p.recordEvent(in, res, nil)
		return res, nil
	}
	res.MappingMatched = true
	res.MappingID = &mapping.ID

	payload := in.Payload
	payloadPath := ""
	if mapping.PayloadPath != nil {
		payloadPath = *mapping.PayloadPath
	}
	parsed, ok := parser.ParseValue(payload, payloadPath, p.log)
	if !ok {
		p.recordEvent(in, res, mapping)
		return res, nil
	}

	eventTs := in.ReceivedAt
	if in.ExplicitTs != nil {
		eventTs = in.ExplicitTs.UTC()
	} else if mapping.TimestampPath != nil && *mapping.TimestampPath != "" {
		eventTs = parser.ParseEventTimestamp(in.Payload, *mapping.TimestampPath, in.ReceivedAt, p.log)
	}
	res.EventTs = eventTs

	value, num := transformValue(parsed, mapping, p.log)

	m := database.MeasurementInsert{
		SignalKey:     mapping.EOSField,
		ValueType:     "text",
		CanonicalUnit: mapping.Unit,
		Ts:            eventTs,
		SourceType:    in.SourceType,
		IngestedAt:    in.ReceivedAt,
	}
	if num != nil {
		m.ValueType = "number"
		m.Value.Num = num
	} else {
		m.Value.Text = &value
	}

	if _, err := p.signals.Ingest(ctx, m); err != nil {
		p.recordEvent(in, res, mapping)
		return res, err
	}
	metrics.MeasurementsIngestedTotal.Inc()
	res.Accepted = true
	p.recordEvent(in, res, mapping)

	if num != nil && p.emr != nil && powerRelevant(mapping) {
		if _, err := p.emr.Process(ctx, mapping.EOSField, eventTs, *num, in.SourceType); err != nil {
			p.log.Error().Err(err).Str("key", mapping.EOSField).Msg("energy register update")
		}
	}
	return res, nil
}

// handleBinding routes a bound input into the parameter engine. Binding
// writes never touch the signal store; they land in the draft payload as a
// dynamic_input revision.
func (p *Pipeline) handleBinding(ctx context.Context, in InboundMessage, res InputIngestResult, b *database.BindingRow) (InputIngestResult, error) {
	res.ParamInput = true
	res.BindingID = &b.ID

	payloadPath := ""
	if b.PayloadPath != nil {
		payloadPath = *b.PayloadPath
	}
	parsed, ok := parser.ParseValue(in.Payload, payloadPath, p.log)
	if !ok {
		p.recordEvent(in, res, nil)
		return res, nil
	}

	eventTs := in.ReceivedAt
	if in.ExplicitTs != nil {
		eventTs = in.ExplicitTs.UTC()
	} else if b.TimestampPath != nil && *b.TimestampPath != "" {
		eventTs = parser.ParseEventTimestamp(in.Payload, *b.TimestampPath, in.ReceivedAt, p.log)
	}
	res.EventTs = eventTs

	value := bindingValue(parsed, b.Multiplier)
	if err := p.params.ApplyBinding(ctx, b.ParamPath, b.SelectorValue, value); err != nil {
		p.log.Warn().Err(err).Str("path", b.ParamPath).Msg("binding value rejected")
		p.recordEvent(in, res, nil)
		return res, nil
	}
	res.Accepted = true
	p.recordEvent(in, res, nil)
	return res, nil
}

// bindingValue types a parsed scalar for the parameter tree. Numbers pick up
// the binding multiplier; booleans and anything else pass through.
func bindingValue(parsed string, multiplier float64) any {
	s := strings.TrimSpace(parsed)
	if num, err := strconv.ParseFloat(s, 64); err == nil {
		return num * multiplier
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	return parsed
}

// EmitFixedValues re-emits every enabled fixed-value mapping as a fresh
// measurement. Fixed values have no inbound edge, so a periodic job keeps
// their signals current instead of a device push.
func (p *Pipeline) EmitFixedValues(ctx context.Context) (int64, error) {
	mappings, err := p.db.ListFixedValueMappings(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	var emitted int64
	var firstErr error
	for i := range mappings {
		m := &mappings[i]
		ins := fixedValueMeasurement(m, now, p.log)
		if _, err := p.signals.Ingest(ctx, ins); err != nil {
			p.log.Error().Err(err).Str("key", m.EOSField).Msg("emit fixed value")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.MeasurementsIngestedTotal.Inc()
		emitted++
	}
	return emitted, firstErr
}

// fixedValueMeasurement builds the measurement for one fixed-value mapping.
// The mapping's multiplier and sign convention apply the same as for pushed
// payloads.
func fixedValueMeasurement(m *database.MappingRow, now time.Time, log zerolog.Logger) database.MeasurementInsert {
	value, num := transformValue(*m.FixedValue, m, log)
	ins := database.MeasurementInsert{
		SignalKey:     m.EOSField,
		ValueType:     "text",
		CanonicalUnit: m.Unit,
		Ts:            now,
		SourceType:    "fixed_value",
		IngestedAt:    now,
	}
	if num != nil {
		ins.ValueType = "number"
		ins.Value.Num = num
	} else {
		ins.Value.Text = &value
	}
	return ins
}

func (p *Pipeline) recordEvent(in InboundMessage, res InputIngestResult, mapping *database.MappingRow) {
	ev := database.TelemetryEventRow{
		ChannelID:      res.ChannelID,
		InputKey:       in.InputKey,
		NormalizedKey:  res.NormalizedKey,
		Payload:        in.Payload,
		EventTs:        res.EventTs,
		ReceivedAt:     in.ReceivedAt,
		Accepted:       res.Accepted,
		MappingMatched: res.MappingMatched,
	}
	if mapping != nil {
		ev.MappingID = &mapping.ID
	}
	p.events.Add(ev)
}
