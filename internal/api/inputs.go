package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meintechblog/eos-engine/internal/apperr"
	"github.com/meintechblog/eos-engine/internal/database"
	"github.com/meintechblog/eos-engine/internal/ingest"
)

type InputsHandler struct {
	db       *database.DB
	pipeline *ingest.Pipeline
}

func NewInputsHandler(db *database.DB, pipeline *ingest.Pipeline) *InputsHandler {
	return &InputsHandler{db: db, pipeline: pipeline}
}

// resolveChannel maps an inbound path onto an HTTP channel and the remaining
// input key. The first path segment is tried as a channel code; anything
// else falls through to the default HTTP channel with the full path as key.
func (h *InputsHandler) resolveChannel(r *http.Request, path string) (*database.ChannelRow, string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, "", apperr.Validation("input key is required")
	}

	seg, rest, hasRest := strings.Cut(path, "/")
	ch, err := h.db.GetChannelByCode(r.Context(), seg)
	if err != nil {
		return nil, "", err
	}
	if ch != nil && ch.ChannelType == "http" && hasRest {
		if !ch.Enabled {
			return nil, "", apperr.Newf(apperr.KindConflict, "channel %q is disabled", ch.Code)
		}
		return ch, rest, nil
	}

	ch, err = h.db.GetDefaultChannel(r.Context(), "http")
	if err != nil {
		return nil, "", err
	}
	if ch == nil {
		return nil, "", apperr.Unavailable("no default HTTP channel configured")
	}
	if !ch.Enabled {
		return nil, "", apperr.Newf(apperr.KindConflict, "channel %q is disabled", ch.Code)
	}
	return ch, path, nil
}

// IngestGet handles GET /eos/input/{channel_or_path}?value=&ts=. This is the
// path simple pushers (Shelly webhooks, Loxone virtual outputs) use.
func (h *InputsHandler) IngestGet(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	value, ok := QueryString(r, "value")
	if !ok {
		WriteError(w, http.StatusBadRequest, "value is required")
		return
	}

	ch, key, err := h.resolveChannel(r, path)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	msg := ingest.InboundMessage{
		Channel:    ch,
		InputKey:   key,
		Payload:    value,
		ReceivedAt: time.Now().UTC(),
		SourceType: "http_input",
	}
	if ts, tsOK := QueryTime(r, "ts"); tsOK {
		msg.ExplicitTs = &ts
	}

	result, err := h.pipeline.HandleInput(r.Context(), msg)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, result)
}

type pushRequest struct {
	ChannelCode string         `json:"channel_code,omitempty"`
	InputKey    string         `json:"input_key"`
	Value       string         `json:"value"`
	Ts          *time.Time     `json:"ts,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// IngestPost handles POST /api/input/http/push with an explicit JSON body.
func (h *InputsHandler) IngestPost(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.InputKey == "" {
		WriteError(w, http.StatusBadRequest, "input_key is required")
		return
	}

	path := req.InputKey
	if req.ChannelCode != "" {
		path = req.ChannelCode + "/" + strings.TrimPrefix(req.InputKey, "/")
	}
	ch, key, err := h.resolveChannel(r, path)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	msg := ingest.InboundMessage{
		Channel:    ch,
		InputKey:   key,
		Payload:    req.Value,
		ReceivedAt: time.Now().UTC(),
		ExplicitTs: req.Ts,
		SourceType: "http_input",
	}
	if len(req.Meta) > 0 {
		msg.Meta = mustMarshal(req.Meta)
	}

	result, err := h.pipeline.HandleInput(r.Context(), msg)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, result)
}

// ListChannels returns all input channels.
func (h *InputsHandler) ListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.db.ListChannels(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list channels")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

// ListMappings returns all input mappings.
func (h *InputsHandler) ListMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := h.db.ListMappings(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list mappings")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"mappings": mappings})
}

type createMappingRequest struct {
	ChannelCode    string   `json:"channel_code,omitempty"`
	InputKey       *string  `json:"input_key,omitempty"`
	EOSField       string   `json:"eos_field"`
	PayloadPath    *string  `json:"payload_path,omitempty"`
	TimestampPath  *string  `json:"timestamp_path,omitempty"`
	Unit           *string  `json:"unit,omitempty"`
	Multiplier     *float64 `json:"multiplier,omitempty"`
	SignConvention string   `json:"sign_convention,omitempty"`
	FixedValue     *string  `json:"fixed_value,omitempty"`
	Enabled        *bool    `json:"enabled,omitempty"`
}

var signConventions = map[string]bool{
	"canonical":          true,
	"unknown":            true,
	"positive_is_import": true,
	"positive_is_export": true,
}

// CreateMapping creates a new input mapping. Exactly one of
// (channel_code, input_key) or fixed_value must be populated.
func (h *InputsHandler) CreateMapping(w http.ResponseWriter, r *http.Request) {
	var req createMappingRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.EOSField == "" {
		WriteError(w, http.StatusBadRequest, "eos_field is required")
		return
	}

	hasInput := req.ChannelCode != "" && req.InputKey != nil && *req.InputKey != ""
	hasFixed := req.FixedValue != nil
	if hasInput == hasFixed {
		WriteError(w, http.StatusBadRequest, "exactly one of (channel_code, input_key) or fixed_value must be set")
		return
	}

	m := database.MappingRow{
		EOSField:       req.EOSField,
		PayloadPath:    req.PayloadPath,
		TimestampPath:  req.TimestampPath,
		Unit:           req.Unit,
		Multiplier:     1,
		SignConvention: "canonical",
		FixedValue:     req.FixedValue,
		Enabled:        true,
	}
	if req.Multiplier != nil {
		m.Multiplier = *req.Multiplier
	}
	if req.SignConvention != "" {
		if !signConventions[req.SignConvention] {
			WriteError(w, http.StatusBadRequest, "unknown sign_convention")
			return
		}
		m.SignConvention = req.SignConvention
	}
	if req.Enabled != nil {
		m.Enabled = *req.Enabled
	}

	if hasInput {
		ch, err := h.db.GetChannelByCode(r.Context(), req.ChannelCode)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to resolve channel")
			return
		}
		if ch == nil {
			WriteError(w, http.StatusNotFound, "channel not found")
			return
		}
		m.ChannelID = &ch.ID
		key := ingest.NormalizeKey(*req.InputKey)
		m.InputKey = &key
	}

	id, err := h.db.CreateMapping(r.Context(), m)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	m.ID = id
	WriteJSON(w, http.StatusCreated, m)
}

// ListBindings returns all parameter bindings.
func (h *InputsHandler) ListBindings(w http.ResponseWriter, r *http.Request) {
	bindings, err := h.db.ListParameterBindings(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list bindings")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"bindings": bindings})
}

type createBindingRequest struct {
	ChannelCode   string   `json:"channel_code"`
	InputKey      string   `json:"input_key"`
	ParamPath     string   `json:"param_path"`
	SelectorValue *string  `json:"selector_value,omitempty"`
	PayloadPath   *string  `json:"payload_path,omitempty"`
	TimestampPath *string  `json:"timestamp_path,omitempty"`
	Unit          *string  `json:"unit,omitempty"`
	Multiplier    *float64 `json:"multiplier,omitempty"`
	Enabled       *bool    `json:"enabled,omitempty"`
}

// CreateBinding binds an input key on a channel to a dotted parameter path.
// Array segments ("devices.batteries[].min_soc_percentage") address one
// array element, chosen by selector_value.
func (h *InputsHandler) CreateBinding(w http.ResponseWriter, r *http.Request) {
	var req createBindingRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ChannelCode == "" || req.InputKey == "" {
		WriteError(w, http.StatusBadRequest, "channel_code and input_key are required")
		return
	}
	if req.ParamPath == "" {
		WriteError(w, http.StatusBadRequest, "param_path is required")
		return
	}
	if strings.HasSuffix(req.ParamPath, "[]") {
		WriteError(w, http.StatusBadRequest, "param_path must not end in an array segment")
		return
	}

	ch, err := h.db.GetChannelByCode(r.Context(), req.ChannelCode)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to resolve channel")
		return
	}
	if ch == nil {
		WriteError(w, http.StatusNotFound, "channel not found")
		return
	}

	b := database.BindingRow{
		ChannelID:     ch.ID,
		InputKey:      ingest.NormalizeKey(req.InputKey),
		ParamPath:     req.ParamPath,
		SelectorValue: req.SelectorValue,
		PayloadPath:   req.PayloadPath,
		TimestampPath: req.TimestampPath,
		Unit:          req.Unit,
		Multiplier:    1,
		Enabled:       true,
	}
	if req.Multiplier != nil {
		b.Multiplier = *req.Multiplier
	}
	if req.Enabled != nil {
		b.Enabled = *req.Enabled
	}

	id, err := h.db.CreateParameterBinding(r.Context(), b)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	b.ID = id
	WriteJSON(w, http.StatusCreated, b)
}
