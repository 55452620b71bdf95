package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meintechblog/eos-engine/internal/apperr"
	"github.com/meintechblog/eos-engine/internal/params"
)

type SetupHandler struct {
	params *params.Engine
}

func NewSetupHandler(engine *params.Engine) *SetupHandler {
	return &SetupHandler{params: engine}
}

// Layout returns the setup field catalog grouped into display categories.
func (h *SetupHandler) Layout(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"categories": params.Layout()})
}

// ReadFields returns the current value of every setup field.
func (h *SetupHandler) ReadFields(w http.ResponseWriter, r *http.Request) {
	fields, err := h.params.ReadFields(r.Context())
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"fields": fields})
}

// Readiness reports whether every setup field has been given a value. A
// field with no event yet counts as missing.
func (h *SetupHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	fields, err := h.params.ReadFields(r.Context())
	if err != nil {
		WriteAppError(w, err)
		return
	}

	missing := []string{}
	for _, f := range fields {
		if len(f.Value) == 0 {
			missing = append(missing, f.ID)
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"ready":        len(missing) == 0,
		"fields_total": len(fields),
		"fields_set":   len(fields) - len(missing),
		"missing":      missing,
	})
}

type fieldWrite struct {
	FieldID string `json:"field_id"`
	Value   string `json:"value"`
}

type batchFieldsRequest struct {
	Fields []fieldWrite `json:"fields"`
}

// BatchWriteFields applies a batch of setup field writes from the local UI.
// Each field is reported individually; a rejected field does not stop the
// rest of the batch.
func (h *SetupHandler) BatchWriteFields(w http.ResponseWriter, r *http.Request) {
	var req batchFieldsRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Fields) == 0 {
		WriteError(w, http.StatusBadRequest, "fields must not be empty")
		return
	}

	now := time.Now().UTC()
	results := make([]params.FieldWriteResult, 0, len(req.Fields))
	for _, f := range req.Fields {
		res, err := h.params.WriteField(r.Context(), f.FieldID, f.Value, "api", now)
		if err != nil {
			results = append(results, params.FieldWriteResult{
				FieldID:     f.FieldID,
				ApplyStatus: "rejected",
				Detail:      err.Error(),
			})
			continue
		}
		results = append(results, *res)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}

// SetField handles PUT /eos/set/{field_path}?value= from external
// automation. The slash-separated path maps onto the dotted field id, and
// the write carries the HTTP override TTL.
func (h *SetupHandler) SetField(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(chi.URLParam(r, "*"), "/")
	if path == "" {
		WriteAppError(w, apperr.Validation("field path is required"))
		return
	}
	value, ok := QueryString(r, "value")
	if !ok {
		WriteAppError(w, apperr.Validation("value is required"))
		return
	}

	fieldID := strings.ReplaceAll(path, "/", ".")
	res, err := h.params.WriteField(r.Context(), fieldID, value, "http", time.Now().UTC())
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, res)
}
