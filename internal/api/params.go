package api

import (
	"encoding/json"
	"net/http"

	"github.com/meintechblog/eos-engine/internal/params"
)

type ParamsHandler struct {
	params *params.Engine
}

func NewParamsHandler(engine *params.Engine) *ParamsHandler {
	return &ParamsHandler{params: engine}
}

// ListRevisions returns recent parameter revisions, newest first.
func (h *ParamsHandler) ListRevisions(w http.ResponseWriter, r *http.Request) {
	limit, _ := QueryInt(r, "limit")
	revisions, err := h.params.ListRevisions(r.Context(), limit)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"revisions": revisions})
}

// GetRevision returns one revision including its full payload.
func (h *ParamsHandler) GetRevision(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	rev, err := h.params.GetRevision(r.Context(), id)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rev)
}

// CreateRevision stores a full parameter payload as a new revision. The
// revision is validated but not applied; apply is a separate step.
func (h *ParamsHandler) CreateRevision(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if err := DecodeJSON(r, &payload); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	rev, validation, err := h.params.CreateRevision(r.Context(), "api", payload)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{
		"revision":   rev,
		"validation": validation,
	})
}

// ApplyRevision marks a revision as the payload the next optimizer run uses.
func (h *ParamsHandler) ApplyRevision(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	rev, err := h.params.Apply(r.Context(), id)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rev)
}
