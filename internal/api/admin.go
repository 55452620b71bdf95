package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meintechblog/eos-engine/internal/database"
	"github.com/meintechblog/eos-engine/internal/worker"
)

type AdminHandler struct {
	db      *database.DB
	workers *worker.Supervisor
}

func NewAdminHandler(db *database.DB, workers *worker.Supervisor) *AdminHandler {
	return &AdminHandler{db: db, workers: workers}
}

// WorkerStatuses returns the background loop status snapshots.
func (h *AdminHandler) WorkerStatuses(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"workers": h.workers.Statuses()})
}

// knownPreferences bounds the runtime preference key space. Unknown keys are
// rejected so typos do not silently create dead toggles.
var knownPreferences = map[string]bool{
	"auto_run_preset":          true,
	"measurement_sync_enabled": true,
}

type preferenceView struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt string          `json:"updated_at"`
}

// ListPreferences returns all stored runtime preferences.
func (h *AdminHandler) ListPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.db.ListPreferences(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list preferences")
		return
	}
	out := make([]preferenceView, 0, len(prefs))
	for _, p := range prefs {
		out = append(out, preferenceView{
			Key:       p.PrefKey,
			Value:     p.PrefValue,
			UpdatedAt: p.UpdatedAt.Format(time.RFC3339),
		})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"preferences": out})
}

// SetPreference stores one runtime preference. The body is the raw JSON
// value.
func (h *AdminHandler) SetPreference(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !knownPreferences[key] {
		WriteError(w, http.StatusNotFound, "unknown preference key")
		return
	}

	var value json.RawMessage
	if err := DecodeJSON(r, &value); err != nil {
		WriteError(w, http.StatusBadRequest, "body must be a JSON value")
		return
	}
	if err := h.db.SetPreference(r.Context(), key, value); err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to store preference")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
}
