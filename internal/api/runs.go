package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meintechblog/eos-engine/internal/database"
	"github.com/meintechblog/eos-engine/internal/orchestrator"
)

type RunsHandler struct {
	db   *database.DB
	orch *orchestrator.Orchestrator
}

func NewRunsHandler(db *database.DB, orch *orchestrator.Orchestrator) *RunsHandler {
	return &RunsHandler{db: db, orch: orch}
}

// ListRuns returns run history, newest first.
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := h.db.ListRuns(r.Context(), p.Limit, p.Offset)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"runs":   runs,
		"limit":  p.Limit,
		"offset": p.Offset,
	})
}

// GetRun returns one run.
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, err := h.db.GetRun(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to read run")
		return
	}
	if run == nil {
		WriteError(w, http.StatusNotFound, "run not found")
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

// ListRunArtifacts returns the typed artifacts stored under a run.
func (h *RunsHandler) ListRunArtifacts(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	artifacts, err := h.db.ListArtifacts(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"run_id": id, "artifacts": artifacts})
}

// GetRunArtifact returns one artifact's raw payload.
func (h *RunsHandler) GetRunArtifact(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	artifactType := chi.URLParam(r, "type")
	artifact, err := h.db.GetArtifact(r.Context(), id, artifactType)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to read artifact")
		return
	}
	if artifact == nil {
		WriteError(w, http.StatusNotFound, "artifact not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(artifact.Payload)
}

// GetRunPlan returns the ordered plan instructions of a run.
func (h *RunsHandler) GetRunPlan(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	instructions, err := h.db.ListPlanInstructions(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to read plan")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"run_id": id, "instructions": instructions})
}

// ForceRun starts an optimizer run immediately, outside the aligned grid.
func (h *RunsHandler) ForceRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.orch.Force(r.Context())
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

// SchedulerStatus returns the aligned scheduler snapshot.
func (h *RunsHandler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.orch.Status())
}
