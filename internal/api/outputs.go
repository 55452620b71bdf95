package api

import (
	"net/http"
	"time"

	"github.com/meintechblog/eos-engine/internal/metrics"
	"github.com/meintechblog/eos-engine/internal/output"
)

type OutputsHandler struct {
	projector *output.Projector
}

func NewOutputsHandler(projector *output.Projector) *OutputsHandler {
	return &OutputsHandler{projector: projector}
}

// OutputSignals returns the full output bundle as JSON, optionally for a
// specific run instead of the latest succeeded one.
func (h *OutputsHandler) OutputSignals(w http.ResponseWriter, r *http.Request) {
	var runID *int64
	if v, ok := QueryInt64(r, "run_id"); ok {
		runID = &v
	}
	client := output.ClientID(r.Header.Get("X-Forwarded-For"), r.RemoteAddr)

	bundle, err := h.projector.Resolve(r.Context(), runID, client, time.Now().UTC())
	if err != nil {
		WriteAppError(w, err)
		return
	}
	metrics.OutputFetchesTotal.WithLabelValues("json").Inc()
	WriteJSON(w, http.StatusOK, bundle)
}

// GetOutputs is the consumer pull endpoint. The loxone format renders the
// bundle as sorted key:value lines for Loxone virtual HTTP inputs; json
// returns the same bundle the API endpoint serves.
func (h *OutputsHandler) GetOutputs(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "loxone"
	}
	if format != "loxone" && format != "json" {
		WriteError(w, http.StatusBadRequest, "format must be loxone or json")
		return
	}

	client := output.ClientID(r.Header.Get("X-Forwarded-For"), r.RemoteAddr)
	bundle, err := h.projector.Resolve(r.Context(), nil, client, time.Now().UTC())
	if err != nil {
		WriteAppError(w, err)
		return
	}
	metrics.OutputFetchesTotal.WithLabelValues(format).Inc()

	if format == "json" {
		WriteJSON(w, http.StatusOK, bundle)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(output.FormatLoxone(bundle)))
}
