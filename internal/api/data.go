package api

import (
	"net/http"
	"time"

	"github.com/meintechblog/eos-engine/internal/database"
	"github.com/meintechblog/eos-engine/internal/signals"
)

type DataHandler struct {
	db      *database.DB
	signals *signals.Service
}

func NewDataHandler(db *database.DB, svc *signals.Service) *DataHandler {
	return &DataHandler{db: db, signals: svc}
}

// ListSignals returns the signal catalog joined with latest-state values.
func (h *DataHandler) ListSignals(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if v, ok := QueryInt(r, "limit"); ok && v > 0 {
		limit = v
	}
	rows, err := h.db.ListSignalsWithLatest(r.Context(), limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list signals")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"signals": rows,
		"count":   len(rows),
	})
}

// Latest returns the latest-state rows for one or more signal keys. The
// signal_key query parameter repeats.
func (h *DataHandler) Latest(w http.ResponseWriter, r *http.Request) {
	keys := r.URL.Query()["signal_key"]
	if len(keys) == 0 {
		WriteError(w, http.StatusBadRequest, "at least one signal_key is required")
		return
	}
	rows, err := h.db.LatestBySignalKeys(r.Context(), keys, len(keys))
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to read latest state")
		return
	}

	stale := h.signals.StaleAfter()
	now := time.Now().UTC()
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		item := map[string]any{
			"signal": row,
			"stale":  row.Ts == nil || now.Sub(*row.Ts) > stale,
		}
		out = append(out, item)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"latest": out})
}

// Series returns a time series at the requested resolution.
func (h *DataHandler) Series(w http.ResponseWriter, r *http.Request) {
	key, ok := QueryString(r, "signal_key")
	if !ok {
		WriteError(w, http.StatusBadRequest, "signal_key is required")
		return
	}
	from, ok := QueryTime(r, "from")
	if !ok {
		WriteError(w, http.StatusBadRequest, "from is required (RFC 3339)")
		return
	}
	to, ok := QueryTime(r, "to")
	if !ok {
		WriteError(w, http.StatusBadRequest, "to is required (RFC 3339)")
		return
	}
	resolution := r.URL.Query().Get("resolution")
	limit, _ := QueryInt(r, "limit")

	points, err := h.signals.Series(r.Context(), key, resolution, from, to, limit)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"signal_key": key,
		"resolution": resolution,
		"from":       from,
		"to":         to,
		"points":     points,
		"count":      len(points),
	})
}

// RetentionStatus reports retention configuration and last job outcomes.
func (h *DataHandler) RetentionStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.signals.RetentionStatus(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to read retention status")
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

// PowerLatest returns the newest raw power sample for a key.
func (h *DataHandler) PowerLatest(w http.ResponseWriter, r *http.Request) {
	key, ok := QueryString(r, "key")
	if !ok {
		WriteError(w, http.StatusBadRequest, "key is required")
		return
	}
	sample, err := h.db.LastPowerSample(r.Context(), key)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to read power sample")
		return
	}
	if sample == nil {
		WriteError(w, http.StatusNotFound, "no power samples for key")
		return
	}
	WriteJSON(w, http.StatusOK, sample)
}

// PowerSeries returns raw power samples over a half-open window.
func (h *DataHandler) PowerSeries(w http.ResponseWriter, r *http.Request) {
	key, from, to, limit, ok := h.rangeParams(w, r)
	if !ok {
		return
	}
	rows, err := h.db.PowerSamplesRange(r.Context(), key, from, to, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to read power samples")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"key":     key,
		"samples": rows,
		"count":   len(rows),
	})
}

// EMRLatest returns the current register value for an energy key, or all
// known register keys when no key is given.
func (h *DataHandler) EMRLatest(w http.ResponseWriter, r *http.Request) {
	key, ok := QueryString(r, "key")
	if !ok {
		keys, err := h.db.ListEMRKeys(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list energy registers")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"keys": keys})
		return
	}
	row, err := h.db.LastEMRRow(r.Context(), key)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to read energy register")
		return
	}
	if row == nil {
		WriteError(w, http.StatusNotFound, "no register rows for key")
		return
	}
	WriteJSON(w, http.StatusOK, row)
}

// EMRSeries returns register rows over a half-open window.
func (h *DataHandler) EMRSeries(w http.ResponseWriter, r *http.Request) {
	key, from, to, limit, ok := h.rangeParams(w, r)
	if !ok {
		return
	}
	rows, err := h.db.EMRRange(r.Context(), key, from, to, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to read energy register series")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"key":   key,
		"rows":  rows,
		"count": len(rows),
	})
}

func (h *DataHandler) rangeParams(w http.ResponseWriter, r *http.Request) (key string, from, to time.Time, limit int, ok bool) {
	key, keyOK := QueryString(r, "key")
	if !keyOK {
		WriteError(w, http.StatusBadRequest, "key is required")
		return "", time.Time{}, time.Time{}, 0, false
	}
	from, fromOK := QueryTime(r, "from")
	to, toOK := QueryTime(r, "to")
	if !fromOK || !toOK {
		WriteError(w, http.StatusBadRequest, "from and to are required (RFC 3339)")
		return "", time.Time{}, time.Time{}, 0, false
	}
	if !from.Before(to) {
		WriteError(w, http.StatusBadRequest, "from must be before to")
		return "", time.Time{}, time.Time{}, 0, false
	}
	limit = 10000
	if v, qok := QueryInt(r, "limit"); qok && v > 0 && v < limit {
		limit = v
	}
	return key, from, to, limit, true
}
