package api

import (
	"net/http"
	"time"

	"github.com/meintechblog/eos-engine/internal/database"
	"github.com/meintechblog/eos-engine/internal/eos"
	"github.com/meintechblog/eos-engine/internal/mqttclient"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Service       string            `json:"service"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

type HealthHandler struct {
	db        *database.DB
	eos       *eos.Client
	mqtt      *mqttclient.Client
	version   string
	startTime time.Time
}

func NewHealthHandler(db *database.DB, eosClient *eos.Client, mqtt *mqttclient.Client, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		eos:       eosClient,
		mqtt:      mqtt,
		version:   version,
		startTime: startTime,
	}
}

// Health reports overall process health. The EOS optimizer being down
// degrades the status but does not fail it; ingest and reads keep working
// without the optimizer.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Service:       "eos-engine",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        map[string]string{},
	}

	if err := h.db.HealthCheck(r.Context()); err != nil {
		resp.Status = "error"
		resp.Checks["database"] = err.Error()
	} else {
		resp.Checks["database"] = "ok"
	}

	if h.eos != nil {
		if err := h.eos.Health(r.Context()); err != nil {
			if resp.Status == "ok" {
				resp.Status = "degraded"
			}
			resp.Checks["eos"] = err.Error()
		} else {
			resp.Checks["eos"] = "ok"
		}
	}

	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			resp.Checks["mqtt"] = "ok"
		} else {
			if resp.Status == "ok" {
				resp.Status = "degraded"
			}
			resp.Checks["mqtt"] = "disconnected"
		}
	}

	status := http.StatusOK
	if resp.Status == "error" {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, resp)
}
