package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// legacyRoutes maps removed MQTT-era endpoints onto a directive pointing at
// the HTTP-only replacement. Every hit answers 410.
var legacyRoutes = map[string]string{
	"/api/mqtt/publish":     "MQTT output publishing was removed; poll GET /eos/get/outputs instead",
	"/api/mqtt/status":      "the MQTT output path was removed; see GET /api/workers for ingest status",
	"/eos/output/mqtt":      "MQTT output publishing was removed; poll GET /eos/get/outputs instead",
	"/api/data/predictions": "prediction rows live in the signal store; use GET /api/data/series with a prediction.* signal key",
	"/api/eos/last-output":  "use GET /api/eos/output-signals",
}

// Gone returns a handler answering 410 with the given directive.
func Gone(directive string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusGone, map[string]string{
			"error":     "endpoint removed",
			"directive": directive,
		})
	}
}

// mountLegacy registers the removed endpoints for every method.
func mountLegacy(r chi.Router) {
	for path, directive := range legacyRoutes {
		r.HandleFunc(path, Gone(directive))
	}
}
