package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/meintechblog/eos-engine/internal/config"
	"github.com/meintechblog/eos-engine/internal/database"
	"github.com/meintechblog/eos-engine/internal/eos"
	"github.com/meintechblog/eos-engine/internal/ingest"
	"github.com/meintechblog/eos-engine/internal/metrics"
	"github.com/meintechblog/eos-engine/internal/mqttclient"
	"github.com/meintechblog/eos-engine/internal/orchestrator"
	"github.com/meintechblog/eos-engine/internal/output"
	"github.com/meintechblog/eos-engine/internal/params"
	"github.com/meintechblog/eos-engine/internal/signals"
	"github.com/meintechblog/eos-engine/internal/worker"
)

// Deps bundles everything the HTTP edge adapts. Handlers stay thin; all
// domain behavior lives behind these.
type Deps struct {
	DB        *database.DB
	Signals   *signals.Service
	Pipeline  *ingest.Pipeline
	Params    *params.Engine
	Orch      *orchestrator.Orchestrator
	Projector *output.Projector
	Workers   *worker.Supervisor
	EOS       *eos.Client
	MQTT      *mqttclient.Client
	Version   string
	StartTime time.Time
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, deps Deps, log zerolog.Logger) *Server {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(CORS)
	r.Use(metrics.InstrumentHandler)

	health := NewHealthHandler(deps.DB, deps.EOS, deps.MQTT, deps.Version, deps.StartTime)
	data := NewDataHandler(deps.DB, deps.Signals)
	inputs := NewInputsHandler(deps.DB, deps.Pipeline)
	outputs := NewOutputsHandler(deps.Projector)
	setup := NewSetupHandler(deps.Params)
	paramsH := NewParamsHandler(deps.Params)
	runs := NewRunsHandler(deps.DB, deps.Orch)
	admin := NewAdminHandler(deps.DB, deps.Workers)

	// Health and metrics stay unauthenticated for probes and scrapers.
	r.Get("/health", health.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Everything else requires the bearer token when one is configured. The
	// device-facing /eos/ paths accept it via ?token= for clients that
	// cannot set headers.
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))

		// Device-facing push and pull paths.
		r.Get("/eos/input/*", inputs.IngestGet)
		r.Get("/eos/get/outputs", outputs.GetOutputs)
		r.Put("/eos/set/*", setup.SetField)

		// Signal store reads.
		r.Get("/api/data/signals", data.ListSignals)
		r.Get("/api/data/latest", data.Latest)
		r.Get("/api/data/series", data.Series)
		r.Get("/api/data/retention/status", data.RetentionStatus)
		r.Get("/api/data/power/latest", data.PowerLatest)
		r.Get("/api/data/power/series", data.PowerSeries)
		r.Get("/api/data/emr/latest", data.EMRLatest)
		r.Get("/api/data/emr/series", data.EMRSeries)

		// Ingest administration.
		r.Post("/api/input/http/push", inputs.IngestPost)
		r.Get("/api/input/channels", inputs.ListChannels)
		r.Get("/api/input/mappings", inputs.ListMappings)
		r.Post("/api/input/mappings", inputs.CreateMapping)
		r.Get("/api/input/bindings", inputs.ListBindings)
		r.Post("/api/input/bindings", inputs.CreateBinding)

		// Setup fields and parameter revisions.
		r.Get("/api/setup/layout", setup.Layout)
		r.Get("/api/setup/fields", setup.ReadFields)
		r.Post("/api/setup/fields", setup.BatchWriteFields)
		r.Get("/api/setup/readiness", setup.Readiness)
		r.Get("/api/params/revisions", paramsH.ListRevisions)
		r.Post("/api/params/revisions", paramsH.CreateRevision)
		r.Get("/api/params/revisions/{id}", paramsH.GetRevision)
		r.Post("/api/params/revisions/{id}/apply", paramsH.ApplyRevision)

		// Runs and the orchestrator.
		r.Get("/api/runs", runs.ListRuns)
		r.Get("/api/runs/{id}", runs.GetRun)
		r.Get("/api/runs/{id}/plan", runs.GetRunPlan)
		r.Get("/api/runs/{id}/artifacts", runs.ListRunArtifacts)
		r.Get("/api/runs/{id}/artifacts/{type}", runs.GetRunArtifact)
		r.Post("/api/eos/force-run", runs.ForceRun)
		r.Get("/api/eos/scheduler", runs.SchedulerStatus)
		r.Get("/api/eos/output-signals", outputs.OutputSignals)

		// Process administration.
		r.Get("/api/workers", admin.WorkerStatuses)
		r.Get("/api/preferences", admin.ListPreferences)
		r.Put("/api/preferences/{key}", admin.SetPreference)

		mountLegacy(r)
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
