package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	eosengine "github.com/meintechblog/eos-engine"
	"github.com/meintechblog/eos-engine/internal/api"
	"github.com/meintechblog/eos-engine/internal/artifacts"
	"github.com/meintechblog/eos-engine/internal/config"
	"github.com/meintechblog/eos-engine/internal/database"
	"github.com/meintechblog/eos-engine/internal/emr"
	"github.com/meintechblog/eos-engine/internal/eos"
	"github.com/meintechblog/eos-engine/internal/ingest"
	"github.com/meintechblog/eos-engine/internal/mqttclient"
	"github.com/meintechblog/eos-engine/internal/orchestrator"
	"github.com/meintechblog/eos-engine/internal/output"
	"github.com/meintechblog/eos-engine/internal/params"
	"github.com/meintechblog/eos-engine/internal/signals"
	"github.com/meintechblog/eos-engine/internal/worker"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env", "", "path to .env file")
	flag.StringVar(&overrides.HTTPAddr, "addr", "", "HTTP listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (trace..error)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection string")
	flag.StringVar(&overrides.EOSBaseURL, "eos-url", "", "EOS optimizer base URL")
	flag.Parse()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("eos-engine starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database, schema, migrations
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, cfg.DatabaseURL, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.InitSchema(ctx, eosengine.SchemaSQL); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	if err := db.EnsureDefaultHTTPChannel(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure default http channel")
	}

	// Parameter engine and default profile
	paramEngine := params.NewEngine(db, cfg, log)
	if _, err := paramEngine.Bootstrap(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap parameter profile")
	}

	// Domain services
	signalSvc := signals.NewService(db, cfg, log)
	integrator := emr.NewIntegrator(db, cfg, log)
	pipeline := ingest.NewPipeline(db, cfg, signalSvc, integrator, paramEngine, log)
	defer pipeline.Stop()

	eosClient := eos.NewClient(cfg.EOSBaseURL, time.Duration(cfg.EOSForceRunTimeoutSeconds)*time.Second)

	store, err := artifacts.NewStore(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize artifact store")
	}
	var archive orchestrator.Archiver
	if store.Enabled() {
		archive = store
	}

	orch, err := orchestrator.New(db, cfg, paramEngine, signalSvc, eosClient, archive, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build orchestrator")
	}
	projector := output.NewProjector(db, log)
	msync := orchestrator.NewMeasurementSync(db, cfg, eosClient, log)

	// Background workers
	workerLog := log.With().Str("component", "worker").Logger()
	supervisor := worker.NewSupervisor(workerLog)
	supervisor.Add(worker.NewRunner(worker.Options{
		Name:       "rollup",
		Interval:   time.Duration(cfg.DataRollupJobSeconds) * time.Second,
		RunOnStart: true,
		Job:        signalSvc.RunRollupJob,
		Log:        workerLog,
	}))
	supervisor.Add(worker.NewRunner(worker.Options{
		Name:     "retention",
		Interval: time.Duration(cfg.DataRetentionJobSeconds) * time.Second,
		Job:      signalSvc.RunRetentionJob,
		Log:      workerLog,
	}))
	supervisor.Add(worker.NewRunner(worker.Options{
		Name:       "fixed_values",
		Interval:   time.Duration(cfg.FixedValueEmitSeconds) * time.Second,
		RunOnStart: true,
		Job:        pipeline.EmitFixedValues,
		Log:        workerLog,
	}))
	supervisor.Add(worker.NewRunner(worker.Options{
		Name:     "measurement_sync",
		Interval: time.Duration(cfg.EOSSyncPollSeconds) * time.Second,
		Enabled:  msync.Enabled,
		Job:      msync.Run,
		Log:      workerLog,
	}))
	supervisor.Start()
	defer supervisor.Stop()

	orch.Start()
	defer orch.Stop()

	// Drop-in parameter imports
	if cfg.ParamImportDir != "" {
		importer := params.NewImporter(paramEngine, cfg.ParamImportDir, log)
		if err := importer.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start parameter importer")
		}
		defer importer.Stop()
	}

	// Optional MQTT ingress
	var mqtt *mqttclient.Client
	if cfg.MQTTEnabled {
		channel, err := db.GetDefaultChannel(ctx, "mqtt")
		if err != nil {
			log.Fatal().Err(err).Msg("failed to resolve mqtt channel")
		}
		mqtt, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Topics:    cfg.MQTTTopics,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Pipeline:  pipeline,
			Channel:   channel,
			Log:       log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mqtt.Close()
	}

	// HTTP server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(cfg, api.Deps{
		DB:        db,
		Signals:   signalSvc,
		Pipeline:  pipeline,
		Params:    paramEngine,
		Orch:      orch,
		Projector: projector,
		Workers:   supervisor,
		EOS:       eosClient,
		MQTT:      mqtt,
		Version:   version,
		StartTime: startTime,
	}, httpLog)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("eos-engine stopped")
}
