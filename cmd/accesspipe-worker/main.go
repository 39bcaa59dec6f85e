// Command accesspipe-worker runs the pipeline: it claims jobs, executes the
// step executors, folds results into documents, and maintains the queue.
// Multiple instances may run against the same database; job claims are atomic
// and result reports are fenced.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/doclens/accesspipe/artifact"
	"github.com/doclens/accesspipe/config"
	"github.com/doclens/accesspipe/dbopen"
	"github.com/doclens/accesspipe/docstore"
	"github.com/doclens/accesspipe/jobq"
	"github.com/doclens/accesspipe/observability"
	"github.com/doclens/accesspipe/steps"
	"github.com/doclens/accesspipe/worker"
)

func main() {
	_ = godotenv.Load()

	cfgPath := env("ACCESSPIPE_CONFIG", "")
	logLevel := env("LOG_LEVEL", "info")

	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("pipeline db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	obsDB, err := dbopen.Open(cfg.ObsDBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("observability db", "error", err)
		os.Exit(1)
	}
	defer obsDB.Close()
	if err := observability.Init(obsDB); err != nil {
		slog.Error("observability init", "error", err)
		os.Exit(1)
	}

	metrics := observability.NewMetricsManager(obsDB, 100, 5*time.Second)
	defer metrics.Close()
	events := observability.NewEventLogger(obsDB)

	heartbeat := observability.NewHeartbeatWriter(obsDB, "accesspipe-worker", cfg.Worker.LivenessInterval)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	blobs, err := artifact.New(cfg.ArtifactRoot, artifact.Options{
		SignKey: []byte(cfg.SignKey),
		BaseURL: cfg.BaseURL,
	})
	if err != nil {
		slog.Error("artifact store", "error", err)
		os.Exit(1)
	}

	jobs := jobq.New(db, jobq.Options{DefaultPolicy: cfg.RetryPolicy()})
	if err := jobs.Init(ctx); err != nil {
		slog.Error("jobq init", "error", err)
		os.Exit(1)
	}
	docs := docstore.New(db, jobs, docstore.Options{
		ConfidenceThreshold: cfg.Review.ConfidenceThreshold,
		Events:              events,
		Artifacts:           blobs,
	})
	if err := docs.Init(ctx); err != nil {
		slog.Error("docstore init", "error", err)
		os.Exit(1)
	}

	var ocrEngine steps.OCREngine
	if cfg.Engines.OCRURL != "" {
		ocrEngine = steps.NewHTTPOCREngine(cfg.Engines.OCRURL, steps.HTTPEngineOptions{APIKey: cfg.Engines.APIKey})
	}
	var altEngine steps.AltTextEngine
	if cfg.Engines.AltTextURL != "" {
		altEngine = steps.NewHTTPAltTextEngine(cfg.Engines.AltTextURL, steps.HTTPEngineOptions{APIKey: cfg.Engines.APIKey})
	}

	registry := steps.NewRegistry(
		steps.NewStructure(blobs, nil, logger),
		steps.NewOCR(blobs, ocrEngine, logger),
		steps.NewTagger(blobs, altEngine, logger),
		steps.NewValidator(blobs, logger),
		steps.NewExporter(blobs, logger),
		steps.NewNotifier(nil, logger),
	)

	runner := worker.New(jobs, docs, registry, worker.Options{
		PollInterval:   cfg.Worker.PollInterval,
		MaxConcurrency: cfg.Worker.MaxConcurrency,
		Region:         cfg.Worker.Region,
		Logger:         logger,
		Metrics:        metrics,
	})
	janitor := worker.NewJanitor(jobs, docs, worker.JanitorOptions{
		Interval: cfg.Worker.JanitorInterval,
		Logger:   logger,
		Metrics:  metrics,
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		runner.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		janitor.Run(ctx)
	}()

	<-ctx.Done()
	slog.Info("worker shutting down")
	wg.Wait()
	slog.Info("worker stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
