// Command accesspipe is the HTTP API of the accessibility pipeline: document
// upload and lifecycle, review actions, signed artifact downloads, and
// health. Processing itself happens in accesspipe-worker.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/doclens/accesspipe/artifact"
	"github.com/doclens/accesspipe/config"
	"github.com/doclens/accesspipe/dbopen"
	"github.com/doclens/accesspipe/docstore"
	"github.com/doclens/accesspipe/jobq"
	"github.com/doclens/accesspipe/observability"
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
	events := observability.NewEventLogger(obsDB)

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

	api := &apiServer{
		docs:  docs,
		jobs:  jobs,
		blobs: blobs,
		obsDB: obsDB,
		db:    db,
	}

	r := chi.NewRouter()
	api.routes(r)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
