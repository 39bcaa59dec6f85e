package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/doclens/accesspipe/docstore"
	"github.com/doclens/accesspipe/jobq"
	"github.com/doclens/accesspipe/observability"
)

// JanitorOptions configures a Janitor.
type JanitorOptions struct {
	// Interval is the sweep cadence. Default: 5s.
	Interval time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Metrics receives queue-depth datapoints. Optional.
	Metrics *observability.MetricsManager
}

func (o *JanitorOptions) defaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Janitor is the queue maintenance loop: it re-enqueues retry jobs whose
// backoff elapsed, reaps timed-out running attempts, and folds attempts that
// timed out of their last try into their documents. Exactly one janitor
// should run per deployment; its statements are fenced, so an accidental
// second instance is safe, just wasteful.
type Janitor struct {
	jobs *jobq.Store
	docs *docstore.Manager
	opts JanitorOptions
}

// NewJanitor creates a janitor over the shared stores.
func NewJanitor(jobs *jobq.Store, docs *docstore.Manager, opts JanitorOptions) *Janitor {
	opts.defaults()
	return &Janitor{jobs: jobs, docs: docs, opts: opts}
}

// Run sweeps until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	log := j.opts.Logger
	log.Info("worker: janitor started", "interval", j.opts.Interval)

	ticker := time.NewTicker(j.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("worker: janitor stopped")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep performs one maintenance pass. Exported for tests and CLI drains.
func (j *Janitor) Sweep(ctx context.Context) {
	log := j.opts.Logger

	if n, err := j.jobs.Requeue(ctx); err != nil {
		if ctx.Err() == nil {
			log.Warn("worker: requeue failed", "error", err)
		}
	} else if n > 0 {
		log.Info("worker: retry jobs re-enqueued", "count", n)
	}

	failed, err := j.jobs.ReapTimeouts(ctx)
	if err != nil && ctx.Err() == nil {
		log.Warn("worker: timeout reap failed", "error", err)
	}
	for _, job := range failed {
		if err := j.docs.OnJobFailed(ctx, job); err != nil {
			log.Error("worker: document fold for reaped job failed",
				"job_id", job.JobID, "doc_id", job.DocID, "error", err)
		}
	}

	j.recordDepth(ctx)
}

func (j *Janitor) recordDepth(ctx context.Context) {
	if j.opts.Metrics == nil {
		return
	}
	depth, err := j.jobs.Depth(ctx)
	if err != nil {
		return
	}
	for status, n := range depth {
		j.opts.Metrics.Record(&observability.Metric{
			Name:      observability.MetricQueueDepth,
			Timestamp: time.Now(),
			Value:     float64(n),
			Labels:    map[string]string{"status": string(status)},
			Unit:      "count",
		})
	}
}
