// Package worker drives the pipeline: the Runner polls the job queue, runs
// step executors with bounded concurrency and per-attempt heartbeating, and
// feeds applied transitions into the document aggregate manager. The Janitor
// re-enqueues backed-off retries and reaps timed-out attempts.
//
// Both loops block until their context is cancelled and drain in-flight work
// before returning.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/doclens/accesspipe/docstore"
	"github.com/doclens/accesspipe/jobq"
	"github.com/doclens/accesspipe/observability"
	"github.com/doclens/accesspipe/pipeline"
	"github.com/doclens/accesspipe/steps"
)

// Options configures a Runner.
type Options struct {
	// Instance identifies this worker process. Default: hostname-pid.
	Instance string
	// Version is recorded on claimed jobs.
	Version string
	// Region is recorded on claimed jobs. Optional.
	Region string
	// PollInterval is the claim polling cadence. Default: 500ms.
	PollInterval time.Duration
	// MaxConcurrency bounds simultaneously executing jobs. Default: 4.
	MaxConcurrency int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Metrics receives job throughput and duration datapoints. Optional.
	Metrics *observability.MetricsManager
}

func (o *Options) defaults() {
	if o.Instance == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		o.Instance = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 4
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Runner claims and executes pipeline jobs.
type Runner struct {
	jobs *jobq.Store
	docs *docstore.Manager
	reg  *steps.Registry
	opts Options
}

// New creates a runner over the shared stores and executor registry.
func New(jobs *jobq.Store, docs *docstore.Manager, reg *steps.Registry, opts Options) *Runner {
	opts.defaults()
	return &Runner{jobs: jobs, docs: docs, reg: reg, opts: opts}
}

// Run polls for claimable jobs and executes them with bounded concurrency
// until ctx is cancelled, then drains in-flight executions.
func (r *Runner) Run(ctx context.Context) {
	log := r.opts.Logger
	log.Info("worker: runner started",
		"instance", r.opts.Instance,
		"max_concurrency", r.opts.MaxConcurrency,
		"poll", r.opts.PollInterval)

	sem := make(chan struct{}, r.opts.MaxConcurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("worker: runner stopping, draining in-flight jobs", "instance", r.opts.Instance)
			wg.Wait()
			log.Info("worker: runner stopped", "instance", r.opts.Instance)
			return
		case <-ticker.C:
			for {
				// Acquire a slot before claiming so a claimed job never
				// waits unheartbeaten behind the semaphore.
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					wg.Wait()
					return
				}

				job, err := r.jobs.ClaimNext(ctx, r.workerInfo())
				if err != nil {
					<-sem
					if ctx.Err() == nil {
						log.Warn("worker: claim failed", "error", err)
					}
					break
				}
				if job == nil {
					<-sem
					break // queue drained
				}

				wg.Add(1)
				go func() {
					defer wg.Done()
					defer func() { <-sem }()
					r.runJob(ctx, job)
				}()
			}
		}
	}
}

// RunOnce claims and executes at most one job, synchronously. Returns false
// when nothing was claimable. Intended for tests and CLI drains.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	job, err := r.jobs.ClaimNext(ctx, r.workerInfo())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	r.runJob(ctx, job)
	return true, nil
}

func (r *Runner) workerInfo() pipeline.WorkerInfo {
	return pipeline.WorkerInfo{
		Instance: r.opts.Instance,
		Version:  r.opts.Version,
		Region:   r.opts.Region,
	}
}

// runJob executes one claimed attempt end to end: heartbeat goroutine, the
// executor under its execution timeout, the fenced result report, and the
// document fold for applied terminal transitions.
func (r *Runner) runJob(ctx context.Context, job *pipeline.Job) {
	log := r.opts.Logger.With(
		"job_id", job.JobID, "doc_id", job.DocID, "step", job.Step, "attempt", job.Attempts)
	fence := job.Attempts
	start := time.Now()

	exec, ok := r.reg.Lookup(job.Step)
	if !ok {
		log.Error("worker: no executor registered for step")
		r.report(ctx, job, fence, pipeline.Fail(
			pipeline.PermanentError("no_executor", fmt.Sprintf("no executor registered for step %q", job.Step))))
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, job.Policy.ExecTimeout)
	defer cancel()

	// Heartbeat while the executor runs. A stale fence means a reaper
	// already reclaimed this attempt: abandon the execution, its report
	// would be discarded anyway.
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		interval := job.Policy.HeartbeatInterval / 3
		if interval <= 0 {
			interval = time.Second
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-execCtx.Done():
				return
			case <-t.C:
				if err := r.jobs.Heartbeat(ctx, job.JobID, fence); err != nil {
					if errors.Is(err, jobq.ErrStaleFence) {
						log.Warn("worker: attempt fenced out, abandoning execution")
						cancel()
						return
					}
					log.Warn("worker: heartbeat failed", "error", err)
				}
			}
		}
	}()

	res := exec.Execute(execCtx, job.Input)
	cancel()
	<-hbDone

	// An executor that swallowed the deadline still gets a retryable
	// timeout failure instead of a bogus success.
	if res.OK() && execCtx.Err() == context.DeadlineExceeded {
		res = pipeline.Fail(pipeline.TransientError("exec_timeout", "execution deadline exceeded"))
	}

	r.report(ctx, job, fence, res)

	if r.opts.Metrics != nil {
		r.opts.Metrics.Record(&observability.Metric{
			Name:      observability.MetricJobDurationMs,
			Timestamp: time.Now(),
			Value:     float64(time.Since(start).Milliseconds()),
			Labels:    map[string]string{"step": string(job.Step)},
			Unit:      "milliseconds",
		})
	}
}

// report applies the result through the job state machine, then folds applied
// terminal transitions into the document aggregate.
func (r *Runner) report(ctx context.Context, job *pipeline.Job, fence int, res pipeline.Result) {
	log := r.opts.Logger

	outcome, err := r.jobs.ReportResult(ctx, job.JobID, fence, res)
	if err != nil {
		log.Error("worker: result report failed", "job_id", job.JobID, "error", err)
		return
	}
	if !outcome.Applied {
		return // stale attempt, discarded
	}

	switch outcome.Job.Status {
	case pipeline.JobCompleted:
		if _, err := r.docs.OnJobCompleted(ctx, outcome.Job, res.Confidence); err != nil {
			log.Error("worker: document fold failed",
				"job_id", job.JobID, "doc_id", job.DocID, "error", err)
		}
		r.count(observability.MetricJobsProcessed, job.Step)
	case pipeline.JobFailed:
		if err := r.docs.OnJobFailed(ctx, outcome.Job); err != nil {
			log.Error("worker: document fold failed",
				"job_id", job.JobID, "doc_id", job.DocID, "error", err)
		}
		r.count(observability.MetricJobsFailed, job.Step)
	case pipeline.JobRetry:
		log.Info("worker: attempt will retry",
			"job_id", job.JobID, "attempt", fence, "next_at", outcome.Job.ScheduledAt)
	}
}

func (r *Runner) count(metric string, step pipeline.Step) {
	if r.opts.Metrics == nil {
		return
	}
	r.opts.Metrics.Record(&observability.Metric{
		Name:      metric,
		Timestamp: time.Now(),
		Value:     1,
		Labels:    map[string]string{"step": string(step)},
		Unit:      "count",
	})
}
