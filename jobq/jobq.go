// Package jobq is the durable job queue and state machine of the accesspipe
// pipeline, backed by SQLite.
//
// One row in pipeline_jobs is one attempt chain of a step against a document.
// A partial unique index on (doc_id, step) over non-terminal rows enforces
// the single-flight invariant: at most one live job per document step.
// Claims are atomic UPDATE…RETURNING statements, so concurrent workers race
// safely on the same pending row and exactly one wins.
//
// The attempts counter doubles as the fencing token: it increments on every
// pending → running claim, and Heartbeat/ReportResult are conditional on
// (status = running, attempts = fence). A stale worker's report therefore
// matches zero rows and is discarded — exactly-once effect despite
// at-least-once delivery.
//
// Schema (created by Init):
//
//	pipeline_jobs      — job rows, ms-since-epoch timestamps, JSON payloads
//	pipeline_job_logs  — append-only structured log entries per job
package jobq

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/doclens/accesspipe/dbopen"
	"github.com/doclens/accesspipe/idgen"
	"github.com/doclens/accesspipe/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_jobs (
    job_id                TEXT PRIMARY KEY,
    doc_id                TEXT NOT NULL,
    step                  TEXT NOT NULL,
    status                TEXT NOT NULL DEFAULT 'pending',
    priority              INTEGER NOT NULL DEFAULT 0,
    attempts              INTEGER NOT NULL DEFAULT 0,
    max_attempts          INTEGER NOT NULL DEFAULT 3,
    input                 TEXT NOT NULL DEFAULT '{}',
    output                TEXT,
    error                 TEXT,
    backoff_multiplier    REAL NOT NULL DEFAULT 2.0,
    initial_delay_ms      INTEGER NOT NULL DEFAULT 2000,
    max_delay_ms          INTEGER NOT NULL DEFAULT 30000,
    exec_timeout_ms       INTEGER NOT NULL DEFAULT 300000,
    heartbeat_interval_ms INTEGER NOT NULL DEFAULT 30000,
    worker                TEXT,
    scheduled_at          INTEGER NOT NULL DEFAULT 0,
    heartbeat_at          INTEGER,
    created_at            INTEGER NOT NULL,
    started_at            INTEGER,
    completed_at          INTEGER,
    exec_time_ms          INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active
    ON pipeline_jobs (doc_id, step) WHERE status NOT IN ('completed','failed');
CREATE INDEX IF NOT EXISTS idx_jobs_claim
    ON pipeline_jobs (status, scheduled_at, priority DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_doc ON pipeline_jobs (doc_id);

CREATE TABLE IF NOT EXISTS pipeline_job_logs (
    log_id  INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id  TEXT NOT NULL,
    ts      INTEGER NOT NULL,
    level   TEXT NOT NULL,
    message TEXT NOT NULL,
    fields  TEXT
);
CREATE INDEX IF NOT EXISTS idx_job_logs_job ON pipeline_job_logs (job_id, ts);
`

const jobColumns = `job_id, doc_id, step, status, priority, attempts, max_attempts,
    input, output, error, backoff_multiplier, initial_delay_ms, max_delay_ms,
    exec_timeout_ms, heartbeat_interval_ms, worker, scheduled_at, heartbeat_at,
    created_at, started_at, completed_at, exec_time_ms`

// Options configures a Store.
type Options struct {
	// DefaultPolicy applies to jobs created without an explicit policy.
	DefaultPolicy pipeline.RetryPolicy
	// NewID generates job IDs. Default: "job_" + UUIDv7.
	NewID idgen.Generator
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o *Options) defaults() {
	o.DefaultPolicy.Normalize()
	if o.NewID == nil {
		o.NewID = idgen.Prefixed("job_", idgen.Default)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Store is the job record store. It is the only component that performs
// job state transitions; executors and the document manager communicate
// through it, never with each other's in-memory state.
type Store struct {
	db   *sql.DB
	opts Options
}

// New creates a store handle. Call Init once at startup.
func New(db *sql.DB, opts Options) *Store {
	opts.defaults()
	return &Store{db: db, opts: opts}
}

// Init creates the job tables and indexes if they don't exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Create inserts a pending job for (docID, step) with the given input
// snapshot. Returns ErrDuplicateJob if a non-terminal job already exists for
// the pair. A nil policy uses the store default.
func (s *Store) Create(ctx context.Context, docID string, step pipeline.Step, input pipeline.JobInput, priority int, policy *pipeline.RetryPolicy) (*pipeline.Job, error) {
	if !step.Valid() {
		return nil, fmt.Errorf("jobq: create: %w: %q", ErrUnknownStep, step)
	}
	p := s.opts.DefaultPolicy
	if policy != nil {
		p = *policy
		p.Normalize()
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("jobq: create: marshal input: %w", err)
	}

	now := s.opts.Now()
	jobID := s.opts.NewID()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_jobs (
			job_id, doc_id, step, status, priority, max_attempts, input,
			backoff_multiplier, initial_delay_ms, max_delay_ms,
			exec_timeout_ms, heartbeat_interval_ms, scheduled_at, created_at
		) VALUES (?,?,?,'pending',?,?,?,?,?,?,?,?,?,?)`,
		jobID, docID, string(step), priority, p.MaxAttempts, string(inputJSON),
		p.BackoffMultiplier, p.InitialDelay.Milliseconds(), p.MaxDelay.Milliseconds(),
		p.ExecTimeout.Milliseconds(), p.HeartbeatInterval.Milliseconds(),
		now.UnixMilli(), now.UnixMilli(),
	)
	if dbopen.IsConstraint(err) {
		return nil, fmt.Errorf("jobq: create %s/%s: %w", docID, step, ErrDuplicateJob)
	}
	if err != nil {
		return nil, fmt.Errorf("jobq: create: %w", err)
	}

	s.opts.Logger.Info("jobq: job created",
		"job_id", jobID, "doc_id", docID, "step", step, "priority", priority)
	s.record(ctx, jobID, "info", "created",
		map[string]any{"step": string(step), "priority": priority})
	return s.Get(ctx, jobID)
}

// ClaimNext atomically picks the highest-priority pending job whose scheduled
// time has elapsed, transitions it to running, increments attempts, and
// records the claiming worker. Returns nil, nil when nothing is claimable.
//
// The returned job's Attempts value is the fencing token for this attempt.
func (s *Store) ClaimNext(ctx context.Context, w pipeline.WorkerInfo) (*pipeline.Job, error) {
	if w.StartedAt.IsZero() {
		w.StartedAt = s.opts.Now().UTC()
	}
	workerJSON, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("jobq: claim: marshal worker: %w", err)
	}

	now := s.opts.Now().UnixMilli()
	row := s.db.QueryRowContext(ctx, `
		UPDATE pipeline_jobs
		SET status = 'running', attempts = attempts + 1,
		    worker = ?, started_at = ?, heartbeat_at = ?
		WHERE job_id = (
			SELECT job_id FROM pipeline_jobs
			WHERE status = 'pending' AND scheduled_at <= ?
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
		) AND status = 'pending'
		RETURNING `+jobColumns,
		string(workerJSON), now, now, now,
	)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobq: claim: %w", err)
	}
	s.record(ctx, job.JobID, "info", "claimed",
		map[string]any{"attempt": job.Attempts, "worker": w.Instance})
	return job, nil
}

// Heartbeat refreshes the liveness stamp of a running attempt. Returns
// ErrStaleFence if the attempt is no longer the live one — the worker must
// abandon the execution, a reaper has already reclaimed the job.
func (s *Store) Heartbeat(ctx context.Context, jobID string, fence int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_jobs SET heartbeat_at = ?
		WHERE job_id = ? AND status = 'running' AND attempts = ?`,
		s.opts.Now().UnixMilli(), jobID, fence,
	)
	if err != nil {
		return fmt.Errorf("jobq: heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("jobq: heartbeat: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("jobq: heartbeat %s attempt %d: %w", jobID, fence, ErrStaleFence)
	}
	return nil
}

// Outcome is the applied transition of a result report.
type Outcome struct {
	// Applied is false when the report was stale (fence mismatch) and was
	// silently discarded.
	Applied bool
	// Job is the post-transition job state. Nil when the report was stale.
	Job *pipeline.Job
}

// ReportResult records a step executor's result for one attempt. It is
// idempotent on the fence: a report whose attempt number no longer matches
// the job's current attempt (stale worker, duplicate delivery) matches zero
// rows and is discarded with a log line, leaving job and document state
// untouched.
//
// Success drives running → completed (clearing error, writing output).
// A transient failure drives running → retry while attempts remain, else
// running → failed. A permanent failure drives running → failed immediately.
func (s *Store) ReportResult(ctx context.Context, jobID string, fence int, res pipeline.Result) (*Outcome, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	now := s.opts.Now()
	var row *sql.Row

	if res.OK() {
		out := res.Output
		if out == nil {
			out = &pipeline.JobOutput{}
		}
		outJSON, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("jobq: report: marshal output: %w", err)
		}
		execMs := int64(0)
		if !job.StartedAt.IsZero() {
			execMs = now.Sub(job.StartedAt).Milliseconds()
		}
		row = s.db.QueryRowContext(ctx, `
			UPDATE pipeline_jobs
			SET status = 'completed', output = ?, error = NULL,
			    worker = NULL, heartbeat_at = NULL, completed_at = ?, exec_time_ms = ?
			WHERE job_id = ? AND status = 'running' AND attempts = ?
			RETURNING `+jobColumns,
			string(outJSON), now.UnixMilli(), execMs, jobID, fence,
		)
	} else {
		errJSON, mErr := json.Marshal(res.Err)
		if mErr != nil {
			return nil, fmt.Errorf("jobq: report: marshal error: %w", mErr)
		}
		if res.Err.Transient && fence < job.MaxAttempts {
			delay := job.Policy.Delay(fence)
			row = s.db.QueryRowContext(ctx, `
				UPDATE pipeline_jobs
				SET status = 'retry', error = ?, worker = NULL, heartbeat_at = NULL,
				    scheduled_at = ?
				WHERE job_id = ? AND status = 'running' AND attempts = ?
				RETURNING `+jobColumns,
				string(errJSON), now.Add(delay).UnixMilli(), jobID, fence,
			)
		} else {
			row = s.db.QueryRowContext(ctx, `
				UPDATE pipeline_jobs
				SET status = 'failed', error = ?, worker = NULL, heartbeat_at = NULL,
				    completed_at = ?
				WHERE job_id = ? AND status = 'running' AND attempts = ?
				RETURNING `+jobColumns,
				string(errJSON), now.UnixMilli(), jobID, fence,
			)
		}
	}

	applied, err := scanJob(row)
	if err == sql.ErrNoRows {
		s.opts.Logger.Warn("jobq: stale result report discarded",
			"job_id", jobID, "fence", fence, "current_status", job.Status, "current_attempts", job.Attempts)
		s.record(ctx, jobID, "warn", "stale report discarded", map[string]any{"fence": fence})
		return &Outcome{Applied: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobq: report: %w", err)
	}

	s.opts.Logger.Info("jobq: job transition",
		"job_id", jobID, "doc_id", applied.DocID, "step", applied.Step,
		"status", applied.Status, "attempts", applied.Attempts)
	switch applied.Status {
	case pipeline.JobCompleted:
		s.record(ctx, jobID, "info", "completed",
			map[string]any{"exec_ms": applied.ExecTime.Milliseconds()})
	case pipeline.JobRetry:
		s.record(ctx, jobID, "warn", "retry scheduled",
			map[string]any{"code": res.Err.Code, "next_at": applied.ScheduledAt.UTC().Format(time.RFC3339)})
	case pipeline.JobFailed:
		s.record(ctx, jobID, "error", "failed",
			map[string]any{"code": res.Err.Code, "attempts": applied.Attempts})
	}
	return &Outcome{Applied: true, Job: applied}, nil
}

// Get returns one job by ID.
func (s *Store) Get(ctx context.Context, jobID string) (*pipeline.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM pipeline_jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("jobq: get %s: %w", jobID, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("jobq: get: %w", err)
	}
	return job, nil
}

// ByDoc returns all jobs for a document in creation order.
func (s *Store) ByDoc(ctx context.Context, docID string) ([]*pipeline.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM pipeline_jobs WHERE doc_id = ? ORDER BY created_at ASC`, docID)
	if err != nil {
		return nil, fmt.Errorf("jobq: by doc: %w", err)
	}
	defer rows.Close()

	var jobs []*pipeline.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("jobq: by doc: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteByDoc removes all jobs and job logs for a document. Part of the
// administrative cascade delete.
func (s *Store) DeleteByDoc(ctx context.Context, docID string) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM pipeline_job_logs WHERE job_id IN
				(SELECT job_id FROM pipeline_jobs WHERE doc_id = ?)`, docID); err != nil {
			return fmt.Errorf("jobq: delete logs: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pipeline_jobs WHERE doc_id = ?`, docID); err != nil {
			return fmt.Errorf("jobq: delete jobs: %w", err)
		}
		return nil
	})
}

// Depth returns the number of jobs per status, for queue-depth metrics.
func (s *Store) Depth(ctx context.Context) (map[pipeline.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM pipeline_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("jobq: depth: %w", err)
	}
	defer rows.Close()

	depth := make(map[pipeline.JobStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("jobq: depth: %w", err)
		}
		depth[pipeline.JobStatus(st)] = n
	}
	return depth, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*pipeline.Job, error) {
	var (
		j                             pipeline.Job
		step, status                  string
		inputJSON                     string
		outputJSON, errJSON, workJSON sql.NullString
		backoffMult                   float64
		initialMs, maxMs              int64
		timeoutMs, hbMs               int64
		schedAt, createdAt            int64
		hbAt, startAt, compAt, execMs sql.NullInt64
	)
	err := r.Scan(
		&j.JobID, &j.DocID, &step, &status, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&inputJSON, &outputJSON, &errJSON, &backoffMult, &initialMs, &maxMs,
		&timeoutMs, &hbMs, &workJSON, &schedAt, &hbAt,
		&createdAt, &startAt, &compAt, &execMs,
	)
	if err != nil {
		return nil, err
	}

	j.Step = pipeline.Step(step)
	j.Status = pipeline.JobStatus(status)
	j.Policy = pipeline.RetryPolicy{
		MaxAttempts:       j.MaxAttempts,
		InitialDelay:      time.Duration(initialMs) * time.Millisecond,
		BackoffMultiplier: backoffMult,
		MaxDelay:          time.Duration(maxMs) * time.Millisecond,
		ExecTimeout:       time.Duration(timeoutMs) * time.Millisecond,
		HeartbeatInterval: time.Duration(hbMs) * time.Millisecond,
	}
	j.ScheduledAt = time.UnixMilli(schedAt)
	j.CreatedAt = time.UnixMilli(createdAt)
	if hbAt.Valid {
		j.HeartbeatAt = time.UnixMilli(hbAt.Int64)
	}
	if startAt.Valid {
		j.StartedAt = time.UnixMilli(startAt.Int64)
	}
	if compAt.Valid {
		j.CompletedAt = time.UnixMilli(compAt.Int64)
	}
	if execMs.Valid {
		j.ExecTime = time.Duration(execMs.Int64) * time.Millisecond
	}

	if err := json.Unmarshal([]byte(inputJSON), &j.Input); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	if outputJSON.Valid {
		j.Output = &pipeline.JobOutput{}
		if err := json.Unmarshal([]byte(outputJSON.String), j.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	if errJSON.Valid {
		j.Error = &pipeline.JobError{}
		if err := json.Unmarshal([]byte(errJSON.String), j.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	if workJSON.Valid {
		j.Worker = &pipeline.WorkerInfo{}
		if err := json.Unmarshal([]byte(workJSON.String), j.Worker); err != nil {
			return nil, fmt.Errorf("unmarshal worker: %w", err)
		}
	}
	return &j, nil
}
