package jobq

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doclens/accesspipe/pipeline"
)

// Requeue flips retry jobs whose backoff delay has elapsed back to pending,
// making them claimable again. Returns the number of jobs re-enqueued.
func (s *Store) Requeue(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_jobs SET status = 'pending'
		WHERE status = 'retry' AND scheduled_at <= ?`,
		s.opts.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("jobq: requeue: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ReapTimeouts finds running jobs whose heartbeat lapsed (or whose execution
// timeout expired), records the timeout transition on each, and resolves it
// to retry or failed depending on remaining attempts. A running job is never
// silently overwritten: the timeout is observed and recorded first, so a
// stale worker's later report fails the fence check.
//
// Returns the jobs that terminally failed, so the caller can fold them into
// their documents.
func (s *Store) ReapTimeouts(ctx context.Context) ([]*pipeline.Job, error) {
	now := s.opts.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, attempts FROM pipeline_jobs
		WHERE status = 'running' AND (
			heartbeat_at + heartbeat_interval_ms < ?
			OR started_at + exec_timeout_ms < ?
		)`,
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("jobq: reap: %w", err)
	}

	type stale struct {
		jobID string
		fence int
	}
	var candidates []stale
	for rows.Next() {
		var c stale
		if err := rows.Scan(&c.jobID, &c.fence); err != nil {
			rows.Close()
			return nil, fmt.Errorf("jobq: reap: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobq: reap: %w", err)
	}

	var failed []*pipeline.Job
	for _, c := range candidates {
		job, err := s.reapOne(ctx, c.jobID, c.fence, now)
		if err != nil {
			return failed, err
		}
		if job != nil && job.Status == pipeline.JobFailed {
			failed = append(failed, job)
		}
	}
	return failed, nil
}

func (s *Store) reapOne(ctx context.Context, jobID string, fence int, now time.Time) (*pipeline.Job, error) {
	timeoutErr := pipeline.TransientError("heartbeat_timeout",
		fmt.Sprintf("no heartbeat for attempt %d", fence))
	errJSON, err := json.Marshal(timeoutErr)
	if err != nil {
		return nil, fmt.Errorf("jobq: reap: marshal: %w", err)
	}

	// Record the timeout first. Fenced: if the worker reported in the
	// meantime, this matches nothing and the job is left alone.
	row := s.db.QueryRowContext(ctx, `
		UPDATE pipeline_jobs
		SET status = 'timeout', error = ?, worker = NULL, heartbeat_at = NULL
		WHERE job_id = ? AND status = 'running' AND attempts = ?
		RETURNING `+jobColumns,
		string(errJSON), jobID, fence,
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobq: reap: %w", err)
	}

	s.opts.Logger.Warn("jobq: job timed out",
		"job_id", jobID, "doc_id", job.DocID, "step", job.Step, "attempts", job.Attempts)

	// timeout always resolves to retry or failed.
	if job.Attempts < job.MaxAttempts {
		delay := job.Policy.Delay(job.Attempts)
		row = s.db.QueryRowContext(ctx, `
			UPDATE pipeline_jobs SET status = 'retry', scheduled_at = ?
			WHERE job_id = ? AND status = 'timeout'
			RETURNING `+jobColumns,
			now.Add(delay).UnixMilli(), jobID,
		)
	} else {
		row = s.db.QueryRowContext(ctx, `
			UPDATE pipeline_jobs SET status = 'failed', completed_at = ?
			WHERE job_id = ? AND status = 'timeout'
			RETURNING `+jobColumns,
			now.UnixMilli(), jobID,
		)
	}
	resolved, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobq: reap: %w", err)
	}
	s.record(ctx, jobID, "warn", "timed out",
		map[string]any{"attempt": fence, "resolution": string(resolved.Status)})
	return resolved, nil
}

// RetryFailed re-creates a terminally failed (docID, step) job as a fresh job
// with a new ID and the same input snapshot, priority and policy. Attempts
// are never resurrected on the exhausted record. Returns ErrNoFailedJob if
// the pair has no failed job, ErrDuplicateJob if a live job already exists.
func (s *Store) RetryFailed(ctx context.Context, docID string, step pipeline.Step) (*pipeline.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM pipeline_jobs
		WHERE doc_id = ? AND step = ? AND status = 'failed'
		ORDER BY created_at DESC LIMIT 1`,
		docID, string(step),
	)
	prev, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("jobq: retry %s/%s: %w", docID, step, ErrNoFailedJob)
	}
	if err != nil {
		return nil, fmt.Errorf("jobq: retry: %w", err)
	}

	job, err := s.Create(ctx, docID, step, prev.Input, prev.Priority, &prev.Policy)
	if err != nil {
		return nil, err
	}
	s.opts.Logger.Info("jobq: failed job re-created",
		"doc_id", docID, "step", step, "old_job_id", prev.JobID, "new_job_id", job.JobID)
	s.record(ctx, job.JobID, "info", "re-created after failure",
		map[string]any{"previous_job_id": prev.JobID})
	return job, nil
}
