package jobq

import "errors"

// ErrDuplicateJob is returned when a non-terminal job already exists for the
// (document, step) pair. Expected and non-fatal: the caller treats it as a
// no-op.
var ErrDuplicateJob = errors.New("jobq: duplicate job")

// ErrJobNotFound is returned when a job ID does not exist.
var ErrJobNotFound = errors.New("jobq: job not found")

// ErrStaleFence is returned when a heartbeat carries an attempt number that
// is no longer the live one. The worker must abandon the execution.
var ErrStaleFence = errors.New("jobq: stale fence")

// ErrUnknownStep is returned for a step name outside the pipeline order.
var ErrUnknownStep = errors.New("jobq: unknown step")

// ErrNoFailedJob is returned by RetryFailed when the (document, step) pair
// has no terminally failed job to re-create.
var ErrNoFailedJob = errors.New("jobq: no failed job")
