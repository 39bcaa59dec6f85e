package pipeline

import (
	"fmt"
	"math"
	"time"
)

// JobStatus is the state of one job attempt chain.
//
// pending → running → {completed | retry | timeout | failed}
// retry   → pending  (re-enqueue once the backoff delay elapses)
// timeout → {retry | failed} (depending on remaining attempts)
//
// completed and failed are immutable once reached. A failed job may be
// re-created as a fresh job (new job ID) by an explicit retry action.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobRetry     JobStatus = "retry"
	JobTimeout   JobStatus = "timeout"
)

// Terminal reports whether no further automatic transition occurs.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// RetryPolicy configures per-job backoff and timeout behaviour.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	MaxDelay          time.Duration `json:"max_delay"`
	ExecTimeout       time.Duration `json:"exec_timeout"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
}

// DefaultRetryPolicy returns the stock policy: 3 attempts, 2s initial delay
// doubling up to 30s, 5m execution timeout, 30s heartbeat interval.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      2 * time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          30 * time.Second,
		ExecTimeout:       5 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Normalize fills zero fields from the default policy.
func (p *RetryPolicy) Normalize() {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = d.BackoffMultiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.ExecTimeout <= 0 {
		p.ExecTimeout = d.ExecTimeout
	}
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = d.HeartbeatInterval
	}
}

// Delay returns the backoff before re-enqueueing after the given attempt
// (1-based): initial * multiplier^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) || d < 0 {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// JobError is a structured failure record. Transient errors drive
// running → retry while attempts remain; permanent errors fail the job
// immediately regardless of remaining attempts.
type JobError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Transient bool           `json:"transient"`
	At        time.Time      `json:"at"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// TransientError builds a retryable failure (I/O, timeout, dependency down).
func TransientError(code, message string) *JobError {
	return &JobError{Code: code, Message: message, Transient: true, At: time.Now().UTC()}
}

// PermanentError builds a non-retryable failure (malformed input, unsupported
// feature, validation content error).
func PermanentError(code, message string) *JobError {
	return &JobError{Code: code, Message: message, At: time.Now().UTC()}
}

// WorkerInfo identifies the executor instance holding a running job.
// It is recorded at claim time and cleared when the job leaves running,
// so it doubles as the stale-job detection anchor.
type WorkerInfo struct {
	Instance  string    `json:"instance"`
	Version   string    `json:"version"`
	Region    string    `json:"region,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// JobInput is the immutable snapshot a step executes against, captured at job
// creation so a re-execution is deterministic and tolerates concurrent
// document mutation. Executors never read the live document.
type JobInput struct {
	DocID   string `json:"doc_id"`
	OwnerID string `json:"owner_id"`

	// Artifacts maps artifact kinds to storage keys produced by prior steps.
	Artifacts map[ArtifactKind]string `json:"artifacts,omitempty"`

	// Aux carries non-artifact storage keys threaded between steps
	// (extracted text, provisional tagged output).
	Aux map[string]string `json:"aux,omitempty"`

	Language   string `json:"language,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`

	// PendingReview tells the exporter to embed a review marker in every
	// generated artifact.
	PendingReview bool `json:"pending_review,omitempty"`

	// Config holds step-specific settings frozen at job creation.
	Config map[string]string `json:"config,omitempty"`
}

// StepCounters are the step-specific counters surfaced in the document's
// processing manifest.
type StepCounters struct {
	ElementsProcessed int `json:"elements_processed,omitempty"`
	FiguresProcessed  int `json:"figures_processed,omitempty"`
	TagsApplied       int `json:"tags_applied,omitempty"`
	IssuesFound       int `json:"issues_found,omitempty"`
	ExportsGenerated  int `json:"exports_generated,omitempty"`
}

// JobOutput is what a successful step attempt produced. It is written exactly
// once per successful attempt and overwritten by a successful retry.
type JobOutput struct {
	// Artifacts are document-level artifacts to publish (kind → storage key).
	Artifacts map[ArtifactKind]string `json:"artifacts,omitempty"`

	// Aux carries keys for the next step's input snapshot.
	Aux map[string]string `json:"aux,omitempty"`

	// Meta holds document metadata discovered during the step (structure
	// extraction fills title, page count, encryption flag).
	Meta *DocMetadata `json:"meta,omitempty"`

	Metrics  map[string]float64 `json:"metrics,omitempty"`
	Issues   []Issue            `json:"issues,omitempty"`
	Counters StepCounters       `json:"counters"`
}

// Result is the typed outcome a step executor returns across the component
// boundary. Executors never write to the stores directly — the job state
// machine serializes all mutations.
type Result struct {
	Output     *JobOutput `json:"output,omitempty"`
	Err        *JobError  `json:"error,omitempty"`
	Confidence *float64   `json:"confidence,omitempty"`
}

// OK reports whether the step succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Succeed builds a successful result.
func Succeed(out *JobOutput) Result {
	if out == nil {
		out = &JobOutput{}
	}
	return Result{Output: out}
}

// SucceedWithConfidence builds a successful result carrying a confidence
// score in [0,1].
func SucceedWithConfidence(out *JobOutput, confidence float64) Result {
	r := Succeed(out)
	r.Confidence = &confidence
	return r
}

// Fail builds a failed result.
func Fail(err *JobError) Result { return Result{Err: err} }

// Job is one attempt chain of a pipeline step against a document.
type Job struct {
	JobID    string    `json:"job_id"`
	DocID    string    `json:"doc_id"`
	Step     Step      `json:"step"`
	Status   JobStatus `json:"status"`
	Priority int       `json:"priority"`

	// Attempts starts at 0 and increments at each pending → running claim.
	// The value returned by a claim is the fencing token for that attempt.
	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	Input  JobInput    `json:"input"`
	Output *JobOutput  `json:"output,omitempty"`
	Error  *JobError   `json:"error,omitempty"`
	Policy RetryPolicy `json:"policy"`

	// Worker is set only while Status == running.
	Worker *WorkerInfo `json:"worker,omitempty"`

	ScheduledAt time.Time     `json:"scheduled_at"`
	HeartbeatAt time.Time     `json:"heartbeat_at,omitzero"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   time.Time     `json:"started_at,omitzero"`
	CompletedAt time.Time     `json:"completed_at,omitzero"`
	ExecTime    time.Duration `json:"exec_time,omitempty"`
}
