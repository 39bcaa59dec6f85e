package jobq_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/doclens/accesspipe/dbopen"
	"github.com/doclens/accesspipe/jobq"
	"github.com/doclens/accesspipe/pipeline"
)

// clock is a controllable test clock.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newStore(t *testing.T, clk *clock) (*jobq.Store, *sql.DB) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s := jobq.New(db, jobq.Options{
		DefaultPolicy: pipeline.RetryPolicy{
			MaxAttempts:       3,
			InitialDelay:      2 * time.Second,
			BackoffMultiplier: 2,
			MaxDelay:          30 * time.Second,
			HeartbeatInterval: time.Second,
		},
		Now: clk.Now,
	})
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s, db
}

func worker(name string) pipeline.WorkerInfo {
	return pipeline.WorkerInfo{Instance: name, Version: "test"}
}

func input(docID string) pipeline.JobInput {
	return pipeline.JobInput{DocID: docID, OwnerID: "u1"}
}

func TestCreateAndDuplicate(t *testing.T) {
	clk := newClock()
	s, _ := newStore(t, clk)
	ctx := context.Background()

	job, err := s.Create(ctx, "d1", pipeline.StepStructure, input("d1"), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != pipeline.JobPending || job.Attempts != 0 {
		t.Fatalf("fresh job = %+v", job)
	}
	if job.MaxAttempts != 3 {
		t.Fatalf("got max attempts %d, want 3", job.MaxAttempts)
	}

	// Single-flight: a second live job for the same (doc, step) is refused.
	if _, err := s.Create(ctx, "d1", pipeline.StepStructure, input("d1"), 0, nil); !errors.Is(err, jobq.ErrDuplicateJob) {
		t.Fatalf("got %v, want ErrDuplicateJob", err)
	}

	// A different step on the same document is fine.
	if _, err := s.Create(ctx, "d1", pipeline.StepOCR, input("d1"), 0, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Create(ctx, "d1", pipeline.Step("bogus"), input("d1"), 0, nil); !errors.Is(err, jobq.ErrUnknownStep) {
		t.Fatalf("got %v, want ErrUnknownStep", err)
	}
}

func TestClaimOrderAndFence(t *testing.T) {
	clk := newClock()
	s, _ := newStore(t, clk)
	ctx := context.Background()

	if _, err := s.Create(ctx, "low", pipeline.StepStructure, input("low"), 0, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(ctx, "high", pipeline.StepStructure, input("high"), 5, nil); err != nil {
		t.Fatal(err)
	}

	job, err := s.ClaimNext(ctx, worker("w1"))
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.DocID != "high" {
		t.Fatalf("expected high-priority job first, got %+v", job)
	}
	if job.Status != pipeline.JobRunning || job.Attempts != 1 {
		t.Fatalf("claimed job = status %s attempts %d", job.Status, job.Attempts)
	}
	if job.Worker == nil || job.Worker.Instance != "w1" {
		t.Fatalf("worker not recorded: %+v", job.Worker)
	}

	if job, err = s.ClaimNext(ctx, worker("w1")); err != nil || job == nil || job.DocID != "low" {
		t.Fatalf("second claim = %+v, %v", job, err)
	}

	// Queue drained.
	if job, err = s.ClaimNext(ctx, worker("w1")); err != nil || job != nil {
		t.Fatalf("empty claim = %+v, %v", job, err)
	}
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	clk := newClock()
	s, _ := newStore(t, clk)
	ctx := context.Background()

	if _, err := s.Create(ctx, "d1", pipeline.StepStructure, input("d1"), 0, nil); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	claims := make(chan *pipeline.Job, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := s.ClaimNext(ctx, worker("w"))
			if err != nil {
				t.Error(err)
				return
			}
			if job != nil {
				claims <- job
			}
		}()
	}
	wg.Wait()
	close(claims)

	var won []*pipeline.Job
	for j := range claims {
		won = append(won, j)
	}
	if len(won) != 1 {
		t.Fatalf("got %d winners, want exactly 1", len(won))
	}
	if won[0].Attempts != 1 {
		t.Fatalf("winner attempts = %d, want 1", won[0].Attempts)
	}
}

func TestHeartbeatFencing(t *testing.T) {
	clk := newClock()
	s, _ := newStore(t, clk)
	ctx := context.Background()

	created, _ := s.Create(ctx, "d1", pipeline.StepStructure, input("d1"), 0, nil)
	job, err := s.ClaimNext(ctx, worker("w1"))
	if err != nil || job == nil {
		t.Fatal(err)
	}

	if err := s.Heartbeat(ctx, job.JobID, job.Attempts); err != nil {
		t.Fatal(err)
	}
	if err := s.Heartbeat(ctx, job.JobID, job.Attempts+1); !errors.Is(err, jobq.ErrStaleFence) {
		t.Fatalf("wrong fence: got %v, want ErrStaleFence", err)
	}
	if err := s.Heartbeat(ctx, created.JobID, 0); !errors.Is(err, jobq.ErrStaleFence) {
		t.Fatalf("fence 0: got %v, want ErrStaleFence", err)
	}
}

func TestReportSuccess(t *testing.T) {
	clk := newClock()
	s, _ := newStore(t, clk)
	ctx := context.Background()

	s.Create(ctx, "d1", pipeline.StepStructure, input("d1"), 0, nil)
	job, _ := s.ClaimNext(ctx, worker("w1"))

	clk.Advance(150 * time.Millisecond)
	out := &pipeline.JobOutput{
		Artifacts: map[pipeline.ArtifactKind]string{pipeline.ArtifactStructure: "d1/structure/structure.json"},
	}
	outcome, err := s.ReportResult(ctx, job.JobID, job.Attempts, pipeline.Succeed(out))
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Applied {
		t.Fatal("report should apply")
	}
	got := outcome.Job
	if got.Status != pipeline.JobCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Output == nil || got.Output.Artifacts[pipeline.ArtifactStructure] == "" {
		t.Fatalf("output not stored: %+v", got.Output)
	}
	if got.Worker != nil {
		t.Fatal("worker should be cleared on completion")
	}
	if got.ExecTime != 150*time.Millisecond {
		t.Fatalf("exec time = %v", got.ExecTime)
	}
	if got.CompletedAt.IsZero() {
		t.Fatal("completed_at not set")
	}
}

func TestReportTransientSchedulesBackoff(t *testing.T) {
	clk := newClock()
	s, _ := newStore(t, clk)
	ctx := context.Background()

	s.Create(ctx, "d1", pipeline.StepStructure, input("d1"), 0, nil)
	job, _ := s.ClaimNext(ctx, worker("w1"))

	outcome, err := s.ReportResult(ctx, job.JobID, job.Attempts,
		pipeline.Fail(pipeline.TransientError("io", "blob store down")))
	if err != nil {
		t.Fatal(err)
	}
	got := outcome.Job
	if got.Status != pipeline.JobRetry {
		t.Fatalf("status = %s, want retry", got.Status)
	}
	// First attempt: initial delay 2s.
	wantAt := clk.Now().Add(2 * time.Second)
	if !got.ScheduledAt.Equal(wantAt) {
		t.Fatalf("scheduled_at = %v, want %v", got.ScheduledAt, wantAt)
	}

	// Not claimable until requeued after the backoff.
	if j, _ := s.ClaimNext(ctx, worker("w1")); j != nil {
		t.Fatal("retry job should not be claimable")
	}
	if n, _ := s.Requeue(ctx); n != 0 {
		t.Fatal("backoff has not elapsed")
	}
	clk.Advance(2 * time.Second)
	n, err := s.Requeue(ctx)
	if err != nil || n != 1 {
		t.Fatalf("requeue = %d, %v", n, err)
	}

	job, _ = s.ClaimNext(ctx, worker("w2"))
	if job == nil || job.Attempts != 2 {
		t.Fatalf("reclaim = %+v", job)
	}
	// Second failure: delay doubles to 4s.
	outcome, _ = s.ReportResult(ctx, job.JobID, job.Attempts,
		pipeline.Fail(pipeline.TransientError("io", "still down")))
	wantAt = clk.Now().Add(4 * time.Second)
	if !outcome.Job.ScheduledAt.Equal(wantAt) {
		t.Fatalf("second backoff = %v, want %v", outcome.Job.ScheduledAt, wantAt)
	}
}

func TestRetryBoundExhaustsToFailed(t *testing.T) {
	clk := newClock()
	s, _ := newStore(t, clk)
	ctx := context.Background()

	s.Create(ctx, "d1", pipeline.StepStructure, input("d1"), 0, nil)

	var last *jobq.Outcome
	for attempt := 1; attempt <= 3; attempt++ {
		clk.Advance(time.Minute)
		if n, err := s.Requeue(ctx); err != nil {
			t.Fatal(err)
		} else if attempt > 1 && n != 1 {
			t.Fatalf("attempt %d: requeue = %d", attempt, n)
		}
		job, err := s.ClaimNext(ctx, worker("w1"))
		if err != nil || job == nil {
			t.Fatalf("attempt %d: claim = %+v, %v", attempt, job, err)
		}
		if job.Attempts != attempt {
			t.Fatalf("attempt %d: fence = %d", attempt, job.Attempts)
		}
		last, err = s.ReportResult(ctx, job.JobID, job.Attempts,
			pipeline.Fail(pipeline.TransientError("io", "flaky")))
		if err != nil {
			t.Fatal(err)
		}
	}

	// Third transient failure exhausts the budget.
	if last.Job.Status != pipeline.JobFailed {
		t.Fatalf("after 3 attempts status = %s, want failed", last.Job.Status)
	}
	clk.Advance(time.Hour)
	s.Requeue(ctx)
	if j, _ := s.ClaimNext(ctx, worker("w1")); j != nil {
		t.Fatalf("failed job resurrected: %+v", j)
	}
}

func TestReportPermanentFailsImmediately(t *testing.T) {
	clk := newClock()
	s, _ := newStore(t, clk)
	ctx := context.Background()

	s.Create(ctx, "d1", pipeline.StepStructure, input("d1"), 0, nil)
	job, _ := s.ClaimNext(ctx, worker("w1"))

	outcome, err := s.ReportResult(ctx, job.JobID, job.Attempts,
		pipeline.Fail(pipeline.PermanentError("encrypted_pdf", "password-protected")))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Job.Status != pipeline.JobFailed {
		t.Fatalf("status = %s, want failed on first permanent error", outcome.Job.Status)
	}
	if outcome.Job.Error == nil || outcome.Job.Error.Code != "encrypted_pdf" {
		t.Fatalf("error not stored: %+v", outcome.Job.Error)
	}
}

func TestStaleReportDiscarded(t *testing.T) {
	clk := newClock()
	s, _ := newStore(t, clk)
	ctx := context.Background()

	s.Create(ctx, "d1", pipeline.StepStructure, input("d1"), 0, nil)
	job1, _ := s.ClaimNext(ctx, worker("w1"))

	// Attempt 1 times out and is reclaimed as attempt 2.
	s.ReportResult(ctx, job1.JobID, job1.Attempts,
		pipeline.Fail(pipeline.TransientError("io", "slow")))
	clk.Advance(time.Minute)
	s.Requeue(ctx)
	job2, _ := s.ClaimNext(ctx, worker("w2"))
	if job2 == nil || job2.Attempts != 2 {
		t.Fatalf("reclaim = %+v", job2)
	}

	// The zombie attempt-1 worker reports success. Discarded.
	outcome, err := s.ReportResult(ctx, job1.JobID, job1.Attempts, pipeline.Succeed(nil))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Applied {
		t.Fatal("stale report must not apply")
	}

	cur, _ := s.Get(ctx, job1.JobID)
	if cur.Status != pipeline.JobRunning || cur.Attempts != 2 {
		t.Fatalf("job mutated by stale report: %+v", cur)
	}

	// The live attempt still completes normally.
	outcome, _ = s.ReportResult(ctx, job2.JobID, job2.Attempts, pipeline.Succeed(nil))
	if !outcome.Applied || outcome.Job.Status != pipeline.JobCompleted {
		t.Fatalf("live report = %+v", outcome)
	}
}

func TestReapTimeouts(t *testing.T) {
	clk := newClock()
	s, _ := newStore(t, clk)
	ctx := context.Background()

	s.Create(ctx, "d1", pipeline.StepStructure, input("d1"), 0, nil)
	job, _ := s.ClaimNext(ctx, worker("w1"))

	// Heartbeat interval is 1s; nothing to reap before it lapses.
	failed, err := s.ReapTimeouts(ctx)
	if err != nil || len(failed) != 0 {
		t.Fatalf("early reap = %v, %v", failed, err)
	}

	clk.Advance(3 * time.Second)
	failed, err = s.ReapTimeouts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 0 {
		t.Fatalf("attempt 1 of 3 should resolve to retry, got failures: %v", failed)
	}

	cur, _ := s.Get(ctx, job.JobID)
	if cur.Status != pipeline.JobRetry {
		t.Fatalf("status = %s, want retry", cur.Status)
	}
	if cur.Error == nil || cur.Error.Code != "heartbeat_timeout" {
		t.Fatalf("timeout not recorded: %+v", cur.Error)
	}
	if cur.Worker != nil {
		t.Fatal("worker should be cleared by the reaper")
	}

	// A heartbeat from the fenced-out attempt is refused.
	if err := s.Heartbeat(ctx, job.JobID, job.Attempts); !errors.Is(err, jobq.ErrStaleFence) {
		t.Fatalf("zombie heartbeat: got %v, want ErrStaleFence", err)
	}

	// Exhaust the remaining attempts through timeouts.
	for attempt := 2; attempt <= 3; attempt++ {
		clk.Advance(time.Minute)
		s.Requeue(ctx)
		if j, _ := s.ClaimNext(ctx, worker("w1")); j == nil {
			t.Fatalf("attempt %d not claimable", attempt)
		}
		clk.Advance(3 * time.Second)
		failed, err = s.ReapTimeouts(ctx)
		if err != nil {
			t.Fatal(err)
		}
	}
	if len(failed) != 1 || failed[0].JobID != job.JobID {
		t.Fatalf("final reap should terminally fail the job, got %v", failed)
	}
	if failed[0].Status != pipeline.JobFailed {
		t.Fatalf("status = %s", failed[0].Status)
	}
}

func TestRetryFailedCreatesFreshJob(t *testing.T) {
	clk := newClock()
	s, _ := newStore(t, clk)
	ctx := context.Background()

	if _, err := s.RetryFailed(ctx, "d1", pipeline.StepValidator); !errors.Is(err, jobq.ErrNoFailedJob) {
		t.Fatalf("got %v, want ErrNoFailedJob", err)
	}

	in := input("d1")
	in.Language = "fr"
	s.Create(ctx, "d1", pipeline.StepValidator, in, 2, nil)
	job, _ := s.ClaimNext(ctx, worker("w1"))
	s.ReportResult(ctx, job.JobID, job.Attempts,
		pipeline.Fail(pipeline.PermanentError("validation_failed", "missing alt text")))

	fresh, err := s.RetryFailed(ctx, "d1", pipeline.StepValidator)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.JobID == job.JobID {
		t.Fatal("retry must create a fresh job, not resurrect the old one")
	}
	if fresh.Status != pipeline.JobPending || fresh.Attempts != 0 {
		t.Fatalf("fresh job = %+v", fresh)
	}
	if fresh.Input.Language != "fr" || fresh.Priority != 2 {
		t.Fatalf("input snapshot not carried: %+v", fresh)
	}

	// Old record is untouched.
	old, _ := s.Get(ctx, job.JobID)
	if old.Status != pipeline.JobFailed {
		t.Fatalf("old job = %s", old.Status)
	}
}

func TestByDocAndDelete(t *testing.T) {
	clk := newClock()
	s, _ := newStore(t, clk)
	ctx := context.Background()

	s.Create(ctx, "d1", pipeline.StepStructure, input("d1"), 0, nil)
	clk.Advance(time.Millisecond)
	s.Create(ctx, "d1", pipeline.StepOCR, input("d1"), 0, nil)
	s.Create(ctx, "d2", pipeline.StepStructure, input("d2"), 0, nil)

	jobs, err := s.ByDoc(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 || jobs[0].Step != pipeline.StepStructure || jobs[1].Step != pipeline.StepOCR {
		t.Fatalf("by doc = %+v", jobs)
	}

	loggedID := jobs[0].JobID
	if err := s.AppendLog(ctx, loggedID, "info", "started", nil); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteByDoc(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	if jobs, _ = s.ByDoc(ctx, "d1"); len(jobs) != 0 {
		t.Fatalf("jobs survived delete: %v", jobs)
	}
	if logs, _ := s.Logs(ctx, loggedID); len(logs) != 0 {
		t.Fatalf("logs survived delete: %v", logs)
	}
	// Other documents untouched.
	if jobs, _ = s.ByDoc(ctx, "d2"); len(jobs) != 1 {
		t.Fatalf("d2 jobs = %v", jobs)
	}
}

func TestJobLogs(t *testing.T) {
	clk := newClock()
	s, _ := newStore(t, clk)
	ctx := context.Background()

	job, _ := s.Create(ctx, "d1", pipeline.StepTagger, input("d1"), 0, nil)

	if err := s.AppendLog(ctx, job.JobID, "info", "tagging started", map[string]any{"figures": 3}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendLog(ctx, job.JobID, "warn", "engine slow", nil); err != nil {
		t.Fatal(err)
	}

	logs, err := s.Logs(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	// Creation wrote the first entry itself.
	if len(logs) != 3 || logs[0].Message != "created" {
		t.Fatalf("logs = %+v", logs)
	}
	if logs[1].Message != "tagging started" || logs[2].Level != "warn" {
		t.Fatalf("logs = %+v", logs)
	}
	if logs[1].Fields["figures"] != float64(3) {
		t.Fatalf("fields = %+v", logs[1].Fields)
	}
}

func TestTransitionLogTrail(t *testing.T) {
	clk := newClock()
	s, _ := newStore(t, clk)
	ctx := context.Background()

	job, err := s.Create(ctx, "d1", pipeline.StepOCR, input("d1"), 1, nil)
	if err != nil {
		t.Fatal(err)
	}

	c1, err := s.ClaimNext(ctx, worker("w1"))
	if err != nil || c1 == nil {
		t.Fatalf("claim = %v, %v", c1, err)
	}
	if _, err := s.ReportResult(ctx, c1.JobID, c1.Attempts,
		pipeline.Fail(pipeline.TransientError("ocr_unreachable", "engine down"))); err != nil {
		t.Fatal(err)
	}

	clk.Advance(time.Minute)
	if _, err := s.Requeue(ctx); err != nil {
		t.Fatal(err)
	}
	c2, err := s.ClaimNext(ctx, worker("w2"))
	if err != nil || c2 == nil {
		t.Fatalf("claim = %v, %v", c2, err)
	}
	clk.Advance(150 * time.Millisecond)
	if _, err := s.ReportResult(ctx, c2.JobID, c2.Attempts, pipeline.Succeed(nil)); err != nil {
		t.Fatal(err)
	}

	// A late duplicate delivery of the first attempt is discarded but leaves
	// a trace.
	out, err := s.ReportResult(ctx, job.JobID, c1.Attempts, pipeline.Succeed(nil))
	if err != nil {
		t.Fatal(err)
	}
	if out.Applied {
		t.Fatal("stale report applied")
	}

	logs, err := s.Logs(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"created", "claimed", "retry scheduled", "claimed", "completed", "stale report discarded"}
	if len(logs) != len(want) {
		t.Fatalf("got %d logs: %+v", len(logs), logs)
	}
	for i, msg := range want {
		if logs[i].Message != msg {
			t.Errorf("logs[%d] = %q, want %q", i, logs[i].Message, msg)
		}
	}
	if logs[1].Fields["worker"] != "w1" || logs[1].Fields["attempt"] != float64(1) {
		t.Fatalf("claim fields = %+v", logs[1].Fields)
	}
	if logs[2].Fields["code"] != "ocr_unreachable" {
		t.Fatalf("retry fields = %+v", logs[2].Fields)
	}
	if logs[3].Fields["worker"] != "w2" || logs[3].Fields["attempt"] != float64(2) {
		t.Fatalf("claim fields = %+v", logs[3].Fields)
	}
	if logs[4].Fields["exec_ms"] != float64(150) {
		t.Fatalf("completion fields = %+v", logs[4].Fields)
	}
	if logs[5].Fields["fence"] != float64(1) {
		t.Fatalf("stale fields = %+v", logs[5].Fields)
	}
}

func TestReapWritesTimeoutLog(t *testing.T) {
	clk := newClock()
	s, _ := newStore(t, clk)
	ctx := context.Background()

	job, err := s.Create(ctx, "d1", pipeline.StepStructure, input("d1"), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNext(ctx, worker("w1")); err != nil {
		t.Fatal(err)
	}

	clk.Advance(3 * time.Second)
	if _, err := s.ReapTimeouts(ctx); err != nil {
		t.Fatal(err)
	}

	logs, err := s.Logs(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) == 0 {
		t.Fatal("no logs written")
	}
	last := logs[len(logs)-1]
	if last.Message != "timed out" || last.Level != "warn" {
		t.Fatalf("last log = %+v", last)
	}
	if last.Fields["resolution"] != "retry" || last.Fields["attempt"] != float64(1) {
		t.Fatalf("fields = %+v", last.Fields)
	}
}

func TestDepth(t *testing.T) {
	clk := newClock()
	s, _ := newStore(t, clk)
	ctx := context.Background()

	s.Create(ctx, "d1", pipeline.StepStructure, input("d1"), 0, nil)
	s.Create(ctx, "d2", pipeline.StepStructure, input("d2"), 0, nil)
	s.ClaimNext(ctx, worker("w1"))

	depth, err := s.Depth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if depth[pipeline.JobPending] != 1 || depth[pipeline.JobRunning] != 1 {
		t.Fatalf("depth = %v", depth)
	}
}
