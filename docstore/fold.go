package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/doclens/accesspipe/dbopen"
	"github.com/doclens/accesspipe/jobq"
	"github.com/doclens/accesspipe/pipeline"
	"github.com/doclens/accesspipe/review"
)

// OnJobCompleted folds a completed job into its document and schedules the
// next pipeline step. confidence is the executor's self-reported score for
// this attempt, nil for deterministic steps; nil from a generative step is
// treated as zero and forces high-priority review.
//
// Folding is monotonic and idempotent: output artifacts only add or overwrite
// keys, and a re-delivered completion for a step already folded as completed
// is a no-op. Returns the next step's job, or nil after the final step.
func (m *Manager) OnJobCompleted(ctx context.Context, job *pipeline.Job, confidence *float64) (*pipeline.Job, error) {
	if job.Status != pipeline.JobCompleted {
		return nil, fmt.Errorf("docstore: fold completion of %s job %s", job.Status, job.JobID)
	}

	var (
		doc       *pipeline.Document
		duplicate bool
		newlyFlag bool
		finished  bool
	)
	err := dbopen.RunTx(ctx, m.db, func(tx *sql.Tx) error {
		duplicate, newlyFlag, finished = false, false, false

		var err error
		doc, err = getTx(ctx, tx, job.DocID)
		if err != nil {
			return err
		}
		if prev, ok := doc.AI.Manifest[job.Step]; ok && prev.Status == pipeline.JobCompleted {
			duplicate = true
			return nil
		}

		// A generative step completing without a confidence score violates
		// the executor contract; score it zero so the document routes to
		// high-priority review instead of bypassing it.
		if confidence == nil && job.Step.Generative() {
			confidence = new(float64)
		}

		out := job.Output
		if out == nil {
			out = &pipeline.JobOutput{}
		}

		for kind, key := range out.Artifacts {
			if doc.Artifacts == nil {
				doc.Artifacts = make(map[pipeline.ArtifactKind]string)
			}
			doc.Artifacts[kind] = key
		}
		for k, v := range out.Aux {
			if doc.AI.Aux == nil {
				doc.AI.Aux = make(map[string]string)
			}
			doc.AI.Aux[k] = v
		}
		if out.Meta != nil {
			doc.Metadata.Merge(*out.Meta)
		}

		if doc.AI.Manifest == nil {
			doc.AI.Manifest = make(map[pipeline.Step]pipeline.StepResult)
		}
		doc.AI.Manifest[job.Step] = pipeline.StepResult{
			Status:       pipeline.JobCompleted,
			StartedAt:    job.StartedAt,
			CompletedAt:  job.CompletedAt,
			ProcessingMs: job.ExecTime.Milliseconds(),
			Confidence:   confidence,
			Counters:     out.Counters,
		}

		if confidence != nil {
			if doc.AI.Confidence == nil {
				doc.AI.Confidence = make(map[pipeline.Step]float64)
			}
			doc.AI.Confidence[job.Step] = *confidence

			d := review.Decide(job.Step, *confidence, m.opts.ConfidenceThreshold)
			if d.NeedsReview {
				if !doc.AI.NeedsHumanReview {
					newlyFlag = true
				}
				doc.AI.NeedsHumanReview = true
				doc.AI.ReviewPriority = pipeline.Escalate(doc.AI.ReviewPriority, d.Priority)
			}
		}

		if job.Step == pipeline.StepValidator {
			doc.Issues = out.Issues
			doc.Scores = computeScores(doc, out)
		}

		if _, ok := job.Step.Next(); !ok {
			doc.Status = pipeline.DocCompleted
			doc.ErrorMessage = ""
			finished = true
		}

		doc.UpdatedAt = m.opts.Now()
		return updateTx(ctx, tx, doc)
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		m.opts.Logger.Warn("docstore: duplicate completion ignored",
			"doc_id", job.DocID, "step", job.Step, "job_id", job.JobID)
		return nil, nil
	}

	if newlyFlag {
		m.opts.Logger.Info("docstore: document flagged for review",
			"doc_id", doc.DocID, "step", job.Step, "priority", doc.AI.ReviewPriority)
		m.event(ctx, doc.DocID, doc.OwnerID, "review_flagged", true,
			fmt.Sprintf(`{"step":%q,"priority":%q}`, job.Step, doc.AI.ReviewPriority))
	}
	if finished {
		m.opts.Logger.Info("docstore: document completed",
			"doc_id", doc.DocID, "needs_review", doc.AI.NeedsHumanReview)
		m.event(ctx, doc.DocID, doc.OwnerID, "document_completed", true, "")
		return nil, nil
	}

	next, _ := job.Step.Next()
	nextJob, err := m.jobs.Create(ctx, job.DocID, next, m.buildInput(doc), doc.Metadata.Priority, &job.Policy)
	if errors.Is(err, jobq.ErrDuplicateJob) {
		// A concurrent fold already scheduled it.
		m.opts.Logger.Warn("docstore: next step already scheduled",
			"doc_id", job.DocID, "step", next)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return nextJob, nil
}

// OnJobFailed folds a terminally failed job into its document. The document
// lands in a step-specific terminal state, retaining every artifact produced
// by the steps that did complete.
func (m *Manager) OnJobFailed(ctx context.Context, job *pipeline.Job) error {
	if job.Status != pipeline.JobFailed {
		return fmt.Errorf("docstore: fold failure of %s job %s", job.Status, job.JobID)
	}

	var doc *pipeline.Document
	err := dbopen.RunTx(ctx, m.db, func(tx *sql.Tx) error {
		var err error
		doc, err = getTx(ctx, tx, job.DocID)
		if err != nil {
			return err
		}

		errMsg := "step failed"
		if job.Error != nil {
			errMsg = job.Error.Error()
		}

		if doc.AI.Manifest == nil {
			doc.AI.Manifest = make(map[pipeline.Step]pipeline.StepResult)
		}
		doc.AI.Manifest[job.Step] = pipeline.StepResult{
			Status:       pipeline.JobFailed,
			StartedAt:    job.StartedAt,
			CompletedAt:  job.CompletedAt,
			ErrorMessage: errMsg,
		}

		switch job.Step {
		case pipeline.StepValidator:
			doc.Status = pipeline.DocValidationFailed
			if issues := issuesFromError(job.Error); len(issues) > 0 {
				doc.Issues = issues
				doc.Scores = computeScores(doc, &pipeline.JobOutput{Issues: issues})
			}
		case pipeline.StepNotifier:
			doc.Status = pipeline.DocNotificationFailed
		default:
			doc.Status = pipeline.DocFailed
		}
		doc.ErrorMessage = errMsg
		doc.UpdatedAt = m.opts.Now()
		return updateTx(ctx, tx, doc)
	})
	if err != nil {
		return err
	}

	m.opts.Logger.Error("docstore: document failed",
		"doc_id", doc.DocID, "step", job.Step, "status", doc.Status, "error", doc.ErrorMessage)
	m.event(ctx, doc.DocID, doc.OwnerID, "document_failed", false,
		fmt.Sprintf(`{"step":%q,"status":%q}`, job.Step, doc.Status))
	return nil
}

// issuesFromError recovers the validator's findings from a permanent
// JobError's details. The details map round-trips through JSON, so the issue
// list needs a re-decode.
func issuesFromError(jerr *pipeline.JobError) []pipeline.Issue {
	if jerr == nil || jerr.Details == nil {
		return nil
	}
	raw, ok := jerr.Details["issues"]
	if !ok {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var issues []pipeline.Issue
	if err := json.Unmarshal(b, &issues); err != nil {
		return nil
	}
	return issues
}

// computeScores derives document-level accessibility scores from the full
// issue list and the validator's metrics.
//
// Validation starts at 100 and pays 10 per error, 3 per warning, 1 per info
// finding (weighted by Count), floored at 0. WCAG level is AA for a clean
// high-scoring document, A when errors are absent, empty otherwise.
func computeScores(doc *pipeline.Document, out *pipeline.JobOutput) *pipeline.Scores {
	s := &pipeline.Scores{}

	penalty := 0.0
	for _, is := range doc.Issues {
		n := is.Count
		if n < 1 {
			n = 1
		}
		switch is.Severity {
		case pipeline.SeverityError:
			penalty += 10 * float64(n)
		case pipeline.SeverityWarning:
			penalty += 3 * float64(n)
		default:
			penalty += float64(n)
		}
	}
	s.Validation = 100 - penalty
	if s.Validation < 0 {
		s.Validation = 0
	}

	switch {
	case !pipeline.HasErrors(doc.Issues) && s.Validation >= 95:
		s.WCAGLevel = "AA"
	case !pipeline.HasErrors(doc.Issues):
		s.WCAGLevel = "A"
	}

	if v, ok := out.Metrics["structure_score"]; ok {
		s.Structure = v
	} else if c, ok := doc.AI.Confidence[pipeline.StepStructure]; ok {
		s.Structure = c * 100
	} else {
		s.Structure = s.Validation
	}

	if v, ok := out.Metrics["alt_text_coverage"]; ok {
		s.AltTextCoverage = v
	} else if fig := doc.AI.Manifest[pipeline.StepTagger].Counters.FiguresProcessed; fig > 0 {
		s.AltTextCoverage = 1
	}
	return s
}
