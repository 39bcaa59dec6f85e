// Package docstore is the document aggregate manager: it owns the documents
// table and is the only writer of document state. Jobs report into it through
// the worker after the job state machine has applied their transition, and it
// folds their outputs into the aggregate — artifacts, manifest, scores,
// review routing — then schedules the next pipeline step.
//
// Artifact folding is monotonic: a step's completion only ever adds or
// overwrites artifact keys, never removes them, so a later failure always
// leaves earlier steps' outputs intact.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doclens/accesspipe/dbopen"
	"github.com/doclens/accesspipe/idgen"
	"github.com/doclens/accesspipe/jobq"
	"github.com/doclens/accesspipe/observability"
	"github.com/doclens/accesspipe/pipeline"
	"github.com/doclens/accesspipe/review"
)

// ErrDocNotFound is returned when a document ID has no row.
var ErrDocNotFound = errors.New("docstore: document not found")

// ErrNotStartable is returned by Start for documents not in pending state.
var ErrNotStartable = errors.New("docstore: document not startable")

// ErrNotFlagged is returned by ApproveReview when there is nothing to approve.
var ErrNotFlagged = errors.New("docstore: document not flagged for review")

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    doc_id        TEXT PRIMARY KEY,
    owner_id      TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'pending',
    metadata      TEXT NOT NULL DEFAULT '{}',
    artifacts     TEXT,
    scores        TEXT,
    issues        TEXT,
    ai            TEXT NOT NULL DEFAULT '{}',
    error_message TEXT,
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents (owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents (status);
`

const docColumns = `doc_id, owner_id, status, metadata, artifacts, scores, issues, ai,
    error_message, created_at, updated_at`

// ArtifactPurger removes all stored content for a document. Satisfied by
// *artifact.Store.
type ArtifactPurger interface {
	PurgeDoc(ctx context.Context, docID string) error
}

// Options configures a Manager.
type Options struct {
	// ConfidenceThreshold routes generative output to human review when a
	// step's confidence lands below it. Default: review.DefaultThreshold.
	ConfidenceThreshold float64
	// NewID generates document IDs. Default: "doc_" + UUIDv7.
	NewID idgen.Generator
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
	// Events receives document lifecycle events. Optional.
	Events *observability.EventLogger
	// Artifacts is consulted by Delete to purge stored content. Optional.
	Artifacts ArtifactPurger
}

func (o *Options) defaults() {
	if o.ConfidenceThreshold <= 0 {
		o.ConfidenceThreshold = review.DefaultThreshold
	}
	if o.NewID == nil {
		o.NewID = idgen.Prefixed("doc_", idgen.Default)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Manager is the document aggregate manager.
type Manager struct {
	db   *sql.DB
	jobs *jobq.Store
	opts Options
}

// New creates a manager over the shared pipeline database. Call Init once at
// startup.
func New(db *sql.DB, jobs *jobq.Store, opts Options) *Manager {
	opts.defaults()
	return &Manager{db: db, jobs: jobs, opts: opts}
}

// Init creates the documents table if it doesn't exist.
func (m *Manager) Init(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, schema)
	return err
}

// Create registers an uploaded document in pending state. originalKey is the
// storage key of the uploaded original; pass "" when the content is stored
// after registration (the storage key embeds the document ID) and record it
// with SetOriginal before Start.
func (m *Manager) Create(ctx context.Context, ownerID string, meta pipeline.DocMetadata, originalKey string) (*pipeline.Document, error) {
	now := m.opts.Now()
	doc := &pipeline.Document{
		DocID:     m.opts.NewID(),
		OwnerID:   ownerID,
		Status:    pipeline.DocPending,
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if originalKey != "" {
		doc.Artifacts = map[pipeline.ArtifactKind]string{
			pipeline.ArtifactOriginal: originalKey,
		}
	}

	metaJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return nil, fmt.Errorf("docstore: create: marshal metadata: %w", err)
	}
	artJSON, err := json.Marshal(doc.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("docstore: create: marshal artifacts: %w", err)
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO documents (doc_id, owner_id, status, metadata, artifacts, ai, created_at, updated_at)
		VALUES (?,?,?,?,?,'{}',?,?)`,
		doc.DocID, doc.OwnerID, string(doc.Status), string(metaJSON), string(artJSON),
		now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("docstore: create: %w", err)
	}

	m.opts.Logger.Info("docstore: document created",
		"doc_id", doc.DocID, "owner_id", ownerID, "filename", meta.Filename)
	m.event(ctx, doc.DocID, ownerID, "document_created", true, "")
	return doc, nil
}

// SetOriginal records the uploaded original's storage key and byte size on a
// pending document. Called between Create and Start when the content is
// stored under a document-scoped key.
func (m *Manager) SetOriginal(ctx context.Context, docID, key string, size int64) error {
	return dbopen.RunTx(ctx, m.db, func(tx *sql.Tx) error {
		doc, err := getTx(ctx, tx, docID)
		if err != nil {
			return err
		}
		if doc.Artifacts == nil {
			doc.Artifacts = make(map[pipeline.ArtifactKind]string, 1)
		}
		doc.Artifacts[pipeline.ArtifactOriginal] = key
		if size > 0 {
			doc.Metadata.OriginalSize = size
		}
		doc.UpdatedAt = m.opts.Now()
		return updateTx(ctx, tx, doc)
	})
}

// Start transitions a pending document to processing and enqueues the first
// pipeline step. Returns ErrNotStartable if the document already left pending.
func (m *Manager) Start(ctx context.Context, docID string) (*pipeline.Job, error) {
	doc, err := m.Get(ctx, docID)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.Artifacts[pipeline.ArtifactOriginal]; !ok {
		return nil, fmt.Errorf("docstore: start %s without original: %w", docID, ErrNotStartable)
	}

	res, err := m.db.ExecContext(ctx, `
		UPDATE documents SET status = 'processing', updated_at = ?
		WHERE doc_id = ? AND status = 'pending'`,
		m.opts.Now().UnixMilli(), docID)
	if err != nil {
		return nil, fmt.Errorf("docstore: start: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("docstore: start %s in %s: %w", docID, doc.Status, ErrNotStartable)
	}

	job, err := m.jobs.Create(ctx, docID, pipeline.First(), m.buildInput(doc), doc.Metadata.Priority, nil)
	if err != nil {
		return nil, err
	}
	m.event(ctx, docID, doc.OwnerID, "processing_started", true, "")
	return job, nil
}

// Get returns one document by ID.
func (m *Manager) Get(ctx context.Context, docID string) (*pipeline.Document, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+docColumns+` FROM documents WHERE doc_id = ?`, docID)
	doc, err := scanDoc(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("docstore: get %s: %w", docID, ErrDocNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("docstore: get: %w", err)
	}
	return doc, nil
}

// ByOwner returns an owner's documents, newest first.
func (m *Manager) ByOwner(ctx context.Context, ownerID string, limit int) ([]*pipeline.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+docColumns+` FROM documents
		WHERE owner_id = ? ORDER BY created_at DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("docstore: by owner: %w", err)
	}
	defer rows.Close()

	var docs []*pipeline.Document
	for rows.Next() {
		doc, err := scanDoc(rows)
		if err != nil {
			return nil, fmt.Errorf("docstore: by owner: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ApproveReview clears the human-review flag after a reviewer signed off.
// Returns ErrNotFlagged when the document isn't awaiting review.
//
// When the exporter already ran, the rendered exports carry the pending-review
// banner, so approval also schedules a fresh exporter job: the re-run rewrites
// html/epub/csvZip without the marker and re-notifies the webhook.
func (m *Manager) ApproveReview(ctx context.Context, docID, reviewerID string) (*pipeline.Document, error) {
	var (
		out   *pipeline.Document
		regen bool
	)
	err := dbopen.RunTx(ctx, m.db, func(tx *sql.Tx) error {
		regen = false

		doc, err := getTx(ctx, tx, docID)
		if err != nil {
			return err
		}
		if !doc.AI.NeedsHumanReview {
			return fmt.Errorf("docstore: approve %s: %w", docID, ErrNotFlagged)
		}
		doc.AI.NeedsHumanReview = false
		doc.AI.ReviewPriority = pipeline.ReviewNone
		if doc.AI.Manifest[pipeline.StepExporter].Status == pipeline.JobCompleted {
			// Clear the exporter and notifier manifest entries so the
			// regeneration folds aren't discarded as duplicates.
			delete(doc.AI.Manifest, pipeline.StepExporter)
			delete(doc.AI.Manifest, pipeline.StepNotifier)
			regen = true
		}
		doc.UpdatedAt = m.opts.Now()
		if err := updateTx(ctx, tx, doc); err != nil {
			return err
		}
		out = doc
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.opts.Logger.Info("docstore: review approved", "doc_id", docID, "reviewer_id", reviewerID)
	m.event(ctx, docID, reviewerID, "review_approved", true, "")

	if regen {
		job, err := m.jobs.Create(ctx, docID, pipeline.StepExporter, m.buildInput(out), out.Metadata.Priority, nil)
		switch {
		case errors.Is(err, jobq.ErrDuplicateJob):
			m.opts.Logger.Warn("docstore: export regeneration already scheduled", "doc_id", docID)
		case err != nil:
			return nil, err
		default:
			m.opts.Logger.Info("docstore: export regeneration scheduled",
				"doc_id", docID, "job_id", job.JobID)
		}
	}
	return out, nil
}

// RetryStep re-enqueues a failed step as a fresh job and moves a terminally
// failed document back to processing. Administrative action.
func (m *Manager) RetryStep(ctx context.Context, docID string, step pipeline.Step) (*pipeline.Job, error) {
	doc, err := m.Get(ctx, docID)
	if err != nil {
		return nil, err
	}

	job, err := m.jobs.RetryFailed(ctx, docID, step)
	if err != nil {
		return nil, err
	}

	if doc.Status.Terminal() {
		_, err = m.db.ExecContext(ctx, `
			UPDATE documents SET status = 'processing', error_message = NULL, updated_at = ?
			WHERE doc_id = ?`,
			m.opts.Now().UnixMilli(), docID)
		if err != nil {
			return nil, fmt.Errorf("docstore: retry step: %w", err)
		}
	}

	m.opts.Logger.Info("docstore: step retry requested",
		"doc_id", docID, "step", step, "job_id", job.JobID)
	return job, nil
}

// Delete cascades: jobs and job logs, stored artifacts, then the document row.
func (m *Manager) Delete(ctx context.Context, docID string) error {
	doc, err := m.Get(ctx, docID)
	if err != nil {
		return err
	}

	if err := m.jobs.DeleteByDoc(ctx, docID); err != nil {
		return err
	}
	if m.opts.Artifacts != nil {
		if err := m.opts.Artifacts.PurgeDoc(ctx, docID); err != nil {
			return fmt.Errorf("docstore: delete %s: %w", docID, err)
		}
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM documents WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("docstore: delete %s: %w", docID, err)
	}

	m.opts.Logger.Info("docstore: document deleted", "doc_id", docID)
	m.event(ctx, docID, doc.OwnerID, "document_deleted", true, "")
	return nil
}

// buildInput captures the immutable input snapshot for the next job from the
// current document state.
func (m *Manager) buildInput(doc *pipeline.Document) pipeline.JobInput {
	in := pipeline.JobInput{
		DocID:         doc.DocID,
		OwnerID:       doc.OwnerID,
		Language:      doc.Metadata.Language,
		WebhookURL:    doc.Metadata.WebhookURL,
		PendingReview: doc.AI.NeedsHumanReview,
	}
	if len(doc.Artifacts) > 0 {
		in.Artifacts = make(map[pipeline.ArtifactKind]string, len(doc.Artifacts))
		for k, v := range doc.Artifacts {
			in.Artifacts[k] = v
		}
	}
	if len(doc.AI.Aux) > 0 {
		in.Aux = make(map[string]string, len(doc.AI.Aux))
		for k, v := range doc.AI.Aux {
			in.Aux[k] = v
		}
	}
	return in
}

func (m *Manager) event(ctx context.Context, docID, userID, action string, success bool, details string) {
	if m.opts.Events == nil {
		return
	}
	m.opts.Events.LogEvent(ctx, observability.BusinessEvent{
		EventType:   action,
		ServiceName: "accesspipe",
		EntityType:  "document",
		EntityID:    docID,
		UserID:      userID,
		Action:      action,
		Details:     details,
		Success:     success,
	})
}

func getTx(ctx context.Context, tx *sql.Tx, docID string) (*pipeline.Document, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+docColumns+` FROM documents WHERE doc_id = ?`, docID)
	doc, err := scanDoc(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("docstore: get %s: %w", docID, ErrDocNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("docstore: get: %w", err)
	}
	return doc, nil
}

func updateTx(ctx context.Context, tx *sql.Tx, doc *pipeline.Document) error {
	metaJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("docstore: marshal metadata: %w", err)
	}
	aiJSON, err := json.Marshal(doc.AI)
	if err != nil {
		return fmt.Errorf("docstore: marshal ai state: %w", err)
	}

	var artJSON, scoresJSON, issuesJSON, errMsg sql.NullString
	if len(doc.Artifacts) > 0 {
		b, err := json.Marshal(doc.Artifacts)
		if err != nil {
			return fmt.Errorf("docstore: marshal artifacts: %w", err)
		}
		artJSON = sql.NullString{String: string(b), Valid: true}
	}
	if doc.Scores != nil {
		b, err := json.Marshal(doc.Scores)
		if err != nil {
			return fmt.Errorf("docstore: marshal scores: %w", err)
		}
		scoresJSON = sql.NullString{String: string(b), Valid: true}
	}
	if len(doc.Issues) > 0 {
		b, err := json.Marshal(doc.Issues)
		if err != nil {
			return fmt.Errorf("docstore: marshal issues: %w", err)
		}
		issuesJSON = sql.NullString{String: string(b), Valid: true}
	}
	if doc.ErrorMessage != "" {
		errMsg = sql.NullString{String: doc.ErrorMessage, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE documents
		SET status = ?, metadata = ?, artifacts = ?, scores = ?, issues = ?,
		    ai = ?, error_message = ?, updated_at = ?
		WHERE doc_id = ?`,
		string(doc.Status), string(metaJSON), artJSON, scoresJSON, issuesJSON,
		string(aiJSON), errMsg, doc.UpdatedAt.UnixMilli(), doc.DocID)
	if err != nil {
		return fmt.Errorf("docstore: update: %w", err)
	}
	return nil
}

func scanDoc(r interface{ Scan(...any) error }) (*pipeline.Document, error) {
	var (
		d                    pipeline.Document
		status               string
		metaJSON, aiJSON     string
		artJSON, scoresJSON  sql.NullString
		issuesJSON, errMsg   sql.NullString
		createdAt, updatedAt int64
	)
	err := r.Scan(&d.DocID, &d.OwnerID, &status, &metaJSON, &artJSON, &scoresJSON,
		&issuesJSON, &aiJSON, &errMsg, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	d.Status = pipeline.DocStatus(status)
	d.CreatedAt = time.UnixMilli(createdAt)
	d.UpdatedAt = time.UnixMilli(updatedAt)
	if errMsg.Valid {
		d.ErrorMessage = errMsg.String
	}

	if err := json.Unmarshal([]byte(metaJSON), &d.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(aiJSON), &d.AI); err != nil {
		return nil, fmt.Errorf("unmarshal ai state: %w", err)
	}
	if artJSON.Valid {
		if err := json.Unmarshal([]byte(artJSON.String), &d.Artifacts); err != nil {
			return nil, fmt.Errorf("unmarshal artifacts: %w", err)
		}
	}
	if scoresJSON.Valid {
		d.Scores = &pipeline.Scores{}
		if err := json.Unmarshal([]byte(scoresJSON.String), d.Scores); err != nil {
			return nil, fmt.Errorf("unmarshal scores: %w", err)
		}
	}
	if issuesJSON.Valid {
		if err := json.Unmarshal([]byte(issuesJSON.String), &d.Issues); err != nil {
			return nil, fmt.Errorf("unmarshal issues: %w", err)
		}
	}
	return &d, nil
}
