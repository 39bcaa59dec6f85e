package pipeline

import "time"

// DocStatus is the lifecycle state of a document.
//
// Terminal states: completed, failed, validation_failed, notification_failed.
// A document retains every artifact produced by completed steps regardless of
// which terminal state it lands in — failure is always partial-failure-safe.
type DocStatus string

const (
	DocPending            DocStatus = "pending"
	DocProcessing         DocStatus = "processing"
	DocCompleted          DocStatus = "completed"
	DocFailed             DocStatus = "failed"
	DocValidationFailed   DocStatus = "validation_failed"
	DocNotificationFailed DocStatus = "notification_failed"
)

// Terminal reports whether no further automatic transition occurs.
func (s DocStatus) Terminal() bool {
	switch s {
	case DocCompleted, DocFailed, DocValidationFailed, DocNotificationFailed:
		return true
	}
	return false
}

// DocMetadata is informational document metadata. It never drives
// transitions.
type DocMetadata struct {
	Filename     string `json:"filename,omitempty"`
	Priority     int    `json:"priority,omitempty"`
	WebhookURL   string `json:"webhook_url,omitempty"`
	OriginalSize int64  `json:"original_size,omitempty"`
	PageCount    int    `json:"page_count,omitempty"`
	Language     string `json:"language,omitempty"`
	Title        string `json:"title,omitempty"`
	Author       string `json:"author,omitempty"`
	Encrypted    bool   `json:"encrypted,omitempty"`
}

// Merge copies non-zero fields of other into m. Used when a step discovers
// metadata (structure extraction fills title, page count, encryption flag).
func (m *DocMetadata) Merge(other DocMetadata) {
	if other.Title != "" {
		m.Title = other.Title
	}
	if other.Author != "" {
		m.Author = other.Author
	}
	if other.Language != "" {
		m.Language = other.Language
	}
	if other.PageCount > 0 {
		m.PageCount = other.PageCount
	}
	if other.OriginalSize > 0 {
		m.OriginalSize = other.OriginalSize
	}
	if other.Encrypted {
		m.Encrypted = true
	}
}

// Severity grades a validation finding.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Issue is a single validation finding.
type Issue struct {
	Type     string   `json:"type"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Location string   `json:"location,omitempty"`
	Rule     string   `json:"rule,omitempty"`
	Count    int      `json:"count,omitempty"`
}

// HasErrors reports whether any issue has severity error.
func HasErrors(issues []Issue) bool {
	for _, is := range issues {
		if is.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Scores are the document-level accessibility scores, recomputed from the
// full issues list and step metrics every time the validator completes.
// They are written only by the document aggregate manager.
type Scores struct {
	Validation      float64 `json:"validation"`        // 0-100
	WCAGLevel       string  `json:"wcag_level"`        // "", "A", "AA"
	Structure       float64 `json:"structure"`         // 0-100
	AltTextCoverage float64 `json:"alt_text_coverage"` // 0-1
}

// StepResult is the denormalized summary of a step's outcome embedded in the
// document's processing manifest for fast document-level reads.
type StepResult struct {
	Status       JobStatus    `json:"status"`
	StartedAt    time.Time    `json:"started_at,omitzero"`
	CompletedAt  time.Time    `json:"completed_at,omitzero"`
	ProcessingMs int64        `json:"processing_ms,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Confidence   *float64     `json:"confidence,omitempty"`
	Counters     StepCounters `json:"counters"`
}

// ReviewPriority grades how urgently a flagged document needs a human
// reviewer. Priorities only ever escalate within one document's run.
type ReviewPriority string

const (
	ReviewNone   ReviewPriority = ""
	ReviewLow    ReviewPriority = "low"
	ReviewMedium ReviewPriority = "medium"
	ReviewHigh   ReviewPriority = "high"
)

func (p ReviewPriority) rank() int {
	switch p {
	case ReviewLow:
		return 1
	case ReviewMedium:
		return 2
	case ReviewHigh:
		return 3
	}
	return 0
}

// Escalate returns the higher of the two priorities.
func Escalate(cur, next ReviewPriority) ReviewPriority {
	if next.rank() > cur.rank() {
		return next
	}
	return cur
}

// AIState is the document's processing manifest: per-step results, confidence
// scores, the human-review flag, and scratch keys threaded between steps.
type AIState struct {
	Manifest   map[Step]StepResult `json:"manifest,omitempty"`
	Confidence map[Step]float64    `json:"confidence,omitempty"`

	NeedsHumanReview bool           `json:"needs_human_review"`
	ReviewPriority   ReviewPriority `json:"review_priority,omitempty"`

	// Aux holds non-artifact storage keys produced by completed steps,
	// copied into the next step's input snapshot.
	Aux map[string]string `json:"aux,omitempty"`
}

// Document is one user-submitted PDF and its lifecycle. Mutated only by the
// document aggregate manager in response to job completions.
type Document struct {
	DocID   string    `json:"doc_id"`
	OwnerID string    `json:"owner_id"`
	Status  DocStatus `json:"status"`

	Metadata  DocMetadata             `json:"metadata"`
	Artifacts map[ArtifactKind]string `json:"artifacts,omitempty"`
	Scores    *Scores                 `json:"scores,omitempty"`
	Issues    []Issue                 `json:"issues,omitempty"`
	AI        AIState                 `json:"ai"`

	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
