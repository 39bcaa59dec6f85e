package steps

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/doclens/accesspipe/pipeline"
)

// Validator checks the provisional tagged output against accessibility rules.
// It is deterministic — same input, same findings — and is the certification
// gate of the pipeline: only when validation passes does the tagged artifact
// get published on the document. Error-severity findings fail the step
// permanently (retrying cannot fix content), carrying the full findings list
// in the error details so the document still records them.
type Validator struct {
	blobs Blobs
	log   *slog.Logger
}

// NewValidator creates the validator executor.
func NewValidator(blobs Blobs, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{blobs: blobs, log: logger}
}

// Step implements Executor.
func (v *Validator) Step() pipeline.Step { return pipeline.StepValidator }

// Execute implements Executor.
func (v *Validator) Execute(ctx context.Context, in pipeline.JobInput) pipeline.Result {
	taggedKey, ok := in.Aux[AuxProvisionalTagged]
	if !ok {
		return pipeline.Fail(pipeline.PermanentError("missing_tagged", "no provisional tagged output to validate"))
	}
	manifestData, err := v.blobs.Read(ctx, taggedKey)
	if err != nil {
		return pipeline.Fail(pipeline.TransientError("artifact_read", err.Error()))
	}
	var manifest TagManifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return pipeline.Fail(pipeline.PermanentError("tagged_decode", err.Error()))
	}

	outline, err := readOutline(ctx, v.blobs, in)
	if err != nil {
		return pipeline.Fail(pipeline.TransientError("artifact_read", err.Error()))
	}

	var altDoc AltTextDoc
	if altKey, ok := in.Artifacts[pipeline.ArtifactAltText]; ok {
		data, err := v.blobs.Read(ctx, altKey)
		if err != nil {
			return pipeline.Fail(pipeline.TransientError("artifact_read", err.Error()))
		}
		if err := json.Unmarshal(data, &altDoc); err != nil {
			return pipeline.Fail(pipeline.PermanentError("alttext_decode", err.Error()))
		}
	}

	issues := v.check(&manifest, outline, &altDoc, in)

	structureScore := 100 * outline.Quality.PrintableRatio
	altCoverage := altTextCoverage(outline, &altDoc)

	if pipeline.HasErrors(issues) {
		v.log.Info("validation failed",
			"doc_id", in.DocID, "issues", len(issues))
		jerr := pipeline.PermanentError("validation_failed", "document failed accessibility validation")
		jerr.Details = map[string]any{"issues": issues}
		return pipeline.Fail(jerr)
	}

	v.log.Debug("validation passed", "doc_id", in.DocID, "findings", len(issues))

	out := &pipeline.JobOutput{
		// Certification: the provisional tagged output becomes the
		// document's tagged artifact.
		Artifacts: map[pipeline.ArtifactKind]string{pipeline.ArtifactTagged: taggedKey},
		Issues:    issues,
		Metrics: map[string]float64{
			"structure_score":   structureScore,
			"alt_text_coverage": altCoverage,
		},
		Counters: pipeline.StepCounters{IssuesFound: len(issues)},
	}
	return pipeline.Succeed(out)
}

// check runs the rule set and returns all findings.
func (v *Validator) check(manifest *TagManifest, outline *Outline, altDoc *AltTextDoc, in pipeline.JobInput) []pipeline.Issue {
	var issues []pipeline.Issue

	textElems := 0
	hasHeading := false
	for _, el := range manifest.Elements {
		switch el.Tag {
		case "H1", "H2", "H3":
			hasHeading = true
			textElems++
		case "P":
			textElems++
		}
	}

	if textElems == 0 {
		issues = append(issues, pipeline.Issue{
			Type:     "no_text_content",
			Severity: pipeline.SeverityError,
			Message:  "document contains no tagged text content",
			Rule:     "wcag-1.3.1",
		})
	}
	if !hasHeading && textElems > 0 {
		issues = append(issues, pipeline.Issue{
			Type:     "missing_heading",
			Severity: pipeline.SeverityWarning,
			Message:  "document has no heading structure",
			Rule:     "wcag-2.4.6",
		})
	}

	if missing := missingAltCount(outline, altDoc); missing > 0 {
		issues = append(issues, pipeline.Issue{
			Type:     "missing_alt_text",
			Severity: pipeline.SeverityError,
			Message:  "figures lack alternative text",
			Rule:     "wcag-1.1.1",
			Count:    missing,
		})
	}

	if outline.Title == "" {
		issues = append(issues, pipeline.Issue{
			Type:     "missing_title",
			Severity: pipeline.SeverityWarning,
			Message:  "document has no title",
			Rule:     "wcag-2.4.2",
		})
	}
	if in.Language == "" && outline.Language == "" {
		issues = append(issues, pipeline.Issue{
			Type:     "missing_language",
			Severity: pipeline.SeverityWarning,
			Message:  "document language is not declared",
			Rule:     "wcag-3.1.1",
		})
	}

	if textElems > 0 && outline.Quality.WordlikeRatio > 0 && outline.Quality.WordlikeRatio < 0.5 {
		issues = append(issues, pipeline.Issue{
			Type:     "low_text_quality",
			Severity: pipeline.SeverityInfo,
			Message:  "extracted text contains many non-word tokens",
		})
	}

	return issues
}

func missingAltCount(outline *Outline, altDoc *AltTextDoc) int {
	described := 0
	for _, a := range altDoc.AltTexts {
		if strings.TrimSpace(a.Text) != "" {
			described++
		}
	}
	missing := len(outline.Figures) - described
	if missing < 0 {
		return 0
	}
	return missing
}

func altTextCoverage(outline *Outline, altDoc *AltTextDoc) float64 {
	if len(outline.Figures) == 0 {
		return 1
	}
	missing := missingAltCount(outline, altDoc)
	return float64(len(outline.Figures)-missing) / float64(len(outline.Figures))
}
