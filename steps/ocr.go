package steps

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/doclens/accesspipe/pipeline"
)

// OCR refines the structure step's text. When extraction quality was good it
// passes the existing text through; when the outline signals a scanned or
// garbage-heavy document it runs the recognition engine over the original and
// replaces the text. Its confidence is either the pass-through extraction
// confidence or the engine's self-reported score.
type OCR struct {
	blobs  Blobs
	engine OCREngine // nil: pass-through only
	log    *slog.Logger
}

// NewOCR creates the OCR executor. A nil engine disables recognition; sparse
// documents then keep their extracted text with a low confidence score, which
// routes them to human review instead of silently passing.
func NewOCR(blobs Blobs, engine OCREngine, logger *slog.Logger) *OCR {
	if logger == nil {
		logger = slog.Default()
	}
	return &OCR{blobs: blobs, engine: engine, log: logger}
}

// Step implements Executor.
func (o *OCR) Step() pipeline.Step { return pipeline.StepOCR }

// Execute implements Executor.
func (o *OCR) Execute(ctx context.Context, in pipeline.JobInput) pipeline.Result {
	outline, err := readOutline(ctx, o.blobs, in)
	if err != nil {
		return pipeline.Fail(pipeline.TransientError("artifact_read", err.Error()))
	}

	var text string
	if key, ok := in.Aux[AuxText]; ok {
		data, err := o.blobs.Read(ctx, key)
		if err != nil {
			return pipeline.Fail(pipeline.TransientError("artifact_read", err.Error()))
		}
		text = string(data)
	}

	quality := outline.Quality
	if !quality.NeedsOCR() || o.engine == nil {
		if o.engine == nil && quality.NeedsOCR() {
			o.log.Warn("ocr needed but no engine configured", "doc_id", in.DocID)
		}
		out := &pipeline.JobOutput{
			Metrics:  map[string]float64{"ocr_ran": 0},
			Counters: pipeline.StepCounters{ElementsProcessed: quality.PageCount},
		}
		return pipeline.SucceedWithConfidence(out, quality.Confidence())
	}

	origKey, ok := in.Artifacts[pipeline.ArtifactOriginal]
	if !ok {
		return pipeline.Fail(pipeline.PermanentError("missing_original", "input snapshot has no original artifact"))
	}
	pdf, err := o.blobs.Read(ctx, origKey)
	if err != nil {
		return pipeline.Fail(pipeline.TransientError("artifact_read", err.Error()))
	}

	rec, err := o.engine.Recognize(ctx, pdf, in.Language)
	if err != nil {
		return pipeline.Fail(jobErrFromEngine(err))
	}

	// Keep whichever text is richer. A recognition run that produced less
	// than the raw extraction did is noise.
	if len(rec.Text) > len(text) {
		text = rec.Text
	}
	textKey, err := o.blobs.PutDerived(ctx, in.DocID, o.Step(), "text.txt", []byte(text))
	if err != nil {
		return pipeline.Fail(pipeline.TransientError("artifact_write", err.Error()))
	}

	o.log.Debug("ocr completed",
		"doc_id", in.DocID, "chars", len(text), "confidence", rec.Confidence)

	out := &pipeline.JobOutput{
		Aux:      map[string]string{AuxText: textKey},
		Metrics:  map[string]float64{"ocr_ran": 1, "ocr_chars": float64(len(text))},
		Counters: pipeline.StepCounters{ElementsProcessed: quality.PageCount},
	}
	return pipeline.SucceedWithConfidence(out, rec.Confidence)
}

// readOutline loads the structure artifact from the input snapshot.
func readOutline(ctx context.Context, blobs Blobs, in pipeline.JobInput) (*Outline, error) {
	key, ok := in.Artifacts[pipeline.ArtifactStructure]
	if !ok {
		return &Outline{}, nil
	}
	data, err := blobs.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	var o Outline
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}
