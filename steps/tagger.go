package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/doclens/accesspipe/pipeline"
)

// TagManifest is the tag tree the tagger derives from the extracted text:
// one entry per logical element, in reading order.
type TagManifest struct {
	Elements []TagElement `json:"elements"`
}

// TagElement is one tagged element.
type TagElement struct {
	Tag     string `json:"tag"` // "H1", "P", "Figure"
	Text    string `json:"text,omitempty"`
	Page    int    `json:"page,omitempty"`
	AltText string `json:"alt_text,omitempty"`
}

// AltTextDoc is the altText artifact: generated descriptions for every
// discovered figure plus the resulting coverage ratio.
type AltTextDoc struct {
	AltTexts []AltText `json:"alt_texts"`
	Coverage float64   `json:"coverage"`
}

// Tagger builds the provisional tagged output: a tag tree over the extracted
// text plus generated alt text for every figure. The tagged output stays
// provisional — stored under a scratch key — until the validator certifies it
// and publishes the tagged artifact.
type Tagger struct {
	blobs  Blobs
	engine AltTextEngine // nil: heuristic captions
	log    *slog.Logger
}

// NewTagger creates the tagger executor. Without an engine, figures get
// heuristic placeholder captions at low confidence, which routes the document
// to human review.
func NewTagger(blobs Blobs, engine AltTextEngine, logger *slog.Logger) *Tagger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tagger{blobs: blobs, engine: engine, log: logger}
}

// Step implements Executor.
func (t *Tagger) Step() pipeline.Step { return pipeline.StepTagger }

// Execute implements Executor.
func (t *Tagger) Execute(ctx context.Context, in pipeline.JobInput) pipeline.Result {
	outline, err := readOutline(ctx, t.blobs, in)
	if err != nil {
		return pipeline.Fail(pipeline.TransientError("artifact_read", err.Error()))
	}

	var text string
	if key, ok := in.Aux[AuxText]; ok {
		data, err := t.blobs.Read(ctx, key)
		if err != nil {
			return pipeline.Fail(pipeline.TransientError("artifact_read", err.Error()))
		}
		text = string(data)
	}

	alts, confidence, err := t.describe(ctx, outline.Figures, text)
	if err != nil {
		return pipeline.Fail(jobErrFromEngine(err))
	}

	manifest := buildTagManifest(text, alts)

	altDoc := AltTextDoc{AltTexts: alts, Coverage: coverage(len(outline.Figures), alts)}
	altJSON, err := json.Marshal(altDoc)
	if err != nil {
		return pipeline.Fail(pipeline.PermanentError("alttext_encode", err.Error()))
	}
	altKey, err := t.blobs.PutDerived(ctx, in.DocID, t.Step(), "alttext.json", altJSON)
	if err != nil {
		return pipeline.Fail(pipeline.TransientError("artifact_write", err.Error()))
	}

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return pipeline.Fail(pipeline.PermanentError("tags_encode", err.Error()))
	}
	taggedKey, err := t.blobs.PutDerived(ctx, in.DocID, t.Step(), "tagged.json", manifestJSON)
	if err != nil {
		return pipeline.Fail(pipeline.TransientError("artifact_write", err.Error()))
	}

	t.log.Debug("tagging completed",
		"doc_id", in.DocID, "elements", len(manifest.Elements),
		"figures", len(outline.Figures), "confidence", confidence)

	out := &pipeline.JobOutput{
		Artifacts: map[pipeline.ArtifactKind]string{pipeline.ArtifactAltText: altKey},
		Aux:       map[string]string{AuxProvisionalTagged: taggedKey},
		Metrics: map[string]float64{
			"alt_text_coverage": altDoc.Coverage,
			"tagged_elements":   float64(len(manifest.Elements)),
		},
		Counters: pipeline.StepCounters{
			ElementsProcessed: len(manifest.Elements),
			FiguresProcessed:  len(outline.Figures),
			TagsApplied:       len(manifest.Elements),
		},
	}
	return pipeline.SucceedWithConfidence(out, confidence)
}

// describe generates alt text for the figures, via the engine when
// configured, heuristically otherwise. Returns the aggregate confidence.
func (t *Tagger) describe(ctx context.Context, figures []FigureRef, text string) ([]AltText, float64, error) {
	if len(figures) == 0 {
		return nil, 0.95, nil
	}

	if t.engine != nil {
		excerpt := text
		if len(excerpt) > 4000 {
			excerpt = excerpt[:4000]
		}
		alts, err := t.engine.Describe(ctx, figures, excerpt)
		if err != nil {
			return nil, 0, err
		}
		sum := 0.0
		for _, a := range alts {
			sum += a.Confidence
		}
		conf := 0.0
		if len(alts) > 0 {
			conf = sum / float64(len(alts))
		}
		return alts, conf, nil
	}

	alts := make([]AltText, 0, len(figures))
	for i, f := range figures {
		alts = append(alts, AltText{
			Figure:     f,
			Text:       fmt.Sprintf("Figure %d on page %d", i+1, f.Page),
			Confidence: 0.5,
		})
	}
	return alts, 0.5, nil
}

func coverage(figures int, alts []AltText) float64 {
	if figures == 0 {
		return 1
	}
	described := 0
	for _, a := range alts {
		if strings.TrimSpace(a.Text) != "" {
			described++
		}
	}
	if described > figures {
		described = figures
	}
	return float64(described) / float64(figures)
}

// buildTagManifest derives a flat tag tree from the plain text: the first
// line becomes the H1, remaining paragraphs become P elements, and figures
// are interleaved by page position at the end of their page's run.
func buildTagManifest(text string, alts []AltText) TagManifest {
	var m TagManifest

	first := true
	for _, para := range strings.Split(text, "\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		tag := "P"
		if first {
			tag = "H1"
			first = false
		}
		m.Elements = append(m.Elements, TagElement{Tag: tag, Text: para})
	}

	for _, a := range alts {
		m.Elements = append(m.Elements, TagElement{
			Tag:     "Figure",
			Page:    a.Figure.Page,
			AltText: a.Text,
		})
	}
	return m
}
