package steps

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/doclens/accesspipe/pipeline"
)

// Outline is the structure artifact: the document's logical structure as
// discovered by extraction. Downstream steps read it instead of re-parsing
// the PDF.
type Outline struct {
	Title           string            `json:"title,omitempty"`
	PageCount       int               `json:"page_count"`
	Language        string            `json:"language,omitempty"`
	Pages           []PageOutline     `json:"pages,omitempty"`
	Figures         []FigureRef       `json:"figures,omitempty"`
	HasImageStreams bool              `json:"has_image_streams,omitempty"`
	Quality         ExtractionQuality `json:"quality"`
}

// PageOutline summarizes one page.
type PageOutline struct {
	Number  int `json:"number"`
	Chars   int `json:"chars"`
	Figures int `json:"figures"`
}

// Structure is the pipeline's first executor: it parses the original PDF,
// extracts plain text and the document outline, and scores extraction
// quality as its confidence.
type Structure struct {
	blobs  Blobs
	parser Parser
	log    *slog.Logger
}

// NewStructure creates the structure executor. A nil parser uses pdfcpu.
func NewStructure(blobs Blobs, parser Parser, logger *slog.Logger) *Structure {
	if parser == nil {
		parser = PDFCPUParser{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Structure{blobs: blobs, parser: parser, log: logger}
}

// Step implements Executor.
func (s *Structure) Step() pipeline.Step { return pipeline.StepStructure }

// Execute implements Executor.
func (s *Structure) Execute(ctx context.Context, in pipeline.JobInput) pipeline.Result {
	key, ok := in.Artifacts[pipeline.ArtifactOriginal]
	if !ok {
		return pipeline.Fail(pipeline.PermanentError("missing_original", "input snapshot has no original artifact"))
	}
	data, err := s.blobs.Read(ctx, key)
	if err != nil {
		return pipeline.Fail(pipeline.TransientError("artifact_read", err.Error()))
	}

	doc, err := s.parser.Parse(ctx, data)
	if errors.Is(err, ErrEncrypted) {
		return pipeline.Fail(pipeline.PermanentError("encrypted_pdf", "document is password-protected"))
	}
	if err != nil {
		return pipeline.Fail(pipeline.PermanentError("unreadable_pdf", err.Error()))
	}

	text := doc.Text()
	quality := ScoreExtraction(text, doc.Meta.PageCount, doc.HasImageStreams)

	outline := Outline{
		Title:           doc.Meta.Title,
		PageCount:       doc.Meta.PageCount,
		Language:        in.Language,
		Figures:         doc.Figures,
		HasImageStreams: doc.HasImageStreams,
		Quality:         quality,
	}
	figsPerPage := make(map[int]int, len(doc.Figures))
	for _, f := range doc.Figures {
		figsPerPage[f.Page]++
	}
	for i, pageText := range doc.PageTexts {
		outline.Pages = append(outline.Pages, PageOutline{
			Number:  i + 1,
			Chars:   len([]rune(pageText)),
			Figures: figsPerPage[i+1],
		})
	}

	outlineJSON, err := json.Marshal(outline)
	if err != nil {
		return pipeline.Fail(pipeline.PermanentError("outline_encode", err.Error()))
	}
	outlineKey, err := s.blobs.PutDerived(ctx, in.DocID, s.Step(), "structure.json", outlineJSON)
	if err != nil {
		return pipeline.Fail(pipeline.TransientError("artifact_write", err.Error()))
	}
	textKey, err := s.blobs.PutDerived(ctx, in.DocID, s.Step(), "text.txt", []byte(text))
	if err != nil {
		return pipeline.Fail(pipeline.TransientError("artifact_write", err.Error()))
	}

	s.log.Debug("structure extracted",
		"doc_id", in.DocID, "pages", outline.PageCount,
		"figures", len(doc.Figures), "chars_per_page", quality.CharsPerPage)

	out := &pipeline.JobOutput{
		Artifacts: map[pipeline.ArtifactKind]string{pipeline.ArtifactStructure: outlineKey},
		Aux:       map[string]string{AuxText: textKey},
		Meta:      &doc.Meta,
		Metrics: map[string]float64{
			"chars_per_page":  quality.CharsPerPage,
			"printable_ratio": quality.PrintableRatio,
			"wordlike_ratio":  quality.WordlikeRatio,
		},
		Counters: pipeline.StepCounters{
			ElementsProcessed: outline.PageCount,
			FiguresProcessed:  len(doc.Figures),
		},
	}
	return pipeline.SucceedWithConfidence(out, quality.Confidence())
}
