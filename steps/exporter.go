package steps

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/sync/errgroup"

	"github.com/doclens/accesspipe/pipeline"
)

// reviewBanner is embedded in exports of documents still awaiting human
// review, so downstream consumers can't mistake them for certified output.
const reviewBanner = "This document is pending accessibility review. Content may change after review."

// Exporter renders the accessible output formats — HTML, EPUB, and a CSV
// bundle — from the certified tagged output. The three renders are
// independent and run concurrently. Deterministic: no confidence score.
type Exporter struct {
	blobs  Blobs
	policy *bluemonday.Policy
	log    *slog.Logger
}

// NewExporter creates the exporter executor.
func NewExporter(blobs Blobs, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	policy := bluemonday.UGCPolicy()
	policy.AllowElements("figure", "figcaption")
	policy.AllowAttrs("role").OnElements("p")
	return &Exporter{blobs: blobs, policy: policy, log: logger}
}

// Step implements Executor.
func (e *Exporter) Step() pipeline.Step { return pipeline.StepExporter }

// Execute implements Executor.
func (e *Exporter) Execute(ctx context.Context, in pipeline.JobInput) pipeline.Result {
	taggedKey, ok := in.Artifacts[pipeline.ArtifactTagged]
	if !ok {
		return pipeline.Fail(pipeline.PermanentError("missing_tagged", "input snapshot has no tagged artifact"))
	}
	manifestData, err := e.blobs.Read(ctx, taggedKey)
	if err != nil {
		return pipeline.Fail(pipeline.TransientError("artifact_read", err.Error()))
	}
	var manifest TagManifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return pipeline.Fail(pipeline.PermanentError("tagged_decode", err.Error()))
	}

	outline, err := readOutline(ctx, e.blobs, in)
	if err != nil {
		return pipeline.Fail(pipeline.TransientError("artifact_read", err.Error()))
	}
	title := outline.Title
	if title == "" {
		title = "Untitled document"
	}
	lang := in.Language
	if lang == "" {
		lang = outline.Language
	}

	renders := []struct {
		kind   pipeline.ArtifactKind
		name   string
		render func() ([]byte, error)
	}{
		{pipeline.ArtifactHTML, "document.html", func() ([]byte, error) {
			return e.renderHTML(&manifest, title, lang, in.PendingReview), nil
		}},
		{pipeline.ArtifactEPUB, "document.epub", func() ([]byte, error) {
			return renderEPUB(e.renderHTML(&manifest, title, lang, in.PendingReview), title, lang)
		}},
		{pipeline.ArtifactCSVZip, "tables.zip", func() ([]byte, error) {
			return renderCSVZip(&manifest, in.PendingReview)
		}},
	}

	keys := make([]string, len(renders))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range renders {
		i, r := i, r
		g.Go(func() error {
			data, err := r.render()
			if err != nil {
				return fmt.Errorf("render %s: %w", r.name, err)
			}
			key, err := e.blobs.PutDerived(gctx, in.DocID, e.Step(), r.name, data)
			if err != nil {
				return fmt.Errorf("store %s: %w", r.name, err)
			}
			keys[i] = key
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return pipeline.Fail(pipeline.TransientError("export_failed", err.Error()))
	}

	e.log.Debug("exports generated",
		"doc_id", in.DocID, "formats", len(renders), "pending_review", in.PendingReview)

	out := &pipeline.JobOutput{
		Artifacts: map[pipeline.ArtifactKind]string{
			pipeline.ArtifactHTML:   keys[0],
			pipeline.ArtifactEPUB:   keys[1],
			pipeline.ArtifactCSVZip: keys[2],
		},
		Counters: pipeline.StepCounters{
			ElementsProcessed: len(manifest.Elements),
			ExportsGenerated:  len(renders),
		},
	}
	return pipeline.Succeed(out)
}

// renderHTML builds the accessible HTML rendition from the tag manifest and
// sanitizes the body through bluemonday.
func (e *Exporter) renderHTML(manifest *TagManifest, title, lang string, pendingReview bool) []byte {
	var body strings.Builder
	if pendingReview {
		body.WriteString(`<p role="note"><strong>` + html.EscapeString(reviewBanner) + `</strong></p>` + "\n")
	}
	for _, el := range manifest.Elements {
		switch el.Tag {
		case "H1", "H2", "H3":
			tag := strings.ToLower(el.Tag)
			body.WriteString("<" + tag + ">" + html.EscapeString(el.Text) + "</" + tag + ">\n")
		case "Figure":
			body.WriteString(`<figure><figcaption>` + html.EscapeString(el.AltText) + `</figcaption></figure>` + "\n")
		default:
			body.WriteString("<p>" + html.EscapeString(el.Text) + "</p>\n")
		}
	}
	safe := e.policy.Sanitize(body.String())

	var doc strings.Builder
	doc.WriteString("<!DOCTYPE html>\n<html")
	if lang != "" {
		doc.WriteString(` lang="` + html.EscapeString(lang) + `"`)
	}
	doc.WriteString(">\n<head>\n<meta charset=\"utf-8\">\n<title>")
	doc.WriteString(html.EscapeString(title))
	doc.WriteString("</title>\n</head>\n<body>\n")
	doc.WriteString(safe)
	doc.WriteString("</body>\n</html>\n")
	return []byte(doc.String())
}

// renderEPUB wraps the HTML rendition in a minimal EPUB 3 container.
func renderEPUB(htmlDoc []byte, title, lang string) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	// The mimetype entry must come first and be stored uncompressed.
	mt, err := w.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	if err != nil {
		return nil, err
	}
	if _, err := mt.Write([]byte("application/epub+zip")); err != nil {
		return nil, err
	}

	container := `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>
`
	if lang == "" {
		lang = "en"
	}
	opf := `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="uid">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:identifier id="uid">urn:accesspipe:doc</dc:identifier>
    <dc:title>` + html.EscapeString(title) + `</dc:title>
    <dc:language>` + html.EscapeString(lang) + `</dc:language>
  </metadata>
  <manifest>
    <item id="doc" href="document.xhtml" media-type="application/xhtml+xml"/>
  </manifest>
  <spine>
    <itemref idref="doc"/>
  </spine>
</package>
`
	files := []struct {
		name string
		data []byte
	}{
		{"META-INF/container.xml", []byte(container)},
		{"OEBPS/content.opf", []byte(opf)},
		{"OEBPS/document.xhtml", htmlDoc},
	}
	for _, f := range files {
		fw, err := w.Create(f.name)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(f.data); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// renderCSVZip bundles the document's structured data as CSV files.
func renderCSVZip(manifest *TagManifest, pendingReview bool) ([]byte, error) {
	elements := [][]string{{"tag", "page", "text", "alt_text"}}
	figures := [][]string{{"page", "alt_text"}}
	for _, el := range manifest.Elements {
		elements = append(elements, []string{
			el.Tag, strconv.Itoa(el.Page), el.Text, el.AltText,
		})
		if el.Tag == "Figure" {
			figures = append(figures, []string{strconv.Itoa(el.Page), el.AltText})
		}
	}

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	writeCSV := func(name string, records [][]string) error {
		fw, err := w.Create(name)
		if err != nil {
			return err
		}
		cw := csv.NewWriter(fw)
		if err := cw.WriteAll(records); err != nil {
			return err
		}
		cw.Flush()
		return cw.Error()
	}
	if err := writeCSV("elements.csv", elements); err != nil {
		return nil, err
	}
	if err := writeCSV("figures.csv", figures); err != nil {
		return nil, err
	}
	if pendingReview {
		fw, err := w.Create("REVIEW_PENDING.txt")
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write([]byte(reviewBanner + "\n")); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
