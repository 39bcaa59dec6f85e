package steps

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/doclens/accesspipe/pipeline"
)

// ErrEncrypted marks a password-protected PDF. Always a permanent failure.
var ErrEncrypted = fmt.Errorf("pdf is encrypted")

// ParsedDoc is the structure extraction of one PDF.
type ParsedDoc struct {
	Meta            pipeline.DocMetadata
	PageTexts       []string    // one entry per page, empty string for textless pages
	Figures         []FigureRef // image XObjects, page-indexed
	HasImageStreams bool
}

// Text joins the page texts into the document's full plain text.
func (p *ParsedDoc) Text() string {
	var sb strings.Builder
	for _, t := range p.PageTexts {
		if t == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(t)
	}
	return sb.String()
}

// Parser turns raw PDF bytes into a ParsedDoc. The structure executor takes
// it as a seam so tests run without real PDFs.
type Parser interface {
	Parse(ctx context.Context, data []byte) (*ParsedDoc, error)
}

// PDFCPUParser is the production parser, built on pdfcpu content-stream
// extraction.
type PDFCPUParser struct{}

// Parse implements Parser.
func (PDFCPUParser) Parse(_ context.Context, data []byte) (*ParsedDoc, error) {
	conf := model.NewDefaultConfiguration()
	pctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "encrypt") {
			return &ParsedDoc{Meta: pipeline.DocMetadata{Encrypted: true}}, ErrEncrypted
		}
		return nil, fmt.Errorf("pdfcpu read: %w", err)
	}

	doc := &ParsedDoc{
		Meta:      pipeline.DocMetadata{PageCount: pctx.PageCount},
		PageTexts: make([]string, pctx.PageCount),
	}

	for pageNr := 1; pageNr <= pctx.PageCount; pageNr++ {
		doc.PageTexts[pageNr-1] = extractPageText(pctx, pageNr)

		for i := range pdfcpu.ImageObjNrs(pctx, pageNr) {
			doc.Figures = append(doc.Figures, FigureRef{Page: pageNr, Index: i})
			doc.HasImageStreams = true
		}
	}
	if !doc.HasImageStreams {
		doc.HasImageStreams = detectImageStreams(pctx)
	}

	// First non-empty line stands in for a title when the PDF carries none.
	for _, page := range doc.PageTexts {
		for _, line := range strings.Split(page, "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				if len(line) > 200 {
					line = line[:200]
				}
				doc.Meta.Title = line
				break
			}
		}
		if doc.Meta.Title != "" {
			break
		}
	}

	return doc, nil
}

// extractPageText extracts text from a single PDF page via the pdfcpu content
// stream.
func extractPageText(pctx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(pctx, pageNr)
	if err != nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return extractTextFromStream(data)
}

// detectImageStreams scans the XRefTable for image subtype stream objects.
func detectImageStreams(pctx *model.Context) bool {
	for _, entry := range pctx.Table {
		if entry == nil || entry.Free || entry.Compressed {
			continue
		}
		sd, ok := entry.Object.(types.StreamDict)
		if !ok {
			continue
		}
		if subtype, found := sd.Find("Subtype"); found {
			if name, isName := subtype.(types.Name); isName && name == "Image" {
				return true
			}
		}
	}
	return false
}

// pdfStringRe matches PDF string literals in parentheses: (text here)
var pdfStringRe = regexp.MustCompile(`\(([^)]*)\)`)

// extractTextFromStream parses PDF content stream operators for text.
func extractTextFromStream(data []byte) string {
	var sb strings.Builder

	lines := bytes.Split(data, []byte{'\n'})
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		// Tj operator: (text) Tj — and TJ arrays: [(text) -100 (more)] TJ
		if bytes.HasSuffix(line, []byte("Tj")) || bytes.HasSuffix(line, []byte("TJ")) {
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				if text := decodePDFString(m[1]); text != "" {
					sb.WriteString(text)
				}
			}
		}

		// ' operator (move to next line and show text): (text) '
		if bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")) {
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				if text := decodePDFString(m[1]); text != "" {
					sb.WriteByte('\n')
					sb.WriteString(text)
				}
			}
		}

		// Td/TD operator (text positioning).
		if bytes.HasSuffix(line, []byte("Td")) || bytes.HasSuffix(line, []byte("TD")) {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
		}

		// T* operator (move to start of next line).
		if bytes.Equal(line, []byte("T*")) {
			sb.WriteByte('\n')
		}
	}

	return cleanPDFText(sb.String())
}

// decodePDFString handles basic PDF escape sequences.
func decodePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\\' && i+1 < len(raw) {
			i++
			switch raw[i] {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case '\\':
				sb.WriteByte('\\')
			case '(':
				sb.WriteByte('(')
			case ')':
				sb.WriteByte(')')
			default:
				// Octal escape (e.g. \040 for space).
				if raw[i] >= '0' && raw[i] <= '7' {
					val := int(raw[i] - '0')
					if i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7' {
						i++
						val = val*8 + int(raw[i]-'0')
						if i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7' {
							i++
							val = val*8 + int(raw[i]-'0')
						}
					}
					sb.WriteByte(byte(val))
				} else {
					sb.WriteByte(raw[i])
				}
			}
		} else {
			sb.WriteByte(raw[i])
		}
	}
	return sb.String()
}

// cleanPDFText normalises whitespace in extracted PDF text.
func cleanPDFText(text string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !prevSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
				prevSpace = true
			}
		} else if unicode.IsPrint(r) {
			sb.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}
