package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/doclens/accesspipe/pipeline"
)

// EngineError is a classified failure from an AI engine call. Transport
// failures and server-side errors are transient (the attempt is retryable);
// rejections of the request itself are permanent.
type EngineError struct {
	Code      string
	Message   string
	Transient bool
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func transientEngineErr(code string, err error) *EngineError {
	return &EngineError{Code: code, Message: err.Error(), Transient: true}
}

// OCRResult is recognized text plus the engine's self-reported confidence.
type OCRResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// OCREngine recognizes text in a scanned PDF.
type OCREngine interface {
	Recognize(ctx context.Context, pdf []byte, language string) (*OCRResult, error)
}

// FigureRef identifies one figure discovered during structure extraction.
type FigureRef struct {
	Page  int `json:"page"`
	Index int `json:"index"`
}

// AltText is a generated description for one figure.
type AltText struct {
	Figure     FigureRef `json:"figure"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
}

// AltTextEngine describes figures for screen-reader users. docText gives the
// engine surrounding context.
type AltTextEngine interface {
	Describe(ctx context.Context, figures []FigureRef, docText string) ([]AltText, error)
}

// HTTPEngineOptions configures the HTTP-backed engine clients.
type HTTPEngineOptions struct {
	// Client overrides the default HTTP client (30s timeout).
	Client *http.Client
	// APIKey is sent as a bearer token when non-empty.
	APIKey string
}

func (o *HTTPEngineOptions) client() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// HTTPOCREngine calls an external OCR service: POST {baseURL}/v1/ocr with the
// PDF bytes, JSON response {text, confidence}.
type HTTPOCREngine struct {
	baseURL string
	opts    HTTPEngineOptions
}

// NewHTTPOCREngine creates a client for an OCR service at baseURL.
func NewHTTPOCREngine(baseURL string, opts HTTPEngineOptions) *HTTPOCREngine {
	return &HTTPOCREngine{baseURL: baseURL, opts: opts}
}

// Recognize implements OCREngine.
func (e *HTTPOCREngine) Recognize(ctx context.Context, pdf []byte, language string) (*OCRResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/v1/ocr?lang="+language, bytes.NewReader(pdf))
	if err != nil {
		return nil, &EngineError{Code: "ocr_request", Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/pdf")
	if e.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.opts.APIKey)
	}

	var out OCRResult
	if err := doEngineCall(e.opts.client(), req, "ocr", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HTTPAltTextEngine calls an external vision service: POST {baseURL}/v1/alttext
// with a JSON body {figures, context}, JSON response {alt_texts}.
type HTTPAltTextEngine struct {
	baseURL string
	opts    HTTPEngineOptions
}

// NewHTTPAltTextEngine creates a client for an alt-text service at baseURL.
func NewHTTPAltTextEngine(baseURL string, opts HTTPEngineOptions) *HTTPAltTextEngine {
	return &HTTPAltTextEngine{baseURL: baseURL, opts: opts}
}

// Describe implements AltTextEngine.
func (e *HTTPAltTextEngine) Describe(ctx context.Context, figures []FigureRef, docText string) ([]AltText, error) {
	body, err := json.Marshal(map[string]any{
		"figures": figures,
		"context": docText,
	})
	if err != nil {
		return nil, &EngineError{Code: "alttext_request", Message: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/v1/alttext", bytes.NewReader(body))
	if err != nil {
		return nil, &EngineError{Code: "alttext_request", Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if e.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.opts.APIKey)
	}

	var out struct {
		AltTexts []AltText `json:"alt_texts"`
	}
	if err := doEngineCall(e.opts.client(), req, "alttext", &out); err != nil {
		return nil, err
	}
	return out.AltTexts, nil
}

// doEngineCall executes an engine request and classifies failures:
// network errors, 5xx and 429 are transient; other non-2xx are permanent.
func doEngineCall(client *http.Client, req *http.Request, name string, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return transientEngineErr(name+"_unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &EngineError{
			Code:      fmt.Sprintf("%s_server_error", name),
			Message:   fmt.Sprintf("engine returned %d", resp.StatusCode),
			Transient: true,
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &EngineError{
			Code:    fmt.Sprintf("%s_rejected", name),
			Message: fmt.Sprintf("engine returned %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return transientEngineErr(name+"_read", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &EngineError{Code: name + "_decode", Message: err.Error()}
	}
	return nil
}

// jobErrFromEngine converts an engine error into a JobError, preserving the
// transient/permanent classification.
func jobErrFromEngine(err error) *pipeline.JobError {
	var ee *EngineError
	if errors.As(err, &ee) {
		if ee.Transient {
			return pipeline.TransientError(ee.Code, ee.Message)
		}
		return pipeline.PermanentError(ee.Code, ee.Message)
	}
	return pipeline.TransientError("engine_error", err.Error())
}
