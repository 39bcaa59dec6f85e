package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/doclens/accesspipe/pipeline"
)

// Notifier delivers the completion webhook. A document without a webhook URL
// completes the step as a no-op. Delivery failures are transient (the
// endpoint may recover) except for 4xx responses, which mean the registered
// URL rejects the payload and retrying is pointless.
type Notifier struct {
	client *http.Client
	log    *slog.Logger
}

// NewNotifier creates the notifier executor. A nil client gets a 15s timeout.
func NewNotifier(client *http.Client, logger *slog.Logger) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{client: client, log: logger}
}

// Step implements Executor.
func (n *Notifier) Step() pipeline.Step { return pipeline.StepNotifier }

// Execute implements Executor.
func (n *Notifier) Execute(ctx context.Context, in pipeline.JobInput) pipeline.Result {
	if in.WebhookURL == "" {
		n.log.Debug("no webhook registered, skipping notification", "doc_id", in.DocID)
		return pipeline.Succeed(&pipeline.JobOutput{})
	}

	payload := map[string]any{
		"doc_id":         in.DocID,
		"status":         "completed",
		"artifacts":      in.Artifacts,
		"pending_review": in.PendingReview,
		"notified_at":    time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return pipeline.Fail(pipeline.PermanentError("webhook_encode", err.Error()))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, in.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return pipeline.Fail(pipeline.PermanentError("webhook_url", err.Error()))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return pipeline.Fail(pipeline.TransientError("webhook_unreachable", err.Error()))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return pipeline.Fail(pipeline.TransientError("webhook_server_error",
			fmt.Sprintf("webhook returned %d", resp.StatusCode)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return pipeline.Fail(pipeline.PermanentError("webhook_rejected",
			fmt.Sprintf("webhook returned %d", resp.StatusCode)))
	}

	n.log.Info("completion webhook delivered",
		"doc_id", in.DocID, "url", in.WebhookURL, "status", resp.StatusCode)
	return pipeline.Succeed(&pipeline.JobOutput{
		Metrics: map[string]float64{"webhook_status": float64(resp.StatusCode)},
	})
}
