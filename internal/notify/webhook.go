package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// WebhookNotifier POSTs the event as JSON: title, body, source, timestamp
// and the task_id, execution_id, status, code and error fields.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a notifier posting to rawURL.
func NewWebhookNotifier(rawURL string) (*WebhookNotifier, error) {
	rawURL = strings.TrimSpace(rawURL)
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, fmt.Errorf("webhook url %q must be http or https", rawURL)
	}
	return &WebhookNotifier{url: rawURL, client: &http.Client{Timeout: 10 * time.Second}}, nil
}

func (w *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(map[string]string{
		"title":        ev.Title(),
		"body":         ev.Body(),
		"source":       "netcollect",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"task_id":      ev.TaskID,
		"execution_id": ev.ExecutionID,
		"status":       ev.Status,
		"code":         ev.Code,
		"error":        ev.Error,
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status: %d", resp.StatusCode)
	}
	return nil
}
