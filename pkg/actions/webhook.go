package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mergeflow/mergeflow/pkg/fault"
)

// WebhookAdapter posts the alert as JSON to the URL in the action's
// config ("url" key, optional "headers" map).
type WebhookAdapter struct {
	client *http.Client
}

// NewWebhookAdapter creates the adapter. A nil client gets a 10 second
// default timeout.
func NewWebhookAdapter(client *http.Client) *WebhookAdapter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookAdapter{client: client}
}

func (w *WebhookAdapter) Dispatch(ctx context.Context, action Action, alert Alert) (map[string]any, error) {
	url, _ := action.Config["url"].(string)
	if url == "" {
		return nil, fault.Newf(fault.CodeMisconfigured, "webhook action %s has no url", action.ID)
	}

	body, err := json.Marshal(map[string]any{
		"actionId": action.ID,
		"alert":    alert,
	})
	if err != nil {
		return nil, fmt.Errorf("actions: failed to marshal webhook body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("actions: failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := action.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.CodeUpstreamFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 400 {
		return nil, fault.Newf(fault.CodeUpstreamFailed, "webhook returned status %d", resp.StatusCode)
	}
	return map[string]any{"status": resp.StatusCode}, nil
}
