package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"aegisgate/pkg/httpx"
)

// Webhook POSTs event envelopes to a single HTTP endpoint with bounded
// retry.
type Webhook struct {
	URL     string
	Client  *http.Client
	Headers map[string]string
	Retries int
}

func NewWebhook(url string) (*Webhook, error) {
	if err := validEndpoint(url); err != nil {
		return nil, err
	}
	return &Webhook{
		URL:     url,
		Client:  &http.Client{Timeout: 10 * time.Second},
		Retries: 2,
	}, nil
}

func (w *Webhook) Notify(ctx context.Context, event string, payload interface{}) error {
	body, err := encode(event, payload)
	if err != nil {
		return err
	}
	status, _, err := httpx.RequestJSON(ctx, w.Client, http.MethodPost, w.URL, body, w.Headers, w.Retries, 250*time.Millisecond)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", event, err)
	}
	if status >= 300 {
		return fmt.Errorf("webhook %s: endpoint returned %d", event, status)
	}
	return nil
}
