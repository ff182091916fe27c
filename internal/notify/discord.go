package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DiscordSink posts messages to a Discord webhook.
type DiscordSink struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSink creates a sink for the given webhook URL.
func NewDiscordSink(webhookURL string) *DiscordSink {
	return &DiscordSink{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *DiscordSink) Name() string { return "discord" }

// Send posts the message as webhook content.
func (s *DiscordSink) Send(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return fmt.Errorf("notify: discord: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: discord: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: discord: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: discord: unexpected status %d", resp.StatusCode)
	}
	return nil
}
