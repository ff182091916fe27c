package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TelegramSink sends messages through the Telegram bot API.
type TelegramSink struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSink creates a sink for the given bot token and chat.
func NewTelegramSink(token, chatID string) *TelegramSink {
	return &TelegramSink{
		baseURL: "https://api.telegram.org",
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *TelegramSink) Name() string { return "telegram" }

// Send posts a sendMessage call.
func (s *TelegramSink) Send(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id": s.chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("notify: telegram: marshal: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: telegram: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notify: telegram: unexpected status %d", resp.StatusCode)
	}
	return nil
}
