// Package notify delivers best-effort user alerts on terminal and milestone
// transitions. Delivery failures are logged and dropped; nothing in the
// lifecycle ever waits on a notification.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Kind classifies a notification. Sinks receive one per milestone or
// terminal transition, never per poll.
type Kind string

const (
	KindLiveReached        Kind = "live_reached"
	KindVerificationFailed Kind = "verification_failed"
	KindHardCanceled       Kind = "hard_canceled"
	KindExpired            Kind = "expired"
)

// Message is one alert addressed to a single party.
type Message struct {
	PartyUserID string
	Kind        Kind
	Title       string
	Body        string
	Metadata    map[string]any
}

// Sink accepts messages. Implementations must be safe for concurrent use.
type Sink interface {
	Notify(ctx context.Context, msg Message) error
}

// LogSink writes notifications to the structured log. The default when no
// delivery channel is configured.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, msg Message) error {
	slog.Info("notification",
		"party", msg.PartyUserID,
		"kind", msg.Kind,
		"title", msg.Title,
	)
	return nil
}

// WebhookSink posts notifications to an external delivery service.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string, timeout time.Duration) (*WebhookSink, error) {
	if url == "" {
		return nil, fmt.Errorf("notify: empty webhook url")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{url: url, client: &http.Client{Timeout: timeout}}, nil
}

func (s *WebhookSink) Notify(ctx context.Context, msg Message) error {
	body, err := json.Marshal(map[string]any{
		"party_user_id": msg.PartyUserID,
		"kind":          msg.Kind,
		"title":         msg.Title,
		"body":          msg.Body,
		"metadata":      msg.Metadata,
	})
	if err != nil {
		return fmt.Errorf("notify: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: post: unexpected status %d", resp.StatusCode)
	}
	return nil
}
