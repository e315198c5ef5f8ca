// Package escrow mirrors lifecycle transitions into the external ledger.
// Calls are one-way and fire-and-forget: the agreement row is authoritative
// and a failed mirror call never rolls a local transition back.
package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Controller is the outbound interface to the ledger.
type Controller interface {
	MarkVerifying(ctx context.Context, agreementID string) error
	MarkLive(ctx context.Context, agreementID string, startAt, endAt time.Time) error
	MarkExpired(ctx context.Context, agreementID string) error
	HardCancelAndRefund(ctx context.Context, agreementID string) error
}

// HTTPController posts transition mirrors to the ledger service.
type HTTPController struct {
	baseURL string
	client  *http.Client
}

func NewHTTPController(baseURL string, timeout time.Duration) (*HTTPController, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("escrow: empty base url")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPController{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (c *HTTPController) MarkVerifying(ctx context.Context, agreementID string) error {
	return c.post(ctx, agreementID, "verifying", nil)
}

func (c *HTTPController) MarkLive(ctx context.Context, agreementID string, startAt, endAt time.Time) error {
	return c.post(ctx, agreementID, "live", map[string]any{
		"start_at": startAt.UTC(),
		"end_at":   endAt.UTC(),
	})
}

func (c *HTTPController) MarkExpired(ctx context.Context, agreementID string) error {
	return c.post(ctx, agreementID, "expired", nil)
}

func (c *HTTPController) HardCancelAndRefund(ctx context.Context, agreementID string) error {
	return c.post(ctx, agreementID, "hard_cancel_refund", nil)
}

func (c *HTTPController) post(ctx context.Context, agreementID, event string, extra map[string]any) error {
	payload := map[string]any{"agreement_id": agreementID, "event": event}
	for k, v := range extra {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal %s: %w", event, err)
	}

	endpoint := fmt.Sprintf("%s/ledger/agreements/%s/events", c.baseURL, agreementID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("escrow: build %s request: %w", event, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("escrow: post %s: %w", event, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("escrow: post %s: unexpected status %d", event, resp.StatusCode)
	}
	return nil
}

// Noop discards every mirror call. Used in development and as the safe
// default when no ledger is configured.
type Noop struct{}

func (Noop) MarkVerifying(context.Context, string) error                    { return nil }
func (Noop) MarkLive(context.Context, string, time.Time, time.Time) error   { return nil }
func (Noop) MarkExpired(context.Context, string) error                      { return nil }
func (Noop) HardCancelAndRefund(context.Context, string) error              { return nil }
