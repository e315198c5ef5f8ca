package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// maxImageBytes bounds slot image downloads so a hostile host cannot pin a
// worker on an unbounded body.
const maxImageBytes = 8 << 20

// HTTPProvider talks to the live profile host API. It implements both
// Provider and ImageFetcher.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider builds a provider for the host API at baseURL. The
// timeout caps every fetch; it is the only suspension point the scheduler
// exposes to the outside world, so it must be finite.
func NewHTTPProvider(baseURL string, timeout time.Duration) (*HTTPProvider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("snapshot: empty base url")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (p *HTTPProvider) Fetch(ctx context.Context, handle string) (Snapshot, error) {
	if handle == "" {
		return Snapshot{}, fmt.Errorf("snapshot: empty handle")
	}

	endpoint := fmt.Sprintf("%s/profiles/%s", p.baseURL, url.PathEscape(handle))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: fetch profile %s: %w", handle, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Snapshot{}, ErrProfileNotFound
	case resp.StatusCode != http.StatusOK:
		return Snapshot{}, fmt.Errorf("snapshot: fetch profile %s: unexpected status %d", handle, resp.StatusCode)
	}

	var body struct {
		ImageURL *string `json:"image_url"`
		Text     string  `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: decode profile %s: %w", handle, err)
	}

	return Snapshot{ImageURL: body.ImageURL, Text: body.Text}, nil
}

func (p *HTTPProvider) FetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	if imageURL == "" {
		return nil, fmt.Errorf("snapshot: empty image url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: build image request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot: fetch image: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrImageNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("snapshot: fetch image: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("snapshot: read image body: %w", err)
	}
	return data, nil
}
