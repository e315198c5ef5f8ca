// Package snapshot abstracts the external profile host. The verification
// engine only ever sees the Provider and ImageFetcher interfaces, so the
// live third-party-backed implementation and the simulated one used in
// tests are interchangeable.
package snapshot

import (
	"context"
	"errors"
)

// Snapshot is the externally observable state of a profile slot.
type Snapshot struct {
	// ImageURL is nil when the profile currently has no slot image.
	ImageURL *string
	Text     string
}

var (
	// ErrProfileNotFound signals the handle does not exist on the host.
	ErrProfileNotFound = errors.New("snapshot: profile not found")
	// ErrImageNotFound signals the slot image URL no longer resolves.
	ErrImageNotFound = errors.New("snapshot: image not found")
)

// Provider fetches the current profile state for a handle. Failures surface
// as returned errors, never as panics.
type Provider interface {
	Fetch(ctx context.Context, handle string) (Snapshot, error)
}

// ImageFetcher retrieves raw image bytes for a slot image URL.
type ImageFetcher interface {
	FetchImage(ctx context.Context, url string) ([]byte, error)
}
