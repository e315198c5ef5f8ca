package snapshot

import (
	"context"
	"sync"
)

// Simulated is an in-memory Provider/ImageFetcher pair for tests and local
// development. It is injected like any other implementation; there is no
// package-level state.
type Simulated struct {
	mu       sync.RWMutex
	profiles map[string]Snapshot
	images   map[string][]byte

	// FetchErr, when set, is returned by every Fetch call. Lets tests
	// simulate a host outage.
	FetchErr error
}

func NewSimulated() *Simulated {
	return &Simulated{
		profiles: make(map[string]Snapshot),
		images:   make(map[string][]byte),
	}
}

// SetProfile installs or replaces the snapshot returned for handle.
func (s *Simulated) SetProfile(handle string, snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[handle] = snap
}

// SetImage installs the bytes served for a slot image URL.
func (s *Simulated) SetImage(url string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[url] = data
}

// SetOutage makes every subsequent Fetch fail with err; pass nil to heal.
func (s *Simulated) SetOutage(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FetchErr = err
}

func (s *Simulated) Fetch(_ context.Context, handle string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FetchErr != nil {
		return Snapshot{}, s.FetchErr
	}
	snap, ok := s.profiles[handle]
	if !ok {
		return Snapshot{}, ErrProfileNotFound
	}
	return snap, nil
}

func (s *Simulated) FetchImage(_ context.Context, url string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FetchErr != nil {
		return nil, s.FetchErr
	}
	data, ok := s.images[url]
	if !ok {
		return nil, ErrImageNotFound
	}
	return data, nil
}
