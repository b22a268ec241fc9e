package oneshot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClipNotFound is returned for unknown or expired clip IDs.
var ErrClipNotFound = errors.New("oneshot: clip not found")

// DefaultClipTTL is how long a synthesised clip stays retrievable.
const DefaultClipTTL = 10 * time.Minute

// Clip is one synthesised answer kept for later download.
type Clip struct {
	ID          string
	ContentType string
	Data        []byte
	Expires     time.Time
}

// ClipStore is a thread-safe, in-memory store of clips with a fixed TTL.
// Nothing survives a restart.
type ClipStore struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	clips map[string]Clip
}

// NewClipStore returns a store whose clips expire after ttl
// (DefaultClipTTL when ttl <= 0).
func NewClipStore(ttl time.Duration) *ClipStore {
	if ttl <= 0 {
		ttl = DefaultClipTTL
	}
	return &ClipStore{ttl: ttl, now: time.Now, clips: make(map[string]Clip)}
}

// Put stores data and returns its clip. ext is appended to the generated ID
// so that download URLs carry a file extension.
func (s *ClipStore) Put(data []byte, contentType, ext string) Clip {
	c := Clip{
		ID:          uuid.NewString() + ext,
		ContentType: contentType,
		Data:        data,
		Expires:     s.now().Add(s.ttl),
	}
	s.mu.Lock()
	s.clips[c.ID] = c
	s.mu.Unlock()
	return c
}

// Get returns a live clip.
func (s *ClipStore) Get(id string) (Clip, error) {
	s.mu.RLock()
	c, ok := s.clips[id]
	s.mu.RUnlock()
	if !ok || !s.now().Before(c.Expires) {
		return Clip{}, ErrClipNotFound
	}
	return c, nil
}

// Len returns the number of stored clips, expired ones included until the
// next sweep.
func (s *ClipStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clips)
}

// Sweep drops expired clips and returns how many were removed.
func (s *ClipStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.clips {
		if !now.Before(c.Expires) {
			delete(s.clips, id)
			n++
		}
	}
	return n
}

// Run sweeps periodically until ctx is done.
func (s *ClipStore) Run(ctx context.Context) error {
	t := time.NewTicker(max(s.ttl/2, time.Second))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Sweep()
		}
	}
}
