package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clip is one synthesized audio rendition.
type Clip struct {
	Data        []byte
	ContentType string
	CreatedAt   time.Time
}

// AudioStore keeps synthesized clips in memory for a bounded time so students
// can fetch them by reference.
type AudioStore struct {
	mu       sync.RWMutex
	clips    map[string]Clip
	order    []string
	ttl      time.Duration
	capacity int
	now      func() time.Time
}

// NewAudioStore creates a store. Clips expire after ttl; when capacity is
// reached the oldest clip is evicted.
func NewAudioStore(ttl time.Duration, capacity int) *AudioStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &AudioStore{
		clips:    make(map[string]Clip),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
	}
}

// Put stores data and returns its id.
func (s *AudioStore) Put(data []byte, contentType string) string {
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.order) >= s.capacity {
		delete(s.clips, s.order[0])
		s.order = s.order[1:]
	}
	s.clips[id] = Clip{Data: data, ContentType: contentType, CreatedAt: s.now()}
	s.order = append(s.order, id)
	return id
}

// Get returns the clip for id if it exists and has not expired.
func (s *AudioStore) Get(id string) (Clip, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clip, ok := s.clips[id]
	if !ok || s.now().Sub(clip.CreatedAt) > s.ttl {
		return Clip{}, false
	}
	return clip, true
}

// Len reports the number of stored clips, expired or not.
func (s *AudioStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clips)
}

// Sweep drops expired clips.
func (s *AudioStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	kept := s.order[:0]
	removed := 0
	for _, id := range s.order {
		if now.Sub(s.clips[id].CreatedAt) > s.ttl {
			delete(s.clips, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed
}

// Run sweeps every interval until ctx ends.
func (s *AudioStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
