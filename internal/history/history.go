// Package history keeps a short rolling record of fanned-out translation units
// per (session, language) for transcript-history requests.
package history

import (
	"sync"

	"lectern/pkg/types"
)

// DefaultSize is the per-language ring capacity.
const DefaultSize = 50

type key struct {
	session  string
	language string
}

// ring is a fixed-capacity FIFO. The oldest unit is overwritten when full.
type ring struct {
	units []types.TranslationUnit
	head  int
	count int
}

func (r *ring) push(u types.TranslationUnit) {
	idx := (r.head + r.count) % len(r.units)
	r.units[idx] = u
	if r.count < len(r.units) {
		r.count++
		return
	}
	r.head = (r.head + 1) % len(r.units)
}

func (r *ring) snapshot() []types.TranslationUnit {
	out := make([]types.TranslationUnit, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.units[(r.head+i)%len(r.units)]
	}
	return out
}

// Store holds one ring per (session, language).
type Store struct {
	size int

	mu    sync.RWMutex
	rings map[key]*ring
}

func NewStore(size int) *Store {
	if size <= 0 {
		size = DefaultSize
	}
	return &Store{
		size:  size,
		rings: make(map[key]*ring),
	}
}

// Append records a unit under its target language.
func (s *Store) Append(sessionID string, unit types.TranslationUnit) {
	k := key{session: sessionID, language: unit.TargetLanguage}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rings[k]
	if !ok {
		r = &ring{units: make([]types.TranslationUnit, s.size)}
		s.rings[k] = r
	}
	r.push(unit)
}

// Recent returns the retained units for a language, oldest first.
func (s *Store) Recent(sessionID, language string) []types.TranslationUnit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rings[key{session: sessionID, language: language}]
	if !ok {
		return []types.TranslationUnit{}
	}
	return r.snapshot()
}

// Drop forgets every language of a closed session.
func (s *Store) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.rings {
		if k.session == sessionID {
			delete(s.rings, k)
		}
	}
}
