package program

import (
	"context"
	"sort"
	"sync"
)

// Static is an in-memory Catalog.
type Static struct {
	mu      sync.RWMutex
	sources map[string]string
}

func NewStatic(sources map[string]string) *Static {
	s := &Static{sources: map[string]string{}}
	for id, src := range sources {
		s.sources[id] = src
	}
	return s
}

// Set adds or replaces the source of a program.
func (s *Static) Set(id, src string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[id] = src
}

func (s *Static) Programs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sources))
	for id := range s.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Static) Source(ctx context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return "", ErrNotFound
	}
	return src, nil
}
