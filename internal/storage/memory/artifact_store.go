// Package memory stores backup artifacts in-memory for tests and development.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// ArtifactStore keeps artifacts in a map and returns pseudo URIs.
type ArtifactStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewArtifactStore creates a new in-memory artifact store.
func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{data: make(map[string][]byte)}
}

// Put persists the content and returns a memory:// URI.
func (s *ArtifactStore) Put(_ context.Context, name string, _ string, data io.Reader) (string, error) {
	if name == "" {
		return "", fmt.Errorf("artifact name is required")
	}
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read artifact data: %w", err)
	}

	s.mu.Lock()
	s.data[name] = append([]byte(nil), byteData...)
	s.mu.Unlock()
	return fmt.Sprintf("memory://%s", name), nil
}

// Get returns a copy of the stored content.
func (s *ArtifactStore) Get(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[name]
	if !ok {
		return nil, fmt.Errorf("artifact %q not found", name)
	}
	return append([]byte(nil), data...), nil
}

// List returns all artifact names in lexical order.
func (s *ArtifactStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.data))
	for name := range s.data {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Remove deletes a stored artifact.
func (s *ArtifactStore) Remove(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[name]; !ok {
		return fmt.Errorf("artifact %q not found", name)
	}
	delete(s.data, name)
	return nil
}

// Len reports how many artifacts are stored.
func (s *ArtifactStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
