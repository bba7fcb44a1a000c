package objstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Memory stores objects in-memory and returns pseudo URLs. Intended for
// tests and local development.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates a new in-memory object store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Upload persists a copy of the content and returns a memory:// URL.
func (s *Memory) Upload(_ context.Context, key, _ string, data []byte) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("object key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return fmt.Sprintf("memory://%s", key), nil
}

// DeleteMany removes the given objects. Missing keys are ignored.
func (s *Memory) DeleteMany(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}

// PublicBaseURL returns the pseudo scheme root.
func (s *Memory) PublicBaseURL() string { return "memory:/" }

// Object returns a copy of a stored object, for tests.
func (s *Memory) Object(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Len reports how many objects are stored, for tests.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
