package identity

import (
	"context"
	"sync"
)

// MemoryStore is a map-backed Store for tests and development mode.
type MemoryStore struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewMemoryStore(seed map[string]string) *MemoryStore {
	m := make(map[string]string, len(seed))
	for credential, tag := range seed {
		m[credential] = tag
	}
	return &MemoryStore{m: m}
}

func (s *MemoryStore) FetchIdentity(ctx context.Context, credential string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tag, ok := s.m[credential]
	if !ok {
		return "", ErrUnknownCredential
	}
	return tag, nil
}

func (s *MemoryStore) PutIdentity(credential, tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[credential] = tag
}
