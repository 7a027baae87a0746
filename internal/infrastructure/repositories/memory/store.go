package memory

import (
	"context"
	"sync"

	"charstream/internal/core/domain"
	"charstream/internal/core/ports"
)

// MemorySessionStore keeps session state for the lifetime of the
// process. Used in tests and when persistence is disabled.
type MemorySessionStore struct {
	mu       sync.RWMutex
	handle   *domain.StreamHandle
	settings map[string]string
}

func NewMemorySessionStore() ports.SessionStateRepository {
	return &MemorySessionStore{
		settings: make(map[string]string),
	}
}

func (s *MemorySessionStore) SaveHandle(ctx context.Context, h *domain.StreamHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *h
	s.handle = &copied
	return nil
}

func (s *MemorySessionStore) LoadHandle(ctx context.Context) (*domain.StreamHandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.handle == nil {
		return nil, domain.ErrHandleNotFound
	}
	copied := *s.handle
	return &copied, nil
}

func (s *MemorySessionStore) ClearHandle(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = nil
	return nil
}

func (s *MemorySessionStore) GetSetting(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings[key], nil
}

func (s *MemorySessionStore) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}
