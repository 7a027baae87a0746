package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"charstream/internal/core/domain"
	"charstream/internal/core/ports"
)

// storeState is the on-disk document. One small JSON file per client.
type storeState struct {
	Handle   *domain.StreamHandle `json:"handle,omitempty"`
	Settings map[string]string    `json:"settings,omitempty"`
}

// FileSessionStore persists session state to a local JSON file so a
// restarted client can pick its stream handle back up. Writes go
// through a temp file and rename to stay crash-safe.
type FileSessionStore struct {
	path string
	mu   sync.Mutex
}

func NewFileSessionStore(path string) (ports.SessionStateRepository, error) {
	if path == "" {
		return nil, fmt.Errorf("file store path must not be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	return &FileSessionStore{path: path}, nil
}

func (s *FileSessionStore) SaveHandle(ctx context.Context, h *domain.StreamHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(func(state *storeState) {
		copied := *h
		state.Handle = &copied
	})
}

func (s *FileSessionStore) LoadHandle(ctx context.Context) (*domain.StreamHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.read()
	if err != nil {
		return nil, err
	}
	if state.Handle == nil {
		return nil, domain.ErrHandleNotFound
	}
	copied := *state.Handle
	return &copied, nil
}

func (s *FileSessionStore) ClearHandle(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(func(state *storeState) {
		state.Handle = nil
	})
}

func (s *FileSessionStore) GetSetting(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.read()
	if err != nil {
		return "", err
	}
	return state.Settings[key], nil
}

func (s *FileSessionStore) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(func(state *storeState) {
		if state.Settings == nil {
			state.Settings = make(map[string]string)
		}
		state.Settings[key] = value
	})
}

// read loads the current document. A missing file is an empty store.
func (s *FileSessionStore) read() (*storeState, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &storeState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session store: %w", err)
	}

	var state storeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse session store: %w", err)
	}
	return &state, nil
}

// mutate applies fn to the document and writes it back atomically.
// Caller holds s.mu.
func (s *FileSessionStore) mutate(fn func(*storeState)) error {
	state, err := s.read()
	if err != nil {
		return err
	}
	fn(state)

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write session store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace session store: %w", err)
	}
	return nil
}
