package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fileEntry is one committed action in the store file.
type fileEntry struct {
	Result      json.RawMessage `json:"result"`
	CommittedAt time.Time       `json:"committed_at"`
}

// FileStore keeps committed results in a single JSON file, rewritten
// atomically on every Put. Good enough for one process per store file;
// use the Postgres store when several processes share keys.
type FileStore struct {
	mu      sync.Mutex
	path    string
	entries map[string]fileEntry
}

// OpenFileStore loads (or creates) the store file at path.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		entries: make(map[string]fileEntry),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open idempotency store %s: %w", path, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.entries); err != nil {
			return nil, fmt.Errorf("parse idempotency store %s: %w", path, err)
		}
	}
	return s, nil
}

// Get returns the committed result for key, if any.
func (s *FileStore) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return entry.Result, true, nil
}

// Put records the result for key. The first write wins; a second Put for
// the same key keeps the original result.
func (s *FileStore) Put(_ context.Context, key string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; exists {
		return nil
	}
	s.entries[key] = fileEntry{
		Result:      result,
		CommittedAt: time.Now().UTC(),
	}
	return s.flush()
}

// Len returns the number of committed keys.
func (s *FileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// flush writes the whole map to a temp file and renames it into place so a
// reader never sees a torn file. Caller holds the lock.
func (s *FileStore) flush() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode idempotency store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".idempotency-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}
