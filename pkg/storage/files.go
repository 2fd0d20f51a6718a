// Package storage persists project documents: the JSON file of every
// document, the debounced writer in front of them and the named revision
// history of assets.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tidwall/jsonc"
	"github.com/zeebo/blake3"
)

// FileStore reads and writes document files under a project directory.
// Keys are slash separated paths relative to the root. Safe for concurrent
// use.
type FileStore struct {
	root   string
	logger *slog.Logger

	mu      sync.Mutex
	digests map[string][32]byte
}

func NewFileStore(root string, logger *slog.Logger) *FileStore {
	return &FileStore{root: root, logger: logger, digests: make(map[string][32]byte)}
}

func (s *FileStore) Root() string { return s.root }

func (s *FileStore) Path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Read decodes the document stored at key. Files may contain comments and
// trailing commas. A missing file is reported with fs.ErrNotExist.
func (s *FileStore) Read(key string) (any, error) {
	raw, err := os.ReadFile(s.Path(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	var state any
	if err := json.Unmarshal(jsonc.ToJSON(raw), &state); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	s.remember(key, blake3.Sum256(raw))
	return state, nil
}

// Exists reports whether a document is stored at key.
func (s *FileStore) Exists(key string) (bool, error) {
	_, err := os.Stat(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Marshal renders a document state as it is stored on disk.
func Marshal(state any) ([]byte, error) {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return data, nil
}

// WriteFile stores data at key through a temporary file and rename. It
// reports false when the file already holds exactly these bytes.
func (s *FileStore) WriteFile(key string, data []byte) (bool, error) {
	digest := blake3.Sum256(data)
	s.mu.Lock()
	previous, known := s.digests[key]
	s.mu.Unlock()
	if known && previous == digest {
		return false, nil
	}

	path := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create directory for %s: %w", key, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return false, fmt.Errorf("failed to replace %s: %w", key, err)
	}
	s.remember(key, digest)
	s.logger.Debug("wrote document", "key", key, "bytes", len(data))
	return true, nil
}

// Write marshals state and stores it at key.
func (s *FileStore) Write(key string, state any) (bool, error) {
	data, err := Marshal(state)
	if err != nil {
		return false, err
	}
	return s.WriteFile(key, data)
}

// Remove deletes key, which may be a directory, and forgets the digests
// beneath it.
func (s *FileStore) Remove(key string) error {
	if err := os.RemoveAll(s.Path(key)); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	prefix := key + "/"
	s.mu.Lock()
	defer s.mu.Unlock()
	for known := range s.digests {
		if known == key || strings.HasPrefix(known, prefix) {
			delete(s.digests, known)
		}
	}
	return nil
}

func (s *FileStore) remember(key string, digest [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digests[key] = digest
}
