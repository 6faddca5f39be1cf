// Package store provides crash-safe position persistence using JSON files.
//
// Each symbol's position is stored as a separate file: pos_<symbol>.json.
// Writes use atomic file replacement (write to .tmp, then rename) to prevent
// corruption from partial writes or crashes mid-save. The position manager
// saves after each fill and restores on startup, so a restart mid-session
// does not lose entry prices or hold timers.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"stockbot/pkg/types"
)

// Store persists positions to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string     // directory containing pos_*.json files
	mu  sync.Mutex // serializes all file operations
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SavePosition atomically persists the position. It writes to a .tmp
// file first, then renames over the target so the file is never left in
// a partial state.
func (s *Store) SavePosition(pos types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}

	path := filepath.Join(s.dir, "pos_"+pos.Symbol+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write position: %w", err)
	}
	return os.Rename(tmp, path)
}

// RemovePosition deletes the saved file once a position fully closes.
// Missing files are not an error.
func (s *Store) RemovePosition(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.dir, "pos_"+symbol+".json"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove position: %w", err)
	}
	return nil
}

// LoadAll restores every saved position. Unreadable files are skipped
// rather than failing the whole restore.
func (s *Store) LoadAll() ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read store dir: %w", err)
	}

	var out []types.Position
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "pos_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var pos types.Position
		if err := json.Unmarshal(data, &pos); err != nil {
			continue
		}
		if pos.Symbol == "" || pos.Qty <= 0 {
			continue
		}
		out = append(out, pos)
	}
	return out, nil
}
