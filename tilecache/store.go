// Copyright 2025 The chi-pins Authors
// SPDX-License-Identifier: Apache-2.0

package tilecache

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is the tile byte-blob backend. The disk store survives app
// reinstalls on native hosts; the memory store is the transient analogue
// for capability-limited hosts and its contents vanish with the process.
// Which one is in use is surfaced verbatim in status output.
type Store interface {
	SaveTile(c Coord, data []byte) error
	GetTile(c Coord) ([]byte, error) // nil, nil when absent
	HasTile(c Coord) bool
	ClearAll() error
	Count() int
	Backend() string
}

// DiskStore persists tiles as a z/x/y.png file tree under a root dir.
type DiskStore struct {
	root string
}

// NewDiskStore creates the root directory if needed.
func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tile cache dir: %w", err)
	}
	return &DiskStore{root: root}, nil
}

func (s *DiskStore) Backend() string { return "native-filesystem" }

func (s *DiskStore) path(c Coord) string {
	return filepath.Join(s.root, fmt.Sprintf("%d", c.Z), fmt.Sprintf("%d", c.X), fmt.Sprintf("%d.png", c.Y))
}

func (s *DiskStore) SaveTile(c Coord, data []byte) error {
	path := s.path(c)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create tile dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write tile %s: %w", c.Key(), err)
	}
	return nil
}

func (s *DiskStore) GetTile(c Coord) ([]byte, error) {
	data, err := os.ReadFile(s.path(c))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %s: %w", c.Key(), err)
	}
	return data, nil
}

func (s *DiskStore) HasTile(c Coord) bool {
	_, err := os.Stat(s.path(c))
	return err == nil
}

func (s *DiskStore) ClearAll() error {
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("failed to clear tile cache: %w", err)
	}
	return os.MkdirAll(s.root, 0o755)
}

func (s *DiskStore) Count() int {
	count := 0
	_ = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(path, ".png") {
			count++
		}
		return nil
	})
	return count
}

// MemStore is the transient in-process backend.
type MemStore struct {
	mu    sync.RWMutex
	tiles map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{tiles: make(map[string][]byte)}
}

func (s *MemStore) Backend() string { return "memory" }

func (s *MemStore) SaveTile(c Coord, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiles[c.Key()] = data
	return nil
}

func (s *MemStore) GetTile(c Coord) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tiles[c.Key()], nil
}

func (s *MemStore) HasTile(c Coord) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tiles[c.Key()]
	return ok
}

func (s *MemStore) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiles = make(map[string][]byte)
	return nil
}

func (s *MemStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tiles)
}
