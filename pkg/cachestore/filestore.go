package cachestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const entrySuffix = ".json"

// FileStoreConfig holds configuration for the filesystem-backed store.
type FileStoreConfig struct {
	// Dir is the directory holding one JSON file per fingerprint.
	Dir string
}

// FileStore persists each entry as a single JSON file named by its
// fingerprint. Writes go through a temp file and rename so no reader ever
// observes a partially written entry.
type FileStore struct {
	dir    string
	logger zerolog.Logger
	mu     sync.RWMutex
}

// NewFileStore creates the cache directory if needed and returns a store over it.
func NewFileStore(cfg FileStoreConfig, logger zerolog.Logger) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, errors.New("cache directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", cfg.Dir, err)
	}
	return &FileStore{
		dir:    cfg.Dir,
		logger: logger.With().Str("component", "FileStore").Logger(),
	}, nil
}

func (s *FileStore) entryPath(fp string) string {
	return filepath.Join(s.dir, fp+entrySuffix)
}

// Get reads and decodes the entry file for the fingerprint. A missing file is
// a normal miss; a corrupt file is logged and also reported as a miss.
func (s *FileStore) Get(_ context.Context, fp string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.entryPath(fp))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error().Err(err).Str("fingerprint", fp).Msg("Cache read failed, treating as miss.")
		}
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.logger.Warn().Err(err).Str("fingerprint", fp).Msg("Malformed cache entry, treating as miss.")
		return nil, false
	}
	return &entry, true
}

// Put writes the entry atomically, replacing any existing entry for the same
// fingerprint.
func (s *FileStore) Put(_ context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: marshal entry %s: %v", ErrCacheWrite, entry.Fingerprint, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".entry-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrCacheWrite, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: write temp file: %v", ErrCacheWrite, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: close temp file: %v", ErrCacheWrite, err)
	}
	if err := os.Rename(tmpName, s.entryPath(entry.Fingerprint)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: rename entry %s: %v", ErrCacheWrite, entry.Fingerprint, err)
	}

	s.logger.Debug().Str("fingerprint", entry.Fingerprint).Msg("Cache entry written.")
	return nil
}

// Stats scans the cache directory. Entries that cannot be read or decoded are
// skipped and excluded from every aggregate.
func (s *FileStore) Stats(_ context.Context) Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats Statistics
	files, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error().Err(err).Msg("Cache directory scan failed.")
		return stats
	}

	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), entrySuffix) {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		entry, ok := s.readEntryFile(file.Name())
		if !ok {
			continue
		}
		stats.observe(entry.CreatedAt, info.Size())
	}
	return stats
}

// ClearAll deletes every entry file and returns the number deleted.
func (s *FileStore) ClearAll(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to scan cache directory: %w", err)
	}

	deleted := 0
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), entrySuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, file.Name())); err != nil {
			s.logger.Warn().Err(err).Str("file", file.Name()).Msg("Failed to delete cache entry, skipping.")
			continue
		}
		deleted++
	}
	s.logger.Info().Int("deleted", deleted).Msg("Cache cleared.")
	return deleted, nil
}

// ClearOlderThan deletes entries created more than maxAge before now.
func (s *FileStore) ClearOlderThan(_ context.Context, maxAge time.Duration) (int, error) {
	if maxAge < 0 {
		return 0, fmt.Errorf("%w: maxAge must be non-negative, got %s", ErrInvalidArgument, maxAge)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to scan cache directory: %w", err)
	}

	cutoff := time.Now().UnixMilli() - maxAge.Milliseconds()
	deleted := 0
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), entrySuffix) {
			continue
		}
		entry, ok := s.readEntryFile(file.Name())
		if !ok {
			continue
		}
		if entry.CreatedAt < cutoff {
			if err := os.Remove(filepath.Join(s.dir, file.Name())); err != nil {
				s.logger.Warn().Err(err).Str("file", file.Name()).Msg("Failed to delete stale entry, skipping.")
				continue
			}
			deleted++
		}
	}
	s.logger.Info().Int("deleted", deleted).Dur("max_age", maxAge).Msg("Stale cache entries cleared.")
	return deleted, nil
}

// Close is a no-op; the store holds no open resources between operations.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) readEntryFile(name string) (*Entry, bool) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		s.logger.Warn().Err(err).Str("file", name).Msg("Unreadable cache entry, skipping.")
		return nil, false
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.logger.Warn().Err(err).Str("file", name).Msg("Malformed cache entry, skipping.")
		return nil, false
	}
	return &entry, true
}
