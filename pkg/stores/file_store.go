package stores

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/icos-project/polman/pkg/model"
)

// FileStore keeps policies in memory and mirrors them to a JSON file after
// every write. Edits made to the file by other processes are picked up
// while Watch is running.
type FileStore struct {
	*MemoryStore

	path   string
	logger zerolog.Logger

	hashMu    sync.Mutex
	lastWrite [sha256.Size]byte

	watcher *fsnotify.Watcher
}

type fileDocument struct {
	Policies []*model.Policy `json:"policies"`
}

// NewFileStore opens the store backed by path, creating the file if needed.
func NewFileStore(path string, logger zerolog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file path is required")
	}

	s := &FileStore{
		MemoryStore: NewMemoryStore(),
		path:        path,
		logger:      logger.With().Str("component", "file-store").Str("path", path).Logger(),
	}
	s.MemoryStore.onChange = s.flush

	policies, err := s.read()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.replace(policies)
	err = s.flush()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) read() ([]*model.Policy, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	return doc.Policies, nil
}

// flush writes the current content to disk. Caller holds the store lock.
func (s *FileStore) flush() error {
	data, err := json.MarshalIndent(fileDocument{Policies: s.snapshot()}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode policies: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("failed to create policy directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write policy file: %w", err)
	}

	s.hashMu.Lock()
	s.lastWrite = sha256.Sum256(data)
	s.hashMu.Unlock()

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace policy file: %w", err)
	}
	return nil
}

// Watch reloads the store when the file is changed by another process.
// It returns once the watcher is installed; watching stops with ctx.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// The file is replaced by rename, so the directory is watched.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}
	s.watcher = watcher

	go s.processEvents(ctx)

	s.logger.Info().Msg("Started watching policy file")
	return nil
}

func (s *FileStore) processEvents(ctx context.Context) {
	var reloadTimer *time.Timer
	reloadDelay := 500 * time.Millisecond
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			_ = s.watcher.Close()
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := s.reload(); err != nil {
					s.logger.Error().Err(err).Msg("Failed to reload policy file")
				}
			})

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// reload replaces the in-memory content with the file content unless the
// file is the one last written by this store.
func (s *FileStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	s.hashMu.Lock()
	own := sha256.Sum256(data) == s.lastWrite
	s.hashMu.Unlock()
	if own {
		return nil
	}

	policies, err := s.read()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.replace(policies)
	s.mu.Unlock()

	s.logger.Info().Int("count", len(policies)).Msg("Policy file reloaded")
	return nil
}

// Close stops the watcher.
func (s *FileStore) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
