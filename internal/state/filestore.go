package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/stationd/stationd/internal/logger"
)

const stateFileName = "state.json"

var _ Store = (*FileStore)(nil)

// FileStore persists the whole device state as a single JSON document so
// that it survives a reboot of the machine. Every mutation rewrites the
// file with a temp-file-and-rename to keep the document intact if the
// process dies mid-write.
type FileStore struct {
	*MemStore

	file    string
	flushMu sync.Mutex
	lg      logger.Logger
}

type FileOption func(*FileStore)

// WithLogger sets the logger used for flush warnings.
func WithLogger(lg logger.Logger) FileOption {
	return func(s *FileStore) { s.lg = lg }
}

// WithFileChangeCallback registers the change callback on the underlying
// store.
func WithFileChangeCallback(cb ChangeCallback) FileOption {
	return func(s *FileStore) { s.MemStore.onChange = cb }
}

// OpenFileStore opens (or creates) the state document under dataDir. A
// corrupt document is discarded with a warning; it never fails the caller
// for content reasons.
func OpenFileStore(dataDir string, opts ...FileOption) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &FileStore{
		MemStore: NewMemStore(),
		file:     filepath.Join(dataDir, stateFileName),
		lg:       logger.NewLogger(logger.WithQuiet()),
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(s.file)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// first boot
	case err != nil:
		return nil, fmt.Errorf("failed to read state file: %w", err)
	default:
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil {
			s.lg.Warn("State file is corrupt; starting fresh", "file", s.file, "err", err)
		} else {
			s.MemStore.restore(doc)
		}
	}
	return s, nil
}

func (s *FileStore) UpdateTestState(path string, u Update) TestState {
	ts := s.MemStore.UpdateTestState(path, u)
	s.flush()
	return ts
}

func (s *FileStore) SetSharedData(key string, v any) error {
	if err := s.MemStore.SetSharedData(key, v); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *FileStore) DeleteSharedData(key string) error {
	if err := s.MemStore.DeleteSharedData(key); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *FileStore) Close() error {
	s.flush()
	return nil
}

func (s *FileStore) flush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	doc := s.MemStore.snapshot()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		s.lg.Warn("Failed to marshal state document", "err", err)
		return
	}
	tmp := s.file + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		s.lg.Warn("Failed to write state file", "file", tmp, "err", err)
		return
	}
	if err := os.Rename(tmp, s.file); err != nil {
		s.lg.Warn("Failed to replace state file", "file", s.file, "err", err)
	}
}
