package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store persists checkpoint records.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Load(ctx context.Context) (*Record, error)
	Clear(ctx context.Context) error
}

// FileStore keeps the checkpoint as a single JSON file. Writes go through
// a temp file and rename so a crash mid-write never leaves a torn record.
type FileStore struct {
	path string
}

// NewFileStore creates the checkpoint directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, "checkpoint.json")}, nil
}

// Save writes the record atomically.
func (s *FileStore) Save(_ context.Context, rec *Record) error {
	data, err := rec.Encode()
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename checkpoint file: %w", err)
	}
	return nil
}

// Load reads and validates the stored record.
func (s *FileStore) Load(_ context.Context) (*Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}
	return Decode(data)
}

// Clear removes the checkpoint. A missing file is not an error.
func (s *FileStore) Clear(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint file: %w", err)
	}
	return nil
}
