package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore holds the checkpoint in memory. It round-trips records
// through the codec so tests exercise the same validation as real stores.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save encodes and retains the record.
func (s *MemoryStore) Save(_ context.Context, rec *Record) error {
	data, err := rec.Encode()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	return nil
}

// Load decodes the retained record.
func (s *MemoryStore) Load(_ context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, ErrNoCheckpoint
	}
	return Decode(s.data)
}

// Clear drops the retained record.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	return nil
}

// Corrupt overwrites the stored bytes, simulating on-disk damage in tests.
func (s *MemoryStore) Corrupt(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
}
