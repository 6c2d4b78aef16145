// Package checkpoint implements the durable run-progress ledger that makes
// interrupted scrapes resumable.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wikivault/wikivault/internal/wiki"
)

// FormatVersion is the current checkpoint record version. Decoding ignores
// unknown fields so future versions can add data, but a version we do not
// recognize forces a fresh-start decision.
const FormatVersion = 1

// ErrNoCheckpoint is returned by stores when no record exists.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// Record is the persisted checkpoint state for one run scope.
type Record struct {
	Version   int              `json:"version"`
	RunID     string           `json:"run_id"`
	Mode      wiki.RunMode     `json:"mode"`
	Cursor    string           `json:"cursor"`
	Completed map[string]int64 `json:"completed"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// NewRecord creates an empty checkpoint for a fresh run.
func NewRecord(runID string, mode wiki.RunMode) *Record {
	return &Record{
		Version:   FormatVersion,
		RunID:     runID,
		Mode:      mode,
		Completed: make(map[string]int64),
	}
}

// Encode serializes the record for storage.
func (r *Record) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return data, nil
}

// Decode parses and validates a stored record. Malformed JSON is reported
// as corruption; a readable record with missing required fields or an
// unknown version requires an explicit fresh start. A corrupt or
// mismatched ledger is never partially trusted.
func Decode(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", wiki.ErrCheckpointCorrupt, err)
	}
	if rec.Version == 0 || rec.RunID == "" {
		return nil, fmt.Errorf("%w: missing required fields", wiki.ErrFreshStartRequired)
	}
	if rec.Version != FormatVersion {
		return nil, fmt.Errorf("%w: version %d, expected %d", wiki.ErrFreshStartRequired, rec.Version, FormatVersion)
	}
	if rec.Completed == nil {
		rec.Completed = make(map[string]int64)
	}
	return &rec, nil
}

// Clone returns a deep copy, used to hand the record to the ledger actor
// without sharing the completion map.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Completed = make(map[string]int64, len(r.Completed))
	for k, v := range r.Completed {
		cp.Completed[k] = v
	}
	return &cp
}
