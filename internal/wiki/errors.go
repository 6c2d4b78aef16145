package wiki

import (
	"errors"
	"fmt"
)

// ErrorKind classifies fetch and pipeline failures.
type ErrorKind string

// Supported error kinds.
const (
	// KindTransient covers timeouts, 5xx responses, and other failures
	// worth retrying locally.
	KindTransient ErrorKind = "transient"
	// KindPermanent covers not-found pages, invalid identifiers, and
	// malformed responses. The task is recorded and the run continues.
	KindPermanent ErrorKind = "permanent"
	// KindRateLimit is an explicit slow-down signal from the remote. It
	// triggers backoff and is never counted as a task failure by itself.
	KindRateLimit ErrorKind = "rate_limit"
	// KindChecksum marks a data-integrity failure; corrupt content is
	// never silently stored.
	KindChecksum ErrorKind = "checksum"
	// KindCheckpoint marks unusable checkpoint state.
	KindCheckpoint ErrorKind = "checkpoint"
)

// ErrCheckpointCorrupt blocks resumption until an explicit fresh start.
var ErrCheckpointCorrupt = errors.New("checkpoint is corrupt")

// ErrFreshStartRequired is returned when a checkpoint is structurally
// readable but cannot be trusted (version mismatch, missing required
// fields) and the caller has not confirmed a fresh start.
var ErrFreshStartRequired = errors.New("checkpoint requires a fresh start")

// FetchError wraps a remote failure with its classification.
type FetchError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable fetch failure.
func Transient(op string, err error) error {
	return &FetchError{Kind: KindTransient, Op: op, Err: err}
}

// Permanent wraps err as a non-retryable fetch failure.
func Permanent(op string, err error) error {
	return &FetchError{Kind: KindPermanent, Op: op, Err: err}
}

// RateLimited wraps err as an explicit rate-limit signal.
func RateLimited(op string, err error) error {
	return &FetchError{Kind: KindRateLimit, Op: op, Err: err}
}

// ChecksumMismatch builds a data-integrity error for a page.
func ChecksumMismatch(pageID, want, got string) error {
	return &FetchError{
		Kind: KindChecksum,
		Op:   "verify " + pageID,
		Err:  fmt.Errorf("content hash mismatch: want %s, got %s", want, got),
	}
}

// KindOf returns the classification of err, defaulting to permanent for
// unclassified errors so that unknown failures never retry forever.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, ErrCheckpointCorrupt) || errors.Is(err, ErrFreshStartRequired) {
		return KindCheckpoint
	}
	return KindPermanent
}

// IsRetryable reports whether err should be retried with backoff.
// Rate-limit signals are retryable; they just wait longer.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimit:
		return true
	default:
		return false
	}
}
