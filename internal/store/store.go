// Package store declares persistence contracts shared by the archive
// backends.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/wikivault/wikivault/internal/wiki"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Direction selects which side of a point-in-time lookup wins.
type Direction string

// Lookup directions for RevisionAt. Bounds are inclusive: a revision
// saved exactly at the requested instant satisfies all three.
const (
	Before  Direction = "before"
	After   Direction = "after"
	Nearest Direction = "nearest"
)

// History answers point-in-time queries over archived revisions.
type History interface {
	// RevisionAt returns the revision of the page that matches the
	// direction relative to at, or ErrNotFound when no revision
	// qualifies. Nearest prefers the earlier revision on a tie.
	RevisionAt(ctx context.Context, pageID string, at time.Time, dir Direction) (*wiki.Revision, error)
}

// Archive is the full persistence surface a backend provides.
type Archive interface {
	wiki.Store
	History
	Close()
}
