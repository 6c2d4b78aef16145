package wiki

import (
	"context"
	"time"
)

// Source lists pages and fetches revision history from the remote wiki.
type Source interface {
	// ListPages returns one batch of pages for the namespace, starting at
	// cursor. An empty cursor starts from the beginning; an empty
	// NextCursor in the result ends discovery.
	ListPages(ctx context.Context, namespace string, cursor string) (PageBatch, error)
	// FetchRevisions returns all revisions of the page newer than
	// sinceRevision (0 means the full history), oldest first.
	FetchRevisions(ctx context.Context, page Page, sinceRevision int64) ([]Revision, error)
}

// FileSource downloads media files referenced by pages.
type FileSource interface {
	FetchFile(ctx context.Context, title string) ([]byte, error)
}

// Store persists pages and revisions. UpsertRevision must be idempotent
// with respect to (page id, content hash) so interrupted runs can replay
// safely.
type Store interface {
	UpsertPage(ctx context.Context, page Page) error
	UpsertRevision(ctx context.Context, rev Revision) (bool, error)
	ReadLastRevision(ctx context.Context, pageID string) (*Revision, error)
	CreateRun(ctx context.Context, run ScrapeRun) error
	CloseRun(ctx context.Context, run ScrapeRun) error
}

// MediaStore writes downloaded file blobs and returns a URI.
type MediaStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes revision events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event RevisionEvent) (string, error)
}

// Hasher computes digests for deduplication and integrity checks.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
