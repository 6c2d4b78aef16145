// Package wiki defines the core types and contracts shared by the scrape
// pipeline: pages, revisions, runs, and the interfaces the orchestrator
// consumes.
package wiki

import (
	"time"

	"github.com/google/uuid"
)

// Page identifies a single wiki page within a namespace.
type Page struct {
	ID        string
	Title     string
	Namespace string
}

// Key returns the stable identifier used for checkpoint completion marks.
func (p Page) Key() string {
	return p.Namespace + ":" + p.ID
}

// Revision is an immutable snapshot of a page's content at a point in time.
// ParentID, when set, references an earlier revision of the same page.
type Revision struct {
	ID          int64
	PageID      string
	ParentID    *int64
	Content     string
	ContentHash string
	Size        int
	Timestamp   time.Time
	Author      string
}

// ChangeRecord describes the delta between two consecutive revisions of
// a page. It rides along on RevisionEvent for downstream consumers.
type ChangeRecord struct {
	PageID       string  `json:"page_id"`
	FromRevision int64   `json:"from_revision"`
	ToRevision   int64   `json:"to_revision"`
	LinesAdded   int     `json:"lines_added"`
	LinesRemoved int     `json:"lines_removed"`
	Percent      float64 `json:"percent"`
}

// RunMode selects between a full re-scrape and an incremental pass.
type RunMode string

// Supported run modes.
const (
	ModeFull        RunMode = "full"
	ModeIncremental RunMode = "incremental"
)

// RunStatus is the lifecycle state of a ScrapeRun.
type RunStatus string

// Supported run statuses.
const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunInterrupted RunStatus = "interrupted"
)

// ScrapeRun records one invocation of the orchestrator. Only the
// orchestrator mutates it; it is closed when a terminal status is set.
type ScrapeRun struct {
	ID         uuid.UUID
	Mode       RunMode
	Status     RunStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	Stats      RunStats
}

// RunStats aggregates counters across a run.
type RunStats struct {
	PagesScraped    int
	PagesSkipped    int
	PagesFailed     int
	RevisionsAdded  int
	FilesDownloaded int
}

// TaskStatus tracks per-page progress. Transitions are monotonic: once a
// task reaches success or failed it never reverts.
type TaskStatus string

// Supported task statuses.
const (
	TaskPending TaskStatus = "pending"
	TaskSuccess TaskStatus = "success"
	TaskFailed  TaskStatus = "failed"
	TaskSkipped TaskStatus = "skipped"
)

// PageBatch is one page of results from a paginated listing. An empty
// NextCursor signals the end of discovery.
type PageBatch struct {
	Pages      []Page
	NextCursor string
}

// RevisionEvent is published when a new revision lands in the store.
type RevisionEvent struct {
	RunID       string    `json:"run_id"`
	PageID      string    `json:"page_id"`
	Title       string    `json:"title"`
	Namespace   string    `json:"namespace"`
	RevisionID  int64     `json:"revision_id"`
	ContentHash string    `json:"content_hash"`
	Timestamp   time.Time `json:"timestamp"`
	// Change is absent when the revision landed without a computed
	// delta (e.g. a hash-identical snapshot would not publish at all).
	Change *ChangeRecord `json:"change,omitempty"`
}
