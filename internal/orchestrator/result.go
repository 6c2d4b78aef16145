package orchestrator

import (
	"time"

	"github.com/wikivault/wikivault/internal/wiki"
)

// State is the lifecycle position of a run.
type State string

// Run states.
const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateDiscovering  State = "discovering"
	StateFetching     State = "fetching"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateInterrupted  State = "interrupted"
)

// Failure records one page that exhausted its retries.
type Failure struct {
	Page wiki.Page      `json:"page"`
	Kind wiki.ErrorKind `json:"kind"`
	Err  string         `json:"error"`
}

// Result summarizes a finished run.
type Result struct {
	RunID           string
	State           State
	Mode            wiki.RunMode
	PagesScraped    int
	PagesSkipped    int
	RevisionsAdded  int
	FilesDownloaded int
	Failures        []Failure
	Duration        time.Duration
	PerNamespace    map[string]int
}

// Exit codes reported by the scrape command.
const (
	ExitOK      = 0
	ExitHard    = 1
	ExitPartial = 3
)

// ExitCode maps the run outcome onto the process exit status: 0 for a
// clean run, 3 when the run finished but recorded failures or was
// interrupted, 1 for a hard failure.
func (r *Result) ExitCode() int {
	switch r.State {
	case StateCompleted:
		if len(r.Failures) > 0 {
			return ExitPartial
		}
		return ExitOK
	case StateInterrupted:
		return ExitPartial
	default:
		return ExitHard
	}
}

// Snapshot is the live view of a run served by the status API.
type Snapshot struct {
	State           State          `json:"state"`
	RunID           string         `json:"run_id,omitempty"`
	Mode            wiki.RunMode   `json:"mode,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	PagesScraped    int            `json:"pages_scraped"`
	PagesSkipped    int            `json:"pages_skipped"`
	PagesFailed     int            `json:"pages_failed"`
	RevisionsAdded  int            `json:"revisions_added"`
	FilesDownloaded int            `json:"files_downloaded"`
	PerNamespace    map[string]int `json:"per_namespace,omitempty"`
	Failures        []Failure      `json:"failures,omitempty"`
}
