// Package progress defines the milestone events emitted while a scrape
// run executes and the hub that fans them out to sinks.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart Stage = "RUN_START"
	StagePageDone Stage = "PAGE_DONE"
	StageRunDone  Stage = "RUN_DONE"
	StageRunError Stage = "RUN_ERROR"
)

// Outcome classifies how a page task finished.
type Outcome string

// Supported page outcomes.
const (
	OutcomeScraped Outcome = "scraped"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Event captures one milestone of scrape progress.
type Event struct {
	// RunID identifies the scrape run the event belongs to.
	RunID uuid.UUID
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or page milestone occurred.
	Stage Stage
	// Namespace scopes page events; empty for run-level stages.
	Namespace string
	// PageKey is the checkpoint key of the page for PAGE_DONE events.
	PageKey string
	// Revisions counts new revisions this page contributed.
	Revisions int
	// Outcome classifies the page result for PAGE_DONE events.
	Outcome Outcome
	// Dur captures task or run latency.
	Dur time.Duration
	// Note lets emitters attach low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == uuid.Nil {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StagePageDone:
		if e.PageKey == "" {
			return errors.New("page done requires page key")
		}
		if e.Outcome == "" {
			return errors.New("page done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
