// Package memory provides an in-memory archive for tests and dry runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wikivault/wikivault/internal/store"
	"github.com/wikivault/wikivault/internal/wiki"
)

// Store keeps the full archive in process memory. All methods are safe
// for concurrent use.
type Store struct {
	mu        sync.Mutex
	pages     map[string]wiki.Page
	revisions map[string][]wiki.Revision
	seen      map[string]struct{}
	runs      map[string]wiki.ScrapeRun
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		pages:     make(map[string]wiki.Page),
		revisions: make(map[string][]wiki.Revision),
		seen:      make(map[string]struct{}),
		runs:      make(map[string]wiki.ScrapeRun),
	}
}

// Close implements store.Archive. It is a no-op.
func (s *Store) Close() {}

// UpsertPage stores or replaces the page record.
func (s *Store) UpsertPage(_ context.Context, page wiki.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[page.ID] = page
	return nil
}

// UpsertRevision appends the revision unless the same (page, content
// hash) snapshot was already stored.
func (s *Store) UpsertRevision(_ context.Context, rev wiki.Revision) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rev.PageID + "\x00" + rev.ContentHash
	if _, dup := s.seen[key]; dup {
		return false, nil
	}
	s.seen[key] = struct{}{}
	s.revisions[rev.PageID] = append(s.revisions[rev.PageID], rev)
	sort.Slice(s.revisions[rev.PageID], func(i, j int) bool {
		return s.revisions[rev.PageID][i].ID < s.revisions[rev.PageID][j].ID
	})
	return true, nil
}

// ReadLastRevision returns the newest revision of the page, or nil when
// the page has never been archived.
func (s *Store) ReadLastRevision(_ context.Context, pageID string) (*wiki.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revs := s.revisions[pageID]
	if len(revs) == 0 {
		return nil, nil
	}
	last := revs[len(revs)-1]
	return &last, nil
}

// RevisionAt implements store.History with inclusive bounds; Nearest
// resolves ties toward the earlier revision.
func (s *Store) RevisionAt(_ context.Context, pageID string, at time.Time, dir store.Direction) (*wiki.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var before, after *wiki.Revision
	for i := range s.revisions[pageID] {
		rev := s.revisions[pageID][i]
		if !rev.Timestamp.After(at) {
			if before == nil || rev.Timestamp.After(before.Timestamp) {
				before = &rev
			}
		}
		if !rev.Timestamp.Before(at) {
			if after == nil || rev.Timestamp.Before(after.Timestamp) {
				after = &rev
			}
		}
	}

	var pick *wiki.Revision
	switch dir {
	case store.Before:
		pick = before
	case store.After:
		pick = after
	case store.Nearest:
		switch {
		case before == nil:
			pick = after
		case after == nil:
			pick = before
		case after.Timestamp.Sub(at) < at.Sub(before.Timestamp):
			pick = after
		default:
			pick = before
		}
	}
	if pick == nil {
		return nil, store.ErrNotFound
	}
	out := *pick
	return &out, nil
}

// CreateRun records a new scrape run.
func (s *Store) CreateRun(_ context.Context, run wiki.ScrapeRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID.String()] = run
	return nil
}

// CloseRun replaces the run record with its terminal state.
func (s *Store) CloseRun(_ context.Context, run wiki.ScrapeRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID.String()]; !ok {
		return store.ErrNotFound
	}
	s.runs[run.ID.String()] = run
	return nil
}

// Run returns the stored run record for assertions.
func (s *Store) Run(id string) (wiki.ScrapeRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	return run, ok
}

// RevisionCount reports how many revisions the page holds.
func (s *Store) RevisionCount(pageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.revisions[pageID])
}

// TotalRevisions reports the archive-wide revision count.
func (s *Store) TotalRevisions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, revs := range s.revisions {
		n += len(revs)
	}
	return n
}
