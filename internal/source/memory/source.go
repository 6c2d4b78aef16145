// Package memory provides an in-memory content source for tests and
// offline development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/wikivault/wikivault/internal/wiki"
)

// Source serves scripted pages and revisions. Failures can be queued per
// page to exercise retry paths; each queued error is consumed by one
// fetch attempt.
type Source struct {
	mu         sync.Mutex
	batchSize  int
	pages      map[string][]wiki.Page
	revisions  map[string][]wiki.Revision
	pageErrs   map[string][]error
	listErrs   []error
	files      map[string][]byte
	fetchCalls map[string]int
}

// New returns an empty Source with the given listing batch size.
func New(batchSize int) *Source {
	if batchSize <= 0 {
		batchSize = 2
	}
	return &Source{
		batchSize:  batchSize,
		pages:      make(map[string][]wiki.Page),
		revisions:  make(map[string][]wiki.Revision),
		pageErrs:   make(map[string][]error),
		files:      make(map[string][]byte),
		fetchCalls: make(map[string]int),
	}
}

// AddPage registers a page and its full revision history.
func (s *Source) AddPage(page wiki.Page, revs ...wiki.Revision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[page.Namespace] = append(s.pages[page.Namespace], page)
	s.revisions[page.ID] = append(s.revisions[page.ID], revs...)
}

// AppendRevision adds a revision to an existing page.
func (s *Source) AppendRevision(pageID string, rev wiki.Revision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revisions[pageID] = append(s.revisions[pageID], rev)
}

// FailFetches queues errors returned by successive FetchRevisions calls
// for the page, before any successful response.
func (s *Source) FailFetches(pageID string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageErrs[pageID] = append(s.pageErrs[pageID], errs...)
}

// FailListings queues errors returned by successive ListPages calls.
func (s *Source) FailListings(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErrs = append(s.listErrs, errs...)
}

// AddFile registers a downloadable media file.
func (s *Source) AddFile(title string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[title] = data
}

// FetchCount reports how many FetchRevisions calls the page received.
func (s *Source) FetchCount(pageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchCalls[pageID]
}

// ListPages implements wiki.Source with an opaque "batch-N" cursor.
func (s *Source) ListPages(_ context.Context, namespace string, cursor string) (wiki.PageBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.listErrs) > 0 {
		err := s.listErrs[0]
		s.listErrs = s.listErrs[1:]
		return wiki.PageBatch{}, err
	}

	all := s.pages[namespace]
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(cursor, "batch-"))
		if err != nil {
			return wiki.PageBatch{}, wiki.Permanent("list pages", fmt.Errorf("bad cursor %q", cursor))
		}
		start = n
	}
	if start >= len(all) {
		return wiki.PageBatch{}, nil
	}

	end := start + s.batchSize
	if end > len(all) {
		end = len(all)
	}
	batch := wiki.PageBatch{Pages: append([]wiki.Page(nil), all[start:end]...)}
	if end < len(all) {
		batch.NextCursor = "batch-" + strconv.Itoa(end)
	}
	return batch, nil
}

// FetchRevisions implements wiki.Source, honoring queued failures.
func (s *Source) FetchRevisions(_ context.Context, page wiki.Page, sinceRevision int64) ([]wiki.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetchCalls[page.ID]++
	if queued := s.pageErrs[page.ID]; len(queued) > 0 {
		err := queued[0]
		s.pageErrs[page.ID] = queued[1:]
		return nil, err
	}

	var out []wiki.Revision
	for _, rev := range s.revisions[page.ID] {
		if rev.ID > sinceRevision {
			out = append(out, rev)
		}
	}
	return out, nil
}

// FetchFile implements wiki.FileSource.
func (s *Source) FetchFile(_ context.Context, title string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[title]
	if !ok {
		return nil, wiki.Permanent("fetch file "+title, errors.New("file not found"))
	}
	return append([]byte(nil), data...), nil
}
