// Package discovery enumerates the pages of a wiki namespace in stable
// listing order, resuming from a saved cursor.
package discovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wikivault/wikivault/internal/scheduler"
	"github.com/wikivault/wikivault/internal/wiki"
)

// Walker streams pages from a wiki.Source one listing batch at a time.
// Listing calls go through the same retry policy as revision fetches,
// so a flaky API does not abort discovery.
type Walker struct {
	source wiki.Source
	retry  *scheduler.RetryPolicy
	logger *zap.Logger

	mu     sync.Mutex
	cursor string
}

// NewWalker builds a walker that resumes from cursor. An empty cursor
// starts the walk from the beginning of the namespace.
func NewWalker(source wiki.Source, retry *scheduler.RetryPolicy, cursor string, logger *zap.Logger) *Walker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry == nil {
		retry = scheduler.DefaultRetryPolicy()
	}
	return &Walker{
		source: source,
		retry:  retry,
		logger: logger,
		cursor: cursor,
	}
}

// Cursor returns the cursor of the last fully delivered batch. It is
// safe to call from another goroutine while Walk runs.
func (w *Walker) Cursor() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

// Walk enumerates pages and calls emit for each one. The cursor only
// advances after every page of a batch has been emitted, so resuming
// from Cursor() may re-deliver the interrupted batch but never skips a
// page. Walk returns the first emit error, listing error after retries
// are exhausted, or ctx.Err.
func (w *Walker) Walk(ctx context.Context, namespace string, emit func(wiki.Page) error) error {
	cursor := w.Cursor()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := w.listWithRetry(ctx, namespace, cursor)
		if err != nil {
			return err
		}

		for _, page := range batch.Pages {
			if err := emit(page); err != nil {
				return err
			}
		}

		w.mu.Lock()
		w.cursor = batch.NextCursor
		w.mu.Unlock()

		if batch.NextCursor == "" {
			return nil
		}
		cursor = batch.NextCursor
	}
}

func (w *Walker) listWithRetry(ctx context.Context, namespace, cursor string) (wiki.PageBatch, error) {
	var lastErr error
	for attempt := 0; attempt < w.retry.MaxAttempts(); attempt++ {
		batch, err := w.source.ListPages(ctx, namespace, cursor)
		if err == nil {
			return batch, nil
		}
		lastErr = err
		if !w.retry.ShouldRetry(err, attempt) {
			break
		}
		delay := w.retry.Backoff(attempt)
		w.logger.Warn("page listing failed, retrying",
			zap.String("namespace", namespace),
			zap.String("cursor", cursor),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return wiki.PageBatch{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return wiki.PageBatch{}, lastErr
}
