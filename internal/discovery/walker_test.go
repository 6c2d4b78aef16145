package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wikivault/wikivault/internal/scheduler"
	"github.com/wikivault/wikivault/internal/source/memory"
	"github.com/wikivault/wikivault/internal/wiki"
)

func fastRetry() *scheduler.RetryPolicy {
	return scheduler.NewRetryPolicy(3, time.Millisecond, 5*time.Millisecond)
}

func seedPages(src *memory.Source, namespace string, n int) []wiki.Page {
	pages := make([]wiki.Page, 0, n)
	for i := 0; i < n; i++ {
		p := wiki.Page{
			ID:        string(rune('a' + i)),
			Title:     "Page " + string(rune('A'+i)),
			Namespace: namespace,
		}
		src.AddPage(p)
		pages = append(pages, p)
	}
	return pages
}

func TestWalker_EnumeratesAllBatches(t *testing.T) {
	src := memory.New(2)
	want := seedPages(src, "0", 5)

	w := NewWalker(src, fastRetry(), "", zap.NewNop())
	var got []wiki.Page
	err := w.Walk(context.Background(), "0", func(p wiki.Page) error {
		got = append(got, p)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Empty(t, w.Cursor(), "cursor resets once the walk completes")
}

func TestWalker_ResumesFromCursor(t *testing.T) {
	src := memory.New(2)
	all := seedPages(src, "0", 5)

	w := NewWalker(src, fastRetry(), "batch-2", zap.NewNop())
	var got []wiki.Page
	err := w.Walk(context.Background(), "0", func(p wiki.Page) error {
		got = append(got, p)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, all[2:], got)
}

func TestWalker_RetriesTransientListingErrors(t *testing.T) {
	src := memory.New(2)
	want := seedPages(src, "0", 3)
	src.FailListings(
		wiki.Transient("list pages", errors.New("tcp reset")),
		wiki.RateLimited("list pages", errors.New("429")),
	)

	w := NewWalker(src, fastRetry(), "", zap.NewNop())
	var got []wiki.Page
	err := w.Walk(context.Background(), "0", func(p wiki.Page) error {
		got = append(got, p)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestWalker_GivesUpOnPermanentError(t *testing.T) {
	src := memory.New(2)
	seedPages(src, "0", 3)
	src.FailListings(wiki.Permanent("list pages", errors.New("bad namespace")))

	w := NewWalker(src, fastRetry(), "", zap.NewNop())
	err := w.Walk(context.Background(), "0", func(wiki.Page) error { return nil })
	require.Error(t, err)
	require.Equal(t, wiki.KindPermanent, wiki.KindOf(err))
}

func TestWalker_CursorAdvancesPerBatch(t *testing.T) {
	src := memory.New(2)
	seedPages(src, "0", 5)

	w := NewWalker(src, fastRetry(), "", zap.NewNop())
	stop := errors.New("stop")
	seen := 0
	err := w.Walk(context.Background(), "0", func(wiki.Page) error {
		seen++
		if seen == 3 {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)

	// The first batch (2 pages) was fully delivered, the second was not,
	// so a resume replays from batch-2 without skipping the third page.
	require.Equal(t, "batch-2", w.Cursor())
}

func TestWalker_EmitErrorStopsWalk(t *testing.T) {
	src := memory.New(2)
	seedPages(src, "0", 4)

	boom := errors.New("sink full")
	w := NewWalker(src, fastRetry(), "", zap.NewNop())
	err := w.Walk(context.Background(), "0", func(wiki.Page) error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestWalker_ContextCancellation(t *testing.T) {
	src := memory.New(1)
	seedPages(src, "0", 10)

	ctx, cancel := context.WithCancel(context.Background())
	w := NewWalker(src, fastRetry(), "", zap.NewNop())
	seen := 0
	err := w.Walk(ctx, "0", func(wiki.Page) error {
		seen++
		if seen == 2 {
			cancel()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, seen, 10)
}
