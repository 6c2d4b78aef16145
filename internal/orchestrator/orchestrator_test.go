package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wikivault/wikivault/internal/checkpoint"
	mediamem "github.com/wikivault/wikivault/internal/media/memory"
	pubmem "github.com/wikivault/wikivault/internal/publisher/memory"
	"github.com/wikivault/wikivault/internal/scheduler"
	sourcemem "github.com/wikivault/wikivault/internal/source/memory"
	storemem "github.com/wikivault/wikivault/internal/store/memory"
	"github.com/wikivault/wikivault/internal/wiki"
)

type fixture struct {
	source      *sourcemem.Source
	store       *storemem.Store
	checkpoints *checkpoint.MemoryStore
	orch        *Orchestrator
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		source:      sourcemem.New(2),
		store:       storemem.New(),
		checkpoints: checkpoint.NewMemoryStore(),
	}
	cfg := Config{
		Source:      f.source,
		Store:       f.store,
		Checkpoints: f.checkpoints,
		Logger:      zap.NewNop(),
		Concurrency: 3,
		Retry:       scheduler.NewRetryPolicy(3, time.Millisecond, 5*time.Millisecond),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	orch, err := New(cfg)
	require.NoError(t, err)
	f.orch = orch
	return f
}

func (f *fixture) addPage(id int, revisions ...string) wiki.Page {
	page := wiki.Page{
		ID:        fmt.Sprintf("%d", id),
		Title:     fmt.Sprintf("Page %d", id),
		Namespace: "0",
	}
	base := time.Unix(1700000000, 0).UTC()
	revs := make([]wiki.Revision, 0, len(revisions))
	for i, content := range revisions {
		revs = append(revs, wiki.Revision{
			ID:          int64(i + 1),
			PageID:      page.ID,
			Content:     content,
			ContentHash: fmt.Sprintf("%s-%d-hash-%s", page.ID, i+1, content),
			Size:        len(content),
			Timestamp:   base.Add(time.Duration(i) * time.Hour),
			Author:      "editor",
		})
	}
	f.source.AddPage(page, revs...)
	return page
}

func TestStart_ScrapesAllPages(t *testing.T) {
	f := newFixture(t, nil)
	f.addPage(1, "alpha", "alpha two")
	f.addPage(2, "beta")
	f.addPage(3, "gamma", "gamma two", "gamma three")

	res, err := f.orch.Start(context.Background(), Options{Mode: wiki.ModeFull})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)
	require.Equal(t, 3, res.PagesScraped)
	require.Equal(t, 6, res.RevisionsAdded)
	require.Empty(t, res.Failures)
	require.Equal(t, ExitOK, res.ExitCode())
	require.Equal(t, 3, res.PerNamespace["0"])

	require.Equal(t, 2, f.store.RevisionCount("1"))
	require.Equal(t, 3, f.store.RevisionCount("3"))

	run, ok := f.store.Run(res.RunID)
	require.True(t, ok)
	require.Equal(t, wiki.RunCompleted, run.Status)
	require.NotNil(t, run.FinishedAt)
	require.Equal(t, 6, run.Stats.RevisionsAdded)

	// A clean run leaves no checkpoint behind.
	_, err = f.checkpoints.Load(context.Background())
	require.ErrorIs(t, err, checkpoint.ErrNoCheckpoint)
}

func TestStart_TransientFailureRecovers(t *testing.T) {
	f := newFixture(t, nil)
	f.addPage(1, "a")
	flaky := f.addPage(2, "b")
	f.addPage(3, "c")
	f.source.FailFetches(flaky.ID,
		wiki.Transient("fetch revisions", errors.New("connection reset")),
		wiki.Transient("fetch revisions", errors.New("connection reset")),
	)

	res, err := f.orch.Start(context.Background(), Options{Mode: wiki.ModeFull})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)
	require.Equal(t, 3, res.PagesScraped)
	require.Empty(t, res.Failures)
	require.Equal(t, 3, f.source.FetchCount(flaky.ID), "two transient failures then success")
}

func TestStart_PermanentFailureRecorded(t *testing.T) {
	f := newFixture(t, nil)
	f.addPage(1, "a")
	broken := f.addPage(2, "b")
	f.addPage(3, "c")
	f.source.FailFetches(broken.ID, wiki.Permanent("fetch revisions", errors.New("page deleted")))

	res, err := f.orch.Start(context.Background(), Options{Mode: wiki.ModeFull})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)
	require.Equal(t, 2, res.PagesScraped)
	require.Len(t, res.Failures, 1)
	require.Equal(t, broken.ID, res.Failures[0].Page.ID)
	require.Equal(t, wiki.KindPermanent, res.Failures[0].Kind)
	require.Equal(t, ExitPartial, res.ExitCode())
	require.Equal(t, 1, f.source.FetchCount(broken.ID), "permanent errors are not retried")
}

func TestStart_IdempotentRerun(t *testing.T) {
	f := newFixture(t, nil)
	f.addPage(1, "alpha", "alpha two")
	f.addPage(2, "beta")

	first, err := f.orch.Start(context.Background(), Options{Mode: wiki.ModeFull})
	require.NoError(t, err)
	require.Equal(t, 3, first.RevisionsAdded)

	second, err := f.orch.Start(context.Background(), Options{Mode: wiki.ModeFull})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, second.State)
	require.Equal(t, 0, second.RevisionsAdded, "replaying the archive adds nothing")
	require.Equal(t, 3, f.store.TotalRevisions())
}

func TestStart_IncrementalPicksUpNewRevisions(t *testing.T) {
	f := newFixture(t, nil)
	page := f.addPage(1, "v1", "v2")

	first, err := f.orch.Start(context.Background(), Options{Mode: wiki.ModeFull})
	require.NoError(t, err)
	require.Equal(t, 2, first.RevisionsAdded)

	f.source.AppendRevision(page.ID, wiki.Revision{
		ID:          3,
		PageID:      page.ID,
		Content:     "v3",
		ContentHash: "1-3-hash-v3",
		Timestamp:   time.Unix(1700100000, 0).UTC(),
		Author:      "editor",
	})

	second, err := f.orch.Start(context.Background(), Options{Mode: wiki.ModeIncremental})
	require.NoError(t, err)
	require.Equal(t, 1, second.RevisionsAdded)
	require.Equal(t, 3, f.store.RevisionCount(page.ID))
}

func TestStart_ResumeSkipsCompletedPages(t *testing.T) {
	f := newFixture(t, nil)
	done := f.addPage(1, "a")
	f.addPage(2, "b")
	f.addPage(3, "c")

	// Simulate an interrupted run that completed page 1.
	rec := checkpoint.NewRecord("run-1", wiki.ModeFull)
	rec.Completed[done.Key()] = 1
	require.NoError(t, f.checkpoints.Save(context.Background(), rec))

	res, err := f.orch.Start(context.Background(), Options{Mode: wiki.ModeFull, Resume: true})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)
	require.Equal(t, 2, res.PagesScraped)
	require.Equal(t, 1, res.PagesSkipped)
	require.Equal(t, 0, f.source.FetchCount(done.ID), "completed pages are not refetched")
}

func TestStart_InterruptFlushesCheckpoint(t *testing.T) {
	release := make(chan struct{})
	var once bool
	f := newFixture(t, func(cfg *Config) {
		cfg.Concurrency = 1
	})
	for i := 1; i <= 6; i++ {
		f.addPage(i, "content")
	}

	ctx, cancel := context.WithCancel(context.Background())
	res, err := f.orch.Start(ctx, Options{
		Mode: wiki.ModeFull,
		Progress: func(_ string, finished, _ int) {
			if finished >= 2 && !once {
				once = true
				cancel()
				close(release)
			}
		},
	})
	<-release
	require.NoError(t, err)
	require.Equal(t, StateInterrupted, res.State)
	require.Equal(t, ExitPartial, res.ExitCode())
	require.Less(t, res.PagesScraped, 6)

	rec, err := f.checkpoints.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, rec.Completed, res.PagesScraped, "every scraped page is checkpointed before exit")
}

func TestStart_InterruptThenResumeMatchesSingleRun(t *testing.T) {
	build := func() *fixture {
		f := newFixture(t, func(cfg *Config) { cfg.Concurrency = 1 })
		for i := 1; i <= 6; i++ {
			f.addPage(i, "one", "two")
		}
		return f
	}

	straight := build()
	full, err := straight.orch.Start(context.Background(), Options{Mode: wiki.ModeFull})
	require.NoError(t, err)
	require.Equal(t, 12, straight.store.TotalRevisions())
	require.Equal(t, StateCompleted, full.State)

	interrupted := build()
	ctx, cancel := context.WithCancel(context.Background())
	var fired bool
	partial, err := interrupted.orch.Start(ctx, Options{
		Mode: wiki.ModeFull,
		Progress: func(_ string, finished, _ int) {
			if finished >= 2 && !fired {
				fired = true
				cancel()
			}
		},
	})
	require.NoError(t, err)
	require.Equal(t, StateInterrupted, partial.State)

	resumed, err := interrupted.orch.Start(context.Background(), Options{Mode: wiki.ModeFull, Resume: true})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, resumed.State)
	require.Equal(t, 12, interrupted.store.TotalRevisions(),
		"interrupt plus resume archives exactly what one uninterrupted run does")
	require.Empty(t, resumed.Failures)
}

func TestStart_FailureThresholdAbortsRun(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.FailureThreshold = 0.10
		cfg.ThresholdMinTasks = 10
		cfg.Concurrency = 1
	})
	for i := 1; i <= 20; i++ {
		page := f.addPage(i, "content")
		// 15% of pages fail permanently.
		if i%7 == 0 || i == 1 {
			f.source.FailFetches(page.ID, wiki.Permanent("fetch revisions", errors.New("gone")))
		}
	}

	res, err := f.orch.Start(context.Background(), Options{Mode: wiki.ModeFull})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrFailureThreshold)
	require.Equal(t, StateFailed, res.State)
	require.Equal(t, ExitHard, res.ExitCode())

	run, ok := f.store.Run(res.RunID)
	require.True(t, ok)
	require.Equal(t, wiki.RunFailed, run.Status)
}

func TestStart_FailureRateUnderThresholdCompletes(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.FailureThreshold = 0.10
		cfg.ThresholdMinTasks = 10
	})
	for i := 1; i <= 20; i++ {
		page := f.addPage(i, "content")
		// 5% of pages fail permanently.
		if i == 13 {
			f.source.FailFetches(page.ID, wiki.Permanent("fetch revisions", errors.New("gone")))
		}
	}

	res, err := f.orch.Start(context.Background(), Options{Mode: wiki.ModeFull})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)
	require.Len(t, res.Failures, 1)
	require.Equal(t, 19, res.PagesScraped)
	require.Equal(t, ExitPartial, res.ExitCode())
}

func TestStart_CorruptCheckpointRequiresFreshStart(t *testing.T) {
	f := newFixture(t, nil)
	f.addPage(1, "a")
	f.checkpoints.Corrupt([]byte("{not json"))

	_, err := f.orch.Start(context.Background(), Options{Mode: wiki.ModeFull, Resume: true})
	require.Error(t, err)
	require.ErrorIs(t, err, wiki.ErrCheckpointCorrupt)

	res, err := f.orch.Start(context.Background(), Options{
		Mode:       wiki.ModeFull,
		Resume:     true,
		FreshStart: true,
	})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)
	require.Equal(t, 1, res.PagesScraped)
}

func TestStart_PublisherReceivesRevisionEvents(t *testing.T) {
	pub := pubmem.New()
	f := newFixture(t, func(cfg *Config) {
		cfg.Publisher = pub
	})
	f.addPage(1, "alpha", "beta")

	res, err := f.orch.Start(context.Background(), Options{Mode: wiki.ModeFull})
	require.NoError(t, err)
	require.Equal(t, 2, res.RevisionsAdded)

	events := pub.Events()
	require.Len(t, events, 2)
	require.Equal(t, res.RunID, events[0].RunID)
	require.Equal(t, "1", events[0].PageID)

	require.NotNil(t, events[1].Change)
	require.Equal(t, int64(1), events[1].Change.FromRevision)
	require.Equal(t, int64(2), events[1].Change.ToRevision)
	require.Positive(t, events[1].Change.LinesAdded+events[1].Change.LinesRemoved)
}

func (f *fixture) addFilePage(id int, title string, revisions ...string) wiki.Page {
	page := wiki.Page{
		ID:        fmt.Sprintf("%d", id),
		Title:     title,
		Namespace: "6",
	}
	base := time.Unix(1700000000, 0).UTC()
	revs := make([]wiki.Revision, 0, len(revisions))
	for i, content := range revisions {
		revs = append(revs, wiki.Revision{
			ID:          int64(i + 1),
			PageID:      page.ID,
			Content:     content,
			ContentHash: fmt.Sprintf("%s-%d-hash-%s", page.ID, i+1, content),
			Size:        len(content),
			Timestamp:   base.Add(time.Duration(i) * time.Hour),
			Author:      "editor",
		})
	}
	f.source.AddPage(page, revs...)
	return page
}

func TestStart_ArchivesMediaForFilePages(t *testing.T) {
	media := mediamem.NewBlobStore()
	f := newFixture(t, func(cfg *Config) {
		cfg.Files = cfg.Source.(wiki.FileSource)
		cfg.Media = media
	})
	f.addFilePage(1, "File:Site Logo.png", "logo description")
	f.source.AddFile("File:Site Logo.png", []byte{0x89, 0x50, 0x4e, 0x47})

	res, err := f.orch.Start(context.Background(), Options{
		Mode:       wiki.ModeFull,
		Namespaces: []string{"6"},
	})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)
	require.Equal(t, 1, res.PagesScraped)
	require.Equal(t, 1, res.FilesDownloaded)

	blob, ok := media.Object("files/Site_Logo.png")
	require.True(t, ok)
	require.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47}, blob)
	require.Equal(t, 1, media.Len())
}

func TestStart_FileDownloadFailureRecordsPageFailure(t *testing.T) {
	media := mediamem.NewBlobStore()
	f := newFixture(t, func(cfg *Config) {
		cfg.Files = cfg.Source.(wiki.FileSource)
		cfg.Media = media
	})
	f.addFilePage(1, "File:Ghost.png", "dangling description")

	res, err := f.orch.Start(context.Background(), Options{
		Mode:       wiki.ModeFull,
		Namespaces: []string{"6"},
	})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)
	require.Equal(t, 0, res.FilesDownloaded)
	require.Len(t, res.Failures, 1)
	require.Equal(t, "6:1", res.Failures[0].Page.Key())
	require.Equal(t, ExitPartial, res.ExitCode())
	require.Equal(t, 0, media.Len())
}

func TestStart_SnapshotTracksState(t *testing.T) {
	f := newFixture(t, nil)
	f.addPage(1, "a")

	require.Equal(t, StateIdle, f.orch.Snapshot().State)

	res, err := f.orch.Start(context.Background(), Options{Mode: wiki.ModeFull})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)

	snap := f.orch.Snapshot()
	require.Equal(t, StateCompleted, snap.State)
	require.Equal(t, 1, snap.PagesScraped)
	require.Equal(t, res.RunID, snap.RunID)
}

