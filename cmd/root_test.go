package cmd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/wikivault/wikivault/internal/api"
	"github.com/wikivault/wikivault/internal/checkpoint"
	"github.com/wikivault/wikivault/internal/config"
	"github.com/wikivault/wikivault/internal/orchestrator"
	"github.com/wikivault/wikivault/internal/scheduler"
	sourcemem "github.com/wikivault/wikivault/internal/source/memory"
	"github.com/wikivault/wikivault/internal/store"
	storemem "github.com/wikivault/wikivault/internal/store/memory"
	"github.com/wikivault/wikivault/internal/wiki"
)

// fakeApp wires the orchestrator onto in-memory backends so commands
// can run without Postgres or a live wiki.
type fakeApp struct {
	cfg     config.Config
	logger  *zap.Logger
	source  *sourcemem.Source
	archive *storemem.Store
	orch    *orchestrator.Orchestrator
	closed  bool
}

func newFakeApp(t *testing.T, cfg config.Config) *fakeApp {
	t.Helper()
	a := &fakeApp{
		cfg:     cfg,
		logger:  zaptest.NewLogger(t),
		source:  sourcemem.New(10),
		archive: storemem.New(),
	}
	orch, err := orchestrator.New(orchestrator.Config{
		Source:       a.source,
		Store:        a.archive,
		Checkpoints:  checkpoint.NewMemoryStore(),
		Logger:       a.logger,
		Concurrency:  2,
		FetchTimeout: time.Second,
		Retry:        scheduler.NewRetryPolicy(2, time.Millisecond, 5*time.Millisecond),
	})
	require.NoError(t, err)
	a.orch = orch
	return a
}

func (a *fakeApp) Close(context.Context) { a.closed = true }

func (a *fakeApp) Config() config.Config { return a.cfg }

func (a *fakeApp) Logger() *zap.Logger { return a.logger }

func (a *fakeApp) Orchestrator() *orchestrator.Orchestrator { return a.orch }

func (a *fakeApp) Archive() store.Archive { return a.archive }

func (a *fakeApp) APIServer() *api.Server { return api.NewServer(a.orch, a.logger) }

func injectApp(t *testing.T, build func(cfg config.Config) App) {
	t.Helper()
	prev := newApp
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (App, error) {
		return build(cfg), nil
	}
	t.Cleanup(func() { newApp = prev })
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("WIKIVAULT_SOURCE_BASE_URL", "https://wiki.example.org/w/api.php")
	t.Setenv("WIKIVAULT_DB_DSN", "postgres://localhost:5432/wikivault_test")
}

func TestScrapeCommandExitsZeroOnCleanRun(t *testing.T) {
	setRequiredEnv(t)

	var fake *fakeApp
	injectApp(t, func(cfg config.Config) App {
		fake = newFakeApp(t, cfg)
		fake.source.AddPage(
			wiki.Page{ID: "1", Title: "Alpha", Namespace: "0"},
			wiki.Revision{ID: 10, PageID: "1", Content: "alpha one", ContentHash: "h1", Timestamp: time.Now().UTC()},
		)
		return fake
	})

	root := newRootCmd()
	root.SetArgs([]string{"scrape"})
	require.NoError(t, root.Execute())

	require.True(t, fake.closed)
	require.Equal(t, 1, fake.archive.TotalRevisions())
}

func TestScrapeCommandReportsPartialExitCode(t *testing.T) {
	setRequiredEnv(t)

	injectApp(t, func(cfg config.Config) App {
		fake := newFakeApp(t, cfg)
		fake.source.AddPage(
			wiki.Page{ID: "1", Title: "Alpha", Namespace: "0"},
			wiki.Revision{ID: 10, PageID: "1", Content: "alpha one", ContentHash: "h1", Timestamp: time.Now().UTC()},
		)
		fake.source.AddPage(wiki.Page{ID: "2", Title: "Beta", Namespace: "0"})
		fake.source.FailFetches("2", wiki.Permanent("fetch revisions", errors.New("page deleted")))
		return fake
	})

	root := newRootCmd()
	root.SetArgs([]string{"scrape"})
	err := root.Execute()
	require.Error(t, err)

	var ee *exitError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, orchestrator.ExitPartial, ee.code)
}

func TestScrapeCommandRejectsUnknownMode(t *testing.T) {
	setRequiredEnv(t)

	injectApp(t, func(cfg config.Config) App {
		return newFakeApp(t, cfg)
	})

	root := newRootCmd()
	root.SetArgs([]string{"scrape", "--mode", "sideways"})
	err := root.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown mode")
}

func TestRevisionCommandRejectsBadDirection(t *testing.T) {
	setRequiredEnv(t)

	injectApp(t, func(cfg config.Config) App {
		return newFakeApp(t, cfg)
	})

	root := newRootCmd()
	root.SetArgs([]string{"revision", "1", "--dir", "diagonal"})
	err := root.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown direction")
}
