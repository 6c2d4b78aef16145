// Package orchestrator drives a scrape run: discovery, scheduling,
// change detection, persistence, and checkpointing.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wikivault/wikivault/internal/checkpoint"
	clocksys "github.com/wikivault/wikivault/internal/clock/system"
	"github.com/wikivault/wikivault/internal/diff"
	"github.com/wikivault/wikivault/internal/discovery"
	idgen "github.com/wikivault/wikivault/internal/id/uuid"
	"github.com/wikivault/wikivault/internal/logging"
	"github.com/wikivault/wikivault/internal/metrics"
	"github.com/wikivault/wikivault/internal/progress"
	"github.com/wikivault/wikivault/internal/scheduler"
	"github.com/wikivault/wikivault/internal/wiki"
)

// ErrFailureThreshold aborts a run whose failure rate crossed the
// configured ceiling.
var ErrFailureThreshold = errors.New("failure rate exceeded threshold")

// fileNamespace is the MediaWiki namespace holding media descriptions.
const fileNamespace = "6"

// Config wires the orchestrator's collaborators. Source, Store, and
// Checkpoints are required; the rest default or stay disabled when nil.
type Config struct {
	Source      wiki.Source
	Files       wiki.FileSource
	Store       wiki.Store
	Media       wiki.MediaStore
	Publisher   wiki.Publisher
	Checkpoints checkpoint.Store
	Emitter     progress.Emitter
	Clock       wiki.Clock
	IDs         wiki.IDGenerator
	Logger      *zap.Logger

	Concurrency  int
	FetchTimeout time.Duration
	Retry        *scheduler.RetryPolicy

	// FailureThreshold is the failed fraction of finished pages that
	// aborts the run (default 0.10). The check waits for
	// ThresholdMinTasks completions (default 10) so one early failure
	// cannot kill a run.
	FailureThreshold  float64
	ThresholdMinTasks int
}

// Options selects the work for one Start call.
type Options struct {
	Mode       wiki.RunMode
	Namespaces []string
	// Resume loads the checkpoint and skips completed pages.
	Resume bool
	// FreshStart confirms discarding a checkpoint that cannot be
	// resumed (corrupt or incompatible).
	FreshStart bool
	// Progress, when set, is invoked on every page completion with the
	// finished and submitted counts.
	Progress func(stage string, finished, submitted int)
}

// Orchestrator runs the scrape state machine. One Orchestrator runs one
// scrape at a time; Snapshot may be read concurrently.
type Orchestrator struct {
	cfg Config

	mu   sync.Mutex
	snap Snapshot
}

// New validates the wiring and returns an idle Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Source == nil {
		return nil, errors.New("orchestrator: source is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if cfg.Checkpoints == nil {
		return nil, errors.New("orchestrator: checkpoint store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clocksys.New()
	}
	if cfg.IDs == nil {
		cfg.IDs = idgen.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Retry == nil {
		cfg.Retry = scheduler.DefaultRetryPolicy()
	}
	if cfg.FailureThreshold <= 0 || cfg.FailureThreshold > 1 {
		cfg.FailureThreshold = 0.10
	}
	if cfg.ThresholdMinTasks <= 0 {
		cfg.ThresholdMinTasks = 10
	}
	return &Orchestrator{
		cfg:  cfg,
		snap: Snapshot{State: StateIdle},
	}, nil
}

// Snapshot returns the current run view for the status API.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := o.snap
	snap.Failures = append([]Failure(nil), o.snap.Failures...)
	snap.PerNamespace = make(map[string]int, len(o.snap.PerNamespace))
	for ns, n := range o.snap.PerNamespace {
		snap.PerNamespace[ns] = n
	}
	return snap
}

// execution holds the state of one Start call.
type execution struct {
	o      *Orchestrator
	opts   Options
	logger *zap.Logger

	run       wiki.ScrapeRun
	rec       *checkpoint.Record
	completed map[string]int64
	ledger    *checkpoint.Ledger

	resultsMu sync.Mutex
	results   map[string]taskResult

	cursors    *cursorTracker
	lastCursor string

	submitted  int
	finished   int
	thresholds error
}

type taskResult struct {
	lastRevision int64
	revisions    int
	files        int
}

// Start executes one scrape run and blocks until it reaches a terminal
// state. Cancellation of ctx flushes a final checkpoint and yields an
// Interrupted result; hard failures return an error.
func (o *Orchestrator) Start(ctx context.Context, opts Options) (*Result, error) {
	if opts.Mode == "" {
		opts.Mode = wiki.ModeFull
	}
	if len(opts.Namespaces) == 0 {
		opts.Namespaces = []string{"0"}
	}

	o.setState(StateInitializing)
	started := o.cfg.Clock.Now()

	rec, err := o.loadCheckpoint(ctx, opts)
	if err != nil {
		o.setState(StateFailed)
		return nil, err
	}

	runID, err := o.cfg.IDs.NewID()
	if err != nil {
		o.setState(StateFailed)
		return nil, fmt.Errorf("allocate run id: %w", err)
	}
	parsed, err := uuid.Parse(runID)
	if err != nil {
		o.setState(StateFailed)
		return nil, fmt.Errorf("parse run id: %w", err)
	}

	ex := &execution{
		o:      o,
		opts:   opts,
		logger: logging.ForRun(o.cfg.Logger, runID),
		run: wiki.ScrapeRun{
			ID:        parsed,
			Mode:      opts.Mode,
			Status:    wiki.RunRunning,
			StartedAt: started,
		},
		rec:       rec,
		completed: rec.Clone().Completed,
		results:   make(map[string]taskResult),
		cursors:   newCursorTracker(),
	}

	o.mu.Lock()
	o.snap = Snapshot{
		State:        StateInitializing,
		RunID:        runID,
		Mode:         opts.Mode,
		StartedAt:    &started,
		PerNamespace: make(map[string]int),
	}
	o.mu.Unlock()

	if err := o.cfg.Store.CreateRun(ctx, ex.run); err != nil {
		o.setState(StateFailed)
		return nil, fmt.Errorf("create run: %w", err)
	}

	ex.ledger = checkpoint.NewLedger(o.cfg.Checkpoints, rec.Clone(), ex.logger)
	o.emit(progress.Event{RunID: parsed, TS: started, Stage: progress.StageRunStart})

	state, runErr := ex.pipeline(ctx)

	res := o.finish(ex, state, started)
	if runErr != nil && state == StateFailed {
		return res, runErr
	}
	return res, nil
}

// pipeline runs discovery, scheduling, and the completion consumer, and
// reports the terminal state.
func (ex *execution) pipeline(ctx context.Context) (State, error) {
	o := ex.o
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched := scheduler.New(scheduler.Config{
		Concurrency:  o.cfg.Concurrency,
		FetchTimeout: o.cfg.FetchTimeout,
		Retry:        o.cfg.Retry,
	}, ex.process, ex.logger)

	g := new(errgroup.Group)
	g.Go(func() error {
		return sched.Run(runCtx)
	})

	var produceErr error
	g.Go(func() error {
		defer sched.CloseSubmit()
		produceErr = ex.produce(runCtx, sched)
		return nil
	})

	g.Go(func() error {
		ex.consume(cancel, sched.Completions())
		return nil
	})

	_ = g.Wait()

	switch {
	case ex.thresholds != nil:
		return StateFailed, ex.thresholds
	case ctx.Err() != nil:
		return StateInterrupted, nil
	case produceErr != nil:
		return StateFailed, fmt.Errorf("discovery: %w", produceErr)
	default:
		return StateCompleted, nil
	}
}

// produce walks every requested namespace and submits tasks, skipping
// pages the checkpoint already marks complete.
func (ex *execution) produce(ctx context.Context, sched *scheduler.Scheduler) error {
	o := ex.o
	o.setState(StateDiscovering)

	for _, ns := range ex.opts.Namespaces {
		start := ""
		if cns, cur, ok := parseCursor(ex.rec.Cursor); ok && cns == ns {
			start = cur
		}
		walker := discovery.NewWalker(o.cfg.Source, o.cfg.Retry, start, ex.logger)

		err := walker.Walk(ctx, ns, func(page wiki.Page) error {
			key := page.Key()
			if rev, done := ex.completed[key]; done {
				ex.recordSkip(page, rev)
				return nil
			}
			ex.cursors.add(encodeCursor(ns, walker.Cursor()), key)
			if err := sched.Submit(ctx, scheduler.Task{Page: page}); err != nil {
				return err
			}
			ex.o.mu.Lock()
			ex.submitted++
			ex.o.mu.Unlock()
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	o.setState(StateFetching)
	return nil
}

// consume applies completion events to counters, the checkpoint, and the
// progress stream, and trips the failure threshold.
func (ex *execution) consume(abort context.CancelFunc, completions <-chan scheduler.Completion) {
	o := ex.o
	for comp := range completions {
		page := comp.Task.Page
		key := page.Key()

		o.mu.Lock()
		ex.finished++
		finished, submitted := ex.finished, ex.submitted
		var failed int
		switch comp.Status {
		case wiki.TaskSuccess:
			res := ex.takeResult(key)
			ex.completed[key] = res.lastRevision
			o.snap.PagesScraped++
			o.snap.PerNamespace[page.Namespace]++
			o.snap.RevisionsAdded += res.revisions
			o.snap.FilesDownloaded += res.files
			o.mu.Unlock()

			ex.ledger.MarkCompleted(key, res.lastRevision)
			if cur, ok := ex.cursors.complete(key); ok && cur != ex.lastCursor {
				ex.lastCursor = cur
				ex.ledger.SetCursor(cur)
			}
			metrics.ObservePage(page.Namespace, "success")
			ex.pageDone(page, progress.OutcomeScraped, res.revisions, comp.Duration, "")
		case wiki.TaskFailed:
			o.snap.PagesFailed++
			o.snap.Failures = append(o.snap.Failures, Failure{
				Page: page,
				Kind: comp.Kind,
				Err:  comp.Err.Error(),
			})
			failed = o.snap.PagesFailed
			o.mu.Unlock()

			metrics.ObservePage(page.Namespace, "failed")
			ex.pageDone(page, progress.OutcomeFailed, 0, comp.Duration, comp.Err.Error())
			ex.logger.Warn("page failed",
				zap.String("page", key),
				zap.String("kind", string(comp.Kind)),
				zap.Int("attempts", comp.Attempts),
				zap.Error(comp.Err),
			)
		default:
			o.snap.PagesSkipped++
			o.mu.Unlock()
			metrics.ObservePage(page.Namespace, "skipped")
		}

		if ex.opts.Progress != nil {
			ex.opts.Progress(string(progress.StagePageDone), finished, submitted)
		}

		if failed > 0 && finished >= o.cfg.ThresholdMinTasks {
			rate := float64(failed) / float64(finished)
			if rate > o.cfg.FailureThreshold {
				o.mu.Lock()
				if ex.thresholds == nil {
					ex.thresholds = fmt.Errorf("%w: %d of %d pages failed",
						ErrFailureThreshold, failed, finished)
				}
				o.mu.Unlock()
				abort()
			}
		}
	}
}

// process is the per-task pipeline: watermark, fetch, change detection,
// persist, publish, media.
func (ex *execution) process(ctx context.Context, task scheduler.Task) error {
	o := ex.o
	page := task.Page

	last, err := o.cfg.Store.ReadLastRevision(ctx, page.ID)
	if err != nil {
		return wiki.Transient("read last revision", err)
	}
	since := task.SinceRevision
	if last != nil && last.ID > since {
		since = last.ID
	}

	revs, err := o.cfg.Source.FetchRevisions(ctx, page, since)
	if err != nil {
		return err
	}

	if err := o.cfg.Store.UpsertPage(ctx, page); err != nil {
		return wiki.Transient("upsert page", err)
	}

	prevContent := ""
	prevHash := ""
	prevID := int64(0)
	if last != nil {
		prevContent, prevHash, prevID = last.Content, last.ContentHash, last.ID
	}

	added := 0
	lastRev := since
	for _, rev := range revs {
		if rev.ID > lastRev {
			lastRev = rev.ID
		}
		if rev.ContentHash != "" && rev.ContentHash == prevHash {
			// Identical snapshot; nothing new to archive.
			prevID = rev.ID
			continue
		}
		change := diff.Compare(prevContent, rev.Content)
		var delta *wiki.ChangeRecord
		if change.Changed {
			delta = &wiki.ChangeRecord{
				PageID:       page.ID,
				FromRevision: prevID,
				ToRevision:   rev.ID,
				LinesAdded:   change.Stats.LinesAdded,
				LinesRemoved: change.Stats.LinesRemoved,
				Percent:      change.Stats.ChangePercent,
			}
			ex.logger.Debug("revision delta",
				zap.String("page", page.Key()),
				zap.Int64("from", delta.FromRevision),
				zap.Int64("to", delta.ToRevision),
				zap.Int("lines_added", delta.LinesAdded),
				zap.Int("lines_removed", delta.LinesRemoved),
				zap.Float64("percent", delta.Percent),
			)
		}

		inserted, err := o.cfg.Store.UpsertRevision(ctx, rev)
		if err != nil {
			return wiki.Transient("upsert revision", err)
		}
		if inserted {
			added++
			metrics.IncRevisionsAdded()
			ex.publish(ctx, page, rev, delta)
		}
		prevContent, prevHash, prevID = rev.Content, rev.ContentHash, rev.ID
	}

	files := 0
	if added > 0 && page.Namespace == fileNamespace && o.cfg.Files != nil && o.cfg.Media != nil {
		n, err := ex.archiveFile(ctx, page)
		if err != nil {
			return err
		}
		files = n
	}

	ex.resultsMu.Lock()
	ex.results[page.Key()] = taskResult{lastRevision: lastRev, revisions: added, files: files}
	ex.resultsMu.Unlock()
	return nil
}

// publish sends a revision event; publish failures are logged, never
// fatal to the task.
func (ex *execution) publish(ctx context.Context, page wiki.Page, rev wiki.Revision, delta *wiki.ChangeRecord) {
	o := ex.o
	if o.cfg.Publisher == nil {
		return
	}
	id, err := o.cfg.Publisher.Publish(ctx, wiki.RevisionEvent{
		RunID:       ex.run.ID.String(),
		PageID:      page.ID,
		Title:       page.Title,
		Namespace:   page.Namespace,
		RevisionID:  rev.ID,
		ContentHash: rev.ContentHash,
		Timestamp:   rev.Timestamp,
		Change:      delta,
	})
	if err != nil {
		ex.logger.Warn("revision event publish failed",
			zap.String("page", page.Key()),
			zap.Int64("revision", rev.ID),
			zap.Error(err),
		)
		return
	}
	ex.logger.Debug("revision event published",
		zap.String("page", page.Key()),
		zap.String("message_id", id),
	)
}

// archiveFile downloads the media blob behind a File page and stores it.
func (ex *execution) archiveFile(ctx context.Context, page wiki.Page) (int, error) {
	o := ex.o
	data, err := o.cfg.Files.FetchFile(ctx, page.Title)
	if err != nil {
		return 0, err
	}
	uri, err := o.cfg.Media.PutObject(ctx, mediaPath(page), "application/octet-stream", data)
	if err != nil {
		return 0, wiki.Transient("store media", err)
	}
	metrics.IncFilesDownloaded()
	ex.logger.Debug("media archived",
		zap.String("page", page.Key()),
		zap.String("uri", uri),
		zap.Int("bytes", len(data)),
	)
	return 1, nil
}

// recordSkip counts a checkpoint-completed page without side effects.
func (ex *execution) recordSkip(page wiki.Page, rev int64) {
	o := ex.o
	o.mu.Lock()
	ex.finished++
	o.snap.PagesSkipped++
	finished, submitted := ex.finished, ex.submitted
	o.mu.Unlock()

	metrics.ObservePage(page.Namespace, "skipped")
	ex.pageDone(page, progress.OutcomeSkipped, 0, 0, fmt.Sprintf("completed at revision %d", rev))
	if ex.opts.Progress != nil {
		ex.opts.Progress(string(progress.StagePageDone), finished, submitted)
	}
}

func (ex *execution) pageDone(page wiki.Page, outcome progress.Outcome, revisions int, dur time.Duration, note string) {
	ex.o.emit(progress.Event{
		RunID:     ex.run.ID,
		TS:        ex.o.cfg.Clock.Now(),
		Stage:     progress.StagePageDone,
		Namespace: page.Namespace,
		PageKey:   page.Key(),
		Revisions: revisions,
		Outcome:   outcome,
		Dur:       dur,
		Note:      note,
	})
}

func (ex *execution) takeResult(key string) taskResult {
	ex.resultsMu.Lock()
	defer ex.resultsMu.Unlock()
	res := ex.results[key]
	delete(ex.results, key)
	return res
}

// finish closes the ledger and run record and builds the Result.
func (o *Orchestrator) finish(ex *execution, state State, started time.Time) *Result {
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ex.ledger.Close(closeCtx); err != nil {
		ex.logger.Warn("final checkpoint flush failed", zap.Error(err))
	}

	o.mu.Lock()
	snap := o.snap
	o.mu.Unlock()

	if state == StateCompleted && snap.PagesFailed == 0 {
		// A cleanly finished scrape leaves nothing to resume.
		if err := o.cfg.Checkpoints.Clear(closeCtx); err != nil {
			ex.logger.Warn("checkpoint clear failed", zap.Error(err))
		}
	}

	finished := o.cfg.Clock.Now()
	dur := finished.Sub(started)

	ex.run.FinishedAt = &finished
	ex.run.Status = runStatus(state)
	ex.run.Stats = wiki.RunStats{
		PagesScraped:    snap.PagesScraped,
		PagesSkipped:    snap.PagesSkipped,
		PagesFailed:     snap.PagesFailed,
		RevisionsAdded:  snap.RevisionsAdded,
		FilesDownloaded: snap.FilesDownloaded,
	}
	if err := o.cfg.Store.CloseRun(closeCtx, ex.run); err != nil {
		ex.logger.Warn("close run record failed", zap.Error(err))
	}

	stage := progress.StageRunDone
	if state == StateFailed {
		stage = progress.StageRunError
	}
	o.emit(progress.Event{RunID: ex.run.ID, TS: finished, Stage: stage, Dur: dur})
	o.setState(state)

	res := &Result{
		RunID:           ex.run.ID.String(),
		State:           state,
		Mode:            ex.opts.Mode,
		PagesScraped:    snap.PagesScraped,
		PagesSkipped:    snap.PagesSkipped,
		RevisionsAdded:  snap.RevisionsAdded,
		FilesDownloaded: snap.FilesDownloaded,
		Failures:        append([]Failure(nil), snap.Failures...),
		Duration:        dur,
		PerNamespace:    snap.PerNamespace,
	}
	return res
}

// loadCheckpoint resolves the starting Record for the run.
func (o *Orchestrator) loadCheckpoint(ctx context.Context, opts Options) (*checkpoint.Record, error) {
	fresh := func() (*checkpoint.Record, error) {
		id, err := o.cfg.IDs.NewID()
		if err != nil {
			return nil, fmt.Errorf("allocate checkpoint id: %w", err)
		}
		return checkpoint.NewRecord(id, opts.Mode), nil
	}

	if !opts.Resume {
		return fresh()
	}

	rec, err := o.cfg.Checkpoints.Load(ctx)
	switch {
	case err == nil:
		if rec.Mode != opts.Mode {
			o.cfg.Logger.Warn("checkpoint mode mismatch, starting fresh",
				zap.String("checkpoint_mode", string(rec.Mode)),
				zap.String("requested_mode", string(opts.Mode)),
			)
			return fresh()
		}
		return rec, nil
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
		return fresh()
	case errors.Is(err, wiki.ErrFreshStartRequired), errors.Is(err, wiki.ErrCheckpointCorrupt):
		if !opts.FreshStart {
			return nil, fmt.Errorf("cannot resume: %w", err)
		}
		o.cfg.Logger.Warn("discarding unusable checkpoint", zap.Error(err))
		if clearErr := o.cfg.Checkpoints.Clear(ctx); clearErr != nil {
			return nil, fmt.Errorf("clear checkpoint: %w", clearErr)
		}
		return fresh()
	default:
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
}

func (o *Orchestrator) setState(state State) {
	o.mu.Lock()
	o.snap.State = state
	o.mu.Unlock()
	metrics.SetRunState(string(state))
}

func (o *Orchestrator) emit(evt progress.Event) {
	if o.cfg.Emitter == nil {
		return
	}
	o.cfg.Emitter.Emit(evt)
}

func runStatus(state State) wiki.RunStatus {
	switch state {
	case StateCompleted:
		return wiki.RunCompleted
	case StateInterrupted:
		return wiki.RunInterrupted
	default:
		return wiki.RunFailed
	}
}

// mediaPath maps a File page title onto a stable blob path.
func mediaPath(page wiki.Page) string {
	name := strings.TrimPrefix(page.Title, "File:")
	return "files/" + strings.ReplaceAll(name, " ", "_")
}

func encodeCursor(namespace, cursor string) string {
	return namespace + "|" + cursor
}

func parseCursor(stored string) (namespace, cursor string, ok bool) {
	if stored == "" {
		return "", "", false
	}
	namespace, cursor, ok = strings.Cut(stored, "|")
	return namespace, cursor, ok
}
