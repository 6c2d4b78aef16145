package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wikivault/wikivault/internal/metrics"
	"github.com/wikivault/wikivault/internal/wiki"
)

// Task is one unit of work: fetch, diff, and persist a single page.
type Task struct {
	Page          wiki.Page
	SinceRevision int64
}

// Completion is the per-task event emitted to the orchestrator.
type Completion struct {
	Task     Task
	Status   wiki.TaskStatus
	Err      error
	Kind     wiki.ErrorKind
	Attempts int
	Duration time.Duration
}

// ProcessFunc executes the pipeline for one task. Returned errors are
// classified through the wiki error taxonomy.
type ProcessFunc func(ctx context.Context, task Task) error

// Config controls Scheduler behavior.
type Config struct {
	Concurrency  int
	FetchTimeout time.Duration
	Retry        *RetryPolicy
}

// Scheduler fans tasks out to a bounded worker pool. Each worker runs one
// task at a time through the retry combinator; ordering is guaranteed
// only within a task, never across tasks.
type Scheduler struct {
	cfg         Config
	process     ProcessFunc
	tasks       chan Task
	completions chan Completion
	logger      *zap.Logger
	closeOnce   sync.Once
}

// New constructs a Scheduler. Concurrency defaults to 4 workers.
func New(cfg Config, process ProcessFunc, logger *zap.Logger) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Retry == nil {
		cfg.Retry = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:         cfg,
		process:     process,
		tasks:       make(chan Task, cfg.Concurrency*2),
		completions: make(chan Completion, cfg.Concurrency*2),
		logger:      logger,
	}
}

// Submit enqueues a task. It fails once ctx is done so cancellation stops
// dispatch immediately.
func (s *Scheduler) Submit(ctx context.Context, task Task) error {
	select {
	case s.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseSubmit signals that no further tasks will arrive. Safe to call
// more than once.
func (s *Scheduler) CloseSubmit() {
	s.closeOnce.Do(func() {
		close(s.tasks)
	})
}

// Completions returns the per-task event stream. It is closed when Run
// returns.
func (s *Scheduler) Completions() <-chan Completion {
	return s.completions
}

// Run starts the worker pool and blocks until the task channel is closed
// and drained, or ctx is canceled. In-flight tasks finish (or hit their
// own fetch timeout) even after cancellation; only new dispatch stops.
func (s *Scheduler) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	for i := 0; i < s.cfg.Concurrency; i++ {
		g.Go(func() error {
			s.worker(ctx)
			return nil
		})
	}
	err := g.Wait()
	close(s.completions)
	return err
}

func (s *Scheduler) worker(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-s.tasks:
			if !ok {
				return
			}
			s.completions <- s.execute(ctx, task)
		}
	}
}

// execute runs the retry loop for one task. Exhausting retries on a
// retryable error degrades it to a recorded failure; it never aborts the
// run by itself.
func (s *Scheduler) execute(ctx context.Context, task Task) Completion {
	start := time.Now()
	var err error
	attempts := 0
	for attempt := 0; ; attempt++ {
		attempts = attempt + 1
		err = s.attempt(ctx, task)
		if err == nil {
			metrics.ObserveFetch(time.Since(start), true)
			return Completion{
				Task:     task,
				Status:   wiki.TaskSuccess,
				Attempts: attempts,
				Duration: time.Since(start),
			}
		}
		if !s.cfg.Retry.ShouldRetry(err, attempt) {
			break
		}
		metrics.IncFetchRetry()
		backoff := s.cfg.Retry.Backoff(attempt)
		s.logger.Debug("retrying task",
			zap.String("page", task.Page.Key()),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			// The run was canceled between attempts; the task was not
			// completed and will be retried on resume.
			return Completion{
				Task:     task,
				Status:   wiki.TaskSkipped,
				Err:      ctx.Err(),
				Kind:     wiki.KindTransient,
				Attempts: attempts,
				Duration: time.Since(start),
			}
		}
	}

	metrics.ObserveFetch(time.Since(start), false)
	kind := wiki.KindOf(err)
	metrics.IncFetchFailure(string(kind))
	return Completion{
		Task:     task,
		Status:   wiki.TaskFailed,
		Err:      err,
		Kind:     kind,
		Attempts: attempts,
		Duration: time.Since(start),
	}
}

// attempt runs the process function under the per-fetch timeout. The
// timeout context is detached from run-level cancellation so an in-flight
// attempt finishes or times out on its own.
func (s *Scheduler) attempt(ctx context.Context, task Task) error {
	attemptCtx := context.WithoutCancel(ctx)
	if s.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(attemptCtx, s.cfg.FetchTimeout)
		defer cancel()
	}
	return s.process(attemptCtx, task)
}
