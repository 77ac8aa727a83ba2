package importer

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/3leaps/runnerhub/pkg/formats"
	"github.com/3leaps/runnerhub/pkg/jobs"
)

var (
	// ErrQueueFull is returned by Submit when the worker backlog is full.
	ErrQueueFull = errors.New("import queue is full")

	// ErrWorkerClosed is returned by Submit after Close.
	ErrWorkerClosed = errors.New("import worker is closed")
)

const (
	DefaultQueueSize = 64
	DefaultWorkers   = 4
)

// WorkerConfig sizes a Worker. Zero values take the defaults.
type WorkerConfig struct {
	QueueSize int
	Workers   int
}

// ResultEvent carries an inline result document for import.
type ResultEvent struct {
	Target Target
	Format formats.TestResultFormat
	Hint   string
	Data   []byte
}

type task struct {
	artifact *ArtifactEvent
	result   *ResultEvent
}

// Worker runs a Pipeline off the request path. Events wait in a bounded
// backlog and are handled by at most Workers goroutines.
type Worker struct {
	pipeline *Pipeline
	workers  int
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
	tasks  chan task
}

// NewWorker returns a Worker feeding p.
func NewWorker(p *Pipeline, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		pipeline: p,
		workers:  cfg.Workers,
		logger:   logger,
		tasks:    make(chan task, cfg.QueueSize),
	}
}

// SubmitArtifact queues ev without blocking.
func (w *Worker) SubmitArtifact(ev ArtifactEvent) error {
	return w.submit(task{artifact: &ev})
}

// SubmitResult queues ev without blocking.
func (w *Worker) SubmitResult(ev ResultEvent) error {
	return w.submit(task{result: &ev})
}

func (w *Worker) submit(t task) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWorkerClosed
	}
	select {
	case w.tasks <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events. Run drains the backlog and returns.
func (w *Worker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.tasks)
	}
}

// Run handles queued events until ctx is done or the worker is closed and
// drained. In-flight imports are waited for before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	p := pool.New().WithMaxGoroutines(w.workers)
	defer p.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-w.tasks:
			if !ok {
				return nil
			}
			p.Go(func() { w.handle(ctx, t) })
		}
	}
}

func (w *Worker) handle(ctx context.Context, t task) {
	switch {
	case t.artifact != nil:
		if _, err := w.pipeline.HandleArtifact(ctx, *t.artifact); err != nil {
			w.logger.Error("Failed to import artifact",
				zap.String("tenant", t.artifact.TenantID),
				zap.String("job", t.artifact.JobGUID),
				zap.Error(err))
		}
	case t.result != nil:
		if _, err := w.pipeline.HandleResult(ctx, t.result.Target, t.result.Format, t.result.Hint, t.result.Data); err != nil {
			w.logger.Error("Failed to import result",
				zap.String("tenant", t.result.Target.TenantID),
				zap.String("job", t.result.Target.JobGUID),
				zap.Error(err))
		}
	}
}

// OnJobEvent is a jobs.Listener. The first transition of a job into a
// terminal status queues its inline result and its artifact archive for
// import. Jobs without a test run have nowhere to import to and are ignored.
func (w *Worker) OnJobEvent(_ context.Context, ev jobs.Event) {
	j := ev.Job
	if !j.Status.Terminal() || ev.Previous.Terminal() {
		return
	}
	if j.TestRunID == nil {
		w.logger.Debug("Job has no test run; skipping import", zap.String("job", j.GUID))
		return
	}
	target := Target{
		TenantID:      j.TenantID,
		TestRunID:     *j.TestRunID,
		TestProjectID: j.TestProjectID,
		JobGUID:       j.GUID,
	}

	if strings.TrimSpace(j.Result) != "" {
		err := w.SubmitResult(ResultEvent{Target: target, Format: j.Format, Data: []byte(j.Result)})
		w.logSubmit(err, j.GUID, "result")
	}
	if len(j.ArtifactContent) > 0 {
		err := w.SubmitArtifact(ArtifactEvent{
			TenantID:      j.TenantID,
			TestRunID:     *j.TestRunID,
			TestProjectID: j.TestProjectID,
			GlobPattern:   strings.Join(j.ArtifactPatterns, "\n"),
			ZipBytes:      j.ArtifactContent,
			JobGUID:       j.GUID,
		})
		w.logSubmit(err, j.GUID, "artifact")
	}
}

func (w *Worker) logSubmit(err error, guid, kind string) {
	if err != nil {
		w.logger.Warn("Dropped import", zap.String("job", guid), zap.String("kind", kind), zap.Error(err))
	}
}
