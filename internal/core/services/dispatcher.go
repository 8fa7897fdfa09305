package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/ports"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/tracing"
)

var errPoolExhausted = errors.New("worker pool exhausted")

// Dispatcher runs jobs on a fixed pool of worker contexts. Idle contexts
// pull the next job from a shared queue, so no context waits while jobs
// remain.
type Dispatcher struct {
	factory   ports.WorkerFactory
	logger    *slog.Logger
	metrics   ports.Metrics
	tracer    *tracing.Provider
	tracker   *RunTracker
	observers []ports.JobObserver
}

type DispatcherOption func(*Dispatcher)

func WithMetrics(m ports.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithTracer(t *tracing.Provider) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = t }
}

func WithTracker(t *RunTracker) DispatcherOption {
	return func(d *Dispatcher) { d.tracker = t }
}

func WithObservers(obs ...ports.JobObserver) DispatcherOption {
	return func(d *Dispatcher) { d.observers = append(d.observers, obs...) }
}

func NewDispatcher(factory ports.WorkerFactory, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		factory: factory,
		logger:  logger,
		metrics: NopMetrics{},
		tracer:  tracing.Noop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes every job exactly once and returns one outcome per job in
// completion order. Job failures are outcomes, never errors. The error is
// non-nil only for pool-level failures (wrapping domain.ErrPoolFatal) or
// when ctx was cancelled; outcomes are complete in either case.
func (d *Dispatcher) Run(ctx context.Context, jobs []domain.Job, workerCount int, ch ports.LogChannel) ([]domain.Outcome, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	if workerCount < 1 {
		return nil, &domain.PoolFatalError{Err: fmt.Errorf("invalid worker count %d", workerCount)}
	}

	ctx, span := d.tracer.StartSpan(ctx, "dispatch")
	span.SetAttributes(attribute.Int("jobs", len(jobs)), attribute.Int("workers", workerCount))
	defer span.End()

	workers, err := d.startWorkers(ctx, workerCount, ch)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	queue := make(chan domain.Job, len(jobs))
	for _, job := range jobs {
		queue <- job
	}
	close(queue)

	c := &collector{d: d, pending: len(jobs), outcomes: make([]domain.Outcome, 0, len(jobs))}
	d.metrics.JobsPending(len(jobs))
	d.metrics.WorkersActive(len(workers))

	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			d.work(ctx, w, queue, c)
			return nil
		})
	}
	_ = g.Wait()
	d.metrics.WorkersActive(0)

	// Jobs left over when every context died.
	for job := range queue {
		c.add(ctx, domain.Failed(job, errPoolExhausted))
	}

	err = errors.Join(c.fatal...)
	if len(c.fatal) == 1 {
		err = c.fatal[0]
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
	}
	return c.outcomes, err
}

func (d *Dispatcher) startWorkers(ctx context.Context, n int, ch ports.LogChannel) ([]ports.WorkerContext, error) {
	workers := make([]ports.WorkerContext, 0, n)
	for i := range n {
		id := fmt.Sprintf("worker-%d", i+1)
		w, err := d.factory.Start(ctx, id, ch)
		if err != nil {
			for _, started := range workers {
				_ = started.Close()
			}
			return nil, &domain.PoolFatalError{WorkerID: id, Err: err}
		}
		d.logger.Debug("Worker started", "worker", id)
		if d.tracker != nil {
			d.tracker.WorkerStarted(w)
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func (d *Dispatcher) work(ctx context.Context, w ports.WorkerContext, queue <-chan domain.Job, c *collector) {
	status := domain.WorkerStatusExited
	defer func() {
		if err := w.Close(); err != nil {
			d.logger.Warn("Worker did not exit cleanly", "worker", w.ID(), "error", err)
		}
		if d.tracker != nil {
			d.tracker.WorkerStopped(w.ID(), status)
		}
	}()

	for job := range queue {
		if err := ctx.Err(); err != nil {
			c.add(ctx, domain.Failed(job, fmt.Errorf("cancelled: %w", err)))
			continue
		}

		d.started(ctx, w.ID(), job)
		began := time.Now()
		out, err := w.Execute(ctx, job)
		if out.JobID == "" {
			out = domain.Failed(job, err)
		}
		if out.WorkerID == "" {
			out.WorkerID = w.ID()
		}
		if out.StartedAt.IsZero() {
			out.StartedAt, out.FinishedAt = began, time.Now()
		}
		c.add(ctx, out)

		if err != nil && ctx.Err() == nil {
			d.logger.Error("Worker context failed", "worker", w.ID(), "job", job.ID, "error", err)
			c.addFatal(&domain.PoolFatalError{WorkerID: w.ID(), Err: err})
			status = domain.WorkerStatusCrashed
			return
		}
	}
}

func (d *Dispatcher) started(ctx context.Context, workerID string, job domain.Job) {
	if d.tracker != nil {
		d.tracker.JobStarted(ctx, workerID, job)
	}
	d.metrics.JobStarted(ctx, workerID, job)
	for _, o := range d.observers {
		o.JobStarted(ctx, workerID, job)
	}
}

type collector struct {
	d        *Dispatcher
	mu       sync.Mutex
	pending  int
	outcomes []domain.Outcome
	fatal    []error
}

func (c *collector) add(ctx context.Context, out domain.Outcome) {
	c.mu.Lock()
	c.outcomes = append(c.outcomes, out)
	c.pending--
	pending := c.pending
	c.mu.Unlock()

	d := c.d
	d.metrics.JobsPending(pending)
	d.metrics.JobFinished(ctx, out)
	if d.tracker != nil {
		d.tracker.JobFinished(ctx, out)
	}
	for _, o := range d.observers {
		o.JobFinished(ctx, out)
	}
}

func (c *collector) addFatal(err error) {
	c.mu.Lock()
	c.fatal = append(c.fatal, err)
	c.mu.Unlock()
}
