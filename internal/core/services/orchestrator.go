package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/cores"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/ports"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/tracing"
)

type OrchestratorConfig struct {
	RunID           string // generated when empty
	InputRoot       string
	Pattern         *regexp.Regexp
	MaxWorkers      int
	PhysicalCores   int
	Options         map[string]string
	RetryFailed     bool
	LogDrainTimeout time.Duration
}

// Orchestrator runs one batch: start the aggregator, find jobs, size the
// pool, dispatch, and always drain the log channel before returning.
type Orchestrator struct {
	cfg        OrchestratorConfig
	logger     *slog.Logger
	channel    ports.LogChannel
	aggregator *LogAggregator
	discoverer ports.Discoverer
	dispatcher *Dispatcher
	recorder   *Recorder
	ledger     ports.FailureLedger
	tracker    *RunTracker
	tracer     *tracing.Provider
}

type OrchestratorDeps struct {
	Logger     *slog.Logger
	Channel    ports.LogChannel
	Aggregator *LogAggregator
	Discoverer ports.Discoverer
	Dispatcher *Dispatcher
	Recorder   *Recorder           // optional
	Ledger     ports.FailureLedger // optional, required for RetryFailed
	Tracker    *RunTracker         // optional
	Tracer     *tracing.Provider   // optional
}

func NewOrchestrator(cfg OrchestratorConfig, deps OrchestratorDeps) (*Orchestrator, error) {
	if cfg.MaxWorkers < 1 {
		return nil, domain.ConfigError("max workers must be at least 1, got %d", cfg.MaxWorkers)
	}
	if cfg.Pattern == nil && !cfg.RetryFailed {
		return nil, domain.ConfigError("input pattern is required")
	}
	if cfg.RetryFailed && deps.Ledger == nil {
		return nil, domain.ConfigError("retrying failed jobs requires the failed-job ledger (REDIS_URL)")
	}
	if cfg.PhysicalCores < 1 {
		cfg.PhysicalCores = cores.PhysicalCores()
	}
	if cfg.LogDrainTimeout <= 0 {
		cfg.LogDrainTimeout = 30 * time.Second
	}
	if deps.Tracer == nil {
		deps.Tracer = tracing.Noop()
	}
	if deps.Recorder == nil {
		deps.Recorder = NewRecorder(nil, nil, deps.Logger)
	}

	return &Orchestrator{
		cfg:        cfg,
		logger:     deps.Logger,
		channel:    deps.Channel,
		aggregator: deps.Aggregator,
		discoverer: deps.Discoverer,
		dispatcher: deps.Dispatcher,
		recorder:   deps.Recorder,
		ledger:     deps.Ledger,
		tracker:    deps.Tracker,
		tracer:     deps.Tracer,
	}, nil
}

// Run executes the batch. Job failures are reported in the summary only;
// the error is non-nil for pool-level failures, discovery errors and
// cancellation.
func (o *Orchestrator) Run(ctx context.Context) (summary domain.RunSummary, err error) {
	runID := o.cfg.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	started := time.Now()
	summary = domain.RunSummary{RunID: runID, StartedAt: started}

	ctx, span := o.tracer.StartSpan(ctx, "run")
	span.SetAttributes(attribute.String("run.id", runID))
	defer span.End()

	if err := o.aggregator.Start(ctx); err != nil {
		return summary, err
	}
	// The drain comes last so records logged by this process, including
	// the summary lines, reach the sinks behind every worker record.
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.LogDrainTimeout)
		defer cancel()
		if derr := o.aggregator.Shutdown(drainCtx); derr != nil {
			o.logger.Error("Log aggregator did not drain", "error", derr)
			err = errors.Join(err, derr)
			summary.Fatal = err.Error()
		}
	}()

	o.logger.Info("Starting...", "run", runID)

	jobs, err := o.jobs(ctx)
	if err != nil {
		return summary, err
	}

	workers := cores.Resolve(len(jobs), o.cfg.MaxWorkers, o.cfg.PhysicalCores)
	o.logger.Info(fmt.Sprintf("Found %d images. Use %d cores.", len(jobs), workers))
	span.SetAttributes(attribute.Int("run.jobs", len(jobs)), attribute.Int("run.workers", workers))

	run := &domain.Run{
		ID:        runID,
		Status:    domain.RunStatusRunning,
		InputRoot: o.cfg.InputRoot,
		Workers:   workers,
		Total:     len(jobs),
		StartedAt: started,
	}
	o.recorder.Begin(ctx, run)
	if o.tracker != nil {
		o.tracker.Begin(runID, len(jobs), workers)
	}

	outcomes, err := o.dispatcher.Run(ctx, jobs, workers, o.channel)

	summary = domain.Summarize(runID, workers, outcomes)
	summary.StartedAt = started
	summary.FinishedAt = time.Now()
	if err != nil {
		summary.Fatal = err.Error()
	}

	o.recorder.Reconcile(ctx, jobs, outcomes)
	o.recorder.Finish(ctx, summary)
	if o.tracker != nil {
		status := domain.RunStatusFinished
		if err != nil {
			status = domain.RunStatusFatal
		}
		o.tracker.Finish(status)
	}

	if err != nil {
		span.RecordError(err)
		o.logger.Error("Run aborted", "error", err, "succeeded", summary.Succeeded, "failed", summary.Failed)
		return summary, err
	}

	if summary.Failed > 0 {
		o.logger.Warn(fmt.Sprintf("%d of %d images could not be analyzed.", summary.Failed, summary.Total))
	}
	o.logger.Info("Finished successfully.", "duration", summary.FinishedAt.Sub(started).Round(time.Millisecond).String())
	return summary, nil
}

func (o *Orchestrator) jobs(ctx context.Context) ([]domain.Job, error) {
	if o.cfg.RetryFailed {
		jobs, err := o.ledger.Jobs(ctx)
		if err != nil {
			return nil, fmt.Errorf("load failed jobs: %w", err)
		}
		o.logger.Info("Retrying failed jobs", "count", len(jobs))
		return jobs, nil
	}

	rels, err := o.discoverer.Discover(ctx, o.cfg.InputRoot, o.cfg.Pattern)
	if err != nil {
		return nil, fmt.Errorf("discover inputs: %w", err)
	}
	return PlanJobs(o.cfg.InputRoot, rels, o.cfg.Options), nil
}
