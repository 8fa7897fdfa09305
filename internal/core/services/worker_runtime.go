package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/logger"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/ports"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/tracing"
)

// LogSource names records produced by the worker runtime.
const LogSource = "aggregation.worker"

type RuntimeOptions struct {
	ExportVisualization bool
	JobTimeout          time.Duration
	LogLevel            slog.Leveler
	Tracer              *tracing.Provider
}

// WorkerRuntime runs one job inside a worker context. It never returns an
// error: every failure of the job becomes a Failed outcome.
type WorkerRuntime struct {
	analyzer ports.Analyzer
	writer   ports.ResultWriter
	opts     RuntimeOptions
}

func NewWorkerRuntime(analyzer ports.Analyzer, writer ports.ResultWriter, opts RuntimeOptions) *WorkerRuntime {
	if opts.Tracer == nil {
		opts.Tracer = tracing.Noop()
	}
	if opts.LogLevel == nil {
		opts.LogLevel = slog.LevelDebug
	}
	return &WorkerRuntime{analyzer: analyzer, writer: writer, opts: opts}
}

func (r *WorkerRuntime) Run(ctx context.Context, job domain.Job, ch ports.LogChannel, workerID string) (out domain.Outcome) {
	log := slog.New(logger.NewChannelHandler(ch, LogSource, workerID, r.opts.LogLevel)).
		With(slog.String(logger.KeyJob, job.ID))

	ctx, span := r.opts.Tracer.StartSpan(ctx, "job")
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.input", job.RelPath),
		attribute.String("worker.id", workerID),
	)

	started := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("panic: %v", p)
			log.Debug("Recovered panic", "stack", string(debug.Stack()))
			out = r.fail(log, job, err)
		}
		out.WorkerID = workerID
		out.StartedAt = started
		out.FinishedAt = time.Now()
		if !out.Succeeded() {
			span.SetStatus(codes.Error, out.Error)
		}
		span.End()
	}()

	if r.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.JobTimeout)
		defer cancel()
	}

	ctx = logger.WithContext(ctx, log)
	log.Info("Analyzing image", "input", job.RelPath)

	analysis, err := r.analyzer.Analyze(ctx, job.Input, job.Options)
	if err != nil {
		return r.fail(log, job, r.cause(ctx, err))
	}
	m := analysis.Measurements()

	var vis []byte
	if r.opts.ExportVisualization {
		vis, err = analysis.Render(ctx)
		if err != nil {
			return r.fail(log, job, r.cause(ctx, fmt.Errorf("render: %w", err)))
		}
	}

	artifacts, err := r.writer.Write(ctx, job.OutputDir, m, vis)
	if err != nil {
		return r.fail(log, job, r.cause(ctx, fmt.Errorf("write results: %w", err)))
	}

	out = domain.Completed(job, m, vis)
	out.Artifacts = artifacts
	log.Info("Image analyzed", "input", job.RelPath, "rows", len(m.Rows))
	return out
}

func (r *WorkerRuntime) fail(log *slog.Logger, job domain.Job, err error) domain.Outcome {
	log.Error(fmt.Sprintf("Could not analyze %s: %v", job.Name(), err), "input", job.RelPath)
	return domain.Failed(job, err)
}

// cause replaces the analyzer's view of a cancelled context with a clearer
// timeout error.
func (r *WorkerRuntime) cause(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && r.opts.JobTimeout > 0 {
		return fmt.Errorf("timed out after %s: %w", r.opts.JobTimeout, err)
	}
	return err
}
