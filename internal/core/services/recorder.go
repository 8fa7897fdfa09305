package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/circuitbreaker"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/ports"
)

// Recorder persists the run and its outcomes to the optional run ledger
// and failed-job ledger. Both are best effort: errors are logged and the
// breakers stop calling a backend that keeps failing.
type Recorder struct {
	repo     ports.RunRepository
	ledger   ports.FailureLedger
	logger   *slog.Logger
	repoCB   *circuitbreaker.CircuitBreaker
	ledgerCB *circuitbreaker.CircuitBreaker

	mu  sync.Mutex
	run *domain.Run
}

// NewRecorder accepts nil for either backend.
func NewRecorder(repo ports.RunRepository, ledger ports.FailureLedger, logger *slog.Logger) *Recorder {
	return &Recorder{
		repo:     repo,
		ledger:   ledger,
		logger:   logger,
		repoCB:   circuitbreaker.New("run-ledger", logger),
		ledgerCB: circuitbreaker.New("failed-jobs", logger),
	}
}

func (r *Recorder) Begin(ctx context.Context, run *domain.Run) {
	r.mu.Lock()
	r.run = run
	r.mu.Unlock()

	if r.repo == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := r.repoCB.Execute(ctx, func() error { return r.repo.CreateRun(ctx, run) }); err != nil {
		r.logger.Warn("Failed to record run", "run", run.ID, "error", err)
	}
}

func (r *Recorder) JobStarted(context.Context, string, domain.Job) {}

func (r *Recorder) JobFinished(ctx context.Context, out domain.Outcome) {
	ctx = context.WithoutCancel(ctx)

	if r.repo != nil {
		r.mu.Lock()
		runID := ""
		if r.run != nil {
			runID = r.run.ID
		}
		r.mu.Unlock()

		result := &domain.JobResult{
			RunID:      runID,
			JobID:      out.JobID,
			Input:      out.Input,
			Status:     out.Status,
			Error:      out.Error,
			WorkerID:   out.WorkerID,
			StartedAt:  out.StartedAt,
			FinishedAt: out.FinishedAt,
		}
		if out.Measurements != nil {
			result.Rows = len(out.Measurements.Rows)
		}
		if err := r.repoCB.Execute(ctx, func() error { return r.repo.SaveResult(ctx, result) }); err != nil {
			r.logger.Warn("Failed to record job result", "job", out.JobID, "error", err)
		}
	}
}

// Reconcile updates the failed-job ledger once all outcomes are known.
// jobs is needed because a Failed outcome only carries the job ID.
func (r *Recorder) Reconcile(ctx context.Context, jobs []domain.Job, outcomes []domain.Outcome) {
	if r.ledger == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	byID := make(map[string]domain.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}
	for _, out := range outcomes {
		job, ok := byID[out.JobID]
		if !ok {
			continue
		}
		var err error
		if out.Succeeded() {
			err = r.ledgerCB.Execute(ctx, func() error { return r.ledger.Remove(ctx, job.ID) })
		} else {
			err = r.ledgerCB.Execute(ctx, func() error { return r.ledger.Add(ctx, job, out.Error) })
		}
		if err != nil {
			r.logger.Warn("Failed to update failed-job ledger", "job", job.ID, "error", err)
		}
	}
}

func (r *Recorder) Finish(ctx context.Context, summary domain.RunSummary) {
	r.mu.Lock()
	run := r.run
	r.mu.Unlock()
	if r.repo == nil || run == nil {
		return
	}

	finished := summary.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	run.Total = summary.Total
	run.Succeeded = summary.Succeeded
	run.Failed = summary.Failed
	run.Workers = summary.Workers
	run.Fatal = summary.Fatal
	run.FinishedAt = &finished
	run.Status = domain.RunStatusFinished
	if summary.Fatal != "" {
		run.Status = domain.RunStatusFatal
	}

	ctx = context.WithoutCancel(ctx)
	if err := r.repoCB.Execute(ctx, func() error { return r.repo.FinishRun(ctx, run) }); err != nil {
		r.logger.Warn("Failed to record run summary", "run", run.ID, "error", err)
	}
}
