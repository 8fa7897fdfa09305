package ports

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
)

// LogChannel is the multi-producer, single-consumer queue that carries
// log records from every worker context to the aggregator.
type LogChannel interface {
	Send(ctx context.Context, rec domain.LogRecord) error
	// SendSentinel enqueues the shutdown marker. Only the owner calls it,
	// and only after every producer has stopped.
	SendSentinel(ctx context.Context) error
	// Receive blocks until an envelope is available. A decode failure is
	// returned as an error wrapping domain.ErrMalformedRecord.
	Receive(ctx context.Context) (domain.LogEnvelope, error)
}

// Analysis is the result of a successful Analyze call.
type Analysis interface {
	Measurements() domain.Measurements
	// Render produces the visualization image. Only valid after Analyze succeeded.
	Render(ctx context.Context) ([]byte, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, input string, options map[string]string) (Analysis, error)
}

// Discoverer lists inputs below root whose slash separated relative path
// matches pattern, in lexical order.
type Discoverer interface {
	Discover(ctx context.Context, root string, pattern *regexp.Regexp) ([]string, error)
}

type ResultWriter interface {
	// Write persists measurements and an optional image below outputRoot/dir
	// and returns the written paths.
	Write(ctx context.Context, dir string, m domain.Measurements, visualization []byte) ([]string, error)
}

// WorkerContext is one isolated execution context of the pool.
type WorkerContext interface {
	ID() string
	// Execute runs one job. A returned error means the context itself
	// failed; job failures come back as Failed outcomes.
	Execute(ctx context.Context, job domain.Job) (domain.Outcome, error)
	Close() error
}

type WorkerFactory interface {
	Start(ctx context.Context, workerID string, ch LogChannel) (WorkerContext, error)
}

type RunRepository interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	FinishRun(ctx context.Context, run *domain.Run) error
	SaveResult(ctx context.Context, result *domain.JobResult) error
	ListResults(ctx context.Context, runID string) ([]*domain.JobResult, error)
}

type FailureLedger interface {
	Add(ctx context.Context, job domain.Job, reason string) error
	Remove(ctx context.Context, jobID string) error
	Jobs(ctx context.Context) ([]domain.Job, error)
	Count(ctx context.Context) (int64, error)
}

// LogTap receives every record the aggregator re-emits.
type LogTap interface {
	PublishLog(ctx context.Context, rec domain.LogRecord)
}

// JobObserver follows jobs through the pool. Implementations must not
// block: they are called from the dispatch loop.
type JobObserver interface {
	JobStarted(ctx context.Context, workerID string, job domain.Job)
	JobFinished(ctx context.Context, outcome domain.Outcome)
}

type Metrics interface {
	JobObserver
	WorkersActive(n int)
	JobsPending(n int)
	LogRecord(level slog.Level)
	MalformedRecord()
}
