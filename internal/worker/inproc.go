package worker

import (
	"context"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/ports"
)

// Runner executes one job and never fails; *services.WorkerRuntime is the
// production implementation.
type Runner interface {
	Run(ctx context.Context, job domain.Job, ch ports.LogChannel, workerID string) domain.Outcome
}

// InProcessFactory runs worker contexts as goroutines. Isolation relies on
// the runner recovering panics at the job boundary.
type InProcessFactory struct {
	runner Runner
}

func NewInProcessFactory(runner Runner) *InProcessFactory {
	return &InProcessFactory{runner: runner}
}

func (f *InProcessFactory) Start(ctx context.Context, workerID string, ch ports.LogChannel) (ports.WorkerContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &inprocContext{id: workerID, runner: f.runner, ch: ch}, nil
}

type inprocContext struct {
	id     string
	runner Runner
	ch     ports.LogChannel
}

func (c *inprocContext) ID() string {
	return c.id
}

func (c *inprocContext) Execute(ctx context.Context, job domain.Job) (domain.Outcome, error) {
	return c.runner.Run(ctx, job, c.ch, c.id), nil
}

func (c *inprocContext) Close() error {
	return nil
}
