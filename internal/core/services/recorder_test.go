package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/logger"
)

type memRepo struct {
	mu       sync.Mutex
	runs     map[string]domain.Run
	results  []*domain.JobResult
	failSave bool
}

func newMemRepo() *memRepo {
	return &memRepo{runs: map[string]domain.Run{}}
}

func (r *memRepo) CreateRun(_ context.Context, run *domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = *run
	return nil
}

func (r *memRepo) FinishRun(_ context.Context, run *domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = *run
	return nil
}

func (r *memRepo) SaveResult(_ context.Context, res *domain.JobResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSave {
		return errors.New("connection refused")
	}
	r.results = append(r.results, res)
	return nil
}

func (r *memRepo) ListResults(_ context.Context, runID string) ([]*domain.JobResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.JobResult
	for _, res := range r.results {
		if res.RunID == runID {
			out = append(out, res)
		}
	}
	return out, nil
}

type memLedger struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

func newMemLedger(jobs ...domain.Job) *memLedger {
	l := &memLedger{jobs: map[string]domain.Job{}}
	for _, j := range jobs {
		l.jobs[j.ID] = j
	}
	return l
}

func (l *memLedger) Add(_ context.Context, job domain.Job, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs[job.ID] = job
	return nil
}

func (l *memLedger) Remove(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.jobs, id)
	return nil
}

func (l *memLedger) Jobs(context.Context) ([]domain.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Job, 0, len(l.jobs))
	for _, j := range l.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (l *memLedger) Count(context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.jobs)), nil
}

func TestRecorder_PersistsRunAndResults(t *testing.T) {
	repo := newMemRepo()
	rec := NewRecorder(repo, nil, logger.Discard())
	ctx := context.Background()
	jobs := makeJobs(2)

	rec.Begin(ctx, &domain.Run{ID: "run-1", Status: domain.RunStatusRunning, Total: 2})
	rec.JobFinished(ctx, domain.Completed(jobs[0], domain.Measurements{Columns: []string{"area"}, Rows: [][]string{{"1"}, {"2"}}}, nil))
	rec.JobFinished(ctx, domain.Failed(jobs[1], errors.New("no cells")))
	rec.Finish(ctx, domain.RunSummary{RunID: "run-1", Total: 2, Succeeded: 1, Failed: 1, Workers: 2})

	results, err := repo.ListResults(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 2, results[0].Rows)
	assert.Equal(t, domain.OutcomeFailed, results[1].Status)
	assert.Equal(t, "no cells", results[1].Error)

	run := repo.runs["run-1"]
	assert.Equal(t, domain.RunStatusFinished, run.Status)
	assert.Equal(t, 1, run.Failed)
	assert.NotNil(t, run.FinishedAt)
}

func TestRecorder_FatalRun(t *testing.T) {
	repo := newMemRepo()
	rec := NewRecorder(repo, nil, logger.Discard())
	ctx := context.Background()

	rec.Begin(ctx, &domain.Run{ID: "run-1"})
	rec.Finish(ctx, domain.RunSummary{RunID: "run-1", Fatal: "worker worker-1: exit status 3"})

	assert.Equal(t, domain.RunStatusFatal, repo.runs["run-1"].Status)
}

func TestRecorder_BackendErrorsAreNotFatal(t *testing.T) {
	repo := newMemRepo()
	repo.failSave = true
	rec := NewRecorder(repo, nil, logger.Discard())
	ctx := context.Background()

	rec.Begin(ctx, &domain.Run{ID: "run-1"})
	for _, job := range makeJobs(10) {
		rec.JobFinished(ctx, domain.Completed(job, domain.Measurements{}, nil))
	}
	assert.Empty(t, repo.results)
}

func TestRecorder_Reconcile(t *testing.T) {
	jobs := makeJobs(3)
	ledger := newMemLedger(jobs[0])
	rec := NewRecorder(nil, ledger, logger.Discard())

	outcomes := []domain.Outcome{
		domain.Completed(jobs[0], domain.Measurements{}, nil),
		domain.Failed(jobs[1], errors.New("bad")),
		domain.Completed(jobs[2], domain.Measurements{}, nil),
	}
	rec.Reconcile(context.Background(), jobs, outcomes)

	n, err := ledger.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Contains(t, ledger.jobs, jobs[1].ID)
}

func TestRecorder_NoBackends(t *testing.T) {
	rec := NewRecorder(nil, nil, logger.Discard())
	ctx := context.Background()
	job := makeJobs(1)[0]

	rec.Begin(ctx, &domain.Run{ID: "run-1"})
	rec.JobStarted(ctx, "worker-1", job)
	rec.JobFinished(ctx, domain.Completed(job, domain.Measurements{}, nil))
	rec.Reconcile(ctx, []domain.Job{job}, nil)
	rec.Finish(ctx, domain.RunSummary{RunID: "run-1"})
}
