package services

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/ports"
)

// RunProgress is a point-in-time view of the current run.
type RunProgress struct {
	RunID     string           `json:"run_id"`
	Status    domain.RunStatus `json:"status"`
	Total     int              `json:"total"`
	Running   int              `json:"running"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Workers   int              `json:"workers"`
	StartedAt time.Time        `json:"started_at"`
	Elapsed   string           `json:"elapsed"`
}

type runningJob struct {
	job     domain.Job
	worker  string
	started time.Time
}

// RunTracker keeps the live state served by the status endpoints and
// watched by the WorkerMonitor.
type RunTracker struct {
	mu       sync.RWMutex
	now      func() time.Time
	progress RunProgress
	workers  map[string]*domain.WorkerInfo
	running  map[string]runningJob
	failures []domain.FailedJob
}

func NewRunTracker() *RunTracker {
	return &RunTracker{
		now:     time.Now,
		workers: make(map[string]*domain.WorkerInfo),
		running: make(map[string]runningJob),
	}
}

func (t *RunTracker) Begin(runID string, total, workers int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress = RunProgress{
		RunID:     runID,
		Status:    domain.RunStatusRunning,
		Total:     total,
		Workers:   workers,
		StartedAt: t.now(),
	}
	clear(t.workers)
	clear(t.running)
	t.failures = nil
}

func (t *RunTracker) Finish(status domain.RunStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.Status = status
}

func (t *RunTracker) WorkerStarted(w ports.WorkerContext) {
	info := &domain.WorkerInfo{ID: w.ID(), Status: domain.WorkerStatusIdle, StartedAt: t.now()}
	if p, ok := w.(interface{ PID() int }); ok {
		info.PID = p.PID()
	}
	t.mu.Lock()
	t.workers[w.ID()] = info
	t.mu.Unlock()
}

func (t *RunTracker) WorkerStopped(id string, status domain.WorkerStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.workers[id]; ok {
		w.Status = status
		w.CurrentJob = ""
	}
}

func (t *RunTracker) JobStarted(_ context.Context, workerID string, job domain.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running[job.ID] = runningJob{job: job, worker: workerID, started: t.now()}
	t.progress.Running = len(t.running)
	if w, ok := t.workers[workerID]; ok {
		w.Status = domain.WorkerStatusBusy
		w.CurrentJob = job.ID
	}
}

func (t *RunTracker) JobFinished(_ context.Context, out domain.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.running, out.JobID)
	t.progress.Running = len(t.running)
	if out.Succeeded() {
		t.progress.Succeeded++
	} else {
		t.progress.Failed++
		t.failures = append(t.failures, domain.FailedJob{JobID: out.JobID, Input: out.Input, Error: out.Error})
	}
	if w, ok := t.workers[out.WorkerID]; ok {
		w.JobsDone++
		if w.CurrentJob == out.JobID {
			w.Status = domain.WorkerStatusIdle
			w.CurrentJob = ""
		}
	}
}

func (t *RunTracker) Progress() RunProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p := t.progress
	if !p.StartedAt.IsZero() {
		p.Elapsed = t.now().Sub(p.StartedAt).Round(time.Second).String()
	}
	return p
}

// Workers returns the pool ordered by worker ID.
func (t *RunTracker) Workers() []domain.WorkerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.WorkerInfo, 0, len(t.workers))
	for _, w := range t.workers {
		out = append(out, *w)
	}
	// worker-2 before worker-10
	slices.SortFunc(out, func(a, b domain.WorkerInfo) int {
		return cmp.Or(cmp.Compare(len(a.ID), len(b.ID)), strings.Compare(a.ID, b.ID))
	})
	return out
}

func (t *RunTracker) Failures() []domain.FailedJob {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.failures)
}

// RunningJob is a job currently held by a worker.
type RunningJob struct {
	Job      domain.Job
	WorkerID string
	Since    time.Duration
}

func (t *RunTracker) Running() []RunningJob {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.now()
	out := make([]RunningJob, 0, len(t.running))
	for _, r := range t.running {
		out = append(out, RunningJob{Job: r.job, WorkerID: r.worker, Since: now.Sub(r.started)})
	}
	return out
}
