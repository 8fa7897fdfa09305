package services

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type pidWorker struct{ *fakeWorker }

func (pidWorker) PID() int { return 4242 }

func TestRunTracker_Lifecycle(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	tracker := NewRunTracker()
	tracker.now = clock.Now
	ctx := context.Background()

	tracker.Begin("run-1", 3, 2)
	for _, id := range []string{"worker-10", "worker-2"} {
		tracker.WorkerStarted(&fakeWorker{id: id})
	}
	tracker.WorkerStarted(pidWorker{&fakeWorker{id: "worker-1"}})

	jobs := makeJobs(3)
	tracker.JobStarted(ctx, "worker-1", jobs[0])
	tracker.JobStarted(ctx, "worker-2", jobs[1])

	workers := tracker.Workers()
	require.Len(t, workers, 3)
	assert.Equal(t, []string{"worker-1", "worker-2", "worker-10"}, []string{workers[0].ID, workers[1].ID, workers[2].ID})
	assert.Equal(t, 4242, workers[0].PID)
	assert.Equal(t, domain.WorkerStatusBusy, workers[0].Status)
	assert.Equal(t, jobs[0].ID, workers[0].CurrentJob)

	clock.Advance(90 * time.Second)
	out := domain.Failed(jobs[1], errors.New("bad input"))
	out.WorkerID = "worker-2"
	tracker.JobFinished(ctx, out)

	p := tracker.Progress()
	assert.Equal(t, "run-1", p.RunID)
	assert.Equal(t, domain.RunStatusRunning, p.Status)
	assert.Equal(t, 1, p.Running)
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, "1m30s", p.Elapsed)
	assert.Equal(t, []domain.FailedJob{{JobID: jobs[1].ID, Input: jobs[1].RelPath, Error: "bad input"}}, tracker.Failures())

	running := tracker.Running()
	require.Len(t, running, 1)
	assert.Equal(t, jobs[0].ID, running[0].Job.ID)
	assert.Equal(t, 90*time.Second, running[0].Since)

	tracker.Finish(domain.RunStatusFinished)
	assert.Equal(t, domain.RunStatusFinished, tracker.Progress().Status)

	// A new run starts from scratch.
	tracker.Begin("run-2", 1, 1)
	assert.Empty(t, tracker.Workers())
	assert.Empty(t, tracker.Failures())
	assert.Zero(t, tracker.Progress().Running)
}

func TestWorkerMonitor_ReportsStalledJobsOnce(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	tracker := NewRunTracker()
	tracker.now = clock.Now
	tracker.Begin("run-1", 2, 2)

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	monitor := NewWorkerMonitor(tracker, log, time.Minute)

	jobs := makeJobs(2)
	tracker.JobStarted(context.Background(), "worker-1", jobs[0])
	clock.Advance(30 * time.Second)
	tracker.JobStarted(context.Background(), "worker-2", jobs[1])

	assert.Equal(t, 0, monitor.check())

	clock.Advance(45 * time.Second)
	assert.Equal(t, 1, monitor.check())
	assert.Equal(t, 0, monitor.check())

	clock.Advance(time.Minute)
	assert.Equal(t, 1, monitor.check())

	assert.Equal(t, 2, strings.Count(buf.String(), "Job is taking unusually long"))
	assert.Contains(t, buf.String(), "input="+jobs[0].RelPath)
}

func TestWorkerMonitor_DisabledWithoutThreshold(t *testing.T) {
	monitor := NewWorkerMonitor(NewRunTracker(), slog.Default(), 0)

	done := make(chan struct{})
	go func() {
		monitor.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start should return immediately when disabled")
	}
}
