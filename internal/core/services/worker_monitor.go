package services

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultMonitorInterval = 30 * time.Second

// WorkerMonitor warns about jobs that have been running for longer than
// the stall threshold. Each job is reported once.
type WorkerMonitor struct {
	tracker   *RunTracker
	logger    *slog.Logger
	threshold time.Duration
	interval  time.Duration

	mu       sync.Mutex
	reported map[string]bool
}

func NewWorkerMonitor(tracker *RunTracker, logger *slog.Logger, threshold time.Duration) *WorkerMonitor {
	interval := defaultMonitorInterval
	if threshold > 0 && threshold/4 < interval {
		interval = max(threshold/4, 10*time.Millisecond)
	}
	return &WorkerMonitor{
		tracker:   tracker,
		logger:    logger,
		threshold: threshold,
		interval:  interval,
		reported:  make(map[string]bool),
	}
}

// Start blocks until ctx is done. A non-positive threshold disables it.
func (m *WorkerMonitor) Start(ctx context.Context) {
	if m.threshold <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check()
		}
	}
}

// check reports stalled jobs and returns how many were newly reported.
func (m *WorkerMonitor) check() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.tracker.Running() {
		if r.Since < m.threshold || m.reported[r.Job.ID] {
			continue
		}
		m.reported[r.Job.ID] = true
		n++
		m.logger.Warn("Job is taking unusually long",
			"job", r.Job.ID,
			"input", r.Job.RelPath,
			"worker", r.WorkerID,
			"running_for", r.Since.Round(time.Second).String(),
		)
	}
	return n
}
