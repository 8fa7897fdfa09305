package domain

import "time"

type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusExited  WorkerStatus = "exited"
	WorkerStatusCrashed WorkerStatus = "crashed"
)

// WorkerInfo describes one worker context of the current run.
type WorkerInfo struct {
	ID         string       `json:"id"`
	PID        int          `json:"pid,omitempty"`
	Status     WorkerStatus `json:"status"`
	CurrentJob string       `json:"current_job,omitempty"`
	JobsDone   int          `json:"jobs_done"`
	StartedAt  time.Time    `json:"started_at"`
}
