package domain

import "time"

type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusFinished RunStatus = "finished"
	RunStatusFatal    RunStatus = "fatal"
)

// Run is the persisted record of one batch.
type Run struct {
	ID         string     `json:"id" gorm:"primaryKey"`
	Status     RunStatus  `json:"status"`
	InputRoot  string     `json:"input_root"`
	Workers    int        `json:"workers"`
	Total      int        `json:"total"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	Fatal      string     `json:"fatal,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (Run) TableName() string {
	return "runs"
}

// JobResult is the persisted outcome of one job within a run.
type JobResult struct {
	ID         uint          `json:"id" gorm:"primaryKey"`
	RunID      string        `json:"run_id" gorm:"index"`
	JobID      string        `json:"job_id"`
	Input      string        `json:"input"`
	Status     OutcomeStatus `json:"status"`
	Error      string        `json:"error,omitempty"`
	Rows       int           `json:"rows"`
	WorkerID   string        `json:"worker_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

func (JobResult) TableName() string {
	return "job_results"
}

// FailedJob names a job that produced a Failed outcome.
type FailedJob struct {
	JobID string `json:"job_id"`
	Input string `json:"input"`
	Error string `json:"error"`
}

// RunSummary is the user visible report of a finished run.
type RunSummary struct {
	RunID      string      `json:"run_id"`
	Total      int         `json:"total"`
	Succeeded  int         `json:"succeeded"`
	Failed     int         `json:"failed"`
	FailedJobs []FailedJob `json:"failed_jobs,omitempty"`
	Workers    int         `json:"workers"`
	Fatal      string      `json:"fatal,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// Summarize counts outcomes into a RunSummary.
func Summarize(runID string, workers int, outcomes []Outcome) RunSummary {
	s := RunSummary{RunID: runID, Total: len(outcomes), Workers: workers}
	for _, o := range outcomes {
		if o.Succeeded() {
			s.Succeeded++
			continue
		}
		s.Failed++
		s.FailedJobs = append(s.FailedJobs, FailedJob{JobID: o.JobID, Input: o.Input, Error: o.Error})
	}
	return s
}
