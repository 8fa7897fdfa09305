package domain

import (
	"maps"
	"path"
	"time"
)

// Job is one input plus the options forwarded verbatim to the analyzer.
// Jobs are passed by value and must be treated as read-only once built.
type Job struct {
	ID        string            `json:"id"`
	Input     string            `json:"input"`      // Absolute path of the input file
	RelPath   string            `json:"rel_path"`   // Slash separated, relative to the input root
	OutputDir string            `json:"output_dir"` // Relative to the output root
	Options   map[string]string `json:"options,omitempty"`
}

// NewJob builds a Job, copying options so later changes by the caller
// cannot leak into a submitted job.
func NewJob(id, input, relPath, outputDir string, options map[string]string) Job {
	return Job{
		ID:        id,
		Input:     input,
		RelPath:   relPath,
		OutputDir: outputDir,
		Options:   maps.Clone(options),
	}
}

// Name returns the file name of the input.
func (j Job) Name() string {
	return path.Base(j.RelPath)
}

type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Measurements is the table produced by a successful analysis.
type Measurements struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// Outcome is the result of exactly one job. Completed outcomes carry
// measurements, failed outcomes carry the error description.
type Outcome struct {
	JobID         string        `json:"job_id"`
	Input         string        `json:"input"`
	Status        OutcomeStatus `json:"status"`
	Measurements  *Measurements `json:"measurements,omitempty"`
	Visualization []byte        `json:"-"` // Persisted by the worker, never sent over the wire
	Artifacts     []string      `json:"artifacts,omitempty"`
	Error         string        `json:"error,omitempty"`
	WorkerID      string        `json:"worker_id,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
}

func Completed(job Job, m Measurements, visualization []byte) Outcome {
	return Outcome{
		JobID:         job.ID,
		Input:         job.RelPath,
		Status:        OutcomeCompleted,
		Measurements:  &m,
		Visualization: visualization,
	}
}

func Failed(job Job, err error) Outcome {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Outcome{
		JobID:  job.ID,
		Input:  job.RelPath,
		Status: OutcomeFailed,
		Error:  msg,
	}
}

func (o Outcome) Succeeded() bool {
	return o.Status == OutcomeCompleted
}

func (o Outcome) Duration() time.Duration {
	if o.StartedAt.IsZero() || o.FinishedAt.IsZero() {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}
