// Package worker provides the isolated execution contexts of the pool:
// long-lived child processes speaking JSON lines over stdin/stdout, and an
// in-process variant for trusted analyzers and tests.
package worker

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
)

// Environment handed to worker processes.
const (
	EnvWorkerID    = "AGG_WORKER_ID"
	EnvRunID       = "AGG_RUN_ID"
	EnvLogRedisURL = "AGG_LOG_REDIS_URL"
)

type FrameType string

const (
	FrameJob     FrameType = "job"     // parent -> child
	FrameLog     FrameType = "log"     // child -> parent
	FrameOutcome FrameType = "outcome" // child -> parent
)

// Frame is one line of the parent/child protocol.
type Frame struct {
	Type    FrameType         `json:"type"`
	Job     *domain.Job       `json:"job,omitempty"`
	Trace   map[string]string `json:"trace,omitempty"`
	Record  *domain.LogRecord `json:"record,omitempty"`
	Outcome *domain.Outcome   `json:"outcome,omitempty"`
}

// FrameWriter serializes frames from concurrent writers onto one stream.
type FrameWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{enc: json.NewEncoder(w)}
}

func (w *FrameWriter) Write(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(f)
}
