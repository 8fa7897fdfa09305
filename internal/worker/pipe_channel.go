package worker

import (
	"context"
	"errors"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
)

var errWriteOnly = errors.New("pipe channel is write-only")

// PipeChannel is the child side of the LogChannel when no shared queue is
// configured: records travel to the parent as log frames, which forwards
// them into the real channel.
type PipeChannel struct {
	w *FrameWriter
}

func NewPipeChannel(w *FrameWriter) *PipeChannel {
	return &PipeChannel{w: w}
}

func (c *PipeChannel) Send(_ context.Context, rec domain.LogRecord) error {
	return c.w.Write(Frame{Type: FrameLog, Record: &rec})
}

// SendSentinel always fails: only the orchestrating process ends the stream.
func (c *PipeChannel) SendSentinel(context.Context) error {
	return errWriteOnly
}

func (c *PipeChannel) Receive(context.Context) (domain.LogEnvelope, error) {
	return domain.LogEnvelope{}, errWriteOnly
}
