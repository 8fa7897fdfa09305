package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/ports"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/tracing"
)

type ServeOptions struct {
	WorkerID string
	// Channel receives log records; nil sends them as log frames on the
	// output stream.
	Channel ports.LogChannel
	Tracer  *tracing.Provider
}

// Serve is the child side of the protocol: it runs each job frame read
// from r and answers with an outcome frame on w. It returns nil once r is
// exhausted.
func Serve(ctx context.Context, r io.Reader, w io.Writer, runner Runner, opts ServeOptions) error {
	frames := NewFrameWriter(w)
	ch := opts.Channel
	if ch == nil {
		ch = NewPipeChannel(frames)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = tracing.Noop()
	}

	dec := json.NewDecoder(r)
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read job frame: %w", err)
		}
		if f.Type != FrameJob || f.Job == nil {
			return fmt.Errorf("unexpected frame %q", f.Type)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		jobCtx := tracer.Extract(ctx, f.Trace)
		out := runner.Run(jobCtx, *f.Job, ch, opts.WorkerID)
		if err := frames.Write(Frame{Type: FrameOutcome, Outcome: &out}); err != nil {
			return fmt.Errorf("write outcome: %w", err)
		}
	}
}
