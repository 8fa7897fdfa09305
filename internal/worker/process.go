package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/logger"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/ports"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/tracing"
)

// StderrSource names records made from a worker's raw stderr output.
const StderrSource = "worker.stderr"

type ProcessConfig struct {
	Binary    string
	Args      []string
	Env       []string // appended to the parent's environment
	StopGrace time.Duration
	Logger    *slog.Logger
	Tracer    *tracing.Provider
}

// ProcessFactory starts one child process per worker context. Children
// are reused for many jobs and run one job at a time.
type ProcessFactory struct {
	cfg ProcessConfig
}

func NewProcessFactory(cfg ProcessConfig) *ProcessFactory {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracing.Noop()
	}
	return &ProcessFactory{cfg: cfg}
}

func (f *ProcessFactory) Start(ctx context.Context, workerID string, ch ports.LogChannel) (ports.WorkerContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Not CommandContext: the child outlives Start and is stopped by Close.
	cmd := exec.Command(f.cfg.Binary, f.cfg.Args...)
	cmd.Env = append(os.Environ(), f.cfg.Env...)
	cmd.Env = append(cmd.Env, EnvWorkerID+"="+workerID)
	configureWorkerProcess(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", workerID, err)
	}

	p := &processContext{
		id:       workerID,
		cmd:      cmd,
		stdin:    stdin,
		frames:   NewFrameWriter(stdin),
		ch:       ch,
		logger:   f.cfg.Logger.With("worker", workerID),
		tracer:   f.cfg.Tracer,
		grace:    f.cfg.StopGrace,
		outcomes: make(chan domain.Outcome, 1),
		exited:   make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readFrames(stdout)
	}()
	go func() {
		defer readers.Done()
		p.readStderr(stderr)
	}()
	go func() {
		// Wait closes the pipes, so it must follow the readers.
		readers.Wait()
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	return p, nil
}

type processContext struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.Closer
	frames *FrameWriter
	ch     ports.LogChannel
	logger *slog.Logger
	tracer *tracing.Provider
	grace  time.Duration

	outcomes chan domain.Outcome
	exited   chan struct{}
	waitErr  error // valid once exited is closed

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (p *processContext) ID() string {
	return p.id
}

func (p *processContext) PID() int {
	return p.cmd.Process.Pid
}

// Execute hands job to the child and waits for its outcome. If the child
// dies first, the job is reported Failed and the crash is returned.
func (p *processContext) Execute(ctx context.Context, job domain.Job) (domain.Outcome, error) {
	select {
	case <-p.exited:
		err := p.crashError()
		return domain.Failed(job, err), err
	default:
	}

	frame := Frame{Type: FrameJob, Job: &job, Trace: map[string]string{}}
	p.tracer.Inject(ctx, frame.Trace)
	if err := p.frames.Write(frame); err != nil {
		terminateWorkerProcess(p.cmd, 0)
		<-p.exited
		err = fmt.Errorf("send job to worker %s: %w", p.id, err)
		return domain.Failed(job, err), err
	}

	select {
	case out := <-p.outcomes:
		return out, nil
	case <-p.exited:
		// The readers are done, so an outcome sent just before exit is buffered.
		select {
		case out := <-p.outcomes:
			return out, nil
		default:
		}
		err := p.crashError()
		return domain.Failed(job, err), err
	case <-ctx.Done():
		p.closing.Store(true)
		terminateWorkerProcess(p.cmd, 0)
		<-p.exited
		return domain.Failed(job, fmt.Errorf("cancelled: %w", ctx.Err())), ctx.Err()
	}
}

// Close ends the child by closing its stdin, escalating to signals after
// the grace period.
func (p *processContext) Close() error {
	p.closeOnce.Do(func() {
		p.closing.Store(true)
		_ = p.stdin.Close()
		select {
		case <-p.exited:
		case <-time.After(p.grace):
			p.logger.Warn("Worker did not stop in time, terminating")
			terminateWorkerProcess(p.cmd, p.grace/2)
			<-p.exited
		}
		p.closeErr = p.waitErr
	})
	return p.closeErr
}

func (p *processContext) crashError() error {
	if p.waitErr != nil {
		return fmt.Errorf("worker process %s crashed: %w", p.id, p.waitErr)
	}
	return fmt.Errorf("worker process %s exited unexpectedly", p.id)
}

func (p *processContext) readFrames(r io.Reader) {
	dec := json.NewDecoder(r)
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			if !errors.Is(err, io.EOF) && !p.closing.Load() {
				// The stream cannot be resynchronized after garbage.
				p.logger.Error("Unreadable frame from worker", "error", err)
				terminateWorkerProcess(p.cmd, 0)
			}
			_, _ = io.Copy(io.Discard, r)
			return
		}

		switch f.Type {
		case FrameLog:
			if f.Record == nil {
				continue
			}
			rec := *f.Record
			if rec.WorkerID == "" {
				rec.WorkerID = p.id
			}
			if err := p.ch.Send(context.Background(), rec); err != nil {
				p.logger.Warn("Dropped worker log record", "error", err)
			}
		case FrameOutcome:
			if f.Outcome == nil {
				continue
			}
			select {
			case p.outcomes <- *f.Outcome:
			default:
				p.logger.Warn("Unsolicited outcome from worker", "job", f.Outcome.JobID)
			}
		default:
			p.logger.Warn("Unexpected frame from worker", "type", string(f.Type))
		}
	}
}

func (p *processContext) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		rec := domain.LogRecord{
			Time:     time.Now(),
			Level:    slog.LevelWarn,
			Source:   StderrSource,
			Message:  line,
			WorkerID: p.id,
		}
		if level, source, msg, ok := logger.ParseLine(line); ok && msg != "" {
			rec.Level, rec.Source, rec.Message = level, source, msg
		}
		if err := p.ch.Send(context.Background(), rec); err != nil {
			p.logger.Warn("Dropped worker stderr line", "error", err)
		}
	}
	_, _ = io.Copy(io.Discard, r)
}
