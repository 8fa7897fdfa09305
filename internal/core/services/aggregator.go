package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/ports"
)

type AggregatorState int32

const (
	AggregatorCreated AggregatorState = iota
	AggregatorRunning
	AggregatorDraining
	AggregatorStopped
)

func (s AggregatorState) String() string {
	switch s {
	case AggregatorCreated:
		return "created"
	case AggregatorRunning:
		return "running"
	case AggregatorDraining:
		return "draining"
	case AggregatorStopped:
		return "stopped"
	}
	return fmt.Sprintf("AggregatorState(%d)", int32(s))
}

// Emitter is a log sink that accepts records produced elsewhere.
type Emitter interface {
	Emit(ctx context.Context, rec domain.LogRecord) error
}

// LogAggregator is the single consumer of the LogChannel. It re-emits
// every record to the process sinks and owns the channel's shutdown.
type LogAggregator struct {
	ch      ports.LogChannel
	sink    Emitter
	logger  *slog.Logger
	metrics ports.Metrics
	taps    []ports.LogTap

	state  atomic.Int32
	done   chan struct{}
	cancel context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewLogAggregator wires the consumer. logger receives diagnostics about
// the stream itself and must write to the sinks directly, not through ch.
func NewLogAggregator(ch ports.LogChannel, sink Emitter, logger *slog.Logger, metrics ports.Metrics, taps ...ports.LogTap) *LogAggregator {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &LogAggregator{
		ch:      ch,
		sink:    sink,
		logger:  logger,
		metrics: metrics,
		taps:    taps,
		done:    make(chan struct{}),
	}
}

func (a *LogAggregator) State() AggregatorState {
	return AggregatorState(a.state.Load())
}

// Start launches the consumer loop. The loop outlives cancellation of ctx
// so records already queued are still delivered during shutdown.
func (a *LogAggregator) Start(ctx context.Context) error {
	if !a.state.CompareAndSwap(int32(AggregatorCreated), int32(AggregatorRunning)) {
		return fmt.Errorf("log aggregator: cannot start in state %s", a.State())
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	go a.consume(loopCtx)
	return nil
}

// Shutdown enqueues the sentinel and waits until every record queued
// before it has been emitted. Later calls return the first result.
func (a *LogAggregator) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		if a.state.CompareAndSwap(int32(AggregatorCreated), int32(AggregatorStopped)) {
			close(a.done)
			return
		}

		if err := a.ch.SendSentinel(ctx); err != nil {
			a.cancel()
			<-a.done
			a.shutdownErr = fmt.Errorf("log aggregator: send sentinel: %w", err)
			return
		}

		select {
		case <-a.done:
		case <-ctx.Done():
			a.cancel()
			<-a.done
			a.shutdownErr = fmt.Errorf("log aggregator: drain: %w", ctx.Err())
		}
		a.cancel()
	})
	return a.shutdownErr
}

// Done is closed once the consumer has stopped.
func (a *LogAggregator) Done() <-chan struct{} {
	return a.done
}

func (a *LogAggregator) consume(ctx context.Context) {
	defer close(a.done)
	defer a.state.Store(int32(AggregatorStopped))

	for {
		env, err := a.ch.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, domain.ErrMalformedRecord) {
				a.malformed(err)
				continue
			}
			a.logger.Error("Log channel receive failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		if env.Sentinel {
			a.state.Store(int32(AggregatorDraining))
			return
		}
		if env.Record == nil {
			a.malformed(fmt.Errorf("%w: empty envelope", domain.ErrMalformedRecord))
			continue
		}
		if err := env.Record.Validate(); err != nil {
			a.malformed(err)
			continue
		}
		a.emit(ctx, *env.Record)
	}
}

func (a *LogAggregator) emit(ctx context.Context, rec domain.LogRecord) {
	if err := a.sink.Emit(ctx, rec); err != nil {
		a.logger.Warn("Failed to write log record", "source", rec.Source, "error", err)
	}
	a.metrics.LogRecord(rec.Level)
	for _, tap := range a.taps {
		tap.PublishLog(ctx, rec)
	}
}

func (a *LogAggregator) malformed(err error) {
	a.metrics.MalformedRecord()
	a.logger.Warn("Skipping malformed log record", "error", err)
}
