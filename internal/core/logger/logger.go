// Package logger builds the process log sinks and the worker-side handler
// that forwards records into the shared LogChannel. Nothing here is global:
// callers thread the returned handles explicitly.
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/ports"
)

// MainSource and MainProcess label records of the orchestrating process.
const (
	MainSource  = "main"
	MainProcess = "main"
)

const fileTimeLayout = "2006-01-02_15-04-05"

// Config is the explicit logging configuration of a run.
type Config struct {
	Dir          string
	ConsoleLevel slog.Level
	FileLevel    slog.Level
	Format       string // "json" or "text"
	Console      io.Writer
}

// Sinks owns the console and file handlers of the orchestrating process.
type Sinks struct {
	handler slog.Handler
	logger  *slog.Logger
	level   slog.Level
	file    *os.File
	path    string
}

// New opens a fresh, timestamp-named log file below cfg.Dir and fans the
// console and file handlers out behind one logger.
func New(cfg Config, now time.Time) (*Sinks, error) {
	console := cfg.Console
	if console == nil {
		console = os.Stdout
	}

	s := &Sinks{level: cfg.ConsoleLevel}
	handlers := []slog.Handler{newHandler(console, cfg.Format, cfg.ConsoleLevel)}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		s.path = filepath.Join(cfg.Dir, now.Format(fileTimeLayout)+".log")
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		s.file = f
		handlers = append(handlers, newHandler(f, cfg.Format, cfg.FileLevel))
		s.level = min(s.level, cfg.FileLevel)
	}

	s.handler = fanout(handlers)
	s.logger = slog.New(s.handler).With(slog.String("logger", MainSource), slog.String("process", MainProcess))
	return s, nil
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Logger returns the logger of the orchestrating process.
func (s *Sinks) Logger() *slog.Logger {
	return s.logger
}

// ChannelLogger returns the orchestrating process's logger routed through
// ch, so its records reach the sinks via the aggregator in order with the
// worker records. Records ch rejects, for instance after the drain, are
// written to the sinks directly.
func (s *Sinks) ChannelLogger(ch ports.LogChannel) *slog.Logger {
	h := NewChannelHandler(ch, MainSource, MainProcess, s.level)
	h.fallback = s.Emit
	return slog.New(h)
}

// Path returns the durable log file, or "" when only the console is used.
func (s *Sinks) Path() string {
	return s.path
}

// Emit writes a record produced elsewhere, keeping its original time,
// level and source.
func (s *Sinks) Emit(ctx context.Context, rec domain.LogRecord) error {
	if !s.handler.Enabled(ctx, rec.Level) {
		return nil
	}
	r := slog.NewRecord(rec.Time, rec.Level, rec.Message, 0)
	r.AddAttrs(slog.String("logger", rec.Source))
	if rec.WorkerID != "" {
		r.AddAttrs(slog.String("process", rec.WorkerID))
	}
	if rec.JobID != "" {
		r.AddAttrs(slog.String("job", rec.JobID))
	}
	for k, v := range rec.Attrs {
		r.AddAttrs(slog.String(k, v))
	}
	return s.handler.Handle(ctx, r)
}

func (s *Sinks) Close() error {
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
