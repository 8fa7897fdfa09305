package logger

import (
	"context"
	"log/slog"
	"time"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/ports"
)

// Attribute keys with a dedicated field on domain.LogRecord.
const (
	KeyLogger = "logger"
	KeyJob    = "job"
)

// ChannelHandler forwards records into the LogChannel. In a worker the
// channel is its only sink. The orchestrating process sets a fallback for
// records the channel no longer accepts.
type ChannelHandler struct {
	ch       ports.LogChannel
	source   string
	workerID string
	level    slog.Leveler
	attrs    []slog.Attr
	prefix   string
	fallback func(context.Context, domain.LogRecord) error
}

func NewChannelHandler(ch ports.LogChannel, source, workerID string, level slog.Leveler) *ChannelHandler {
	if level == nil {
		level = slog.LevelDebug
	}
	return &ChannelHandler{ch: ch, source: source, workerID: workerID, level: level}
}

// NewChannelLogger is a shorthand for slog.New(NewChannelHandler(...)).
func NewChannelLogger(ch ports.LogChannel, source, workerID string) *slog.Logger {
	return slog.New(NewChannelHandler(ch, source, workerID, slog.LevelDebug))
}

func (h *ChannelHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *ChannelHandler) Handle(ctx context.Context, r slog.Record) error {
	rec := domain.LogRecord{
		Time:     r.Time,
		Level:    r.Level,
		Source:   h.source,
		Message:  r.Message,
		WorkerID: h.workerID,
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	attrs := map[string]string{}
	for _, a := range h.attrs {
		flatten(attrs, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		flatten(attrs, h.prefix, a)
		return true
	})
	if v, ok := attrs[KeyLogger]; ok {
		rec.Source = v
		delete(attrs, KeyLogger)
	}
	if v, ok := attrs[KeyJob]; ok {
		rec.JobID = v
		delete(attrs, KeyJob)
	}
	if len(attrs) > 0 {
		rec.Attrs = attrs
	}

	// A cancelled job context must not drop the record describing why.
	ctx = context.WithoutCancel(ctx)
	err := h.ch.Send(ctx, rec)
	if err != nil && h.fallback != nil {
		return h.fallback(ctx, rec)
	}
	return err
}

func (h *ChannelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *ChannelHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func flatten(out map[string]string, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, g := range a.Value.Group() {
			flatten(out, p, g)
		}
		return
	}
	out[prefix+a.Key] = a.Value.String()
}
