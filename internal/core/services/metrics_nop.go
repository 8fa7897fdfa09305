package services

import (
	"context"
	"log/slog"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
)

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) JobStarted(context.Context, string, domain.Job) {}
func (NopMetrics) JobFinished(context.Context, domain.Outcome)    {}
func (NopMetrics) WorkersActive(int)                              {}
func (NopMetrics) JobsPending(int)                                {}
func (NopMetrics) LogRecord(slog.Level)                           {}
func (NopMetrics) MalformedRecord()                               {}
