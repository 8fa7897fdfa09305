// Command aggregate-worker is one worker context of an aggregate run. It is
// started by the aggregate process, reads job frames on stdin and answers
// on stdout until stdin is closed.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/RSchleutker/cell-aggregation-assays/internal/adapters/analysis"
	redis_adapter "github.com/RSchleutker/cell-aggregation-assays/internal/adapters/queue/redis"
	"github.com/RSchleutker/cell-aggregation-assays/internal/adapters/storage"
	"github.com/RSchleutker/cell-aggregation-assays/internal/config"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/ports"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/services"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/tracing"
	"github.com/RSchleutker/cell-aggregation-assays/internal/worker"
)

func main() {
	if err := run(); err != nil {
		// The parent turns stderr lines into log records.
		fmt.Fprintf(os.Stderr, "ERROR:aggregation.worker:%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	workerID := os.Getenv(worker.EnvWorkerID)
	if workerID == "" {
		return fmt.Errorf("%s is not set; aggregate-worker is started by aggregate", worker.EnvWorkerID)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// The parent stops an idle worker by closing stdin and a busy one with
	// SIGTERM, which aborts the running job.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	// Diagnostics outside any job go to stderr.
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	tracer := tracing.Noop()
	if cfg.EnableTracing {
		if tracer, err = tracing.New(ctx, cfg.ServiceName, cfg.OTLPEndpoint, log); err != nil {
			log.Warn("Failed to initialize tracing", "error", err)
			tracer = tracing.Noop()
		}
	}
	defer tracer.Shutdown(context.Background())

	var ch ports.LogChannel
	if url := os.Getenv(worker.EnvLogRedisURL); url != "" {
		client, err := redis_adapter.NewClient(ctx, url)
		if err != nil {
			return fmt.Errorf("connect log channel: %w", err)
		}
		defer client.Close()
		ch = redis_adapter.NewChannel(client, os.Getenv(worker.EnvRunID))
	}

	analyzer, err := analysis.New(cfg.Analyzer, cfg.AnalyzerCommand, cfg.AnalyzerImage, log)
	if err != nil {
		return err
	}
	if c, ok := analyzer.(io.Closer); ok {
		defer c.Close()
	}

	runtime := services.NewWorkerRuntime(analyzer, storage.NewWriter(cfg.OutputRoot), services.RuntimeOptions{
		ExportVisualization: cfg.ExportVisualization,
		JobTimeout:          cfg.JobTimeout,
		LogLevel:            min(cfg.LogLevel, cfg.FileLogLevel),
		Tracer:              tracer,
	})

	return worker.Serve(ctx, os.Stdin, os.Stdout, runtime, worker.ServeOptions{
		WorkerID: workerID,
		Channel:  ch,
		Tracer:   tracer,
	})
}
