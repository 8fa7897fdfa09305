package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/RSchleutker/cell-aggregation-assays/internal/adapters/analysis"
	"github.com/RSchleutker/cell-aggregation-assays/internal/adapters/discovery"
	http_handler "github.com/RSchleutker/cell-aggregation-assays/internal/adapters/handler/http"
	"github.com/RSchleutker/cell-aggregation-assays/internal/adapters/handler/mqtt"
	"github.com/RSchleutker/cell-aggregation-assays/internal/adapters/queue/memory"
	redis_adapter "github.com/RSchleutker/cell-aggregation-assays/internal/adapters/queue/redis"
	"github.com/RSchleutker/cell-aggregation-assays/internal/adapters/repository/pg"
	"github.com/RSchleutker/cell-aggregation-assays/internal/adapters/storage"
	"github.com/RSchleutker/cell-aggregation-assays/internal/config"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/logger"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/ports"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/services"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/tracing"
	"github.com/RSchleutker/cell-aggregation-assays/internal/worker"
)

const version = "0.1.0"

const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "aggregate: %v\n", err)
		return exitConfig
	}

	sinks, err := logger.New(logger.Config{
		Dir:          cfg.LogDir,
		ConsoleLevel: cfg.LogLevel,
		FileLevel:    cfg.FileLogLevel,
		Format:       cfg.LogFormat,
	}, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "aggregate: %v\n", err)
		return exitConfig
	}
	defer sinks.Close()
	// direct writes to the sinks; it serves setup, teardown and the log taps.
	direct := sinks.Logger()
	direct.Debug("Configuration loaded", "config", cfg.String(), "log_file", sinks.Path())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.New().String()

	tracer := tracing.Noop()
	if cfg.EnableTracing {
		tracer, err = tracing.New(ctx, cfg.ServiceName, cfg.OTLPEndpoint, direct)
		if err != nil {
			direct.Error("Failed to initialize tracing", "error", err)
			tracer = tracing.Noop()
		}
	}
	defer func() {
		if err := tracer.Shutdown(context.Background()); err != nil {
			direct.Error("Failed to shutdown tracing", "error", err)
		}
	}()

	// Log channel and failed-job ledger
	var (
		ch          ports.LogChannel
		ledger      ports.FailureLedger
		redisClient *redis.Client
		workerEnv   = []string{worker.EnvRunID + "=" + runID}
	)
	if cfg.RedisURL != "" {
		redisClient, err = redis_adapter.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			direct.Error("Failed to init redis", "error", err)
			return exitConfig
		}
		defer redisClient.Close()

		rch := redis_adapter.NewChannel(redisClient, runID)
		defer func() {
			if err := rch.Purge(context.Background()); err != nil {
				direct.Warn("Failed to purge log list", "error", err)
			}
		}()
		ch = rch
		ledger = redis_adapter.NewFailedJobLedger(redisClient)
		workerEnv = append(workerEnv, worker.EnvLogRedisURL+"="+cfg.RedisURL)
		direct.Info("Using Redis log channel", "key", redis_adapter.LogKey(runID))
	} else {
		ch = memory.NewChannel()
	}

	// Run ledger
	var (
		repo ports.RunRepository
		db   *gorm.DB
	)
	if cfg.DatabaseURL != "" {
		db, err = pg.Open(cfg.DatabaseURL)
		if err == nil {
			repo, err = pg.NewRepository(db)
		}
		if err != nil {
			direct.Warn("Run ledger unavailable, continuing without it", "error", err)
			repo, db = nil, nil
		}
	}

	// Records of this process travel the log channel like worker records.
	log := sinks.ChannelLogger(ch)

	tracker := services.NewRunTracker()
	recorder := services.NewRecorder(repo, ledger, log)

	var (
		metrics     ports.Metrics = services.NopMetrics{}
		promMetrics *http_handler.Metrics
	)
	if cfg.EnableMetrics {
		promMetrics = http_handler.NewMetrics(prometheus.NewRegistry())
		metrics = promMetrics
	}

	taps := []ports.LogTap{}
	observers := []ports.JobObserver{recorder}

	// Taps log directly: their own records would otherwise be tapped again.
	var (
		hub    *http_handler.Hub
		server *http_handler.Server
	)
	if cfg.HTTPAddr != "" {
		hub = http_handler.NewHub(direct)
		taps = append(taps, hub)
		observers = append(observers, hub)

		health := services.NewHealthService(db, redisClient, tracker, version)
		server = http_handler.NewServer(tracker, health, hub, promMetrics, log)
	}

	if cfg.MQTTBroker != "" {
		publisher, client, err := mqtt.Connect(cfg.MQTTBroker, runID, cfg.MQTTPrefix, direct)
		if err != nil {
			direct.Warn("Failed to init MQTT publisher", "error", err)
		} else {
			defer client.Disconnect(250)
			taps = append(taps, publisher)
			observers = append(observers, publisher)
		}
	}

	factory, closeFactory, err := workerFactory(cfg, log, tracer, workerEnv)
	if err != nil {
		direct.Error("Failed to prepare workers", "error", err)
		return exitConfig
	}
	defer closeFactory()

	orchestrator, err := services.NewOrchestrator(services.OrchestratorConfig{
		RunID:           runID,
		InputRoot:       cfg.InputRoot,
		Pattern:         regexp.MustCompile(cfg.Pattern),
		MaxWorkers:      cfg.MaxWorkers,
		Options:         cfg.Options(),
		RetryFailed:     cfg.RetryFailed,
		LogDrainTimeout: cfg.LogDrainTimeout,
	}, services.OrchestratorDeps{
		Logger:     log,
		Channel:    ch,
		Aggregator: services.NewLogAggregator(ch, sinks, direct, metrics, taps...),
		Discoverer: discovery.NewWalker(),
		Dispatcher: services.NewDispatcher(factory, log,
			services.WithMetrics(metrics),
			services.WithTracer(tracer),
			services.WithTracker(tracker),
			services.WithObservers(observers...),
		),
		Recorder: recorder,
		Ledger:   ledger,
		Tracker:  tracker,
		Tracer:   tracer,
	})
	if err != nil {
		direct.Error("Invalid run configuration", "error", err)
		return exitConfig
	}

	if server != nil {
		go hub.Run(ctx)
		go func() {
			if err := server.Serve(ctx, cfg.HTTPAddr); err != nil {
				log.Error("HTTP server failed", "error", err)
			}
		}()
	}
	monitor := services.NewWorkerMonitor(tracker, log, cfg.StallWarning)
	go monitor.Start(ctx)

	summary, err := orchestrator.Run(ctx)
	printSummary(os.Stdout, summary)

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, domain.ErrConfiguration):
		return exitConfig
	default:
		return exitFatal
	}
}

// workerFactory builds the worker contexts for cfg.Isolation. In-process
// workers share one analyzer, which the returned func closes.
func workerFactory(cfg *config.Config, log *slog.Logger, tracer *tracing.Provider, env []string) (ports.WorkerFactory, func(), error) {
	if cfg.Isolation == config.IsolationProcess {
		binary := cfg.WorkerBinary
		if binary == "" {
			exe, err := os.Executable()
			if err != nil {
				return nil, nil, fmt.Errorf("locate worker binary: %w", err)
			}
			binary = filepath.Join(filepath.Dir(exe), "aggregate-worker")
		}
		if _, err := os.Stat(binary); err != nil {
			return nil, nil, domain.ConfigError("worker binary %s: %v", binary, err)
		}
		return worker.NewProcessFactory(worker.ProcessConfig{
			Binary: binary,
			Env:    env,
			Logger: log,
			Tracer: tracer,
		}), func() {}, nil
	}

	analyzer, err := analysis.New(cfg.Analyzer, cfg.AnalyzerCommand, cfg.AnalyzerImage, log)
	if err != nil {
		return nil, nil, err
	}
	runtime := services.NewWorkerRuntime(analyzer, storage.NewWriter(cfg.OutputRoot), services.RuntimeOptions{
		ExportVisualization: cfg.ExportVisualization,
		JobTimeout:          cfg.JobTimeout,
		LogLevel:            min(cfg.LogLevel, cfg.FileLogLevel),
		Tracer:              tracer,
	})
	closeAnalyzer := func() {
		if c, ok := analyzer.(io.Closer); ok {
			_ = c.Close()
		}
	}
	return worker.NewInProcessFactory(runtime), closeAnalyzer, nil
}

func printSummary(w io.Writer, s domain.RunSummary) {
	var took time.Duration
	if !s.FinishedAt.IsZero() {
		took = s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond)
	}
	fmt.Fprintf(w, "\nRun %s: %d images, %d succeeded, %d failed (%d workers, %s)\n",
		s.RunID, s.Total, s.Succeeded, s.Failed, s.Workers, took)
	for _, f := range s.FailedJobs {
		fmt.Fprintf(w, "  failed: %s: %s\n", f.Input, f.Error)
	}
	if s.Fatal != "" {
		fmt.Fprintf(w, "  aborted: %s\n", s.Fatal)
	}
}
