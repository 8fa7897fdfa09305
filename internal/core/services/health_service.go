package services

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
)

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// rank orders statuses so the report takes the worst component.
func (s HealthStatus) rank() int {
	switch s {
	case HealthStatusUnhealthy:
		return 2
	case HealthStatusDegraded:
		return 1
	}
	return 0
}

type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	Latency   string       `json:"latency,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

type HealthReport struct {
	Status     HealthStatus               `json:"status"`
	Version    string                     `json:"version"`
	CheckedAt  time.Time                  `json:"checked_at"`
	Components map[string]ComponentHealth `json:"components"`
}

const backendPingTimeout = 5 * time.Second

// HealthService reports on the optional backends and the worker pool.
// A nil db or redis client means the backend is not configured and is
// left out of the report.
type HealthService struct {
	db      *gorm.DB
	redis   *redis.Client
	tracker *RunTracker
	version string
}

func NewHealthService(db *gorm.DB, redisClient *redis.Client, tracker *RunTracker, version string) *HealthService {
	if version == "" {
		version = "0.0.1"
	}
	return &HealthService{db: db, redis: redisClient, tracker: tracker, version: version}
}

// CheckHealth probes every configured component. A failing run ledger or
// a crashed worker degrades the run; a failing Redis makes it unhealthy
// because the log stream travels through it.
func (s *HealthService) CheckHealth(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     HealthStatusHealthy,
		Version:    s.version,
		CheckedAt:  time.Now(),
		Components: make(map[string]ComponentHealth),
	}
	add := func(name string, c ComponentHealth, failure HealthStatus) {
		report.Components[name] = c
		if c.Status != HealthStatusHealthy && failure.rank() > report.Status.rank() {
			report.Status = failure
		}
	}

	if s.db != nil {
		add("database", probe(ctx, s.pingDatabase), HealthStatusDegraded)
	}
	if s.redis != nil {
		add("redis", probe(ctx, func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}), HealthStatusUnhealthy)
	}
	if s.tracker != nil {
		add("workers", s.checkWorkers(), HealthStatusDegraded)
	}
	return report
}

// probe runs check under backendPingTimeout and records its latency.
func probe(ctx context.Context, check func(context.Context) error) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, backendPingTimeout)
	defer cancel()

	start := time.Now()
	err := check(ctx)
	c := ComponentHealth{
		Status:    HealthStatusHealthy,
		Latency:   time.Since(start).String(),
		CheckedAt: time.Now(),
	}
	if err != nil {
		c.Status = HealthStatusUnhealthy
		c.Message = err.Error()
	}
	return c
}

func (s *HealthService) pingDatabase(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		return fmt.Errorf("database query: %w", err)
	}
	return nil
}

func (s *HealthService) checkWorkers() ComponentHealth {
	c := ComponentHealth{Status: HealthStatusHealthy, CheckedAt: time.Now()}
	crashed := 0
	for _, w := range s.tracker.Workers() {
		if w.Status == domain.WorkerStatusCrashed {
			crashed++
		}
	}
	if crashed > 0 {
		c.Status = HealthStatusDegraded
		c.Message = fmt.Sprintf("%d worker(s) crashed", crashed)
	}
	return c
}

// SimpleHealthCheck maps the report to a probe status and HTTP code.
// Degraded still answers 200.
func (s *HealthService) SimpleHealthCheck(ctx context.Context) (string, int) {
	switch s.CheckHealth(ctx).Status {
	case HealthStatusHealthy:
		return "ok", 200
	case HealthStatusDegraded:
		return "degraded", 200
	default:
		return "unhealthy", 503
	}
}
