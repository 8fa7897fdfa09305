package pg

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
)

// ErrRunNotFound is returned by FinishRun for an unknown run ID.
var ErrRunNotFound = errors.New("pg: run not found")

// Repository is the ports.RunRepository backed by PostgreSQL.
type Repository struct {
	db *gorm.DB
}

func Open(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

// NewRepository migrates the run ledger schema on db.
func NewRepository(db *gorm.DB) (*Repository, error) {
	if err := db.AutoMigrate(&domain.Run{}, &domain.JobResult{}); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) CreateRun(ctx context.Context, run *domain.Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *Repository) FinishRun(ctx context.Context, run *domain.Run) error {
	if run.FinishedAt == nil {
		now := time.Now()
		run.FinishedAt = &now
	}
	res := r.db.WithContext(ctx).Model(&domain.Run{}).Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":      run.Status,
			"total":       run.Total,
			"workers":     run.Workers,
			"succeeded":   run.Succeeded,
			"failed":      run.Failed,
			"fatal":       run.Fatal,
			"finished_at": run.FinishedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (r *Repository) SaveResult(ctx context.Context, result *domain.JobResult) error {
	return r.db.WithContext(ctx).Create(result).Error
}

func (r *Repository) ListResults(ctx context.Context, runID string) ([]*domain.JobResult, error) {
	var results []*domain.JobResult
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("id asc").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Repository) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	var run domain.Run
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// DB returns the underlying gorm DB instance
func (r *Repository) DB() *gorm.DB {
	return r.db
}
