package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
)

const (
	failedKey        = "agg:failed"
	failedMetaPrefix = "agg:failed:meta:"
)

// FailedJobLedger remembers jobs that failed so a later run can retry them.
type FailedJobLedger struct {
	client *redis.Client
}

type FailedEntry struct {
	Job         domain.Job `json:"job"`
	FailureTime time.Time  `json:"failure_time"`
	Reason      string     `json:"reason"`
	Attempts    int        `json:"attempts"`
}

func NewFailedJobLedger(client *redis.Client) *FailedJobLedger {
	return &FailedJobLedger{client: client}
}

// Add records a failed job, bumping the attempt counter when it is
// already present.
func (l *FailedJobLedger) Add(ctx context.Context, job domain.Job, reason string) error {
	entry := FailedEntry{
		Job:         job,
		FailureTime: time.Now(),
		Reason:      reason,
		Attempts:    1,
	}
	if prev, err := l.Get(ctx, job.ID); err == nil {
		entry.Attempts = prev.Attempts + 1
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}

	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, failedKey, redis.Z{Score: float64(entry.FailureTime.Unix()), Member: job.ID})
		pipe.Set(ctx, failedMetaPrefix+job.ID, data, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add to ledger: %w", err)
	}
	return nil
}

func (l *FailedJobLedger) Get(ctx context.Context, jobID string) (*FailedEntry, error) {
	data, err := l.client.Get(ctx, failedMetaPrefix+jobID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("job %s not in ledger", jobID)
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}

	var entry FailedEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ledger entry: %w", err)
	}
	return &entry, nil
}

// List returns entries oldest first.
func (l *FailedJobLedger) List(ctx context.Context) ([]*FailedEntry, error) {
	ids, err := l.client.ZRange(ctx, failedKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}

	entries := make([]*FailedEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := l.Get(ctx, id)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (l *FailedJobLedger) Jobs(ctx context.Context) ([]domain.Job, error) {
	entries, err := l.List(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make([]domain.Job, len(entries))
	for i, e := range entries {
		jobs[i] = e.Job
	}
	return jobs, nil
}

func (l *FailedJobLedger) Remove(ctx context.Context, jobID string) error {
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, failedKey, jobID)
		pipe.Del(ctx, failedMetaPrefix+jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove from ledger: %w", err)
	}
	return nil
}

func (l *FailedJobLedger) Count(ctx context.Context) (int64, error) {
	count, err := l.client.ZCard(ctx, failedKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count ledger: %w", err)
	}
	return count, nil
}
