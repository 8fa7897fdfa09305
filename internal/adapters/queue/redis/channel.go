// Package redis backs the LogChannel and the failed-job ledger with Redis so
// that worker processes and the aggregator can live on different hosts.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
)

const logKeyPrefix = "agg:logs:"

// LogKey is the list holding the log stream of one run.
func LogKey(runID string) string {
	return logKeyPrefix + runID
}

// Channel is a LogChannel over a Redis list: producers RPUSH, the single
// consumer BLPOPs.
type Channel struct {
	client *redis.Client
	key    string
	poll   time.Duration
	closed atomic.Bool
}

// NewClient parses url and verifies the server answers.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func NewChannel(client *redis.Client, runID string) *Channel {
	return &Channel{client: client, key: LogKey(runID), poll: time.Second}
}

func (c *Channel) Send(ctx context.Context, rec domain.LogRecord) error {
	if c.closed.Load() {
		return domain.ErrChannelClosed
	}
	return c.push(ctx, domain.LogEnvelope{Record: &rec})
}

func (c *Channel) SendSentinel(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return domain.ErrChannelClosed
	}
	return c.push(ctx, domain.LogEnvelope{Sentinel: true})
}

func (c *Channel) push(ctx context.Context, env domain.LogEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.client.RPush(ctx, c.key, data).Err()
}

// Receive blocks until an envelope is available. Undecodable entries are
// consumed and reported as domain.ErrMalformedRecord.
func (c *Channel) Receive(ctx context.Context) (domain.LogEnvelope, error) {
	// Short BLPOP rounds so cancellation is noticed promptly.
	for {
		if ctx.Err() != nil {
			return domain.LogEnvelope{}, ctx.Err()
		}

		res, err := c.client.BLPop(ctx, c.poll, c.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return domain.LogEnvelope{}, ctx.Err()
			}
			return domain.LogEnvelope{}, err
		}

		// res[0] is the key, res[1] the value
		var env domain.LogEnvelope
		if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
			return domain.LogEnvelope{}, fmt.Errorf("%w: %v", domain.ErrMalformedRecord, err)
		}
		if !env.Sentinel && env.Record == nil {
			return domain.LogEnvelope{}, fmt.Errorf("%w: empty envelope", domain.ErrMalformedRecord)
		}
		return env, nil
	}
}

// Purge drops whatever is left of the run's stream.
func (c *Channel) Purge(ctx context.Context) error {
	return c.client.Del(ctx, c.key).Err()
}
