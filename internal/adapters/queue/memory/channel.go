// Package memory provides an in-process LogChannel.
package memory

import (
	"context"
	"sync"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
)

// Channel is an unbounded multi-producer single-consumer queue. Send never
// blocks on a slow consumer, so workers are not throttled by log volume.
type Channel struct {
	mu     sync.Mutex
	items  []domain.LogEnvelope
	closed bool
	notify chan struct{}
}

func NewChannel() *Channel {
	return &Channel{notify: make(chan struct{}, 1)}
}

func (c *Channel) Send(_ context.Context, rec domain.LogRecord) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	c.items = append(c.items, domain.LogEnvelope{Record: &rec})
	c.mu.Unlock()
	c.signal()
	return nil
}

// SendSentinel enqueues the end-of-stream marker. Records sent afterwards
// are rejected with domain.ErrChannelClosed.
func (c *Channel) SendSentinel(_ context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	c.closed = true
	c.items = append(c.items, domain.LogEnvelope{Sentinel: true})
	c.mu.Unlock()
	c.signal()
	return nil
}

func (c *Channel) Receive(ctx context.Context) (domain.LogEnvelope, error) {
	for {
		c.mu.Lock()
		if len(c.items) > 0 {
			env := c.items[0]
			c.items[0] = domain.LogEnvelope{}
			c.items = c.items[1:]
			c.mu.Unlock()
			return env, nil
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-ctx.Done():
			return domain.LogEnvelope{}, ctx.Err()
		}
	}
}

// Len reports the number of queued envelopes.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Channel) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
