package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
)

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu   sync.Mutex
	msgs []published
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic: topic, payload: payload.([]byte)})
	return doneToken{}
}

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

func newTestPublisher() (*Publisher, *fakeClient) {
	c := &fakeClient{}
	return NewPublisher(c, "", slog.New(slog.NewTextHandler(io.Discard, nil))), c
}

func TestPublisher_LogTopics(t *testing.T) {
	p, c := newTestPublisher()
	ctx := context.Background()

	p.PublishLog(ctx, domain.LogRecord{Time: time.Now(), Message: "Starting...", Source: "main"})
	p.PublishLog(ctx, domain.LogRecord{Time: time.Now(), Message: "Finding cells", JobID: "job-1", WorkerID: "worker-1",
		Attrs: map[string]string{"sigma": "2", "cells": "41"}})

	require.Len(t, c.msgs, 2)
	assert.Equal(t, "aggregation/logs/main", c.msgs[0].topic)
	assert.Equal(t, "aggregation/logs/job-1", c.msgs[1].topic)

	var rec domain.LogRecord
	require.NoError(t, json.Unmarshal(c.msgs[1].payload, &rec))
	assert.Equal(t, "Finding cells", rec.Message)
	assert.Equal(t, "worker-1", rec.WorkerID)

	var msg struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(c.msgs[1].payload, &msg))
	assert.Equal(t, "Finding cells cells=41 sigma=2", msg.Text)
}

func TestPublisher_JobUpdates(t *testing.T) {
	p, c := newTestPublisher()
	ctx := context.Background()
	job := domain.NewJob("job-7", "/in/a/b.tif", "a/b.tif", "a", nil)

	p.JobStarted(ctx, "worker-2", job)
	out := domain.Failed(job, errors.New("no cells found"))
	out.WorkerID = "worker-2"
	p.JobFinished(ctx, out)

	require.Len(t, c.msgs, 2)
	for _, m := range c.msgs {
		assert.Equal(t, "aggregation/job/job-7", m.topic)
	}

	var ev event
	require.NoError(t, json.Unmarshal(c.msgs[0].payload, &ev))
	assert.Equal(t, "job_update", ev.Type)
	assert.Equal(t, "running", ev.Payload.Status)
	assert.Equal(t, "a/b.tif", ev.Payload.Input)

	require.NoError(t, json.Unmarshal(c.msgs[1].payload, &ev))
	assert.Equal(t, "failed", ev.Payload.Status)
	assert.Equal(t, "no cells found", ev.Payload.Error)
	assert.Equal(t, "worker-2", ev.Payload.WorkerID)
}

func TestPublisher_CustomPrefix(t *testing.T) {
	p := NewPublisher(&fakeClient{}, "lab/scope-3", slog.Default())
	assert.Equal(t, "lab/scope-3/logs/main", p.LogTopic(""))
	assert.Equal(t, "lab/scope-3/job/job-1", p.JobTopic("job-1"))
}
