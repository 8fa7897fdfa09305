package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
)

// DefaultPrefix is the root of every topic the publisher writes to.
const DefaultPrefix = "aggregation"

// Client is the part of mqtt.Client the publisher needs.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Publisher mirrors the aggregated log stream and job updates onto MQTT.
// It is a ports.LogTap and a ports.JobObserver. Publishing is fire and
// forget: tokens are never waited on from the run.
type Publisher struct {
	client Client
	prefix string
	logger *slog.Logger
}

// Connect dials brokerURL. The returned client is owned by the caller,
// which disconnects it once the run is over.
func Connect(brokerURL, runID, prefix string, logger *slog.Logger) (*Publisher, mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("aggregate-%s-%d", runID, time.Now().UnixNano()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, nil, token.Error()
	}

	logger.Info("Connected to MQTT broker", "broker", brokerURL)
	return NewPublisher(client, prefix, logger), client, nil
}

func NewPublisher(client Client, prefix string, logger *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{client: client, prefix: prefix, logger: logger}
}

// LogTopic is <prefix>/logs/<job id>, or <prefix>/logs/main for records
// outside any job.
func (p *Publisher) LogTopic(jobID string) string {
	if jobID == "" {
		jobID = "main"
	}
	return fmt.Sprintf("%s/logs/%s", p.prefix, jobID)
}

func (p *Publisher) JobTopic(jobID string) string {
	return fmt.Sprintf("%s/job/%s", p.prefix, jobID)
}

// logMessage adds the rendered line for subscribers that only display text.
type logMessage struct {
	domain.LogRecord
	Text string `json:"text"`
}

func (p *Publisher) PublishLog(_ context.Context, rec domain.LogRecord) {
	p.publish(p.LogTopic(rec.JobID), logMessage{LogRecord: rec, Text: rec.Text()})
}

func (p *Publisher) JobStarted(_ context.Context, workerID string, job domain.Job) {
	p.publish(p.JobTopic(job.ID), event{
		Type: "job_update",
		Payload: jobUpdate{
			JobID:    job.ID,
			Input:    job.RelPath,
			WorkerID: workerID,
			Status:   "running",
		},
	})
}

func (p *Publisher) JobFinished(_ context.Context, out domain.Outcome) {
	p.publish(p.JobTopic(out.JobID), event{
		Type: "job_update",
		Payload: jobUpdate{
			JobID:    out.JobID,
			Input:    out.Input,
			WorkerID: out.WorkerID,
			Status:   string(out.Status),
			Error:    out.Error,
		},
	})
}

// Wrap in event format expected by dashboards
type event struct {
	Type    string    `json:"type"`
	Payload jobUpdate `json:"payload"`
}

type jobUpdate struct {
	JobID    string `json:"job_id"`
	Input    string `json:"input"`
	WorkerID string `json:"worker_id,omitempty"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

func (p *Publisher) publish(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Debug("MQTT: dropping unencodable payload", "topic", topic, "error", err)
		return
	}
	p.client.Publish(topic, 0, false, payload)
}
