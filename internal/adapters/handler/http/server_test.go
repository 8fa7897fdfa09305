package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/services"
)

type stubWorker string

func (w stubWorker) ID() string { return string(w) }
func (w stubWorker) Execute(_ context.Context, job domain.Job) (domain.Outcome, error) {
	return domain.Completed(job, domain.Measurements{}, nil), nil
}
func (w stubWorker) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *services.RunTracker, *Hub, *Metrics) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tracker := services.NewRunTracker()
	hub := NewHub(logger)
	metrics := NewMetrics(prometheus.NewRegistry())
	health := services.NewHealthService(nil, nil, tracker, "test")
	return NewServer(tracker, health, hub, metrics, logger), tracker, hub, metrics
}

func TestServer_Probes(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	for _, path := range []string{"/health/live", "/health/ready", "/api/health"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "ok", rec.Body.String(), path)
	}
}

func TestServer_DetailedHealthReportsCrashedWorkers(t *testing.T) {
	srv, tracker, _, _ := newTestServer(t)
	tracker.WorkerStarted(stubWorker("worker-1"))
	tracker.WorkerStopped("worker-1", domain.WorkerStatusCrashed)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health/detailed", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var report services.HealthReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, services.HealthStatusDegraded, report.Status)
	assert.Equal(t, "test", report.Version)
	assert.Contains(t, report.Components, "workers")
}

func TestServer_RunProgress(t *testing.T) {
	srv, tracker, _, _ := newTestServer(t)
	ctx := context.Background()

	tracker.Begin("run-1", 2, 1)
	a := domain.NewJob("job-a", "/in/a.tif", "a.tif", "a", nil)
	b := domain.NewJob("job-b", "/in/b.tif", "b.tif", "b", nil)
	tracker.JobStarted(ctx, "worker-1", a)
	tracker.JobStarted(ctx, "worker-1", b)
	tracker.JobFinished(ctx, domain.Failed(b, errors.New("unreadable")))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/run", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var progress services.RunProgress
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&progress))
	assert.Equal(t, "run-1", progress.RunID)
	assert.Equal(t, 2, progress.Total)
	assert.Equal(t, 1, progress.Running)
	assert.Equal(t, 1, progress.Failed)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/run/failures", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var failures []domain.FailedJob
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&failures))
	require.Len(t, failures, 1)
	assert.Equal(t, "job-b", failures[0].JobID)
	assert.Equal(t, "unreadable", failures[0].Error)
}

func TestServer_EmptyFailuresIsArray(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/run/failures", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestServer_MetricsEndpoint(t *testing.T) {
	srv, _, _, metrics := newTestServer(t)
	ctx := context.Background()

	job := domain.NewJob("job-a", "/in/a.tif", "a.tif", "a", nil)
	metrics.JobStarted(ctx, "worker-1", job)
	out := domain.Completed(job, domain.Measurements{}, nil)
	out.StartedAt = time.Now().Add(-time.Second)
	out.FinishedAt = time.Now()
	metrics.JobFinished(ctx, out)
	metrics.LogRecord(slog.LevelWarn)
	metrics.MalformedRecord()

	// One request first so the HTTP collectors have a sample.
	srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/live", nil))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `jobs_total{status="completed"} 1`)
	assert.Contains(t, body, "jobs_running 0")
	assert.Contains(t, body, `log_records_total{level="WARN"} 1`)
	assert.Contains(t, body, "malformed_log_records_total 1")
	assert.Contains(t, body, `http_requests_total{method="GET",path="/health/live",status="200"} 1`)
}

func TestHub_WebsocketReceivesJobUpdates(t *testing.T) {
	srv, _, hub, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	job := domain.NewJob("job-a", "/in/a.tif", "a.tif", "a", nil)
	hub.JobStarted(ctx, "worker-1", job)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type    string    `json:"type"`
		Payload JobUpdate `json:"payload"`
	}
	require.NoError(t, json.NewDecoder(strings.NewReader(string(data))).Decode(&msg))
	assert.Equal(t, "job_update", msg.Type)
	assert.Equal(t, "job-a", msg.Payload.JobID)
	assert.Equal(t, "worker-1", msg.Payload.WorkerID)
	assert.Equal(t, "running", msg.Payload.Status)
}

func TestHub_BroadcastNeverBlocks(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Nobody drains the hub; overflow must be dropped.
		for i := 0; i < 2048; i++ {
			hub.PublishLog(context.Background(), domain.LogRecord{Message: "x", Time: time.Now()})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a saturated hub")
	}
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
