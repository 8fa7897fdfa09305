package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RSchleutker/cell-aggregation-assays/internal/adapters/queue/memory"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
)

func TestNew_CreatesTimestampedFile(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	var console bytes.Buffer

	sinks, err := New(Config{
		Dir:          dir,
		ConsoleLevel: slog.LevelDebug,
		FileLevel:    slog.LevelInfo,
		Console:      &console,
	}, now)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "2024-03-09_14-05-07.log"), sinks.Path())

	sinks.Logger().Debug("debug only on console")
	sinks.Logger().Info("info everywhere")
	require.NoError(t, sinks.Close())

	data, err := os.ReadFile(sinks.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "info everywhere")
	assert.NotContains(t, string(data), "debug only on console")

	assert.Contains(t, console.String(), "debug only on console")
	assert.Contains(t, console.String(), "info everywhere")
}

func TestSinks_EmitKeepsOriginalTimeAndSource(t *testing.T) {
	var console bytes.Buffer
	sinks, err := New(Config{ConsoleLevel: slog.LevelDebug, Format: "json", Console: &console}, time.Now())
	require.NoError(t, err)
	defer sinks.Close()

	at := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	err = sinks.Emit(context.Background(), domain.LogRecord{
		Time:     at,
		Level:    slog.LevelWarn,
		Source:   "pybioimage.aggregation",
		Message:  "few cells",
		WorkerID: "worker-2",
		JobID:    "job-7",
		Attrs:    map[string]string{"image": "a.tif"},
	})
	require.NoError(t, err)

	out := console.String()
	assert.Contains(t, out, `"time":"2020-01-02T03:04:05Z"`)
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, `"logger":"pybioimage.aggregation"`)
	assert.Contains(t, out, `"process":"worker-2"`)
	assert.Contains(t, out, `"job":"job-7"`)
	assert.Contains(t, out, `"image":"a.tif"`)
}

func TestSinks_EmitBelowThresholdIsDropped(t *testing.T) {
	var console bytes.Buffer
	sinks, err := New(Config{ConsoleLevel: slog.LevelInfo, Console: &console}, time.Now())
	require.NoError(t, err)

	require.NoError(t, sinks.Emit(context.Background(), domain.LogRecord{
		Time: time.Now(), Level: slog.LevelDebug, Source: "x", Message: "hidden",
	}))
	assert.Empty(t, console.String())
}

func TestChannelHandler_ForwardsToChannel(t *testing.T) {
	ctx := context.Background()
	ch := memory.NewChannel()
	log := slog.New(NewChannelHandler(ch, "analysis", "worker-1", slog.LevelDebug)).
		With(slog.String(KeyJob, "job-1"))

	log.Info("measured", slog.Int("cells", 12), slog.Group("img", slog.String("name", "a.tif")))
	log.With(slog.String(KeyLogger, "pybioimage")).Warn("override")

	env, err := ch.Receive(ctx)
	require.NoError(t, err)
	rec := env.Record
	assert.Equal(t, "measured", rec.Message)
	assert.Equal(t, slog.LevelInfo, rec.Level)
	assert.Equal(t, "analysis", rec.Source)
	assert.Equal(t, "worker-1", rec.WorkerID)
	assert.Equal(t, "job-1", rec.JobID)
	assert.Equal(t, map[string]string{"cells": "12", "img.name": "a.tif"}, rec.Attrs)
	assert.False(t, rec.Time.IsZero())

	env, err = ch.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pybioimage", env.Record.Source)
	assert.Equal(t, slog.LevelWarn, env.Record.Level)
}

func TestChannelHandler_SendsEvenWhenContextCancelled(t *testing.T) {
	ch := memory.NewChannel()
	log := NewChannelLogger(ch, "analysis", "worker-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	log.ErrorContext(ctx, "timed out")

	assert.Equal(t, 1, ch.Len())
}

func TestChannelHandler_Level(t *testing.T) {
	ch := memory.NewChannel()
	log := slog.New(NewChannelHandler(ch, "analysis", "w", slog.LevelWarn))
	log.Info("dropped")
	log.Warn("kept")
	assert.Equal(t, 1, ch.Len())
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		level   slog.Level
		source  string
		message string
		ok      bool
	}{
		{"warning", "WARNING:pybioimage.aggregation:too few cells\n", slog.LevelWarn, "pybioimage.aggregation", "too few cells", true},
		{"info", "INFO:root:start", slog.LevelInfo, "root", "start", true},
		{"critical", "CRITICAL:x:boom", slog.LevelError + 4, "x", "boom", true},
		{"message with colons", "ERROR:a.b:bad value: 3", slog.LevelError, "a.b", "bad value: 3", true},
		{"free form", "Traceback (most recent call last):", slog.LevelInfo, "", "Traceback (most recent call last):", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, source, message, ok := ParseLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.level, level)
			assert.Equal(t, tt.source, source)
			assert.Equal(t, strings.TrimSpace(tt.message), message)
		})
	}
}

func TestSinks_ChannelLogger(t *testing.T) {
	var console bytes.Buffer
	sinks, err := New(Config{ConsoleLevel: slog.LevelInfo, Format: "json", Console: &console}, time.Now())
	require.NoError(t, err)
	ctx := context.Background()
	ch := memory.NewChannel()
	log := sinks.ChannelLogger(ch)

	log.Debug("below threshold")
	log.Info("Starting...", "run", "r-1")
	assert.Empty(t, console.String())
	require.Equal(t, 1, ch.Len())

	env, err := ch.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, MainSource, env.Record.Source)
	assert.Equal(t, MainProcess, env.Record.WorkerID)
	assert.Equal(t, "r-1", env.Record.Attrs["run"])

	// Once the channel is closed the sinks are written directly.
	require.NoError(t, ch.SendSentinel(ctx))
	log.Warn("after drain")
	assert.Contains(t, console.String(), `"msg":"after drain"`)
	assert.Contains(t, console.String(), `"logger":"main"`)
}
