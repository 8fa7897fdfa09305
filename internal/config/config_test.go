package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("data", "raw"), cfg.InputRoot)
	assert.Equal(t, 12, cfg.MaxWorkers)
	assert.False(t, cfg.ExportVisualization)
	assert.Equal(t, IsolationProcess, cfg.Isolation)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, slog.LevelInfo, cfg.FileLogLevel)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("MAX_WORKERS", "4")
	t.Setenv("EXPORT_VIS", "true")
	t.Setenv("JOB_TIMEOUT", "90s")
	t.Setenv("ANALYZER_CMD", "aggregation-analyze --sigma-from-env")
	t.Setenv("AGG_OPT_THRESHOLD", "0.4")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.True(t, cfg.ExportVisualization)
	assert.Equal(t, 90*time.Second, cfg.JobTimeout)
	assert.Equal(t, []string{"aggregation-analyze", "--sigma-from-env"}, cfg.AnalyzerCommand)
	assert.Equal(t, "0.4", cfg.AnalyzerOptions["threshold"])
	assert.Equal(t, slog.LevelWarn, cfg.LogLevel)
}

func TestLoad_InvalidInteger(t *testing.T) {
	t.Setenv("MAX_WORKERS", "many")

	_, err := Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aggregate.yml")
	content := `
input_root: /srv/raw
max_workers: 6
log_level: error
job_timeout: 2m
analyzer_options:
  sigma: "1.5"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("AGG_CONFIG", path)
	t.Setenv("MAX_WORKERS", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/srv/raw", cfg.InputRoot)
	assert.Equal(t, 3, cfg.MaxWorkers, "environment wins over the file")
	assert.Equal(t, slog.LevelError, cfg.LogLevel)
	assert.Equal(t, 2*time.Minute, cfg.JobTimeout)
	assert.Equal(t, "1.5", cfg.AnalyzerOptions["sigma"])
	assert.Equal(t, "text", cfg.LogFormat, "unset keys keep their defaults")
}

func TestValidate(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "file.txt")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing input root", mutate: func(c *Config) { c.InputRoot = filepath.Join(root, "nope") }, wantErr: true},
		{name: "input root is a file", mutate: func(c *Config) { c.InputRoot = file }, wantErr: true},
		{name: "zero workers", mutate: func(c *Config) { c.MaxWorkers = 0 }, wantErr: true},
		{name: "bad pattern", mutate: func(c *Config) { c.Pattern = "([" }, wantErr: true},
		{name: "unknown isolation", mutate: func(c *Config) { c.Isolation = "vm" }, wantErr: true},
		{name: "docker without image", mutate: func(c *Config) { c.Analyzer = AnalyzerDocker }, wantErr: true},
		{name: "negative timeout", mutate: func(c *Config) { c.JobTimeout = -time.Second }, wantErr: true},
		{name: "inproc", mutate: func(c *Config) { c.Isolation = IsolationInProc }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.InputRoot = root
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrConfiguration)
				return
			}
			assert.NoError(t, err)
		})
	}
}
