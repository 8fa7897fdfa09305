package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
)

const (
	IsolationProcess = "process"
	IsolationInProc  = "inproc"

	AnalyzerCommand = "command"
	AnalyzerDocker  = "docker"

	optionEnvPrefix = "AGG_OPT_"
)

type Config struct {
	// Batch
	InputRoot           string            `yaml:"input_root"`
	OutputRoot          string            `yaml:"output_root"`
	Pattern             string            `yaml:"pattern"`
	MaxWorkers          int               `yaml:"max_workers"`
	ExportVisualization bool              `yaml:"export_visualization"`
	AnalyzerOptions     map[string]string `yaml:"analyzer_options"`
	RetryFailed         bool              `yaml:"retry_failed"`

	// Analyzer
	Analyzer        string   `yaml:"analyzer"` // "command" or "docker"
	AnalyzerCommand []string `yaml:"analyzer_command"`
	AnalyzerImage   string   `yaml:"analyzer_image"`

	// Workers
	Isolation    string        `yaml:"isolation"` // "process" or "inproc"
	WorkerBinary string        `yaml:"worker_binary"`
	JobTimeout   time.Duration `yaml:"job_timeout"`
	StallWarning time.Duration `yaml:"stall_warning"`

	// Logging
	LogDir          string        `yaml:"log_dir"`
	LogLevel        slog.Level    `yaml:"-"`
	FileLogLevel    slog.Level    `yaml:"-"`
	LogFormat       string        `yaml:"log_format"` // "json" or "text"
	LogDrainTimeout time.Duration `yaml:"log_drain_timeout"`

	// Optional backends
	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`
	HTTPAddr    string `yaml:"http_addr"`
	MQTTBroker  string `yaml:"mqtt_broker"`
	MQTTPrefix  string `yaml:"mqtt_prefix"`

	// Tracing
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`

	// Features
	EnableMetrics bool `yaml:"enable_metrics"`
	EnableTracing bool `yaml:"enable_tracing"`
}

func Default() *Config {
	return &Config{
		InputRoot:       filepath.Join("data", "raw"),
		OutputRoot:      filepath.Join("data", "processed"),
		Pattern:         "tilescan_projection.tif$",
		MaxWorkers:      12,
		AnalyzerOptions: map[string]string{},
		Analyzer:        AnalyzerCommand,
		AnalyzerCommand: []string{"aggregation-analyze"},
		Isolation:       IsolationProcess,
		StallWarning:    10 * time.Minute,
		LogDir:          "log",
		LogLevel:        slog.LevelDebug,
		FileLogLevel:    slog.LevelInfo,
		LogFormat:       "text",
		LogDrainTimeout: 30 * time.Second,
		MQTTPrefix:      "aggregation",
		ServiceName:     "cell-aggregation",
		EnableMetrics:   true,
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by AGG_CONFIG, and finally the environment.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("AGG_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.InputRoot = getEnv("INPUT_ROOT", cfg.InputRoot)
	cfg.OutputRoot = getEnv("OUTPUT_ROOT", cfg.OutputRoot)
	cfg.Pattern = getEnv("INPUT_PATTERN", cfg.Pattern)
	cfg.ExportVisualization = getEnvBool("EXPORT_VIS", cfg.ExportVisualization)
	cfg.RetryFailed = getEnvBool("RETRY_FAILED", cfg.RetryFailed)
	cfg.Analyzer = getEnv("ANALYZER", cfg.Analyzer)
	cfg.AnalyzerImage = getEnv("ANALYZER_IMAGE", cfg.AnalyzerImage)
	cfg.Isolation = getEnv("ISOLATION", cfg.Isolation)
	cfg.WorkerBinary = getEnv("WORKER_BIN", cfg.WorkerBinary)
	cfg.LogDir = getEnv("LOG_DIR", cfg.LogDir)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.DatabaseURL = getEnv("DB_URL", cfg.DatabaseURL)
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.MQTTBroker = getEnv("MQTT_BROKER", cfg.MQTTBroker)
	cfg.MQTTPrefix = getEnv("MQTT_PREFIX", cfg.MQTTPrefix)
	cfg.OTLPEndpoint = getEnv("OTLP_ENDPOINT", cfg.OTLPEndpoint)
	cfg.ServiceName = getEnv("SERVICE_NAME", cfg.ServiceName)
	cfg.EnableMetrics = getEnvBool("ENABLE_METRICS", cfg.EnableMetrics)
	cfg.EnableTracing = getEnvBool("ENABLE_TRACING", cfg.EnableTracing)

	var err error
	if cfg.MaxWorkers, err = getEnvInt("MAX_WORKERS", cfg.MaxWorkers); err != nil {
		return nil, err
	}
	if cfg.JobTimeout, err = getEnvDuration("JOB_TIMEOUT", cfg.JobTimeout); err != nil {
		return nil, err
	}
	if cfg.StallWarning, err = getEnvDuration("STALL_WARNING", cfg.StallWarning); err != nil {
		return nil, err
	}
	if cfg.LogDrainTimeout, err = getEnvDuration("LOG_DRAIN_TIMEOUT", cfg.LogDrainTimeout); err != nil {
		return nil, err
	}
	if v, ok := os.LookupEnv("ANALYZER_CMD"); ok {
		cfg.AnalyzerCommand = strings.Fields(v)
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.LogLevel = parseLevel(v, cfg.LogLevel)
	}
	if v, ok := os.LookupEnv("LOG_FILE_LEVEL"); ok {
		cfg.FileLogLevel = parseLevel(v, cfg.FileLogLevel)
	}

	for _, kv := range os.Environ() {
		key, value, _ := strings.Cut(kv, "=")
		if name, ok := strings.CutPrefix(key, optionEnvPrefix); ok && name != "" {
			cfg.AnalyzerOptions[strings.ToLower(name)] = value
		}
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.ConfigError("read config file %s: %v", path, err)
	}
	var file struct {
		Config       `yaml:",inline"`
		LogLevel     string `yaml:"log_level"`
		FileLogLevel string `yaml:"file_log_level"`
	}
	file.Config = *c
	if err := yaml.Unmarshal(data, &file); err != nil {
		return domain.ConfigError("parse config file %s: %v", path, err)
	}
	*c = file.Config
	if file.LogLevel != "" {
		c.LogLevel = parseLevel(file.LogLevel, c.LogLevel)
	}
	if file.FileLogLevel != "" {
		c.FileLogLevel = parseLevel(file.FileLogLevel, c.FileLogLevel)
	}
	if c.AnalyzerOptions == nil {
		c.AnalyzerOptions = map[string]string{}
	}
	return nil
}

// Validate fails fast on configuration no run could succeed with.
func (c *Config) Validate() error {
	info, err := os.Stat(c.InputRoot)
	if err != nil {
		return domain.ConfigError("input root %s: %v", c.InputRoot, err)
	}
	if !info.IsDir() {
		return domain.ConfigError("input root %s is not a directory", c.InputRoot)
	}
	if c.OutputRoot == "" {
		return domain.ConfigError("output root is required")
	}
	if c.MaxWorkers < 1 {
		return domain.ConfigError("max workers must be at least 1, got %d", c.MaxWorkers)
	}
	if _, err := regexp.Compile(c.Pattern); err != nil {
		return domain.ConfigError("input pattern %q: %v", c.Pattern, err)
	}
	switch c.Isolation {
	case IsolationProcess, IsolationInProc:
	default:
		return domain.ConfigError("unknown isolation %q", c.Isolation)
	}
	switch c.Analyzer {
	case AnalyzerCommand:
		if len(c.AnalyzerCommand) == 0 {
			return domain.ConfigError("analyzer command is required")
		}
	case AnalyzerDocker:
		if c.AnalyzerImage == "" {
			return domain.ConfigError("docker analyzer requires ANALYZER_IMAGE")
		}
	default:
		return domain.ConfigError("unknown analyzer %q", c.Analyzer)
	}
	if c.JobTimeout < 0 || c.StallWarning < 0 || c.LogDrainTimeout < 0 {
		return domain.ConfigError("durations must not be negative")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return domain.ConfigError("unknown log format %q", c.LogFormat)
	}
	return nil
}

// Pass-through keys are forwarded to the analyzer unchanged.
func (c *Config) Options() map[string]string {
	out := make(map[string]string, len(c.AnalyzerOptions))
	for k, v := range c.AnalyzerOptions {
		out[k] = v
	}
	return out
}

func parseLevel(s string, fallback slog.Level) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return fallback
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return defaultValue
		}
		return parsed
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, domain.ConfigError("%s: %v", key, err)
	}
	return parsed, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, domain.ConfigError("%s: %v", key, err)
	}
	return parsed, nil
}

func (c *Config) String() string {
	return fmt.Sprintf("input=%s output=%s pattern=%q max_workers=%d isolation=%s analyzer=%s",
		c.InputRoot, c.OutputRoot, c.Pattern, c.MaxWorkers, c.Isolation, c.Analyzer)
}
