package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port      int    `yaml:"port"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
	Env       string `yaml:"env"`

	CheckpointsDir string `yaml:"checkpointsDir"`
	TracksDir      string `yaml:"tracksDir"`

	WorkerPoolSize   int  `yaml:"workerPoolSize"`
	QueueBacklog     int  `yaml:"queueBacklog"`
	HeartbeatSeconds int  `yaml:"heartbeatSeconds"`
	ForceMono        bool `yaml:"forceMono"`

	EngineCommand string   `yaml:"engineCommand"`
	EngineArgs    []string `yaml:"engineArgs"`

	TracingEnabled     bool    `yaml:"tracingEnabled"`
	TracingServiceName string  `yaml:"tracingServiceName"`
	OtlpEndpoint       string  `yaml:"otlpEndpoint"`
	OtlpInsecure       bool    `yaml:"otlpInsecure"`
	TraceSampleRatio   float64 `yaml:"traceSampleRatio"`
}

func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	c.applyEnv()
	c.applyDefaults()
	log.Printf("Backend Config: {Port:%d Checkpoints:%s Tracks:%s Workers:%d Heartbeat:%ds}\n",
		c.Port, c.CheckpointsDir, c.TracksDir, c.WorkerPoolSize, c.HeartbeatSeconds)
	return &c, nil
}

// LoadConfigOptional loads filePath when it exists and falls back to pure
// env-plus-defaults when it does not. Missing config files are normal for a
// desktop-bundled backend.
func LoadConfigOptional(filePath string) (*Config, error) {
	if filePath != "" {
		if _, err := os.Stat(filePath); err == nil {
			return LoadConfig(filePath)
		}
	}
	var c Config
	c.applyEnv()
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("ENV"); v != "" {
		c.Env = v
	}
	if v := os.Getenv("CHECKPOINTS_DIR"); v != "" {
		c.CheckpointsDir = v
	}
	if v := os.Getenv("TRACKS_DIR"); v != "" {
		c.TracksDir = v
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("QUEUE_BACKLOG"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.QueueBacklog = n
		}
	}
	if v := os.Getenv("HEARTBEAT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HeartbeatSeconds = n
		}
	}
	if v := os.Getenv("FORCE_MONO"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.ForceMono = b
		}
	}
	if v := os.Getenv("ENGINE_COMMAND"); v != "" {
		c.EngineCommand = v
	}
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.TracingEnabled = b
		}
	}
	if v := os.Getenv("OTLP_ENDPOINT"); v != "" {
		c.OtlpEndpoint = v
	}
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	base := appSupportDir()
	if c.CheckpointsDir == "" {
		c.CheckpointsDir = filepath.Join(base, "checkpoints")
	}
	if c.TracksDir == "" {
		c.TracksDir = filepath.Join(base, "tracks")
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 2
	}
	if c.QueueBacklog <= 0 {
		c.QueueBacklog = 16
	}
	if c.HeartbeatSeconds <= 0 {
		c.HeartbeatSeconds = 2
	}
	if c.EngineCommand == "" {
		c.EngineCommand = "loopmaker-engine"
	}
	if c.TracingServiceName == "" {
		c.TracingServiceName = "loopmaker-backend"
	}
	if c.OtlpEndpoint == "" {
		c.OtlpEndpoint = "localhost:4317"
	}
	if c.TraceSampleRatio <= 0 || c.TraceSampleRatio > 1 {
		c.TraceSampleRatio = 1.0
	}
}

func (c *Config) Validate() error {
	var errs []string

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port %d out of range", c.Port))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, "logFormat must be json or text")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logLevel must be one of debug, info, warn, error")
	}
	if c.EngineCommand == "" {
		errs = append(errs, "engineCommand is required")
	}
	if c.TracingEnabled && c.OtlpEndpoint == "" {
		errs = append(errs, "otlpEndpoint is required when tracing is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// appSupportDir is where the desktop app keeps model weights and rendered
// tracks when no explicit directories are configured.
func appSupportDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "LoopMaker")
	}
	return filepath.Join(home, ".loopmaker")
}
