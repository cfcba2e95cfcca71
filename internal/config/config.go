package config

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"time"
)

type Config struct {
	// Logging
	LogLevel  slog.Level
	LogFormat string // "json" or "text"
	LogFile   string

	// Tracing
	OTLPEndpoint string
	ServiceName  string

	// Features
	EnableMetrics bool
	EnableTracing bool

	// Outcome sinks, disabled when empty
	DatabaseURL string
	RedisURL    string
	MQTTBroker  string

	// Report servers
	HTTPAddr  string
	GRPCAddr  string
	GRPCToken string // required as "token" metadata when set

	// Execution
	Launcher    string // "local" or "docker"
	DockerImage string
	KillGrace   time.Duration
	Jobs        int
}

func Load() (*Config, error) {
	cfg := &Config{
		LogFormat:     getEnv("LOG_FORMAT", "text"),
		LogFile:       getEnv("LOG_FILE", ""),
		OTLPEndpoint:  getEnv("OTLP_ENDPOINT", ""),
		ServiceName:   getEnv("SERVICE_NAME", "fuzzbench"),
		EnableMetrics: getEnvBool("ENABLE_METRICS", true),
		EnableTracing: getEnvBool("ENABLE_TRACING", false),
		DatabaseURL:   getEnv("DB_URL", ""),
		RedisURL:      getEnv("REDIS_URL", ""),
		MQTTBroker:    getEnv("MQTT_BROKER", ""),
		HTTPAddr:      getEnv("FUZZBENCH_HTTP_ADDR", ""),
		GRPCAddr:      getEnv("FUZZBENCH_GRPC_ADDR", ""),
		GRPCToken:     getEnv("FUZZBENCH_GRPC_TOKEN", ""),
		Launcher:      getEnv("FUZZBENCH_LAUNCHER", "local"),
		DockerImage:   getEnv("FUZZBENCH_DOCKER_IMAGE", "fuzzland/ityfuzz:latest"),
	}

	cfg.LogLevel = ParseLevel(getEnv("LOG_LEVEL", "info"))

	var err error
	if cfg.KillGrace, err = getEnvDuration("FUZZBENCH_KILL_GRACE", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.Jobs, err = getEnvInt("FUZZBENCH_JOBS", runtime.NumCPU()); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that flags may have overridden after Load.
func (c *Config) Validate() error {
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("invalid log format %q: want json or text", c.LogFormat)
	}
	if c.Launcher != "local" && c.Launcher != "docker" {
		return fmt.Errorf("invalid launcher %q: want local or docker", c.Launcher)
	}
	if c.Launcher == "docker" && c.DockerImage == "" {
		return fmt.Errorf("docker launcher needs an image")
	}
	if c.KillGrace < 0 {
		return fmt.Errorf("kill grace must not be negative, got %s", c.KillGrace)
	}
	if c.Jobs < 1 {
		return fmt.Errorf("jobs must be at least 1, got %d", c.Jobs)
	}
	return nil
}

// ParseLevel maps LOG_LEVEL names to slog levels, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
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
		return 0, fmt.Errorf("invalid %s: %w", key, err)
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
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}
