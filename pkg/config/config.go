// Package config loads runtime configuration from the environment and
// fails fast on values the server cannot safely run with.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults applied when the corresponding variable is unset.
const (
	DefaultMaxConcurrentExecutions = 100
	DefaultExecutionTimeoutSeconds = 300
	DefaultRetentionDays           = 30
	DefaultCleanupHour             = 2
	DefaultHeartbeatSeconds        = 30
	DefaultHTTPPort                = "8080"
)

// EncryptionKeyLen is the required byte length of ENCRYPTION_KEY (AES-256).
const EncryptionKeyLen = 32

// Config is the resolved runtime configuration.
type Config struct {
	DatabaseURL             string
	EncryptionKey           []byte
	MaxConcurrentExecutions int
	DefaultExecutionTimeout time.Duration
	RetentionDays           int
	CleanupHour             int
	HeartbeatInterval       time.Duration
	LogLevel                slog.Level
	HTTPPort                string
}

// Load reads the environment and validates it. Any invalid value is a
// startup error; nothing is corrected silently except absent optionals.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		HTTPPort:    getEnv("HTTP_PORT", DefaultHTTPPort),
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	key := os.Getenv("ENCRYPTION_KEY")
	if len(key) != EncryptionKeyLen {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be exactly %d bytes, got %d", EncryptionKeyLen, len(key))
	}
	cfg.EncryptionKey = []byte(key)

	var err error
	if cfg.MaxConcurrentExecutions, err = getEnvInt("MAX_CONCURRENT_EXECUTIONS", DefaultMaxConcurrentExecutions); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentExecutions < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_EXECUTIONS must be at least 1, got %d", cfg.MaxConcurrentExecutions)
	}

	timeoutSeconds, err := getEnvInt("DEFAULT_EXECUTION_TIMEOUT_SECONDS", DefaultExecutionTimeoutSeconds)
	if err != nil {
		return nil, err
	}
	if timeoutSeconds < 1 {
		return nil, fmt.Errorf("DEFAULT_EXECUTION_TIMEOUT_SECONDS must be at least 1, got %d", timeoutSeconds)
	}
	cfg.DefaultExecutionTimeout = time.Duration(timeoutSeconds) * time.Second

	if cfg.RetentionDays, err = getEnvInt("RETENTION_DAYS", DefaultRetentionDays); err != nil {
		return nil, err
	}
	if cfg.RetentionDays < 1 {
		return nil, fmt.Errorf("RETENTION_DAYS must be at least 1, got %d", cfg.RetentionDays)
	}

	if cfg.CleanupHour, err = getEnvInt("CLEANUP_HOUR", DefaultCleanupHour); err != nil {
		return nil, err
	}
	if cfg.CleanupHour < 0 || cfg.CleanupHour > 23 {
		return nil, fmt.Errorf("CLEANUP_HOUR must be between 0 and 23, got %d", cfg.CleanupHour)
	}

	heartbeatSeconds, err := getEnvInt("HEARTBEAT_SECONDS", DefaultHeartbeatSeconds)
	if err != nil {
		return nil, err
	}
	if heartbeatSeconds < 1 {
		return nil, fmt.Errorf("HEARTBEAT_SECONDS must be at least 1, got %d", heartbeatSeconds)
	}
	cfg.HeartbeatInterval = time.Duration(heartbeatSeconds) * time.Second

	if cfg.LogLevel, err = parseLogLevel(getEnv("LOG_LEVEL", "info")); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, value)
	}
	return n, nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(value) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", value)
	}
}
