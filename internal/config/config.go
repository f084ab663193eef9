package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the task routing service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin        bool
	TrustPrincipalHeaders bool

	DatabaseURL             string
	DatabaseConnectAttempts int
	DatabaseConnectBackoff  time.Duration
	ConnectionMode          string

	EngineConfigFile            string
	DefaultDistributionStrategy string

	Log LogConfig
}

// LogConfig drives observability.SetupLogger.
type LogConfig struct {
	Level       string
	Format      string
	Outputs     []string
	Development bool
	Rotation    LogRotation
}

type LogRotation struct {
	Enable     bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                    envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:            envOrDefault("APP_METRICS_NAMESPACE", "taskrouter"),
		AllowAnyOrigin:              false,
		TrustPrincipalHeaders:       true,
		DatabaseURL:                 stringsTrimSpace("DATABASE_URL"),
		DatabaseConnectAttempts:     5,
		DatabaseConnectBackoff:      250 * time.Millisecond,
		ConnectionMode:              envOrDefault("CONNECTION_MANAGEMENT_MODE", "PARTICIPATE"),
		EngineConfigFile:            stringsTrimSpace("ENGINE_CONFIG_FILE"),
		DefaultDistributionStrategy: envOrDefault("DISTRIBUTION_DEFAULT_STRATEGY", "round-robin"),
		ShutdownTimeout:             15 * time.Second,
		Log: LogConfig{
			Level:   envOrDefault("LOG_LEVEL", "info"),
			Format:  envOrDefault("LOG_FORMAT", "console"),
			Outputs: listFromEnv("LOG_OUTPUTS", []string{"stderr"}),
			Rotation: LogRotation{
				MaxSizeMB:  100,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DatabaseConnectBackoff, err = durationFromEnv("DATABASE_CONNECT_BACKOFF", cfg.DatabaseConnectBackoff)
	if err != nil {
		return Config{}, err
	}
	cfg.DatabaseConnectAttempts, err = intFromEnv("DATABASE_CONNECT_ATTEMPTS", cfg.DatabaseConnectAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.TrustPrincipalHeaders, err = boolFromEnv("APP_TRUST_PRINCIPAL_HEADERS", cfg.TrustPrincipalHeaders)
	if err != nil {
		return Config{}, err
	}
	cfg.Log.Development, err = boolFromEnv("LOG_DEVELOPMENT", cfg.Log.Development)
	if err != nil {
		return Config{}, err
	}
	cfg.Log.Rotation.Enable, err = boolFromEnv("LOG_ROTATE", cfg.Log.Rotation.Enable)
	if err != nil {
		return Config{}, err
	}
	cfg.Log.Rotation.Compress, err = boolFromEnv("LOG_ROTATE_COMPRESS", cfg.Log.Rotation.Compress)
	if err != nil {
		return Config{}, err
	}
	cfg.Log.Rotation.MaxSizeMB, err = intFromEnv("LOG_ROTATE_MAX_SIZE_MB", cfg.Log.Rotation.MaxSizeMB)
	if err != nil {
		return Config{}, err
	}
	cfg.Log.Rotation.MaxBackups, err = intFromEnv("LOG_ROTATE_MAX_BACKUPS", cfg.Log.Rotation.MaxBackups)
	if err != nil {
		return Config{}, err
	}
	cfg.Log.Rotation.MaxAgeDays, err = intFromEnv("LOG_ROTATE_MAX_AGE_DAYS", cfg.Log.Rotation.MaxAgeDays)
	if err != nil {
		return Config{}, err
	}

	if cfg.DatabaseConnectAttempts <= 0 {
		return Config{}, fmt.Errorf("DATABASE_CONNECT_ATTEMPTS must be positive")
	}
	switch strings.ToUpper(cfg.ConnectionMode) {
	case "PARTICIPATE", "AUTOCOMMIT":
		cfg.ConnectionMode = strings.ToUpper(cfg.ConnectionMode)
	case "EXPLICIT":
		// EXPLICIT needs a client connection; a server process never has one at startup.
		return Config{}, fmt.Errorf("CONNECTION_MANAGEMENT_MODE=EXPLICIT cannot be used at startup")
	default:
		return Config{}, fmt.Errorf("CONNECTION_MANAGEMENT_MODE must be PARTICIPATE or AUTOCOMMIT, got %q", cfg.ConnectionMode)
	}
	if strings.TrimSpace(cfg.DefaultDistributionStrategy) == "" {
		return Config{}, fmt.Errorf("DISTRIBUTION_DEFAULT_STRATEGY must not be empty")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func listFromEnv(key string, fallback []string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
