package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/rhythm/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	SMTP          SMTPConfig
	Sharing       SharingConfig
	Detector      DetectorConfig
	Realtime      RealtimeConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// BaseURL is the externally reachable root used in invitation links
	BaseURL string

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL             string
	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds the optional pub/sub backend settings. An empty URL
// means the realtime hub runs on the in-process transport.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

// Enabled reports whether a Redis backend is configured
func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

// SMTPConfig holds outbound mail settings. An empty host means invitation
// emails are logged instead of sent.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SharingConfig holds token issuance and cleanup settings
type SharingConfig struct {
	DefaultExpiry   time.Duration
	CleanupSchedule string
	CleanupBatch    int

	// Permission cache
	CacheSize int
	CacheTTL  time.Duration
}

// DetectorConfig holds suspicious-activity thresholds
type DetectorConfig struct {
	BruteForceCount  int
	BruteForceWindow time.Duration
	IPChurnCount     int
	IPChurnWindow    time.Duration
	AutomationCount  int
	AutomationWindow time.Duration
}

// RealtimeConfig holds hub delivery and sweep settings
type RealtimeConfig struct {
	SendTimeout   time.Duration
	IdleTimeout   time.Duration
	SweepSchedule string
}

// ObservabilityConfig holds logging and metrics settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("RHYTHM_HOST", "0.0.0.0"),
			Port:            getEnv("RHYTHM_PORT", "8080"),
			ReadTimeout:     getEnvDuration("RHYTHM_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("RHYTHM_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("RHYTHM_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("RHYTHM_SHUTDOWN_TIMEOUT", 30*time.Second),
			BaseURL:         getEnv("RHYTHM_BASE_URL", "http://localhost:8080"),
			HealthPort:      getEnv("RHYTHM_HEALTH_PORT", "9090"),
		},
		Database: DatabaseConfig{
			URL:             getEnv("RHYTHM_POSTGRES_URL", ""),
			MaxConns:        getEnvInt("RHYTHM_POSTGRES_MAX_CONNS", 25),
			MinConns:        getEnvInt("RHYTHM_POSTGRES_MIN_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("RHYTHM_POSTGRES_CONN_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:      getEnv("RHYTHM_REDIS_URL", ""),
			Password: getEnv("RHYTHM_REDIS_PASSWORD", ""),
			DB:       getEnvInt("RHYTHM_REDIS_DB", 0),
			PoolSize: getEnvInt("RHYTHM_REDIS_POOL_SIZE", 10),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("RHYTHM_SMTP_HOST", ""),
			Port:     getEnvInt("RHYTHM_SMTP_PORT", 587),
			Username: getEnv("RHYTHM_SMTP_USERNAME", ""),
			Password: getEnv("RHYTHM_SMTP_PASSWORD", ""),
			From:     getEnv("RHYTHM_SMTP_FROM", "noreply@rhythm.local"),
		},
		Sharing: SharingConfig{
			DefaultExpiry:   getEnvDuration("RHYTHM_TOKEN_DEFAULT_EXPIRY", 168*time.Hour),
			CleanupSchedule: getEnv("RHYTHM_TOKEN_CLEANUP_SCHEDULE", "@hourly"),
			CleanupBatch:    getEnvInt("RHYTHM_TOKEN_CLEANUP_BATCH", 500),
			CacheSize:       getEnvInt("RHYTHM_PERMISSION_CACHE_SIZE", 4096),
			CacheTTL:        getEnvDuration("RHYTHM_PERMISSION_CACHE_TTL", 30*time.Second),
		},
		Detector: DetectorConfig{
			BruteForceCount:  getEnvInt("RHYTHM_DETECTOR_BRUTE_FORCE_COUNT", 5),
			BruteForceWindow: getEnvDuration("RHYTHM_DETECTOR_BRUTE_FORCE_WINDOW", time.Hour),
			IPChurnCount:     getEnvInt("RHYTHM_DETECTOR_IP_CHURN_COUNT", 3),
			IPChurnWindow:    getEnvDuration("RHYTHM_DETECTOR_IP_CHURN_WINDOW", 2*time.Hour),
			AutomationCount:  getEnvInt("RHYTHM_DETECTOR_AUTOMATION_COUNT", 10),
			AutomationWindow: getEnvDuration("RHYTHM_DETECTOR_AUTOMATION_WINDOW", 5*time.Minute),
		},
		Realtime: RealtimeConfig{
			SendTimeout:   getEnvDuration("RHYTHM_REALTIME_SEND_TIMEOUT", 2*time.Second),
			IdleTimeout:   getEnvDuration("RHYTHM_REALTIME_IDLE_TIMEOUT", 30*time.Minute),
			SweepSchedule: getEnv("RHYTHM_REALTIME_SWEEP_SCHEDULE", "@every 5m"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       parseLogLevel(getEnv("RHYTHM_LOG_LEVEL", "info")),
			MetricsEnabled: getEnvBool("RHYTHM_METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("postgres min connections (%d) exceeds max (%d)",
			c.Database.MinConns, c.Database.MaxConns)
	}

	if c.Sharing.DefaultExpiry <= 0 {
		return fmt.Errorf("token default expiry must be positive")
	}
	if c.Sharing.CleanupBatch <= 0 {
		return fmt.Errorf("token cleanup batch must be positive")
	}

	if c.Detector.BruteForceCount <= 0 || c.Detector.IPChurnCount <= 0 || c.Detector.AutomationCount <= 0 {
		return fmt.Errorf("detector thresholds must be positive")
	}
	if c.Detector.BruteForceWindow <= 0 || c.Detector.IPChurnWindow <= 0 || c.Detector.AutomationWindow <= 0 {
		return fmt.Errorf("detector windows must be positive")
	}

	if c.Realtime.SendTimeout <= 0 {
		return fmt.Errorf("realtime send timeout must be positive")
	}
	if c.Realtime.IdleTimeout <= 0 {
		return fmt.Errorf("realtime idle timeout must be positive")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
