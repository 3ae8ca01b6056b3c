// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings. The only required variable is the
// database URL.
//
// # Configuration Structure
//
// Server settings:
//
//	RHYTHM_HOST="0.0.0.0"
//	RHYTHM_PORT="8080"
//	RHYTHM_HEALTH_PORT="9090"
//	RHYTHM_BASE_URL="https://rhythm.example.com"
//	RHYTHM_READ_TIMEOUT="15s"
//	RHYTHM_WRITE_TIMEOUT="15s"
//
// Storage settings:
//
//	RHYTHM_POSTGRES_URL="postgres://localhost/rhythm"
//	RHYTHM_POSTGRES_MAX_CONNS="25"
//	RHYTHM_REDIS_URL="localhost:6379"   # optional; enables cross-process fan-out
//
// Sharing settings:
//
//	RHYTHM_TOKEN_DEFAULT_EXPIRY="168h"
//	RHYTHM_TOKEN_CLEANUP_SCHEDULE="@hourly"
//	RHYTHM_SMTP_HOST="smtp.example.com"  # optional; invitations logged if unset
//
// Detector settings:
//
//	RHYTHM_DETECTOR_BRUTE_FORCE_COUNT="5"
//	RHYTHM_DETECTOR_BRUTE_FORCE_WINDOW="1h"
//	RHYTHM_DETECTOR_IP_CHURN_COUNT="3"
//	RHYTHM_DETECTOR_AUTOMATION_COUNT="10"
//
// Realtime settings:
//
//	RHYTHM_REALTIME_SEND_TIMEOUT="2s"
//	RHYTHM_REALTIME_IDLE_TIMEOUT="30m"
//	RHYTHM_REALTIME_SWEEP_SCHEDULE="@every 5m"
//
// Observability settings:
//
//	RHYTHM_LOG_LEVEL="info"  # debug, info, warn, error
//	RHYTHM_METRICS_ENABLED="true"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Log level: %s\n", cfg.Observability.LogLevel)
package config
