package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the AgentHub coordination substrate.
type Config struct {
	Port      int
	Version   string
	Redis     RedisConfig
	Bus       BusConfig
	State     StateConfig
	Telemetry TelemetryConfig
	Webhook   WebhookConfig
}

type RedisConfig struct {
	// Addr empty means the in-memory backend.
	Addr     string
	Password string
	DB       int
}

type BusConfig struct {
	MaxRetries     int
	HandlerTimeout time.Duration
	StuckThreshold time.Duration
}

type StateConfig struct {
	LockSweepInterval time.Duration
	TxnSweepInterval  time.Duration
	MonitorInterval   time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type WebhookConfig struct {
	// URL for operational alerts (stuck workflows, lost agents,
	// human-intervention conflicts). Empty disables the sink.
	URL string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("AGENTHUB_PORT", 8080),
		Version: envStr("AGENTHUB_VERSION", "0.2.0"),
		Redis: RedisConfig{
			Addr:     envStr("AGENTHUB_REDIS_ADDR", ""),
			Password: envStr("AGENTHUB_REDIS_PASSWORD", ""),
			DB:       envInt("AGENTHUB_REDIS_DB", 0),
		},
		Bus: BusConfig{
			MaxRetries:     envInt("AGENTHUB_BUS_MAX_RETRIES", 3),
			HandlerTimeout: envDur("AGENTHUB_BUS_HANDLER_TIMEOUT", 30*time.Second),
			StuckThreshold: envDur("AGENTHUB_WORKFLOW_STUCK_THRESHOLD", 30*time.Minute),
		},
		State: StateConfig{
			LockSweepInterval: envDur("AGENTHUB_LOCK_SWEEP_INTERVAL", 30*time.Second),
			TxnSweepInterval:  envDur("AGENTHUB_TXN_SWEEP_INTERVAL", 60*time.Second),
			MonitorInterval:   envDur("AGENTHUB_STATE_MONITOR_INTERVAL", 300*time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "agenthub"),
		},
		Webhook: WebhookConfig{
			URL: envStr("AGENTHUB_ALERT_WEBHOOK_URL", ""),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
