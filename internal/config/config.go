// Package config loads process settings from environment variables, with an
// optional Vault KV v2 overlay: connect, read one path, type-assert the
// fields out.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings mirrors the module-level settings object of the original Python
// implementation (MAX_RETRIES, BASE_BACKOFF, AGGREGATION_WINDOW, ...): every
// field is env-overridable with a hardcoded fallback, read once at startup.
type Settings struct {
	RabbitMQHost string
	RabbitMQPort int

	MaxRetries        int
	BaseBackoff       time.Duration
	AggregationWindow time.Duration

	Regions        []string
	EventRate      float64
	EnableBurst    bool
	SimulateErrors bool

	LogFilePath string
	AuditDBPath string

	OTelEndpoint string
}

// Load reads Settings from the environment. It never fails: every field has
// a fallback, matching the original's tolerant settings module.
func Load() *Settings {
	return &Settings{
		RabbitMQHost: getEnv("RABBITMQ_HOST", "localhost"),
		RabbitMQPort: getEnvInt("RABBITMQ_PORT", 5672),

		MaxRetries:        getEnvInt("MAX_RETRIES", 3),
		BaseBackoff:       getEnvSeconds("BASE_BACKOFF", 1.0),
		AggregationWindow: getEnvSeconds("AGGREGATION_WINDOW", 5.0),

		Regions:        getEnvCSV("REGIONS", []string{"norte", "centro", "sur", "oeste"}),
		EventRate:      getEnvFloat("EVENT_RATE", 1.0),
		EnableBurst:    getEnvBool("ENABLE_BURST", false),
		SimulateErrors: getEnvBool("SIMULATE_ERRORS", false),

		LogFilePath: getEnv("LOG_FILE_PATH", "/data/audit_log.jsonl"),
		AuditDBPath: getEnv("AUDIT_DB_PATH", "/data/audit.db"),

		OTelEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

// AMQPURL builds the amqp091-go connection string from the host/port pair,
// with user/pass optionally taken from Vault via BrokerOverlay.
func (s *Settings) AMQPURL(user, pass string) string {
	if user == "" {
		user = "guest"
	}
	if pass == "" {
		pass = "guest"
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", user, pass, s.RabbitMQHost, s.RabbitMQPort)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvSeconds(key string, fallbackSeconds float64) time.Duration {
	return time.Duration(getEnvFloat(key, fallbackSeconds) * float64(time.Second))
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvCSV(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
