// Package config reads the service settings from the environment. Unset or
// malformed values fall back to defaults so the service starts locally with
// no configuration at all.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendLocal  = "local"
)

type Config struct {
	HTTPAddr   string
	SQLitePath string
	RedisAddr  string

	StoreBackend string
	LockBackend  string

	PostgresURL string

	KafkaBrokers []string
	KafkaTopic   string

	PaymentGatewayURL string
	PaymentTimeout    time.Duration

	ReservationTTL    time.Duration
	SweepInterval     time.Duration
	RecoveryInterval  time.Duration
	RecoveryMinAge    time.Duration
	ReconcileInterval time.Duration
	ResultCacheTTL    time.Duration
	WALRetention      time.Duration

	LockTTL  time.Duration
	LockWait time.Duration

	LogLevel slog.Level

	ServiceName  string
	OTLPEndpoint string
	OTelEnabled  bool
}

func Load() Config {
	return Config{
		HTTPAddr:   getEnv("HTTP_ADDR", ":8080"),
		SQLitePath: getEnv("SQLITE_PATH", "./data/reservation.db"),
		RedisAddr:  getEnv("REDIS_ADDR", "localhost:6379"),

		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", BackendRedis)),
		LockBackend:  strings.ToLower(getEnv("LOCK_BACKEND", BackendRedis)),

		PostgresURL: getEnv("POSTGRES_URL", ""),

		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "reservation.events"),

		PaymentGatewayURL: getEnv("PAYMENT_GATEWAY_URL", ""),
		PaymentTimeout:    getDuration("PAYMENT_TIMEOUT", 5*time.Second),

		ReservationTTL:    getDuration("RESERVATION_TTL", 5*time.Minute),
		SweepInterval:     getDuration("SWEEP_INTERVAL", 30*time.Second),
		RecoveryInterval:  getDuration("RECOVERY_INTERVAL", 5*time.Minute),
		RecoveryMinAge:    getDuration("RECOVERY_MIN_AGE", time.Minute),
		ReconcileInterval: getDuration("RECONCILE_INTERVAL", time.Minute),
		ResultCacheTTL:    getDuration("RESULT_CACHE_TTL", time.Hour),
		WALRetention:      getDuration("WAL_RETENTION", 0),

		LockTTL:  getDuration("LOCK_TTL", 10*time.Second),
		LockWait: getDuration("LOCK_WAIT", 5*time.Second),

		LogLevel: getLevel("LOG_LEVEL", slog.LevelInfo),

		ServiceName:  getEnv("OTEL_SERVICE_NAME", "reservation-service"),
		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelEnabled:  getBool("OTEL_ENABLED", false),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return d
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid bool, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return b
}

func getLevel(key string, fallback slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		slog.Warn("invalid log level, using default", "key", key, "value", v)
		return fallback
	}
	return l
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
