package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds process-wide configuration, loaded from the environment with
// sensible defaults (spec §6 Configuration options).
type Config struct {
	RedisHost string
	RedisPort string
	KeyPrefix string // default "kodiak"

	// Worker defaults
	Concurrency             int
	Prefetch                int
	LockDuration            time.Duration
	GracefulShutdownTimeout time.Duration
	HeartbeatEnabled        bool
	HeartbeatInterval       time.Duration

	// Scheduler
	SchedulerInterval        time.Duration
	StalledRecoveryInterval  time.Duration
	PromoteBatchLimit        int

	// Rate limiter defaults
	RateLimiterRate     float64
	RateLimiterCapacity float64

	// Admin API
	APIPort string
	JWTSecret string
	JWTIssuer string
	AuthEnabled bool

	// Tracing
	OTLPEndpoint string
}

func LoadConfig() *Config {
	return &Config{
		RedisHost: getEnv("REDIS_HOST", "localhost"),
		RedisPort: getEnv("REDIS_PORT", "6379"),
		KeyPrefix: getEnv("KEY_PREFIX", "kodiak"),

		Concurrency:             getEnvAsInt("WORKER_CONCURRENCY", 1),
		Prefetch:                getEnvAsInt("WORKER_PREFETCH", 10),
		LockDuration:            getEnvAsDuration("WORKER_LOCK_DURATION", 30*time.Second),
		GracefulShutdownTimeout: getEnvAsDuration("WORKER_SHUTDOWN_TIMEOUT", 30*time.Second),
		HeartbeatEnabled:        getEnvAsBool("WORKER_HEARTBEAT_ENABLED", false),
		HeartbeatInterval:       getEnvAsDuration("WORKER_HEARTBEAT_INTERVAL", 0),

		SchedulerInterval:       getEnvAsDuration("SCHEDULER_INTERVAL", 5*time.Second),
		StalledRecoveryInterval: getEnvAsDuration("STALLED_RECOVERY_INTERVAL", 5*time.Second),
		PromoteBatchLimit:       getEnvAsInt("SCHEDULER_PROMOTE_LIMIT", 50),

		RateLimiterRate:     getEnvAsFloat("RATE_LIMITER_RATE", 0),
		RateLimiterCapacity: getEnvAsFloat("RATE_LIMITER_CAPACITY", 0),

		APIPort:     getEnv("API_PORT", "8080"),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		JWTIssuer:   getEnv("JWT_ISSUER", "kodiak"),
		AuthEnabled: getEnvAsBool("AUTH_ENABLED", false),

		OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	return valueStr == "true" || valueStr == "1" || valueStr == "yes"
}
