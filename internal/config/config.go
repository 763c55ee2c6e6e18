package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// JWT
	JWTSecret string

	// Logging
	LogLevel string

	// Sliding window geometry
	WindowBuckets int
	BucketWidth   time.Duration

	// Event ingestion
	EventSkewTolerance time.Duration
	SessionQueueSize   int
	GlobalQueueSize    int

	// Session lifecycle
	IdleThreshold      time.Duration
	SweepInterval      time.Duration
	TombstoneRetention time.Duration

	// Broadcast hub
	SubscriberMailboxSize int

	// Query cache
	CacheTTL time.Duration

	// Frontend
	FrontendURL string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port:        getEnvOrDefault("PORT", "8080"),
		Env:         getEnvOrDefault("ENV", "development"),
		DatabaseURL: mustGetEnv("DATABASE_URL"),
		RedisURL:    mustGetEnv("REDIS_URL"),
		JWTSecret:   mustGetEnv("JWT_SECRET"),
		LogLevel:    getEnvOrDefault("LOG_LEVEL", "info"),

		WindowBuckets: getEnvAsIntOrDefault("WINDOW_BUCKETS", 12),
		BucketWidth:   getEnvAsDurationOrDefault("WINDOW_BUCKET_WIDTH", 5*time.Second),

		EventSkewTolerance: getEnvAsDurationOrDefault("EVENT_SKEW_TOLERANCE", 2*time.Second),
		SessionQueueSize:   getEnvAsIntOrDefault("SESSION_QUEUE_SIZE", 64),
		GlobalQueueSize:    getEnvAsIntOrDefault("GLOBAL_QUEUE_SIZE", 4096),

		IdleThreshold:      getEnvAsDurationOrDefault("IDLE_THRESHOLD", 5*time.Minute),
		SweepInterval:      getEnvAsDurationOrDefault("SWEEP_INTERVAL", 30*time.Second),
		TombstoneRetention: getEnvAsDurationOrDefault("TOMBSTONE_RETENTION", 10*time.Minute),

		SubscriberMailboxSize: getEnvAsIntOrDefault("SUBSCRIBER_MAILBOX_SIZE", 32),

		CacheTTL: getEnvAsDurationOrDefault("QUERY_CACHE_TTL", 5*time.Minute),

		FrontendURL: getEnvOrDefault("FRONTEND_URL", "http://localhost:5173"),
	}

	return cfg
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
