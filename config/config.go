package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
)

type Config struct {
	// Server configuration
	Environment string

	// Redis configuration
	RedisURL      string
	RedisRequired bool

	// Durable queue store
	DBDriver string
	DBDSN    string

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string
	PubNubUserID       string

	// Queue configuration
	Timezone              string
	MaxQueueSize          int
	AvgWaitPerUserMinutes int
	DefaultServiceMinutes int
	DefaultPercentileWait float64
	WaitPercentile        float64
	SameDayBufferRatio    float64
	FutureBufferRatio     float64
	HistoryWeeks          int
	DefaultStartTime      string
	FillingFastRatio      float64

	// Timeouts and caching
	LiveStateTTL       time.Duration
	PercentileCacheTTL time.Duration
	KeepAliveInterval  time.Duration
	WSWriteWait        time.Duration
	PostCommitTimeout  time.Duration

	// Background worker
	EnableWorker      bool
	WorkerConcurrency int
	RestoreCron       string

	// Security
	BookingRateLimit int

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisRequired: getEnvAsBool("REDIS_REQUIRED", false),

		// Durable store
		DBDriver: getEnv("QUEUE_DB_DRIVER", "sqlite"),
		DBDSN:    getEnv("QUEUE_DB_DSN", "pb_data/queue.db"),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),
		PubNubUserID:       getEnv("PUBNUB_USER_ID", "web-eq-server"),

		// Queue
		Timezone:              getEnv("BUSINESS_TIMEZONE", "Asia/Kolkata"),
		MaxQueueSize:          getEnvAsInt("MAX_QUEUE_SIZE", 50),
		AvgWaitPerUserMinutes: getEnvAsInt("AVG_WAIT_PER_USER_MINUTES", 5),
		DefaultServiceMinutes: getEnvAsInt("DEFAULT_SERVICE_MINUTES", 5),
		DefaultPercentileWait: getEnvAsFloat("DEFAULT_PERCENTILE_WAIT", 15),
		WaitPercentile:        getEnvAsFloat("WAIT_PERCENTILE", 0.75),
		SameDayBufferRatio:    getEnvAsFloat("SAME_DAY_BUFFER_RATIO", 0.15),
		FutureBufferRatio:     getEnvAsFloat("FUTURE_BUFFER_RATIO", 0.20),
		HistoryWeeks:          getEnvAsInt("HISTORY_WEEKS", 4),
		DefaultStartTime:      getEnv("DEFAULT_START_TIME", "09:00"),
		FillingFastRatio:      getEnvAsFloat("FILLING_FAST_RATIO", 0.8),

		// Timeouts
		LiveStateTTL:       getEnvAsDuration("LIVE_STATE_TTL", "36h"),
		PercentileCacheTTL: getEnvAsDuration("PERCENTILE_CACHE_TTL", "10m"),
		KeepAliveInterval:  getEnvAsDuration("KEEP_ALIVE_INTERVAL", "30s"),
		WSWriteWait:        getEnvAsDuration("WS_WRITE_WAIT", "10s"),
		PostCommitTimeout:  getEnvAsDuration("POST_COMMIT_TIMEOUT", "5s"),

		// Worker
		EnableWorker:      getEnvAsBool("ENABLE_WORKER", true),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 5),
		RestoreCron:       getEnv("RESTORE_CRON", "5 0 * * *"),

		// Security
		BookingRateLimit: getEnvAsInt("BOOKING_RATE_LIMIT", 10),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

// Location loads the business timezone used for "today" and appointment times.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := cast.ToIntE(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := cast.ToFloat64E(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := cast.ToBoolE(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	if duration, err := cast.ToDurationE(getEnv(key, defaultValue)); err == nil {
		return duration
	}
	// If parsing fails, fall back to the default value
	duration, _ := cast.ToDurationE(defaultValue)
	return duration
}
