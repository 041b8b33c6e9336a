// Package config provides configuration for the ticket chat service.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the service configuration.
type Config struct {
	// Server settings
	HTTPPort int
	WSPort   int

	// Store
	StoreDriver  string // "sqlite" or "mongo"
	DatabaseURL  string
	MongoURI     string
	MongoDB      string
	RedisURL     string
	LivePollTick time.Duration

	// Seeding
	SeedText           string // empty means the built-in welcome text
	SeedMaxAttempts    int
	SeedInitialBackoff time.Duration

	// Delivery
	AppendMaxAttempts   int
	FailedSendTTL       time.Duration
	ReconnectMaxBackoff time.Duration
	SubscriberBuffer    int

	// Rate limiting per WebSocket connection
	SendRatePerSec float64
	SendRateBurst  int

	// Auth
	APIKey string // Static API key for hello.api_key validation

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables, after an optional .env file.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		HTTPPort:            getEnvInt("HTTP_PORT", 8080),
		WSPort:              getEnvInt("WS_PORT", 8090),
		StoreDriver:         getEnv("STORE_DRIVER", "sqlite"),
		DatabaseURL:         getEnv("DATABASE_URL", "file:ticketchat.db?cache=shared&mode=rwc"),
		MongoURI:            getEnv("MONGO_URI", "mongodb://localhost:27017/?replicaSet=rs0"),
		MongoDB:             getEnv("MONGO_DB", "ticketchat"),
		RedisURL:            getEnv("REDIS_URL", ""),
		LivePollTick:        getEnvDuration("LIVE_POLL_INTERVAL_MS", 250*time.Millisecond),
		SeedText:            getEnv("SEED_TEXT", ""),
		SeedMaxAttempts:     getEnvInt("SEED_MAX_ATTEMPTS", 3),
		SeedInitialBackoff:  getEnvDuration("SEED_INITIAL_BACKOFF_MS", 100*time.Millisecond),
		AppendMaxAttempts:   getEnvInt("APPEND_MAX_ATTEMPTS", 3),
		FailedSendTTL:       getEnvDuration("FAILED_SEND_TTL_MS", 10*time.Minute),
		ReconnectMaxBackoff: getEnvDuration("RECONNECT_MAX_BACKOFF_MS", 5*time.Second),
		SubscriberBuffer:    getEnvInt("SUBSCRIBER_BUFFER", 64),
		SendRatePerSec:      getEnvFloat("SEND_RATE_PER_SEC", 5),
		SendRateBurst:       getEnvInt("SEND_RATE_BURST", 10),
		APIKey:              getEnv("API_KEY", ""),
		PingInterval:        getEnvDuration("WS_PING_INTERVAL_MS", 30*time.Second),
		WriteTimeout:        getEnvDuration("WS_WRITE_TIMEOUT_MS", 10*time.Second),
		ReadTimeout:         getEnvDuration("WS_READ_TIMEOUT_MS", 60*time.Second),
		MaxMessageSize:      int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvDuration reads a millisecond count.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
