package config

import (
	"os"
	"strconv"
	"time"

	"fmt"

	"github.com/joho/godotenv"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string
	ServerHost string

	// Engine tuning
	ManualQueueCap   int
	PresenceTimeout  time.Duration
	SweepInterval    time.Duration
	EventBufferSize  int
	EventWorkers     int
	BroadcastBuffer  int
	OperationTrimCap int

	// Logging
	LogLevel    string
	LogFile     string
	Environment string

	// Observability
	JaegerEndpoint string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "collab_engine"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		ManualQueueCap:   getEnvInt("MANUAL_QUEUE_CAP", 16),
		PresenceTimeout:  getEnvDuration("PRESENCE_TIMEOUT", 5*time.Minute),
		SweepInterval:    getEnvDuration("PRESENCE_SWEEP_INTERVAL", 30*time.Second),
		EventBufferSize:  getEnvInt("EVENT_BUFFER_SIZE", 256),
		EventWorkers:     getEnvInt("EVENT_WORKERS", 4),
		BroadcastBuffer:  getEnvInt("BROADCAST_BUFFER", 64),
		OperationTrimCap: getEnvInt("OPERATION_TRIM_CAP", 10000),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFile:     getEnv("LOG_FILE", ""),
		Environment: getEnv("ENVIRONMENT", "dev"),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
	}

	if cfg.ManualQueueCap <= 0 {
		return nil, fmt.Errorf("MANUAL_QUEUE_CAP must be positive")
	}
	if cfg.EventWorkers <= 0 {
		return nil, fmt.Errorf("EVENT_WORKERS must be positive")
	}

	return cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
