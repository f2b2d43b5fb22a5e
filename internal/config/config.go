package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tair/rxsync/pkg/database"
)

// Config is the full runtime configuration of the sync service.
type Config struct {
	ServiceName    string
	Environment    string
	LogLevel       string
	HTTPPort       string
	JaegerEndpoint string

	Database  database.Config
	Authority AuthorityConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Sync      SyncConfig
}

// AuthorityConfig describes how to reach the prescription authority.
type AuthorityConfig struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	APIVersion    string
	Scopes        []string
	Timeout       time.Duration
	EncryptionKey string
}

// RedisConfig enables the shared token cache when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KafkaConfig enables the distributed dispatcher and event consumer when
// Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string
	GroupID string
}

// SyncConfig bounds the reconciliation work.
type SyncConfig struct {
	RetryBudget int
	BatchSize   int
	Schedule    string
	ClaimLease  time.Duration
	Workers     int
	QueueSize   int
}

// IsDevelopment reports whether pretty console logging should be used.
func (c Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Load reads .env (if present) and the process environment.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		ServiceName:    getEnv("OTEL_SERVICE_NAME", "rxsync"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		HTTPPort:       getEnv("HTTP_PORT", "8085"),
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", ""),
		Database: database.Config{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "rxsyncdb"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			LogSQL:   getEnvBool("DB_LOG_SQL", false),
		},
		Authority: AuthorityConfig{
			BaseURL:       getEnv("AUTHORITY_BASE_URL", "https://api.wasfaty.sa"),
			ClientID:      getEnv("AUTHORITY_CLIENT_ID", ""),
			ClientSecret:  getEnv("AUTHORITY_CLIENT_SECRET", ""),
			APIVersion:    getEnv("AUTHORITY_API_VERSION", "v1"),
			Scopes:        getEnvList("AUTHORITY_SCOPES", []string{"prescription:read", "inventory:write", "transaction:write"}),
			Timeout:       getEnvDuration("AUTHORITY_TIMEOUT", 30*time.Second),
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS", nil),
			GroupID: getEnv("KAFKA_GROUP_ID", "rxsync"),
		},
		Sync: SyncConfig{
			RetryBudget: getEnvInt("SYNC_RETRY_BUDGET", 3),
			BatchSize:   getEnvInt("SYNC_BATCH_SIZE", 50),
			Schedule:    getEnv("SYNC_SCHEDULE", "@every 5m"),
			ClaimLease:  getEnvDuration("SYNC_CLAIM_LEASE", 5*time.Minute),
			Workers:     getEnvInt("DISPATCH_WORKERS", 4),
			QueueSize:   getEnvInt("DISPATCH_QUEUE_SIZE", 256),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvBool(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
