// Package config provides environment-driven configuration for the broker.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment represents the deployment environment
type Environment string

const (
	Local      Environment = "local"
	Production Environment = "production"
)

// Config holds all configuration for the service
type Config struct {
	Environment Environment
	Service     ServiceConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Queue       QueueConfig
	Security    SecurityConfig
	Approval    ApprovalConfig
}

// ServiceConfig holds HTTP server configuration
type ServiceConfig struct {
	Name         string
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database configuration. Driver is "postgres" in
// production and "sqlite" for local development.
type DatabaseConfig struct {
	Driver     string
	Host       string
	Port       string
	User       string
	Password   string
	Name       string
	SSLMode    string
	SQLitePath string
	MaxConns   int
}

// RedisConfig holds the connection settings for the queue broker and the
// usage counter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// QueueConfig tunes the job stream and its workers.
type QueueConfig struct {
	Stream       string
	Group        string
	ConsumerName string
	WorkerCount  int
	MaxAttempts  int
	BackoffBase  time.Duration
	BlockTimeout time.Duration
	DedupTTL     time.Duration
}

// SecurityConfig holds request-validation and credential-cipher settings.
type SecurityConfig struct {
	// SignatureValidityWindow bounds |now - request timestamp|
	SignatureValidityWindow time.Duration
	// CredentialKeyHex is the hex-encoded 32-byte AES key sealing credential data
	CredentialKeyHex string
}

// ApprovalConfig holds manual-approval defaults.
type ApprovalConfig struct {
	DefaultExpiration time.Duration
}

// Load builds configuration from environment variables with defaults.
func Load() *Config {
	env := getEnvironment()
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "broker-1"
	}

	return &Config{
		Environment: env,
		Service: ServiceConfig{
			Name:         getEnvOrDefault("SERVICE_NAME", "credential-broker"),
			Host:         getEnvOrDefault("HOST", "0.0.0.0"),
			Port:         getEnvOrDefault("PORT", "8085"),
			ReadTimeout:  getDurationEnvOrDefault("READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getDurationEnvOrDefault("WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getDurationEnvOrDefault("IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			Driver:     getEnvOrDefault("DB_DRIVER", defaultDriver(env)),
			Host:       getEnvOrDefault("DB_HOST", "localhost"),
			Port:       getEnvOrDefault("DB_PORT", "5432"),
			User:       getEnvOrDefault("DB_USER", "user"),
			Password:   getEnvOrDefault("DB_PASSWORD", "password"),
			Name:       getEnvOrDefault("DB_NAME", "credential_broker"),
			SSLMode:    getEnvOrDefault("DB_SSLMODE", defaultSSLMode(env)),
			SQLitePath: getEnvOrDefault("DB_SQLITE_PATH", "credential-broker.db"),
			MaxConns:   getIntEnvOrDefault("DB_MAX_CONNS", 25),
		},
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getIntEnvOrDefault("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Stream:       getEnvOrDefault("QUEUE_STREAM", "proxy-jobs"),
			Group:        getEnvOrDefault("QUEUE_GROUP", "proxy-workers"),
			ConsumerName: getEnvOrDefault("QUEUE_CONSUMER_NAME", hostname),
			WorkerCount:  getIntEnvOrDefault("QUEUE_WORKER_COUNT", 4),
			MaxAttempts:  getIntEnvOrDefault("QUEUE_MAX_ATTEMPTS", 5),
			BackoffBase:  getDurationEnvOrDefault("QUEUE_BACKOFF_BASE", 30*time.Second),
			BlockTimeout: getDurationEnvOrDefault("QUEUE_BLOCK_TIMEOUT", 5*time.Second),
			DedupTTL:     getDurationEnvOrDefault("QUEUE_DEDUP_TTL", 24*time.Hour),
		},
		Security: SecurityConfig{
			SignatureValidityWindow: getDurationEnvOrDefault("SIGNATURE_VALIDITY_WINDOW", 300*time.Second),
			CredentialKeyHex:        getEnvOrDefault("CREDENTIAL_KEY", ""),
		},
		Approval: ApprovalConfig{
			DefaultExpiration: getDurationEnvOrDefault("APPROVAL_DEFAULT_EXPIRATION", time.Hour),
		},
	}
}

func getEnvironment() Environment {
	env := strings.ToLower(getEnvOrDefault("ENVIRONMENT", "local"))
	if env == "production" || env == "prod" {
		return Production
	}
	return Local
}

func defaultDriver(env Environment) string {
	if env == Production {
		return "postgres"
	}
	return "sqlite"
}

func defaultSSLMode(env Environment) string {
	if env == Production {
		return "require"
	}
	return "disable"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnvOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
