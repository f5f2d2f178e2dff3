package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dangsayz/12img.com-sub003/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Cache         CacheConfig
	Auth          AuthConfig
	Flags         FlagsConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
	MaxRetries      int
	RunMigrations   bool
}

// CacheConfig holds flag cache settings. An empty RedisURL disables the
// shared tier; LRUSize 0 disables the in-process tier.
type CacheConfig struct {
	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
	LRUSize       int
	LRUTTL        time.Duration
	RedisTTL      time.Duration
}

// AuthConfig holds identity provider boundary settings
type AuthConfig struct {
	OIDCIssuer   string
	OIDCClientID string
	// CapabilitiesFile is an optional YAML overlay for the capability registry
	CapabilitiesFile string
}

// FlagsConfig holds feature-flag engine settings
type FlagsConfig struct {
	// ForceDirectLookup skips the stored-procedure probe
	ForceDirectLookup bool
	HistoryLimit      int
	// ReprobeSchedule is a cron spec for re-selecting the lookup path; empty disables it
	ReprobeSchedule string
	// EvaluateRateLimit caps evaluation requests per client per window; 0 disables it
	EvaluateRateLimit  int
	EvaluateRateWindow time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Cache:         loadCacheConfig(),
		Auth:          loadAuthConfig(),
		Flags:         loadFlagsConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("CONSOLE_HOST", "0.0.0.0"),
		Port:            getEnv("CONSOLE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("CONSOLE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("CONSOLE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("CONSOLE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("CONSOLE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("CONSOLE_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             getEnv("CONSOLE_POSTGRES_URL", ""),
		MaxOpenConns:    getEnvInt("CONSOLE_POSTGRES_MAX_CONNS", 20),
		MaxIdleConns:    getEnvInt("CONSOLE_POSTGRES_MIN_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("CONSOLE_POSTGRES_CONN_LIFETIME", 30*time.Minute),
		QueryTimeout:    getEnvDuration("CONSOLE_POSTGRES_QUERY_TIMEOUT", 5*time.Second),
		MaxRetries:      getEnvInt("CONSOLE_POSTGRES_MAX_RETRIES", 3),
		RunMigrations:   getEnvBool("CONSOLE_RUN_MIGRATIONS", true),
	}
}

func loadCacheConfig() CacheConfig {
	return CacheConfig{
		RedisURL:      getEnv("CONSOLE_REDIS_URL", ""),
		RedisPassword: getEnv("CONSOLE_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("CONSOLE_REDIS_DB", 0),
		RedisPoolSize: getEnvInt("CONSOLE_REDIS_POOL_SIZE", 10),
		LRUSize:       getEnvInt("CONSOLE_FLAG_LRU_SIZE", 1024),
		LRUTTL:        getEnvDuration("CONSOLE_FLAG_LRU_TTL", 5*time.Second),
		RedisTTL:      getEnvDuration("CONSOLE_FLAG_REDIS_TTL", 30*time.Second),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		OIDCIssuer:       getEnv("CONSOLE_OIDC_ISSUER", ""),
		OIDCClientID:     getEnv("CONSOLE_OIDC_CLIENT_ID", ""),
		CapabilitiesFile: getEnv("CONSOLE_CAPABILITIES_FILE", ""),
	}
}

func loadFlagsConfig() FlagsConfig {
	return FlagsConfig{
		ForceDirectLookup:  getEnvBool("CONSOLE_FLAGS_FORCE_DIRECT", false),
		HistoryLimit:       getEnvInt("CONSOLE_FLAGS_HISTORY_LIMIT", 50),
		ReprobeSchedule:    getEnv("CONSOLE_FLAGS_REPROBE_SCHEDULE", "@every 5m"),
		EvaluateRateLimit:  getEnvInt("CONSOLE_EVALUATE_RATE_LIMIT", 600),
		EvaluateRateWindow: getEnvDuration("CONSOLE_EVALUATE_RATE_WINDOW", time.Minute),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("CONSOLE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("CONSOLE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("CONSOLE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("CONSOLE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("CONSOLE_OTEL_SERVICE_NAME", "12img-console"),
		OTelServiceVersion: getEnv("CONSOLE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("CONSOLE_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("CONSOLE_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Database.QueryTimeout <= 0 {
		return fmt.Errorf("postgres query timeout must be positive")
	}
	if c.Database.MaxRetries < 0 {
		return fmt.Errorf("postgres max retries cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("postgres min conns (%d) exceeds max conns (%d)", c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Cache.LRUSize < 0 {
		return fmt.Errorf("flag LRU size cannot be negative")
	}

	if (c.Auth.OIDCIssuer == "") != (c.Auth.OIDCClientID == "") {
		return fmt.Errorf("OIDC issuer and client ID must be set together")
	}

	if c.Flags.HistoryLimit <= 0 {
		return fmt.Errorf("flag history limit must be positive")
	}
	if c.Flags.ReprobeSchedule != "" {
		if _, err := cron.ParseStandard(c.Flags.ReprobeSchedule); err != nil {
			return fmt.Errorf("invalid flag reprobe schedule: %w", err)
		}
	}
	if c.Flags.EvaluateRateLimit < 0 {
		return fmt.Errorf("evaluate rate limit cannot be negative")
	}
	if c.Flags.EvaluateRateLimit > 0 && c.Flags.EvaluateRateWindow <= 0 {
		return fmt.Errorf("evaluate rate window must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
