package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/meridianlabs/ssobridge/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Redis configuration (optional shared cache tier)
	Redis RedisConfig

	// SSO flow configuration
	SSO SSOConfig

	// Observability configuration
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

// DatabaseConfig holds Postgres configuration
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// RedisConfig holds the optional shared provider cache tier
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// SSOConfig holds the login flow settings
type SSOConfig struct {
	// BaseURL is the externally visible URL of this service; SAML
	// metadata and callback URLs derive from it.
	BaseURL string

	// LogoutPath triggers logout handling in the decision flow.
	LogoutPath string

	// ProviderField is the form field carrying an explicit provider
	// selection.
	ProviderField string

	// LoginFormFields are scanned for email domains to auto-match.
	LoginFormFields []string

	// PersistExcluded writes state records for bypassed requests.
	PersistExcluded bool

	// ExclusionRulesFile is the YAML bypass rule file, hot-reloaded.
	ExclusionRulesFile string

	// ProviderCacheTTL bounds how long cached provider configs are
	// trusted.
	ProviderCacheTTL time.Duration

	// SessionMaxIdle expires flows with no activity for this long.
	SessionMaxIdle time.Duration

	// ReaperSchedule is the cron schedule for the expiry sweep.
	ReaperSchedule string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		SSO:           loadSSOConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("SSOBRIDGE_HOST", "0.0.0.0"),
		Port:            getEnv("SSOBRIDGE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("SSOBRIDGE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("SSOBRIDGE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("SSOBRIDGE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SSOBRIDGE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("SSOBRIDGE_HEALTH_PORT", "9090"),
	}
}

// loadDatabaseConfig loads Postgres configuration from environment
func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:          getEnv("SSOBRIDGE_POSTGRES_URL", ""),
		MaxOpenConns: getEnvInt("SSOBRIDGE_POSTGRES_MAX_CONNS", 25),
		MaxIdleConns: getEnvInt("SSOBRIDGE_POSTGRES_IDLE_CONNS", 5),
		ConnLifetime: getEnvDuration("SSOBRIDGE_POSTGRES_CONN_LIFETIME", 30*time.Minute),
	}
}

// loadRedisConfig loads the optional Redis tier from environment
func loadRedisConfig() RedisConfig {
	addr := getEnv("SSOBRIDGE_REDIS_ADDR", "")
	return RedisConfig{
		Enabled:  addr != "",
		Addr:     addr,
		Password: getEnv("SSOBRIDGE_REDIS_PASSWORD", ""),
		DB:       getEnvInt("SSOBRIDGE_REDIS_DB", 0),
	}
}

// loadSSOConfig loads the login flow settings from environment
func loadSSOConfig() SSOConfig {
	return SSOConfig{
		BaseURL:            getEnv("SSOBRIDGE_BASE_URL", ""),
		LogoutPath:         getEnv("SSOBRIDGE_LOGOUT_PATH", "/logout"),
		ProviderField:      getEnv("SSOBRIDGE_PROVIDER_FIELD", "idp"),
		LoginFormFields:    getEnvList("SSOBRIDGE_LOGIN_FORM_FIELDS", []string{"username", "email"}),
		PersistExcluded:    getEnvBool("SSOBRIDGE_PERSIST_EXCLUDED", false),
		ExclusionRulesFile: getEnv("SSOBRIDGE_EXCLUSION_RULES_FILE", ""),
		ProviderCacheTTL:   getEnvDuration("SSOBRIDGE_PROVIDER_CACHE_TTL", 5*time.Minute),
		SessionMaxIdle:     getEnvDuration("SSOBRIDGE_SESSION_MAX_IDLE", 8*time.Hour),
		ReaperSchedule:     getEnv("SSOBRIDGE_REAPER_SCHEDULE", "*/5 * * * *"),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("SSOBRIDGE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("SSOBRIDGE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("SSOBRIDGE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("SSOBRIDGE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("SSOBRIDGE_OTEL_SERVICE_NAME", "ssobridge"),
		OTelServiceVersion: getEnv("SSOBRIDGE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("SSOBRIDGE_OTEL_INSECURE", true),
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

	if c.SSO.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if !strings.HasPrefix(c.SSO.BaseURL, "http://") && !strings.HasPrefix(c.SSO.BaseURL, "https://") {
		return fmt.Errorf("base URL must be an absolute http(s) URL")
	}
	if c.SSO.SessionMaxIdle <= 0 {
		return fmt.Errorf("session max idle must be positive")
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

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
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

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable or a default
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
