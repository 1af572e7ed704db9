// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	SSOBRIDGE_HOST="0.0.0.0"
//	SSOBRIDGE_PORT="8080"
//	SSOBRIDGE_HEALTH_PORT="9090"
//	SSOBRIDGE_READ_TIMEOUT="15s"
//	SSOBRIDGE_WRITE_TIMEOUT="15s"
//
// Database settings:
//
//	SSOBRIDGE_POSTGRES_URL="postgres://localhost/ssobridge"
//	SSOBRIDGE_POSTGRES_MAX_CONNS="25"
//
// Cache settings:
//
//	SSOBRIDGE_REDIS_ADDR="localhost:6379"
//	SSOBRIDGE_PROVIDER_CACHE_TTL="5m"
//
// Login flow settings:
//
//	SSOBRIDGE_BASE_URL="https://sso.example.com"
//	SSOBRIDGE_LOGOUT_PATH="/logout"
//	SSOBRIDGE_PROVIDER_FIELD="idp"
//	SSOBRIDGE_LOGIN_FORM_FIELDS="username,email"
//	SSOBRIDGE_EXCLUSION_RULES_FILE="/etc/ssobridge/exclusions.yaml"
//	SSOBRIDGE_SESSION_MAX_IDLE="8h"
//	SSOBRIDGE_REAPER_SCHEDULE="*/5 * * * *"
//
// Observability settings:
//
//	SSOBRIDGE_LOG_LEVEL="info"  # debug, info, warn, error
//	SSOBRIDGE_METRICS_ENABLED="true"
//	SSOBRIDGE_OTEL_ENABLED="true"
//	SSOBRIDGE_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Base URL: %s\n", cfg.SSO.BaseURL)
//	fmt.Printf("Log level: %s\n", cfg.Observability.LogLevel)
package config
