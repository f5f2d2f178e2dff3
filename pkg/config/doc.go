// Package config loads console configuration from environment variables.
//
// Server settings:
//
//	CONSOLE_HOST="0.0.0.0"
//	CONSOLE_PORT="8080"
//	CONSOLE_HEALTH_PORT="9090"
//	CONSOLE_READ_TIMEOUT="15s"
//	CONSOLE_SHUTDOWN_TIMEOUT="30s"
//
// Database settings:
//
//	CONSOLE_POSTGRES_URL="postgres://console@db/console?sslmode=disable"  # required
//	CONSOLE_POSTGRES_QUERY_TIMEOUT="5s"
//	CONSOLE_POSTGRES_MAX_RETRIES="3"
//	CONSOLE_RUN_MIGRATIONS="true"
//
// Flag cache settings:
//
//	CONSOLE_REDIS_URL="redis://cache:6379/0"  # empty disables the shared tier
//	CONSOLE_FLAG_LRU_SIZE="1024"              # 0 disables the in-process tier
//	CONSOLE_FLAG_LRU_TTL="5s"
//	CONSOLE_FLAG_REDIS_TTL="30s"
//
// Identity and authorization:
//
//	CONSOLE_OIDC_ISSUER="https://idp.example.com"
//	CONSOLE_OIDC_CLIENT_ID="console"
//	CONSOLE_CAPABILITIES_FILE="/etc/console/capabilities.yaml"
//
// Observability:
//
//	CONSOLE_LOG_LEVEL="info"
//	CONSOLE_METRICS_ENABLED="true"
//	CONSOLE_OTEL_ENABLED="false"
//	CONSOLE_OTEL_ENDPOINT="localhost:4317"
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
