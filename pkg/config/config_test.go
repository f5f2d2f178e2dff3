package config

import (
	"testing"
	"time"

	"github.com/dangsayz/12img.com-sub003/pkg/observability"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "TEST_VAR_NOT_SET",
			defaultValue: "default",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}
			if got := getEnv(tt.key, tt.defaultValue); got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvTypedHelpers(t *testing.T) {
	t.Setenv("TEST_BOOL", "1")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty-two")
	t.Setenv("TEST_DURATION", "250ms")
	t.Setenv("TEST_FLOAT", "0.25")

	if !getEnvBool("TEST_BOOL", false) {
		t.Error("expected '1' to parse as true")
	}
	if got := getEnvInt("TEST_INT", 0); got != 42 {
		t.Errorf("getEnvInt() = %d, want 42", got)
	}
	if got := getEnvInt("TEST_BAD_INT", 7); got != 7 {
		t.Errorf("getEnvInt() with bad value = %d, want default 7", got)
	}
	if got := getEnvDuration("TEST_DURATION", time.Second); got != 250*time.Millisecond {
		t.Errorf("getEnvDuration() = %v, want 250ms", got)
	}
	if got := getEnvFloat("TEST_FLOAT", 1); got != 0.25 {
		t.Errorf("getEnvFloat() = %v, want 0.25", got)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("CONSOLE_POSTGRES_URL", "postgres://localhost/console?sslmode=disable")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "8080" || cfg.Server.HealthPort != "9090" {
		t.Errorf("unexpected ports: %+v", cfg.Server)
	}
	if cfg.Database.MaxRetries != 3 {
		t.Errorf("expected default max retries 3, got %d", cfg.Database.MaxRetries)
	}
	if cfg.Database.QueryTimeout != 5*time.Second {
		t.Errorf("expected default query timeout 5s, got %v", cfg.Database.QueryTimeout)
	}
	if cfg.Flags.HistoryLimit != 50 {
		t.Errorf("expected history limit 50, got %d", cfg.Flags.HistoryLimit)
	}
	if cfg.Flags.ReprobeSchedule != "@every 5m" {
		t.Errorf("expected reprobe schedule @every 5m, got %q", cfg.Flags.ReprobeSchedule)
	}
	if cfg.Flags.EvaluateRateLimit != 600 || cfg.Flags.EvaluateRateWindow != time.Minute {
		t.Errorf("expected 600 evaluations per minute, got %d per %s", cfg.Flags.EvaluateRateLimit, cfg.Flags.EvaluateRateWindow)
	}
	if cfg.Observability.LogLevel != observability.InfoLevel {
		t.Errorf("expected info log level, got %v", cfg.Observability.LogLevel)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("CONSOLE_POSTGRES_URL", "postgres://db/console")
	t.Setenv("CONSOLE_REDIS_URL", "redis://cache:6379/0")
	t.Setenv("CONSOLE_LOG_LEVEL", "debug")
	t.Setenv("CONSOLE_FLAGS_FORCE_DIRECT", "true")
	t.Setenv("CONSOLE_CAPABILITIES_FILE", "/etc/console/capabilities.yaml")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Cache.RedisURL != "redis://cache:6379/0" {
		t.Errorf("unexpected redis url %q", cfg.Cache.RedisURL)
	}
	if cfg.Observability.LogLevel != observability.DebugLevel {
		t.Errorf("expected debug level")
	}
	if !cfg.Flags.ForceDirectLookup {
		t.Error("expected force direct lookup")
	}
	if cfg.Auth.CapabilitiesFile != "/etc/console/capabilities.yaml" {
		t.Errorf("unexpected capabilities file %q", cfg.Auth.CapabilitiesFile)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:   ServerConfig{Port: "8080", HealthPort: "9090"},
			Database: DatabaseConfig{URL: "postgres://x", QueryTimeout: time.Second, MaxOpenConns: 10, MaxIdleConns: 2},
			Flags:    FlagsConfig{HistoryLimit: 50},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "same ports", mutate: func(c *Config) { c.Server.HealthPort = "8080" }, wantErr: true},
		{name: "missing database", mutate: func(c *Config) { c.Database.URL = "" }, wantErr: true},
		{name: "zero query timeout", mutate: func(c *Config) { c.Database.QueryTimeout = 0 }, wantErr: true},
		{name: "negative retries", mutate: func(c *Config) { c.Database.MaxRetries = -1 }, wantErr: true},
		{name: "idle exceeds open", mutate: func(c *Config) { c.Database.MaxIdleConns = 20 }, wantErr: true},
		{name: "issuer without client", mutate: func(c *Config) { c.Auth.OIDCIssuer = "https://idp" }, wantErr: true},
		{name: "zero history limit", mutate: func(c *Config) { c.Flags.HistoryLimit = 0 }, wantErr: true},
		{name: "reprobe every minute", mutate: func(c *Config) { c.Flags.ReprobeSchedule = "*/1 * * * *" }},
		{name: "reprobe descriptor", mutate: func(c *Config) { c.Flags.ReprobeSchedule = "@every 5m" }},
		{name: "bad reprobe schedule", mutate: func(c *Config) { c.Flags.ReprobeSchedule = "sometimes" }, wantErr: true},
		{name: "negative evaluate rate limit", mutate: func(c *Config) { c.Flags.EvaluateRateLimit = -1 }, wantErr: true},
		{name: "evaluate rate limit without window", mutate: func(c *Config) { c.Flags.EvaluateRateLimit = 10 }, wantErr: true},
		{name: "evaluate rate limit", mutate: func(c *Config) {
			c.Flags.EvaluateRateLimit = 10
			c.Flags.EvaluateRateWindow = time.Minute
		}},
		{
			name: "otel without endpoint",
			mutate: func(c *Config) {
				c.Observability.OTelEnabled = true
				c.Observability.OTelServiceName = "console"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
