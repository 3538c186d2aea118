// Package config provides configuration loading for the generation
// orchestrator.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/workspace/genrunner/internal/lease"
)

// Config holds all configuration values for the orchestrator.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AppURL         string
	AllowedOrigins []string

	// HTTP server timeouts
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
	WSPingInterval    time.Duration
	WSPongTimeout     time.Duration

	// Container callback settings
	CallbackBaseURL string
	JobTokenSecret  string
	JobTokenTTL     time.Duration

	// Browser JWT settings
	JWKSEndpoint     string
	AuthSharedSecret string
	JWTAudience      string
	JWTIssuer        string

	// Admission settings
	MaxConcurrentGenerations int
	StartRatePerMinute       int
	LedgerAuditInterval      time.Duration

	// Credential settings
	CredentialMode          lease.Mode
	CredentialPoolFile      string
	BackingStoreAccessToken string

	// Container settings
	ContainerImage       string
	ContainerNetwork     string
	ContainerAppDir      string
	ContainerStopGrace   time.Duration
	ContainerLabelKey    string
	DefaultMaxIterations int

	// Lifecycle timeouts
	ReadyTimeout       time.Duration
	CompletionTimeout  time.Duration
	ShutdownTimeout    time.Duration
	CredentialDeadline time.Duration
	// ReconnectGrace is how long a running container may stay detached
	// from its socket before the generation is ended.
	ReconnectGrace time.Duration

	// Storage
	PersistenceDBPath string
	ArtifactDir       string

	// Relay sizing
	SessionBacklogSize  int
	SubscriberQueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("GENRUNNER_PORT", 8080),
		Host:           getEnv("GENRUNNER_HOST", "0.0.0.0"),
		AppURL:         getEnv("APP_URL", ""),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),
		WSPingInterval:    getEnvDuration("WS_PING_INTERVAL", 30*time.Second),
		WSPongTimeout:     getEnvDuration("WS_PONG_TIMEOUT", 60*time.Second),

		CallbackBaseURL: getEnv("CALLBACK_BASE_URL", ""),
		JobTokenSecret:  getEnv("JOB_TOKEN_SECRET", ""),
		JobTokenTTL:     getEnvDuration("JOB_TOKEN_TTL", 2*time.Hour),

		JWKSEndpoint:     getEnv("JWKS_ENDPOINT", ""),
		AuthSharedSecret: getEnv("AUTH_SHARED_SECRET", ""),
		JWTAudience:      getEnv("JWT_AUDIENCE", ""),
		JWTIssuer:        getEnv("JWT_ISSUER", ""),

		MaxConcurrentGenerations: getEnvInt("MAX_CONCURRENT_GENERATIONS", 3),
		StartRatePerMinute:       getEnvInt("START_RATE_PER_MINUTE", 10),
		LedgerAuditInterval:      getEnvDuration("LEDGER_AUDIT_INTERVAL", time.Minute),

		CredentialMode:          lease.Mode(getEnv("CREDENTIAL_MODE", "")),
		CredentialPoolFile:      getEnv("CREDENTIAL_POOL_FILE", ""),
		BackingStoreAccessToken: getEnv("BACKING_STORE_ACCESS_TOKEN", ""),

		ContainerImage:       getEnv("CONTAINER_IMAGE", ""),
		ContainerNetwork:     getEnv("CONTAINER_NETWORK", ""),
		ContainerAppDir:      getEnv("CONTAINER_APP_DIR", "/workspace/app"),
		ContainerStopGrace:   getEnvDuration("CONTAINER_STOP_GRACE", 10*time.Second),
		ContainerLabelKey:    getEnv("CONTAINER_LABEL_KEY", "genrunner.job"),
		DefaultMaxIterations: getEnvInt("DEFAULT_MAX_ITERATIONS", 10),

		ReadyTimeout:       getEnvDuration("READY_TIMEOUT", 45*time.Second),
		CompletionTimeout:  getEnvDuration("COMPLETION_TIMEOUT", time.Hour),
		ShutdownTimeout:    getEnvDuration("SHUTDOWN_TIMEOUT", 60*time.Second),
		CredentialDeadline: getEnvDuration("CREDENTIAL_DEADLINE", 5*time.Minute),
		ReconnectGrace:     getEnvDuration("CONTAINER_RECONNECT_GRACE", 30*time.Second),

		PersistenceDBPath: getEnv("PERSISTENCE_DB_PATH", "/var/lib/genrunner/state.db"),
		ArtifactDir:       getEnv("ARTIFACT_DIR", "/var/lib/genrunner/artifacts"),

		SessionBacklogSize:  getEnvInt("SESSION_BACKLOG_SIZE", 5000),
		SubscriberQueueSize: getEnvInt("SUBSCRIBER_QUEUE_SIZE", 1024),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if len(cfg.AllowedOrigins) == 0 && cfg.AppURL != "" {
		cfg.AllowedOrigins = deriveAllowedOrigins(cfg.AppURL)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.CallbackBaseURL == "" {
		return fmt.Errorf("CALLBACK_BASE_URL is required")
	}
	u, err := url.Parse(c.CallbackBaseURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("CALLBACK_BASE_URL must be a ws:// or wss:// URL, got %q", c.CallbackBaseURL)
	}
	if len(c.JobTokenSecret) < 16 {
		return fmt.Errorf("JOB_TOKEN_SECRET is required and must be at least 16 bytes")
	}
	if c.JWKSEndpoint == "" && c.AuthSharedSecret == "" {
		return fmt.Errorf("one of JWKS_ENDPOINT or AUTH_SHARED_SECRET is required")
	}
	if c.MaxConcurrentGenerations < 1 {
		return fmt.Errorf("MAX_CONCURRENT_GENERATIONS must be at least 1")
	}

	if c.CredentialMode == "" {
		return fmt.Errorf("CREDENTIAL_MODE is required (pooled or on_demand)")
	}
	if _, err := lease.ParseMode(string(c.CredentialMode)); err != nil {
		return fmt.Errorf("CREDENTIAL_MODE: %w", err)
	}
	switch c.CredentialMode {
	case lease.ModePooled:
		if c.CredentialPoolFile == "" {
			return fmt.Errorf("CREDENTIAL_POOL_FILE is required when CREDENTIAL_MODE=pooled")
		}
	case lease.ModeOnDemand:
		if c.BackingStoreAccessToken == "" {
			return fmt.Errorf("BACKING_STORE_ACCESS_TOKEN is required when CREDENTIAL_MODE=on_demand")
		}
	}

	if c.ContainerImage == "" {
		return fmt.Errorf("CONTAINER_IMAGE is required")
	}
	for name, d := range map[string]time.Duration{
		"READY_TIMEOUT":             c.ReadyTimeout,
		"COMPLETION_TIMEOUT":        c.CompletionTimeout,
		"SHUTDOWN_TIMEOUT":          c.ShutdownTimeout,
		"CREDENTIAL_DEADLINE":       c.CredentialDeadline,
		"CONTAINER_RECONNECT_GRACE": c.ReconnectGrace,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// deriveAllowedOrigins allows the web app origin and its subdomains.
func deriveAllowedOrigins(appURL string) []string {
	host := appURL
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	if idx := strings.Index(host, "/"); idx != -1 {
		host = host[:idx]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	baseDomain := strings.TrimPrefix(host, "www.")

	return []string{
		strings.TrimRight(appURL, "/"),
		"https://*." + baseDomain,
	}
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
