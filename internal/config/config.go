// Package config provides environment configuration for the orchestrator.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Control server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Backend operation endpoint
	BackendURL     string
	BackendTimeout time.Duration
	DefaultModel   string

	// Cancellation channel
	CancelURL            string
	CancelConnectTimeout time.Duration
	CancelLinger         time.Duration
	CancelKeepAlive      time.Duration

	// Completion pollers
	PollInterval time.Duration

	// NATS settings
	NATSEnabled    bool
	NATSURL        string
	NATSCAFile     string
	NATSCertFile   string
	NATSKeyFile    string
	NATSToken      string
	NATSClientName string

	// HTTP surface
	CORSOrigins       []string
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present; real environment variables
// take precedence over it.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),

		// Backend
		BackendURL:     getEnv("BACKEND_URL", "http://127.0.0.1:8787"),
		BackendTimeout: getDurationEnv("BACKEND_TIMEOUT", 5*time.Minute),
		DefaultModel:   getEnv("DEFAULT_MODEL", ""),

		// Cancellation
		CancelURL:            getEnv("CANCEL_URL", "ws://127.0.0.1:8787/ai_cancel"),
		CancelConnectTimeout: getDurationEnv("CANCEL_CONNECT_TIMEOUT", 3*time.Second),
		CancelLinger:         getDurationEnv("CANCEL_LINGER", 500*time.Millisecond),
		CancelKeepAlive:      getDurationEnv("CANCEL_KEEPALIVE", 10*time.Second),

		// Pollers
		PollInterval: getDurationEnv("POLL_INTERVAL", 500*time.Millisecond),

		// NATS
		NATSEnabled:    getBoolEnv("NATS_ENABLED", false),
		NATSURL:        getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:     getEnv("NATS_CA_FILE", ""),
		NATSCertFile:   getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:    getEnv("NATS_KEY_FILE", ""),
		NATSToken:      getEnv("NATS_TOKEN", ""),
		NATSClientName: getEnv("NATS_CLIENT_NAME", "turn-orchestrator"),

		// HTTP surface
		CORSOrigins:       getListEnv("CORS_ORIGINS", []string{"http://*", "https://*"}),
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
