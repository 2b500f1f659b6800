// Package config holds the runtime knobs for the server core. Values come
// from code-supplied defaults overlaid with MCP_* environment variables via
// envdecode struct tags.
package config

import (
	"fmt"
	"time"

	"github.com/Spartee/arcade-ai/mcp"
	"github.com/joeshaw/envdecode"
)

// Config enumerates the tunable behavior of the server core.
type Config struct {
	// RateLimitPerMinute is the per-session notification budget. ENV: MCP_RATE_LIMIT_PER_MINUTE
	RateLimitPerMinute int `env:"MCP_RATE_LIMIT_PER_MINUTE,default=60"`
	// DefaultDebounceMs is the notification coalescing window. ENV: MCP_DEFAULT_DEBOUNCE_MS
	DefaultDebounceMs int `env:"MCP_DEFAULT_DEBOUNCE_MS,default=100"`
	// MaxQueuedNotifications bounds the manager backlog per session. ENV: MCP_MAX_QUEUED_NOTIFICATIONS
	MaxQueuedNotifications int `env:"MCP_MAX_QUEUED_NOTIFICATIONS,default=1000"`
	// MaskErrorDetails redacts error.data on JSON-RPC errors. ENV: MCP_MASK_ERROR_DETAILS
	MaskErrorDetails bool `env:"MCP_MASK_ERROR_DETAILS,default=false"`
	// MinLogLevel is the server-wide logging floor applied to new sessions. ENV: MCP_MIN_LOG_LEVEL
	MinLogLevel string `env:"MCP_MIN_LOG_LEVEL,default=info"`
	// EventStoreCapacity is the SSE retention ring size per stream. ENV: MCP_EVENT_STORE_CAPACITY
	EventStoreCapacity int `env:"MCP_EVENT_STORE_CAPACITY,default=1024"`
	// RequestTimeoutMs bounds server-to-client requests. ENV: MCP_REQUEST_TIMEOUT_MS
	RequestTimeoutMs int `env:"MCP_REQUEST_TIMEOUT_MS,default=60000"`
	// KeepAliveSeconds is the SSE idle keep-alive interval. ENV: MCP_SSE_KEEPALIVE_SECONDS
	KeepAliveSeconds int `env:"MCP_SSE_KEEPALIVE_SECONDS,default=15"`
	// HTTPHost / HTTPPort control the HTTP binding. ENV: MCP_HTTP_HOST, MCP_HTTP_PORT
	HTTPHost string `env:"MCP_HTTP_HOST,default=127.0.0.1"`
	HTTPPort int    `env:"MCP_HTTP_PORT,default=8000"`
}

// Default returns the built-in configuration without consulting the environment.
func Default() Config {
	return Config{
		RateLimitPerMinute:     60,
		DefaultDebounceMs:      100,
		MaxQueuedNotifications: 1000,
		MinLogLevel:            string(mcp.LoggingLevelInfo),
		EventStoreCapacity:     1024,
		RequestTimeoutMs:       60000,
		KeepAliveSeconds:       15,
		HTTPHost:               "127.0.0.1",
		HTTPPort:               8000,
	}
}

// FromEnv overlays MCP_* environment variables onto the defaults.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot honor.
func (c Config) Validate() error {
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d", c.RateLimitPerMinute)
	}
	if c.DefaultDebounceMs < 0 {
		return fmt.Errorf("debounce window must be non-negative, got %d", c.DefaultDebounceMs)
	}
	if c.MaxQueuedNotifications <= 0 {
		return fmt.Errorf("notification backlog must be positive, got %d", c.MaxQueuedNotifications)
	}
	if c.EventStoreCapacity <= 0 {
		return fmt.Errorf("event store capacity must be positive, got %d", c.EventStoreCapacity)
	}
	if !mcp.IsValidLoggingLevel(mcp.LoggingLevel(c.MinLogLevel)) {
		return fmt.Errorf("invalid min log level %q", c.MinLogLevel)
	}
	return nil
}

// DefaultDebounce returns the coalescing window as a duration.
func (c Config) DefaultDebounce() time.Duration {
	return time.Duration(c.DefaultDebounceMs) * time.Millisecond
}

// RequestTimeout returns the server-to-client request timeout as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// KeepAlive returns the SSE keep-alive interval as a duration.
func (c Config) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSeconds) * time.Second
}
