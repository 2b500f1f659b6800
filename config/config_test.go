package config

import (
	"testing"
	"time"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	if cfg.RateLimitPerMinute != 60 {
		t.Fatalf("rate limit %d", cfg.RateLimitPerMinute)
	}
	if cfg.DefaultDebounce() != 100*time.Millisecond {
		t.Fatalf("debounce %s", cfg.DefaultDebounce())
	}
	if cfg.MaxQueuedNotifications != 1000 {
		t.Fatalf("backlog %d", cfg.MaxQueuedNotifications)
	}
	if cfg.EventStoreCapacity != 1024 {
		t.Fatalf("event store capacity %d", cfg.EventStoreCapacity)
	}
	if cfg.RequestTimeout() != time.Minute {
		t.Fatalf("request timeout %s", cfg.RequestTimeout())
	}
	if cfg.KeepAlive() != 15*time.Second {
		t.Fatalf("keep-alive %s", cfg.KeepAlive())
	}
	if cfg.MaskErrorDetails {
		t.Fatal("masking must default off")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestFromEnvOverlay(t *testing.T) {
	t.Setenv("MCP_RATE_LIMIT_PER_MINUTE", "120")
	t.Setenv("MCP_DEFAULT_DEBOUNCE_MS", "250")
	t.Setenv("MCP_MASK_ERROR_DETAILS", "true")
	t.Setenv("MCP_MIN_LOG_LEVEL", "warning")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.RateLimitPerMinute != 120 {
		t.Fatalf("rate limit %d", cfg.RateLimitPerMinute)
	}
	if cfg.DefaultDebounce() != 250*time.Millisecond {
		t.Fatalf("debounce %s", cfg.DefaultDebounce())
	}
	if !cfg.MaskErrorDetails {
		t.Fatal("mask flag not overlaid")
	}
	if cfg.MinLogLevel != "warning" {
		t.Fatalf("min level %q", cfg.MinLogLevel)
	}
	// Untouched knobs keep their defaults.
	if cfg.EventStoreCapacity != 1024 {
		t.Fatalf("event store capacity %d", cfg.EventStoreCapacity)
	}
}

func TestFromEnvRejectsBadLevel(t *testing.T) {
	t.Setenv("MCP_MIN_LOG_LEVEL", "chatty")
	if _, err := FromEnv(); err == nil {
		t.Fatal("invalid level must fail validation")
	}
}

func TestValidateRejectsNonPositiveKnobs(t *testing.T) {
	cfg := Default()
	cfg.RateLimitPerMinute = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero rate limit must fail")
	}

	cfg = Default()
	cfg.EventStoreCapacity = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("negative capacity must fail")
	}
}
