package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntDefault(t *testing.T) {
	v, err := envInt("TEST_INT_UNSET_HIBIKI", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected default 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid integer, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for invalid boolean, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "fast")
	if _, err := envFloat("TEST_FLOAT_BAD", 1); err == nil {
		t.Fatal("expected error for invalid number, got nil")
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("HIBIKI_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid HIBIKI_PORT")
	}
	if got := err.Error(); !strings.Contains(got, "HIBIKI_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention HIBIKI_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("HIBIKI_PORT", "abc")
	t.Setenv("HIBIKI_INPUT_TIMEOUT", "soon")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	for _, key := range []string{"HIBIKI_PORT", "HIBIKI_INPUT_TIMEOUT"} {
		if !strings.Contains(got, key) {
			t.Fatalf("error should mention %s, got: %s", key, got)
		}
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.InputTimeout != 15*time.Second || cfg.InputFallback != "N" {
		t.Fatalf("unexpected input defaults: %s %q", cfg.InputTimeout, cfg.InputFallback)
	}
	if cfg.RunInterval != time.Hour {
		t.Fatalf("expected hourly runs, got %s", cfg.RunInterval)
	}
	if !cfg.RequireAccount {
		t.Fatal("expected RequireAccount to default to true")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HIBIKI_CHANNEL_CAPACITY", "64")
	t.Setenv("HIBIKI_RUN_ON_START", "false")
	t.Setenv("HIBIKI_ADMIN_ALLOW_CIDRS", "10.0.0.0/8")
	t.Setenv("HIBIKI_RATE_LIMIT_RPS", "2.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ChannelCapacity != 64 {
		t.Fatalf("expected capacity 64, got %d", cfg.ChannelCapacity)
	}
	if cfg.RunOnStart {
		t.Fatal("expected RunOnStart false")
	}
	if cfg.AdminAllowCIDRs != "10.0.0.0/8" {
		t.Fatalf("unexpected allowlist %q", cfg.AdminAllowCIDRs)
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Fatalf("expected 2.5 rps, got %v", cfg.RateLimitRPS)
	}
}

func TestValidate(t *testing.T) {
	base, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero capacity", func(c *Config) { c.ChannelCapacity = 0 }, "HIBIKI_CHANNEL_CAPACITY"},
		{"negative timeout", func(c *Config) { c.InputTimeout = -time.Second }, "HIBIKI_INPUT_TIMEOUT"},
		{"half jwt pair", func(c *Config) { c.JWTPrivateKeyPath = "/tmp/k.pem" }, "HIBIKI_JWT_PUBLIC_KEY"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "HIBIKI_LOG_LEVEL"},
		{"port range", func(c *Config) { c.Port = 70000 }, "HIBIKI_PORT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error should mention %s, got: %s", tt.want, err)
			}
		})
	}

	if err := base.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
