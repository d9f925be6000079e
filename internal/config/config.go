// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	SSEWriteTimeout     time.Duration // Per-frame write deadline on event streams.
	HeartbeatInterval   time.Duration // Idle time before a keepalive comment.
	MaxRequestBodyBytes int64
	ShutdownTimeout     time.Duration

	// Event channels and task lifecycle.
	ChannelCapacity int           // Events retained per task channel.
	AdminCapacity   int           // Events retained on the admin channel.
	TaskRetention   time.Duration // How long finished tasks stay attachable.
	JanitorInterval time.Duration

	// Task execution.
	TaskCommand    string // Program run per task; "{key}" is replaced by the key.
	TaskDir        string
	InputTimeout   time.Duration
	InputFallback  string // Written to the task's stdin when an input request times out.
	RequireAccount bool   // Refuse runs for keys missing from the roster.

	// Roster.
	RosterDSN string // SQLite path/URI, or a postgres:// URL.

	// Scheduler.
	RunInterval          time.Duration
	TimerInterval        time.Duration
	RunOnStart           bool
	SchedulerConcurrency int

	// Admin access.
	AdminAllowCIDRs   string
	AdminPasswordHash string // argon2id "salt$hash" or a bcrypt hash; empty disables login.
	AdminTokenTTL     time.Duration
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	SecureCookies     bool

	// Rate limiting.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var cfg Config
	var err error

	cfg.Port, err = envInt("HIBIKI_PORT", 8080)
	collect(err)
	cfg.ReadTimeout, err = envDuration("HIBIKI_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("HIBIKI_WRITE_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.SSEWriteTimeout, err = envDuration("HIBIKI_SSE_WRITE_TIMEOUT", 10*time.Second)
	collect(err)
	cfg.HeartbeatInterval, err = envDuration("HIBIKI_HEARTBEAT_INTERVAL", 15*time.Second)
	collect(err)
	var maxBody int
	maxBody, err = envInt("HIBIKI_MAX_REQUEST_BODY_BYTES", 64*1024)
	collect(err)
	cfg.MaxRequestBodyBytes = int64(maxBody)
	cfg.ShutdownTimeout, err = envDuration("HIBIKI_SHUTDOWN_TIMEOUT", 15*time.Second)
	collect(err)

	cfg.ChannelCapacity, err = envInt("HIBIKI_CHANNEL_CAPACITY", 500)
	collect(err)
	cfg.AdminCapacity, err = envInt("HIBIKI_ADMIN_CAPACITY", 1000)
	collect(err)
	cfg.TaskRetention, err = envDuration("HIBIKI_TASK_RETENTION", 10*time.Minute)
	collect(err)
	cfg.JanitorInterval, err = envDuration("HIBIKI_JANITOR_INTERVAL", time.Minute)
	collect(err)

	cfg.TaskCommand = envStr("HIBIKI_TASK_COMMAND", "")
	cfg.TaskDir = envStr("HIBIKI_TASK_DIR", "")
	cfg.InputTimeout, err = envDuration("HIBIKI_INPUT_TIMEOUT", 15*time.Second)
	collect(err)
	cfg.InputFallback = envStr("HIBIKI_INPUT_FALLBACK", "N")
	cfg.RequireAccount, err = envBool("HIBIKI_REQUIRE_ACCOUNT", true)
	collect(err)

	cfg.RosterDSN = envStr("HIBIKI_ROSTER_DSN", "file:hibiki.db")

	cfg.RunInterval, err = envDuration("HIBIKI_RUN_INTERVAL", time.Hour)
	collect(err)
	cfg.TimerInterval, err = envDuration("HIBIKI_TIMER_INTERVAL", 10*time.Second)
	collect(err)
	cfg.RunOnStart, err = envBool("HIBIKI_RUN_ON_START", true)
	collect(err)
	cfg.SchedulerConcurrency, err = envInt("HIBIKI_SCHEDULER_CONCURRENCY", 8)
	collect(err)

	cfg.AdminAllowCIDRs = envStr("HIBIKI_ADMIN_ALLOW_CIDRS", "")
	cfg.AdminPasswordHash = envStr("HIBIKI_ADMIN_PASSWORD_HASH", "")
	cfg.AdminTokenTTL, err = envDuration("HIBIKI_ADMIN_TOKEN_TTL", 12*time.Hour)
	collect(err)
	cfg.JWTPrivateKeyPath = envStr("HIBIKI_JWT_PRIVATE_KEY", "")
	cfg.JWTPublicKeyPath = envStr("HIBIKI_JWT_PUBLIC_KEY", "")
	cfg.SecureCookies, err = envBool("HIBIKI_SECURE_COOKIES", false)
	collect(err)

	cfg.RateLimitEnabled, err = envBool("HIBIKI_RATE_LIMIT_ENABLED", true)
	collect(err)
	cfg.RateLimitRPS, err = envFloat("HIBIKI_RATE_LIMIT_RPS", 5)
	collect(err)
	cfg.RateLimitBurst, err = envInt("HIBIKI_RATE_LIMIT_BURST", 20)
	collect(err)

	cfg.OTELEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.OTELInsecure, err = envBool("HIBIKI_OTEL_INSECURE", false)
	collect(err)
	cfg.ServiceName = envStr("OTEL_SERVICE_NAME", "hibiki")

	cfg.LogLevel = envStr("HIBIKI_LOG_LEVEL", "info")

	if len(errs) > 0 {
		return cfg, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks invariants that individual variables cannot express.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("HIBIKI_PORT must be between 0 and 65535, got %d", c.Port))
	}
	if c.ChannelCapacity < 1 {
		errs = append(errs, errors.New("HIBIKI_CHANNEL_CAPACITY must be at least 1"))
	}
	if c.AdminCapacity < 1 {
		errs = append(errs, errors.New("HIBIKI_ADMIN_CAPACITY must be at least 1"))
	}
	if c.InputTimeout <= 0 {
		errs = append(errs, errors.New("HIBIKI_INPUT_TIMEOUT must be positive"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("HIBIKI_HEARTBEAT_INTERVAL must be positive"))
	}
	if c.RunInterval <= 0 {
		errs = append(errs, errors.New("HIBIKI_RUN_INTERVAL must be positive"))
	}
	if c.TimerInterval <= 0 {
		errs = append(errs, errors.New("HIBIKI_TIMER_INTERVAL must be positive"))
	}
	if c.SchedulerConcurrency < 1 {
		errs = append(errs, errors.New("HIBIKI_SCHEDULER_CONCURRENCY must be at least 1"))
	}
	if c.MaxRequestBodyBytes < 1 {
		errs = append(errs, errors.New("HIBIKI_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst < 1) {
		errs = append(errs, errors.New("HIBIKI_RATE_LIMIT_RPS and HIBIKI_RATE_LIMIT_BURST must be positive when rate limiting is enabled"))
	}
	if (c.JWTPrivateKeyPath == "") != (c.JWTPublicKeyPath == "") {
		errs = append(errs, errors.New("HIBIKI_JWT_PRIVATE_KEY and HIBIKI_JWT_PUBLIC_KEY must be set together"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("HIBIKI_LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
