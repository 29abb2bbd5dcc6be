package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime settings, loaded from CLASSHUB_* environment
// variables. Defaults target a single classroom deployment.
type Config struct {
	Host string `env:"CLASSHUB_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"CLASSHUB_PORT" envDefault:"8080"`

	HTTPReadTimeout  time.Duration `env:"CLASSHUB_HTTP_READ_TIMEOUT" envDefault:"30s"`
	HTTPWriteTimeout time.Duration `env:"CLASSHUB_HTTP_WRITE_TIMEOUT" envDefault:"30s"`

	// WebSocket liveness: ping every PingInterval, drop a connection that
	// has not ponged within ReadDeadline.
	PingInterval   time.Duration `env:"CLASSHUB_WS_PING_INTERVAL" envDefault:"30s"`
	ReadDeadline   time.Duration `env:"CLASSHUB_WS_READ_DEADLINE" envDefault:"60s"`
	WriteTimeout   time.Duration `env:"CLASSHUB_WS_WRITE_TIMEOUT" envDefault:"5s"`
	SendBufferSize int           `env:"CLASSHUB_WS_SEND_BUFFER" envDefault:"100"`
	AuthTimeout    time.Duration `env:"CLASSHUB_WS_AUTH_TIMEOUT" envDefault:"10s"`

	TokenSecret string        `env:"CLASSHUB_TOKEN_SECRET,required"`
	TokenTTL    time.Duration `env:"CLASSHUB_TOKEN_TTL" envDefault:"8h"`

	// SessionCapacity of 0 means unbounded.
	SessionCapacity    int           `env:"CLASSHUB_SESSION_CAPACITY" envDefault:"0"`
	SessionIdleTimeout time.Duration `env:"CLASSHUB_SESSION_IDLE_TIMEOUT" envDefault:"30m"`
	// TeardownGrace is how long an ended session's hub stays resolvable so
	// in-flight disconnect paths drain cleanly before the hub is dropped.
	TeardownGrace time.Duration `env:"CLASSHUB_SESSION_TEARDOWN_GRACE" envDefault:"30s"`

	// ActivityReportsPerMinute bounds student telemetry per user.
	ActivityReportsPerMinute int `env:"CLASSHUB_ACTIVITY_REPORTS_PER_MINUTE" envDefault:"120"`

	DatabasePath string `env:"CLASSHUB_DATABASE_PATH" envDefault:"./classhub.db"`
	LogLevel     string `env:"CLASSHUB_LOG_LEVEL" envDefault:"info"`
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if len(c.TokenSecret) < 32 {
		return fmt.Errorf("token secret must be at least 32 characters")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping interval must be positive")
	}
	if c.ReadDeadline <= c.PingInterval {
		return fmt.Errorf("read deadline (%s) must exceed ping interval (%s)",
			c.ReadDeadline, c.PingInterval)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if c.SendBufferSize <= 0 {
		return fmt.Errorf("send buffer size must be positive")
	}
	if c.AuthTimeout <= 0 {
		return fmt.Errorf("auth timeout must be positive")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token TTL must be positive")
	}
	if c.SessionCapacity < 0 {
		return fmt.Errorf("session capacity cannot be negative")
	}
	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("session idle timeout must be positive")
	}
	if c.TeardownGrace < 0 {
		return fmt.Errorf("teardown grace cannot be negative")
	}
	if c.ActivityReportsPerMinute <= 0 {
		return fmt.Errorf("activity report rate limit must be positive")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	return nil
}

// Load parses configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
