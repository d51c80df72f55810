// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the Outlet chat service.
package server

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// RateLimitConfig defines the parameters for per-connection inbound event
// rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"BURST"           envDefault:"20"`
	RefillInterval time.Duration `env:"REFILL_INTERVAL" envDefault:"1s"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string          `env:"SERVER_PORT"      envDefault:":8080"`
	AllowedOrigins []string        `env:"ALLOWED_ORIGINS"  envDefault:"http://localhost:8080" envSeparator:","`
	MaxMessageSize int64           `env:"MAX_MESSAGE_SIZE" envDefault:"16384"`
	RateLimit      RateLimitConfig `envPrefix:"RATE_LIMIT_"`
	SendBufferSize int             `env:"SEND_BUFFER_SIZE" envDefault:"256"`
	TypingTTL      time.Duration   `env:"TYPING_TTL"       envDefault:"5s"`
	HistoryLimit   int             `env:"HISTORY_LIMIT"    envDefault:"100"`

	JWTSecret    string `env:"JWT_SECRET"`
	DatabasePath string `env:"DATABASE_PATH" envDefault:"outlet.db"`
	RedisURL     string `env:"REDIS_URL"`
	RedisPrefix  string `env:"REDIS_PREFIX"  envDefault:"outlet:"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

const (
	defaultPort           = ":8080"
	defaultMaxMessageSize = 16384
	defaultBurst          = 20
	defaultRefill         = time.Second
	defaultSendBuffer     = 256
	defaultTypingTTL      = 5 * time.Second
	defaultHistoryLimit   = 100
	defaultShutdown       = 10 * time.Second
)

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() *Config {
	var cfg Config
	// An empty environment leaves only the envDefault values.
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		panic(fmt.Sprintf("invalid config defaults: %v", err))
	}
	return &cfg
}

// NewConfigFromEnv creates a Config from environment variables. Unset or
// out-of-range values fall back to defaults; malformed values are an error.
func NewConfigFromEnv() (*Config, error) {
	return parseConfig(env.Options{})
}

func parseConfig(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.sanitize()
	return &cfg, nil
}

// sanitize replaces out-of-range values with defaults and normalizes the
// origin allow-list.
func (c *Config) sanitize() {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaultBurst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = defaultRefill
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = defaultSendBuffer
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = defaultTypingTTL
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdown
	}
	c.AllowedOrigins = cleanOrigins(c.AllowedOrigins)
}
