package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all agent configuration.
// Priority: ENV vars > .env file > defaults.
type Config struct {
	// Storage
	DBPath string `env:"DB_PATH" envDefault:"data/goofish-agent.db"`

	// Marketplace endpoints
	WSURL      string `env:"WS_URL" envDefault:"wss://wss-goofish.dingtalk.com/"`
	APIBaseURL string `env:"API_BASE_URL" envDefault:"https://h5api.m.goofish.com/h5"`

	// Session timing
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"15s"`
	HeartbeatTimeout     time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"30s"`
	TokenRefreshInterval time.Duration `env:"TOKEN_REFRESH_INTERVAL" envDefault:"1h"`
	TokenRetryInterval   time.Duration `env:"TOKEN_RETRY_INTERVAL" envDefault:"5m"`
	ReconnectDelay       time.Duration `env:"RECONNECT_DELAY" envDefault:"5s"`

	// API client
	APITimeout   time.Duration `env:"API_TIMEOUT" envDefault:"10s"`
	APIRateLimit float64       `env:"API_RATE_LIMIT" envDefault:"8"` // requests/sec shared across accounts

	// Ops endpoint (/health, /metrics)
	OpsAddr string `env:"OPS_ADDR" envDefault:":9633"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Notification fan-out. Empty NATS_URL disables the bus sender.
	NATSURL           string `env:"NATS_URL"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"goofish.agent"`

	// External reply API (consulted before keyword/AI replies)
	ReplyAPIEnabled bool          `env:"REPLY_API_ENABLED" envDefault:"false"`
	ReplyAPIURL     string        `env:"REPLY_API_URL"`
	ReplyAPITimeout time.Duration `env:"REPLY_API_TIMEOUT" envDefault:"10s"`

	// Item catalog fetcher
	AutoFetchEnabled       bool          `env:"AUTO_FETCH_ENABLED" envDefault:"false"`
	AutoFetchAPIURL        string        `env:"AUTO_FETCH_API_URL"`
	AutoFetchTimeout       time.Duration `env:"AUTO_FETCH_TIMEOUT" envDefault:"10s"`
	AutoFetchMaxConcurrent int           `env:"AUTO_FETCH_MAX_CONCURRENT" envDefault:"3"`
	AutoFetchRetryDelay    time.Duration `env:"AUTO_FETCH_RETRY_DELAY" envDefault:"2s"`
	AutoFetchInterval      time.Duration `env:"AUTO_FETCH_INTERVAL" envDefault:"1h"`

	// First-run account seed. Both must be set together.
	BootstrapAccountID string `env:"BOOTSTRAP_ACCOUNT_ID"`
	BootstrapCookies   string `env:"BOOTSTRAP_COOKIES"`
}

// Load reads configuration from the .env file and environment variables.
//
// The logger is optional; pass nil before logging is configured.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; deployments set real env vars.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if c.WSURL == "" {
		return fmt.Errorf("WS_URL is required")
	}
	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout < c.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT (%s) must be >= HEARTBEAT_INTERVAL (%s)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.TokenRefreshInterval <= 0 {
		return fmt.Errorf("TOKEN_REFRESH_INTERVAL must be > 0, got %s", c.TokenRefreshInterval)
	}
	if c.TokenRetryInterval <= 0 {
		return fmt.Errorf("TOKEN_RETRY_INTERVAL must be > 0, got %s", c.TokenRetryInterval)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be > 0, got %s", c.ReconnectDelay)
	}
	if c.APIRateLimit <= 0 {
		return fmt.Errorf("API_RATE_LIMIT must be > 0, got %.1f", c.APIRateLimit)
	}
	if c.AutoFetchMaxConcurrent < 1 {
		return fmt.Errorf("AUTO_FETCH_MAX_CONCURRENT must be >= 1, got %d", c.AutoFetchMaxConcurrent)
	}

	if c.ReplyAPIEnabled && c.ReplyAPIURL == "" {
		return fmt.Errorf("REPLY_API_URL is required when REPLY_API_ENABLED is set")
	}
	if (c.BootstrapAccountID == "") != (c.BootstrapCookies == "") {
		return fmt.Errorf("BOOTSTRAP_ACCOUNT_ID and BOOTSTRAP_COOKIES must be set together")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration using structured logging.
// Cookie material is never logged.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("db_path", c.DBPath).
		Str("ws_url", c.WSURL).
		Str("api_base_url", c.APIBaseURL).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("heartbeat_timeout", c.HeartbeatTimeout).
		Dur("token_refresh_interval", c.TokenRefreshInterval).
		Dur("token_retry_interval", c.TokenRetryInterval).
		Dur("reconnect_delay", c.ReconnectDelay).
		Dur("api_timeout", c.APITimeout).
		Float64("api_rate_limit", c.APIRateLimit).
		Str("ops_addr", c.OpsAddr).
		Str("nats_url", c.NATSURL).
		Str("nats_subject_prefix", c.NATSSubjectPrefix).
		Bool("reply_api_enabled", c.ReplyAPIEnabled).
		Bool("auto_fetch_enabled", c.AutoFetchEnabled).
		Int("auto_fetch_max_concurrent", c.AutoFetchMaxConcurrent).
		Dur("auto_fetch_interval", c.AutoFetchInterval).
		Bool("bootstrap_seed", c.BootstrapAccountID != "").
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Agent configuration loaded")
}
