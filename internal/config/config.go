package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
//	required: Must be provided (no default)
type Config struct {
	// Server basics
	Addr             string        `env:"GATEWAY_ADDR" envDefault:":8080"`
	NodeID           string        `env:"NODE_ID"` // Defaults to the hostname
	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownGrace    time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`
	SendBufferSize   int           `env:"SEND_BUFFER_SIZE" envDefault:"256"`

	// Sessions
	SessionSecret      string        `env:"SESSION_SECRET,required"`
	SessionIssuer      string        `env:"SESSION_ISSUER" envDefault:"techshare"`
	SessionIdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"30m"`
	SessionAbsolute    time.Duration `env:"SESSION_ABSOLUTE_EXPIRATION" envDefault:"720h"`
	CookieName         string        `env:"SESSION_COOKIE_NAME" envDefault:"techshare_session"`
	CookieSecure       bool          `env:"SESSION_COOKIE_SECURE" envDefault:"true"`

	// Identity store. Empty DATABASE_URL keeps accounts in memory.
	DatabaseURL   string `env:"DATABASE_URL"`
	SeedFile      string `env:"SEED_FILE"`
	AdminEmail    string `env:"ADMIN_EMAIL" envDefault:"admin@techshare.local"`
	AdminPassword string `env:"ADMIN_PASSWORD"`
	BcryptCost    int    `env:"BCRYPT_COST" envDefault:"12"`

	// Cross-node relay. Empty NATS_URL disables it.
	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT" envDefault:"techshare.realtime"`

	// Admission (per origin). ADMISSION_CONFIG points at an optional YAML
	// table that overrides these defaults.
	AdmissionConfigPath string        `env:"ADMISSION_CONFIG"`
	AdmissionKeySource  string        `env:"ADMISSION_KEY_SOURCE" envDefault:"remote_addr"`
	AdmissionWhitelist  []string      `env:"ADMISSION_WHITELIST" envSeparator:","`
	AdmissionWindow     time.Duration `env:"ADMISSION_WINDOW" envDefault:"60s"`
	UpgradeLimit        int           `env:"ADMISSION_UPGRADE_LIMIT" envDefault:"5"`
	AuthLimit           int           `env:"ADMISSION_AUTH_LIMIT" envDefault:"10"`
	MessageLimit        int           `env:"ADMISSION_MESSAGE_LIMIT" envDefault:"120"`
	APILimit            int           `env:"ADMISSION_API_LIMIT" envDefault:"60"`
	AdmissionShards     int           `env:"ADMISSION_SHARDS" envDefault:"32"`

	// Resource limits (process wide)
	MaxConnections int     `env:"MAX_CONNECTIONS" envDefault:"10000"`
	MemoryLimit    int64   `env:"MEMORY_LIMIT" envDefault:"1073741824"` // 1GB
	MaxGoroutines  int     `env:"MAX_GOROUTINES" envDefault:"50000"`
	UpgradeRate    float64 `env:"UPGRADE_RATE" envDefault:"200"` // upgrades/sec, 0 = off
	UpgradeBurst   int     `env:"UPGRADE_BURST" envDefault:"400"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"60s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// Load .env file (optional - OK if it doesn't exist)
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}
	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	// Required fields (no sensible defaults)
	if c.Addr == "" {
		return fmt.Errorf("GATEWAY_ADDR is required")
	}
	if len(c.SessionSecret) < 32 {
		return fmt.Errorf("SESSION_SECRET must be at least 32 bytes, got %d", len(c.SessionSecret))
	}

	// Range checks
	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be > 0, got %s", c.SessionIdleTimeout)
	}
	if c.SessionAbsolute < c.SessionIdleTimeout {
		return fmt.Errorf("SESSION_ABSOLUTE_EXPIRATION (%s) must be >= SESSION_IDLE_TIMEOUT (%s)",
			c.SessionAbsolute, c.SessionIdleTimeout)
	}
	if c.SendBufferSize < 1 {
		return fmt.Errorf("SEND_BUFFER_SIZE must be > 0, got %d", c.SendBufferSize)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.AdmissionWindow <= 0 {
		return fmt.Errorf("ADMISSION_WINDOW must be > 0, got %s", c.AdmissionWindow)
	}
	for name, v := range map[string]int{
		"ADMISSION_UPGRADE_LIMIT": c.UpgradeLimit,
		"ADMISSION_AUTH_LIMIT":    c.AuthLimit,
		"ADMISSION_MESSAGE_LIMIT": c.MessageLimit,
		"ADMISSION_API_LIMIT":     c.APILimit,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be > 0, got %d", name, v)
		}
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return fmt.Errorf("BCRYPT_COST must be 4-31, got %d", c.BcryptCost)
	}
	if c.UpgradeRate < 0 {
		return fmt.Errorf("UPGRADE_RATE must be >= 0, got %.1f", c.UpgradeRate)
	}

	// Enum checks
	if _, err := ParseKeySource(c.AdmissionKeySource); err != nil {
		return fmt.Errorf("ADMISSION_KEY_SOURCE: %w", err)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs configuration using structured logging. Secrets are never
// logged.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("node_id", c.NodeID).
		Bool("postgres", c.DatabaseURL != "").
		Bool("nats_relay", c.NATSURL != "").
		Str("nats_subject", c.NATSSubject).
		Dur("session_idle_timeout", c.SessionIdleTimeout).
		Dur("session_absolute_expiration", c.SessionAbsolute).
		Bool("cookie_secure", c.CookieSecure).
		Str("admission_config", c.AdmissionConfigPath).
		Str("admission_key_source", c.AdmissionKeySource).
		Int("upgrade_limit", c.UpgradeLimit).
		Int("auth_limit", c.AuthLimit).
		Int("message_limit", c.MessageLimit).
		Int("api_limit", c.APILimit).
		Dur("admission_window", c.AdmissionWindow).
		Int("max_connections", c.MaxConnections).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Int("max_goroutines", c.MaxGoroutines).
		Float64("upgrade_rate", c.UpgradeRate).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
