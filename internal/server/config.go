// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay.
package server

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultPort              = 1234
	defaultMaxLineLength     = 4096
	defaultRateLimitBurst    = 20
	defaultInactivityTimeout = 30 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultAuditLog          = "server_log.txt"
)

// RateLimitConfig defines the parameters for per-session message rate limiting.
type RateLimitConfig struct {
	Burst          int           `toml:"burst"`
	RefillInterval time.Duration `toml:"refill_interval"`
}

// Config holds the relay configuration.
//
// Port 0 binds an ephemeral port. An empty HTTPAddress disables the HTTP
// surface, an empty AuditLog disables auditing and a zero SweepInterval
// leaves the inactivity sweeper off.
type Config struct {
	Port              int             `toml:"port"`
	BindAddress       string          `toml:"bind_address"`
	HTTPAddress       string          `toml:"http_address"`
	AllowedOrigins    []string        `toml:"allowed_origins"`
	MaxLineLength     int             `toml:"max_line_length"`
	RateLimit         RateLimitConfig `toml:"rate_limit"`
	InactivityTimeout time.Duration   `toml:"inactivity_timeout"`
	SweepInterval     time.Duration   `toml:"sweep_interval"`
	WriteTimeout      time.Duration   `toml:"write_timeout"`
	AuditLog          string          `toml:"audit_log"`
}

func defaultConfig() Config {
	return Config{
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxLineLength: defaultMaxLineLength,
		RateLimit: RateLimitConfig{
			Burst:          defaultRateLimitBurst,
			RefillInterval: time.Second,
		},
		InactivityTimeout: defaultInactivityTimeout,
		WriteTimeout:      defaultWriteTimeout,
		AuditLog:          defaultAuditLog,
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfigFile decodes a TOML file over cfg. Keys missing from the file
// keep their current values.
func LoadConfigFile(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file %q: %w", path, err)
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("decode config %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config %q has unknown keys: %v", path, undecoded)
	}
	return nil
}

// ApplyEnv overrides cfg with values from CHAT_* environment variables.
// Unparseable values are ignored.
func (c *Config) ApplyEnv() {
	if port := os.Getenv("CHAT_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil && parsed >= 0 {
			c.Port = parsed
		}
	}

	if addr, ok := os.LookupEnv("CHAT_HTTP_ADDRESS"); ok {
		c.HTTPAddress = addr
	}

	if origins := os.Getenv("CHAT_ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = parseOrigins(origins)
	}

	if maxLen := os.Getenv("CHAT_MAX_LINE_LENGTH"); maxLen != "" {
		c.MaxLineLength = parseIntValue(maxLen, c.MaxLineLength)
	}

	if burst := os.Getenv("CHAT_RATE_LIMIT_BURST"); burst != "" {
		c.RateLimit.Burst = parseIntValue(burst, c.RateLimit.Burst)
	}

	if interval := os.Getenv("CHAT_RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		c.RateLimit.RefillInterval = parseDuration(interval, c.RateLimit.RefillInterval)
	}

	if path, ok := os.LookupEnv("CHAT_AUDIT_LOG"); ok {
		c.AuditLog = path
	}
}

// ListenAddress returns the host:port the TCP relay binds to.
func (c Config) ListenAddress() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port < 0 || cfg.Port > 65535 {
		cfg.Port = defaultPort
	}

	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = defaultMaxLineLength
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultRateLimitBurst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = defaultInactivityTimeout
	}

	if cfg.SweepInterval < 0 {
		cfg.SweepInterval = 0
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts Go duration strings and, like the older
// configuration format, a bare number of seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
