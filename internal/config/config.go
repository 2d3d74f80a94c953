package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/kiranshivaraju/upscaler/pkg/models"
)

// Config holds all configuration for the upscaler server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Vendor    VendorConfig
	Queue     QueueConfig
	RateLimit RateLimitConfig
	Auth      AuthConfig
}

type ServerConfig struct {
	Port int    `env:"UPSCALER_PORT" envDefault:"8080"`
	Env  string `env:"UPSCALER_ENV"  envDefault:"development"`
}

type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS"    envDefault:"25"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS"    envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME" envDefault:"5m"`
	MigrationsPath  string        `env:"MIGRATIONS_PATH"            envDefault:"migrations"`
}

type RedisConfig struct {
	URL string `env:"REDIS_URL"`
}

// VendorConfig describes the external compute API. Accounts is derived from
// VENDOR_ACCOUNTS ("name:key[:ceiling],...") during Load.
type VendorConfig struct {
	BaseURL        string        `env:"VENDOR_BASE_URL"`
	AccountsRaw    string        `env:"VENDOR_ACCOUNTS"`
	DefaultCeiling int           `env:"MAX_CONCURRENT_PER_ACCOUNT" envDefault:"3"`
	Timeout        time.Duration `env:"VENDOR_TIMEOUT"             envDefault:"30s"`
	WebhookBaseURL string        `env:"WEBHOOK_BASE_URL"`
	WebhookToken   string        `env:"WEBHOOK_TOKEN"`

	Accounts []models.Account `env:"-"`
}

type QueueConfig struct {
	ImageTimeout      time.Duration `env:"IMAGE_JOB_TIMEOUT"   envDefault:"5m"`
	VideoTimeout      time.Duration `env:"VIDEO_JOB_TIMEOUT"   envDefault:"10m"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL"  envDefault:"30s"`
	OrphanGrace       time.Duration `env:"ORPHAN_GRACE_PERIOD" envDefault:"2m"`
}

// TimeoutFor returns the watchdog horizon for a tool.
func (q QueueConfig) TimeoutFor(tool models.Tool) time.Duration {
	if tool == models.ToolVideoUpscale {
		return q.VideoTimeout
	}
	return q.ImageTimeout
}

type RateLimitConfig struct {
	Backend  string        `env:"RATE_LIMIT_BACKEND"  envDefault:"memory"`
	Requests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"10"`
	Window   time.Duration `env:"RATE_LIMIT_WINDOW"   envDefault:"60s"`
}

// AuthConfig lists bcrypt hashes of the service keys allowed to call the API.
type AuthConfig struct {
	ServiceKeyHashes []string `env:"SERVICE_API_KEY_HASHES" envSeparator:","`
}

var validRateLimitBackends = map[string]bool{
	"memory": true,
	"redis":  true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	accounts, err := ParseAccounts(cfg.Vendor.AccountsRaw, cfg.Vendor.DefaultCeiling)
	if err != nil {
		return nil, err
	}
	cfg.Vendor.Accounts = accounts

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDatabase reads only the database settings. Used by the operator CLI,
// which never talks to Redis or the vendor.
func LoadDatabase() (*DatabaseConfig, error) {
	cfg := &DatabaseConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

// ParseAccounts parses "name:key[:ceiling]" entries separated by commas.
// Entries without a ceiling get defaultCeiling. Order is preserved; the
// capacity registry prefers earlier accounts.
func ParseAccounts(raw string, defaultCeiling int) ([]models.Account, error) {
	var accounts []models.Account
	seen := map[string]bool{}

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("VENDOR_ACCOUNTS entry %q must be name:key or name:key:ceiling", entry)
		}
		if seen[parts[0]] {
			return nil, fmt.Errorf("VENDOR_ACCOUNTS has duplicate account %q", parts[0])
		}
		seen[parts[0]] = true

		ceiling := defaultCeiling
		if len(parts) == 3 {
			c, err := strconv.Atoi(parts[2])
			if err != nil || c <= 0 {
				return nil, fmt.Errorf("VENDOR_ACCOUNTS ceiling for %q must be a positive integer, got %q", parts[0], parts[2])
			}
			ceiling = c
		}

		accounts = append(accounts, models.Account{Name: parts[0], APIKey: parts[1], Ceiling: ceiling})
	}
	return accounts, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Vendor.BaseURL == "" {
		return fmt.Errorf("VENDOR_BASE_URL is required")
	}
	if !isHTTPURL(c.Vendor.BaseURL) {
		return fmt.Errorf("VENDOR_BASE_URL must start with http:// or https://, got %q", c.Vendor.BaseURL)
	}
	if len(c.Vendor.Accounts) == 0 {
		return fmt.Errorf("VENDOR_ACCOUNTS must list at least one account")
	}
	if c.Vendor.DefaultCeiling <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_PER_ACCOUNT must be positive, got %d", c.Vendor.DefaultCeiling)
	}

	if c.Vendor.WebhookBaseURL == "" {
		return fmt.Errorf("WEBHOOK_BASE_URL is required")
	}
	if !isHTTPURL(c.Vendor.WebhookBaseURL) {
		return fmt.Errorf("WEBHOOK_BASE_URL must start with http:// or https://, got %q", c.Vendor.WebhookBaseURL)
	}
	if c.Vendor.WebhookToken == "" {
		return fmt.Errorf("WEBHOOK_TOKEN is required")
	}

	if c.Queue.ImageTimeout <= 0 || c.Queue.VideoTimeout <= 0 {
		return fmt.Errorf("IMAGE_JOB_TIMEOUT and VIDEO_JOB_TIMEOUT must be positive")
	}
	if c.Queue.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}

	if !validRateLimitBackends[c.RateLimit.Backend] {
		return fmt.Errorf("RATE_LIMIT_BACKEND must be one of memory, redis; got %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive")
	}

	if len(c.Auth.ServiceKeyHashes) == 0 {
		return fmt.Errorf("SERVICE_API_KEY_HASHES is required")
	}

	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
