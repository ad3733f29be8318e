package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	LogLevel      string `mapstructure:"LOG_LEVEL"`
	LogFile       string `mapstructure:"LOG_FILE"`
	LogMaxSizeMB  int    `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups int    `mapstructure:"LOG_MAX_BACKUPS"`

	RedisURL               string `mapstructure:"REDIS_URL"`
	InventoryEventsChannel string `mapstructure:"INVENTORY_EVENTS_CHANNEL"`

	// Comma-separated webhook URLs that receive signed stock events.
	WebhookURLs   string `mapstructure:"INVENTORY_WEBHOOK_URLS"`
	WebhookSecret string `mapstructure:"INVENTORY_WEBHOOK_SECRET"`
	WebhookEvents string `mapstructure:"INVENTORY_WEBHOOK_EVENTS"`

	// Inventory reporting windows.
	ExpirySoonDays       int `mapstructure:"EXPIRY_SOON_DAYS"`
	ExpiryLaterDays      int `mapstructure:"EXPIRY_LATER_DAYS"`
	RecentDispensedLimit int `mapstructure:"RECENT_DISPENSED_LIMIT"`

	TracingExporter string `mapstructure:"TRACING_EXPORTER"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_TENANT", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"LOG_LEVEL", "LOG_FILE", "LOG_MAX_SIZE_MB", "LOG_MAX_BACKUPS",
	"REDIS_URL", "INVENTORY_EVENTS_CHANNEL",
	"INVENTORY_WEBHOOK_URLS", "INVENTORY_WEBHOOK_SECRET", "INVENTORY_WEBHOOK_EVENTS",
	"EXPIRY_SOON_DAYS", "EXPIRY_LATER_DAYS", "RECENT_DISPENSED_LIMIT",
	"TRACING_EXPORTER",
}

// loadDotEnv reads .env and then .env.local, letting the latter override.
// Variables already present in the process environment always win.
func loadDotEnv() error {
	files := map[string]string{}
	for _, name := range []string{".env", ".env.local"} {
		values, err := godotenv.Read(name)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("read %s: %w", name, err)
		}
		for k, v := range values {
			files[k] = v
		}
	}
	for k, v := range files {
		if _, set := os.LookupEnv(k); !set {
			os.Setenv(k, v)
		}
	}
	return nil
}

func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("INVENTORY_EVENTS_CHANNEL", "pharmacy.inventory")
	v.SetDefault("INVENTORY_WEBHOOK_EVENTS", "drug.low_stock")
	v.SetDefault("EXPIRY_SOON_DAYS", 30)
	v.SetDefault("EXPIRY_LATER_DAYS", 90)
	v.SetDefault("RECENT_DISPENSED_LIMIT", 5)
	v.SetDefault("TRACING_EXPORTER", "none")

	// Bind explicitly so Unmarshal sees keys that have no default.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.ExpirySoonDays <= 0 {
		return fmt.Errorf("EXPIRY_SOON_DAYS must be positive, got %d", c.ExpirySoonDays)
	}
	if c.ExpiryLaterDays < c.ExpirySoonDays {
		return fmt.Errorf("EXPIRY_LATER_DAYS (%d) must not be less than EXPIRY_SOON_DAYS (%d)",
			c.ExpiryLaterDays, c.ExpirySoonDays)
	}
	if c.RecentDispensedLimit <= 0 {
		return fmt.Errorf("RECENT_DISPENSED_LIMIT must be positive, got %d", c.RecentDispensedLimit)
	}
	switch c.TracingExporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("TRACING_EXPORTER must be \"none\" or \"stdout\", got %q", c.TracingExporter)
	}
	if !c.IsDev() {
		if c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_ISSUER must be set outside development (ENV=%q)", c.Env)
		}
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set outside development")
		}
	}
	return nil
}
