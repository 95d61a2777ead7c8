package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/clinicsched/clinicsched/internal/domain/scheduling"
	"github.com/clinicsched/clinicsched/pkg/localtime"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"

	DriverMemory  = "memory"
	DriverRedis   = "redis"
	DriverLog     = "log"
	DriverWebhook = "webhook"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreDriver   string `mapstructure:"STORE_DRIVER"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	MongoURL      string `mapstructure:"MONGO_URL"`
	MongoDatabase string `mapstructure:"MONGO_DATABASE"`

	LockDriver    string `mapstructure:"LOCK_DRIVER"`
	RedisURL      string `mapstructure:"REDIS_URL"`
	EventsDriver  string `mapstructure:"EVENTS_DRIVER"`
	EventsChannel string `mapstructure:"EVENTS_CHANNEL"`
	WebhookURL    string `mapstructure:"EVENTS_WEBHOOK_URL"`
	WebhookSecret string `mapstructure:"EVENTS_WEBHOOK_SECRET"`

	ClinicTimezone      string        `mapstructure:"CLINIC_TIMEZONE"`
	ClinicOpen          string        `mapstructure:"CLINIC_OPEN"`
	ClinicClose         string        `mapstructure:"CLINIC_CLOSE"`
	BookingLockTimeout  time.Duration `mapstructure:"BOOKING_LOCK_TIMEOUT"`
	BookingLockTTL      time.Duration `mapstructure:"BOOKING_LOCK_TTL"`
	BookingRetryBackoff time.Duration `mapstructure:"BOOKING_RETRY_BACKOFF"`
	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit           string        `mapstructure:"BODY_LIMIT"`

	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`

	PublicRateLimitPerMinute int `mapstructure:"PUBLIC_RATE_LIMIT_PER_MINUTE"`
	PublicRateLimitBurst     int `mapstructure:"PUBLIC_RATE_LIMIT_BURST"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MONGO_URL", "MONGO_DATABASE",
	"LOCK_DRIVER", "REDIS_URL", "EVENTS_DRIVER", "EVENTS_CHANNEL", "EVENTS_WEBHOOK_URL", "EVENTS_WEBHOOK_SECRET",
	"CLINIC_TIMEZONE", "CLINIC_OPEN", "CLINIC_CLOSE",
	"BOOKING_LOCK_TIMEOUT", "BOOKING_LOCK_TTL", "BOOKING_RETRY_BACKOFF", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"PUBLIC_RATE_LIMIT_PER_MINUTE", "PUBLIC_RATE_LIMIT_BURST",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MONGO_DATABASE", "clinicsched")
	v.SetDefault("LOCK_DRIVER", DriverMemory)
	v.SetDefault("EVENTS_DRIVER", DriverLog)
	v.SetDefault("EVENTS_CHANNEL", "clinicsched.appointments")
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("CLINIC_OPEN", "08:00")
	v.SetDefault("CLINIC_CLOSE", "19:00")
	v.SetDefault("BOOKING_LOCK_TIMEOUT", "2s")
	v.SetDefault("BOOKING_LOCK_TTL", "10s")
	v.SetDefault("BOOKING_RETRY_BACKOFF", "150ms")
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("PUBLIC_RATE_LIMIT_PER_MINUTE", 30)
	v.SetDefault("PUBLIC_RATE_LIMIT_BURST", 10)

	// Bind env vars explicitly so Unmarshal picks up keys without defaults
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	cfg.LockDriver = strings.ToLower(cfg.LockDriver)
	cfg.EventsDriver = strings.ToLower(cfg.EventsDriver)

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks cross-field rules. Outside development a JWT signing key
// or a JWKS source must be configured.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
		}
	case StoreMongo:
		if c.MongoURL == "" {
			return fmt.Errorf("MONGO_URL is required when STORE_DRIVER is %q", StoreMongo)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be \"postgres\", \"mongo\", or \"memory\", got %q", c.StoreDriver)
	}

	if c.LockDriver != DriverMemory && c.LockDriver != DriverRedis {
		return fmt.Errorf("LOCK_DRIVER must be \"memory\" or \"redis\", got %q", c.LockDriver)
	}
	switch c.EventsDriver {
	case DriverLog, DriverRedis:
	case DriverWebhook:
		if c.WebhookURL == "" {
			return fmt.Errorf("EVENTS_WEBHOOK_URL is required when EVENTS_DRIVER is %q", DriverWebhook)
		}
	default:
		return fmt.Errorf("EVENTS_DRIVER must be \"log\", \"redis\", or \"webhook\", got %q", c.EventsDriver)
	}
	if c.NeedsRedis() && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when LOCK_DRIVER or EVENTS_DRIVER is %q", DriverRedis)
	}

	if _, err := c.Normalizer(); err != nil {
		return fmt.Errorf("CLINIC_TIMEZONE: %w", err)
	}
	if _, err := c.ClinicHours(); err != nil {
		return err
	}

	if c.BookingLockTimeout <= 0 {
		return fmt.Errorf("BOOKING_LOCK_TIMEOUT must be positive, got %s", c.BookingLockTimeout)
	}
	if c.LockDriver == DriverRedis && c.BookingLockTTL <= c.BookingLockTimeout {
		return fmt.Errorf("BOOKING_LOCK_TTL (%s) must exceed BOOKING_LOCK_TIMEOUT (%s)", c.BookingLockTTL, c.BookingLockTimeout)
	}

	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" && c.AuthIssuer == "" {
		return fmt.Errorf(
			"AUTH_SIGNING_KEY, AUTH_JWKS_URL or AUTH_ISSUER must be set when ENV=%q. "+
				"Refusing to start without authentication configuration", c.Env)
	}

	if c.PublicRateLimitPerMinute <= 0 || c.PublicRateLimitBurst <= 0 {
		return fmt.Errorf("PUBLIC_RATE_LIMIT_PER_MINUTE and PUBLIC_RATE_LIMIT_BURST must be positive")
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}

func (c *Config) NeedsRedis() bool {
	return c.LockDriver == DriverRedis || c.EventsDriver == DriverRedis
}

// Normalizer loads the clinic time zone.
func (c *Config) Normalizer() (*localtime.Normalizer, error) {
	return localtime.LoadNormalizer(c.ClinicTimezone)
}

// ClinicHours parses CLINIC_OPEN and CLINIC_CLOSE.
func (c *Config) ClinicHours() (scheduling.ClinicHours, error) {
	open, err := localtime.ParseTimeOfDay(c.ClinicOpen)
	if err != nil {
		return scheduling.ClinicHours{}, fmt.Errorf("CLINIC_OPEN: %w", err)
	}
	closing, err := localtime.ParseTimeOfDay(c.ClinicClose)
	if err != nil {
		return scheduling.ClinicHours{}, fmt.Errorf("CLINIC_CLOSE: %w", err)
	}
	if open >= closing {
		return scheduling.ClinicHours{}, fmt.Errorf("CLINIC_OPEN (%s) must be before CLINIC_CLOSE (%s)", open, closing)
	}
	return scheduling.ClinicHours{Open: open, Close: closing}, nil
}
