// Package config loads the mirrord configuration from the environment.
//
// Values are read once at start with kelseyhightower/envconfig. Every field names
// its variable explicitly so the names stay stable when fields are renamed.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Rate limit store backends.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config is the full process configuration.
type Config struct {
	HTTP      HTTP
	Redis     Redis
	RateLimit RateLimit
	Catalog   Catalog
	Weather   Weather
	Kolors    Kolors
	Uploads   Uploads
	Log       Log
	Auth      Auth
}

type Auth struct {
	// AdminAPIKeys guards catalog mutations. Empty disables the mutation routes.
	AdminAPIKeys []string `envconfig:"ADMIN_API_KEYS"`
	// MetricsToken guards /metrics with a bearer token when set.
	MetricsToken string `envconfig:"METRICS_TOKEN"`
}

type HTTP struct {
	Addr            string        `envconfig:"HTTP_ADDR" default:":8001"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"60s"`
	IdleTimeout     time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

type Redis struct {
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// Addr returns host:port.
func (r Redis) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

type RateLimit struct {
	Store     string `envconfig:"RATE_LIMIT_STORE" default:"redis"`
	PerMinute int    `envconfig:"RATE_LIMIT_PER_MINUTE" default:"60"`
	TryOn     int    `envconfig:"TRYON_RATE_LIMIT" default:"10"`

	// TrustProxy keys callers on X-Forwarded-For / X-Real-IP. Enable it only
	// when a proxy in front of mirrord overwrites those headers.
	TrustProxy bool `envconfig:"RATE_LIMIT_TRUST_PROXY" default:"false"`
}

type Catalog struct {
	DatabasePath string `envconfig:"DATABASE_PATH" default:"smartmirror.db"`
	SeedFile     string `envconfig:"SEED_FILE"`
}

type Weather struct {
	APIKey   string        `envconfig:"OPENWEATHER_API_KEY"`
	URL      string        `envconfig:"OPENWEATHER_URL" default:"https://api.openweathermap.org"`
	CacheTTL time.Duration `envconfig:"WEATHER_CACHE_TTL" default:"10m"`
}

type Kolors struct {
	URL          string        `envconfig:"KOLORS_API_URL" default:"https://api.klingai.com"`
	AccessKey    string        `envconfig:"KOLORS_ACCESS_KEY"`
	SecretKey    string        `envconfig:"KOLORS_SECRET_KEY"`
	Timeout      time.Duration `envconfig:"KOLORS_TIMEOUT" default:"30s"`
	MaxRetries   int           `envconfig:"KOLORS_MAX_RETRIES" default:"3"`
	RetryDelay   time.Duration `envconfig:"KOLORS_RETRY_DELAY" default:"1s"`
	RPS          float64       `envconfig:"KOLORS_RPS" default:"2"`
	PollInterval time.Duration `envconfig:"KOLORS_POLL_INTERVAL" default:"2s"`
}

// Configured reports whether both vendor keys are present.
func (k Kolors) Configured() bool {
	return k.AccessKey != "" && k.SecretKey != ""
}

type Uploads struct {
	MaxBytes int64         `envconfig:"MAX_UPLOAD_BYTES" default:"10000000"`
	TTL      time.Duration `envconfig:"UPLOAD_TTL" default:"60s"`
}

type Log struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"json"`

	// ErrorDetails keeps stack traces and file paths in error responses.
	// Development only; secrets are redacted either way.
	ErrorDetails bool `envconfig:"LOG_ERROR_DETAILS" default:"false"`
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config

	// Sections are processed one by one so the explicit names are not
	// prefixed with the section name.
	sections := []any{
		&cfg.HTTP, &cfg.Redis, &cfg.RateLimit, &cfg.Catalog,
		&cfg.Weather, &cfg.Kolors, &cfg.Uploads, &cfg.Log, &cfg.Auth,
	}
	for _, section := range sections {
		if err := envconfig.Process("", section); err != nil {
			return nil, fmt.Errorf("read environment: %w", err)
		}
	}

	keys := cfg.Auth.AdminAPIKeys[:0]
	for _, k := range cfg.Auth.AdminAPIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	cfg.Auth.AdminAPIKeys = keys

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.RateLimit.PerMinute <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive, got %d", c.RateLimit.PerMinute))
	}
	if c.RateLimit.TryOn <= 0 {
		errs = append(errs, fmt.Errorf("TRYON_RATE_LIMIT must be positive, got %d", c.RateLimit.TryOn))
	}
	switch c.RateLimit.Store {
	case StoreRedis, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("RATE_LIMIT_STORE must be %q or %q, got %q", StoreRedis, StoreMemory, c.RateLimit.Store))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT out of range: %d", c.Redis.Port))
	}
	if c.Catalog.DatabasePath == "" {
		errs = append(errs, errors.New("DATABASE_PATH is required"))
	}
	if c.Uploads.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.Uploads.MaxBytes))
	}
	if c.Uploads.TTL <= 0 {
		errs = append(errs, fmt.Errorf("UPLOAD_TTL must be positive, got %s", c.Uploads.TTL))
	}
	if c.Kolors.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("KOLORS_MAX_RETRIES must not be negative, got %d", c.Kolors.MaxRetries))
	}
	if c.Kolors.RPS <= 0 {
		errs = append(errs, fmt.Errorf("KOLORS_RPS must be positive, got %v", c.Kolors.RPS))
	}
	if c.Kolors.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("KOLORS_POLL_INTERVAL must be positive, got %s", c.Kolors.PollInterval))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
