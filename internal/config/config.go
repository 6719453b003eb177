package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/opentrusty/identitycore/internal/credential"
	"github.com/opentrusty/identitycore/internal/identity"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Observability ObservabilityConfig
	Security      SecurityConfig
	Admin         AdminConfig
	RateLimit     RateLimitConfig
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64 `env:"RATELIMIT_RPS"   envDefault:"10"`
	Burst             int     `env:"RATELIMIT_BURST" envDefault:"20"`
	// TrustProxy keys clients by X-Forwarded-For / X-Real-IP. Enable only
	// behind a proxy that overwrites those headers.
	TrustProxy bool `env:"RATELIMIT_TRUST_PROXY" envDefault:"false"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `env:"SERVER_HOST"             envDefault:"0.0.0.0"`
	Port            string        `env:"SERVER_PORT"             envDefault:"8080"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT"     envDefault:"15s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT"    envDefault:"15s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT"     envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

// DatabaseConfig holds database configuration. An empty Host selects the
// in-memory user store.
type DatabaseConfig struct {
	Host         string `env:"DB_HOST"`
	Port         string `env:"DB_PORT"           envDefault:"5432"`
	User         string `env:"DB_USER"           envDefault:"identitycore"`
	Password     string `env:"DB_PASSWORD"`
	Database     string `env:"DB_NAME"           envDefault:"identitycore"`
	SSLMode      string `env:"DB_SSLMODE"        envDefault:"disable"`
	MaxOpenConns int    `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int    `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
}

// Enabled reports whether a PostgreSQL store is configured
func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string  `env:"LOG_LEVEL"                   envDefault:"info"`
	LogFormat      string  `env:"LOG_FORMAT"                  envDefault:"json"`
	OTELEnabled    bool    `env:"OTEL_ENABLED"                envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	SamplingRate   float64 `env:"OTEL_SAMPLING_RATE"          envDefault:"1.0"`
	ServiceName    string  `env:"OTEL_SERVICE_NAME"           envDefault:"identitycore"`
	ServiceVersion string  `env:"OTEL_SERVICE_VERSION"        envDefault:"0.1.0"`
}

// SecurityConfig holds credential hashing and lockout configuration
type SecurityConfig struct {
	Argon2Memory       uint32        `env:"ARGON2_MEMORY"                 envDefault:"19456"`
	Argon2Iterations   uint32        `env:"ARGON2_ITERATIONS"             envDefault:"2"`
	Argon2Parallelism  uint8         `env:"ARGON2_PARALLELISM"            envDefault:"1"`
	Argon2SaltLength   uint32        `env:"ARGON2_SALT_LENGTH"            envDefault:"16"`
	Argon2KeyLength    uint32        `env:"ARGON2_KEY_LENGTH"             envDefault:"32"`
	HashConcurrency    int           `env:"HASH_CONCURRENCY"              envDefault:"4"`
	LockoutMaxAttempts int           `env:"SECURITY_LOCKOUT_MAX_ATTEMPTS" envDefault:"5"`
	LockoutDuration    time.Duration `env:"SECURITY_LOCKOUT_DURATION"     envDefault:"15m"`
}

// Lockout returns the failed-login lockout policy
func (s SecurityConfig) Lockout() identity.LockoutPolicy {
	return identity.LockoutPolicy{MaxAttempts: s.LockoutMaxAttempts, Duration: s.LockoutDuration}
}

// HasherParams returns the Argon2id parameters for new hashes
func (s SecurityConfig) HasherParams() credential.Params {
	return credential.Params{
		Memory:      s.Argon2Memory,
		Iterations:  s.Argon2Iterations,
		Parallelism: s.Argon2Parallelism,
		SaltLength:  s.Argon2SaltLength,
		KeyLength:   s.Argon2KeyLength,
	}
}

// AdminConfig holds the bootstrap administrator credentials
type AdminConfig struct {
	Username string `env:"ADMIN_USERNAME"`
	Password string `env:"ADMIN_PASSWORD"`
}

// Configured reports whether an administrator should be bootstrapped
func (a AdminConfig) Configured() bool {
	return a.Username != "" && a.Password != ""
}

// Credentials returns the administrator credentials
func (a AdminConfig) Credentials() identity.AdminCredentials {
	return identity.AdminCredentials{Username: a.Username, Password: a.Password}
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	if c.Database.Enabled() && c.Database.Password == "" {
		errs = append(errs, errors.New("DB_PASSWORD is required when DB_HOST is set"))
	}
	if (c.Admin.Username == "") != (c.Admin.Password == "") {
		errs = append(errs, errors.New("ADMIN_USERNAME and ADMIN_PASSWORD must be set together"))
	}
	if err := c.Security.HasherParams().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Security.HashConcurrency < 1 {
		errs = append(errs, errors.New("HASH_CONCURRENCY must be at least 1"))
	}
	if c.Security.LockoutMaxAttempts < 0 {
		errs = append(errs, errors.New("SECURITY_LOCKOUT_MAX_ATTEMPTS must not be negative"))
	}
	if c.Security.LockoutMaxAttempts > 0 && c.Security.LockoutDuration <= 0 {
		errs = append(errs, errors.New("SECURITY_LOCKOUT_DURATION must be positive when lockout is enabled"))
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("RATELIMIT_RPS and RATELIMIT_BURST must be positive"))
	}

	return errors.Join(errs...)
}
