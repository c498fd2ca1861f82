package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Config holds the application configuration.
type Config struct {
	Environment string
	LogLevel    slog.Level

	DatabaseDriver   string
	DatabaseURL      string
	DatabaseMaxConns int32

	APIAddr      string
	GRPCAddr     string
	TLSCertFile  string
	TLSKeyFile   string
	TLSCAFile    string
	MaxBodyBytes int64
	IPAllowlist  []string

	RedisAddr             string
	RateLimitCapacity     int
	RateLimitRefillPerSec float64

	SAPODataURL              string
	SAPUser                  string
	SAPPassword              string
	SAPTimeout               time.Duration
	SAPCAFile                string
	PublisherBreakerFailures int

	OAuthIssuer  string
	OAuthClients string
	// OAuthSigningKeyFile is a PEM RSA private key shared by all replicas.
	// Unset, each process signs with a generated key.
	OAuthSigningKeyFile  string
	OAuthRetiredKeyFiles []string
	OAuthTokenTTL        time.Duration

	// AuditLogPath receives the audit chain as JSON lines when set.
	AuditLogPath string
}

// Load reads an optional .env file, then the process environment.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv parses the environment without validating it.
func FromEnv() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		LogLevel:    p.level("LOG_LEVEL", slog.LevelInfo),

		DatabaseDriver:   getEnv("DATABASE_DRIVER", DriverPostgres),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		DatabaseMaxConns: int32(p.int("DATABASE_MAX_CONNS", 10)),

		APIAddr:      getEnv("API_ADDR", ":8443"),
		GRPCAddr:     getEnv("GRPC_ADDR", ":50051"),
		TLSCertFile:  getEnv("API_TLS_CERT", ""),
		TLSKeyFile:   getEnv("API_TLS_KEY", ""),
		TLSCAFile:    getEnv("API_TLS_CA", ""),
		MaxBodyBytes: int64(p.int("API_MAX_BODY_BYTES", 1<<20)),
		IPAllowlist:  splitList(getEnv("API_IP_ALLOWLIST", "")),

		RedisAddr:             getEnv("REDIS_ADDR", ""),
		RateLimitCapacity:     p.int("API_RATE_LIMIT_CAPACITY", 20),
		RateLimitRefillPerSec: p.float("API_RATE_LIMIT_REFILL_PER_SEC", 10),

		SAPODataURL:              getEnv("SAP_ODATA_URL", ""),
		SAPUser:                  getEnv("SAP_USER", ""),
		SAPPassword:              getEnv("SAP_PASSWORD", ""),
		SAPTimeout:               p.duration("SAP_TIMEOUT", 10*time.Second),
		SAPCAFile:                getEnv("SAP_TLS_CA", ""),
		PublisherBreakerFailures: p.int("PUBLISHER_BREAKER_FAILURES", 5),

		OAuthIssuer:          getEnv("OAUTH_ISSUER", "bank-api"),
		OAuthClients:         getEnv("OAUTH_CLIENTS", ""),
		OAuthSigningKeyFile:  getEnv("OAUTH_SIGNING_KEY_FILE", ""),
		OAuthRetiredKeyFiles: splitList(getEnv("OAUTH_RETIRED_KEY_FILES", "")),
		OAuthTokenTTL:        p.duration("OAUTH_TOKEN_TTL", 15*time.Minute),

		AuditLogPath: getEnv("AUDIT_LOG_PATH", ""),
	}
	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var missing []string

	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		missing = append(missing, "API_TLS_CERT", "API_TLS_KEY")
	}
	if c.SAPODataURL != "" && (c.SAPUser == "" || c.SAPPassword == "") {
		missing = append(missing, "SAP_USER", "SAP_PASSWORD")
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	switch c.DatabaseDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.DatabaseDriver)
	}

	if c.IsProduction() {
		if c.TLSCertFile == "" {
			missing = append(missing, "API_TLS_CERT", "API_TLS_KEY")
		}
		if c.SAPODataURL == "" {
			missing = append(missing, "SAP_ODATA_URL", "SAP_USER", "SAP_PASSWORD")
		}
		if c.OAuthClients != "" && c.OAuthSigningKeyFile == "" {
			missing = append(missing, "OAUTH_SIGNING_KEY_FILE")
		}
		if len(missing) > 0 {
			return errors.New("missing required environment variables for " + c.Environment + ": " + strings.Join(missing, ", "))
		}
		if c.DatabaseDriver == DriverSQLite {
			return errors.New("sqlite3 is not supported in " + c.Environment)
		}
	}

	if c.MaxBodyBytes <= 0 {
		return errors.New("API_MAX_BODY_BYTES must be positive")
	}
	if c.RateLimitCapacity < 0 || c.RateLimitRefillPerSec < 0 {
		return errors.New("rate limit settings must not be negative")
	}
	if c.OAuthTokenTTL <= 0 {
		return errors.New("OAUTH_TOKEN_TTL must be positive")
	}
	if len(c.OAuthRetiredKeyFiles) > 0 && c.OAuthSigningKeyFile == "" {
		return errors.New("OAUTH_RETIRED_KEY_FILES requires OAUTH_SIGNING_KEY_FILE")
	}
	if c.PublisherBreakerFailures < 1 {
		return errors.New("PUBLISHER_BREAKER_FAILURES must be at least 1")
	}

	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

// TLSEnabled reports whether the API listener serves HTTPS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parser collects every malformed variable instead of stopping at the
// first.
type parser struct {
	errs []error
}

func (p *parser) int(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return i
}

func (p *parser) float(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return f
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

func (p *parser) level(key string, def slog.Level) slog.Level {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid level %q", key, v))
		return def
	}
	return l
}
