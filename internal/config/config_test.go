package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"APP_ENV", "LOG_LEVEL", "DATABASE_DRIVER", "DATABASE_URL", "DATABASE_MAX_CONNS",
	"API_ADDR", "GRPC_ADDR", "API_TLS_CERT", "API_TLS_KEY", "API_TLS_CA",
	"API_MAX_BODY_BYTES", "API_IP_ALLOWLIST", "REDIS_ADDR",
	"API_RATE_LIMIT_CAPACITY", "API_RATE_LIMIT_REFILL_PER_SEC",
	"SAP_ODATA_URL", "SAP_USER", "SAP_PASSWORD", "SAP_TIMEOUT", "SAP_TLS_CA",
	"PUBLISHER_BREAKER_FAILURES", "OAUTH_ISSUER", "OAUTH_CLIENTS", "AUDIT_LOG_PATH",
	"OAUTH_SIGNING_KEY_FILE", "OAUTH_RETIRED_KEY_FILES", "OAUTH_TOKEN_TTL",
}

// setEnv gives every key a known value; unset keys fall back to defaults.
func setEnv(t *testing.T, vals map[string]string) {
	t.Helper()
	for _, k := range allKeys {
		v, ok := vals[k]
		if !ok {
			v = defaultsForTest[k]
		}
		t.Setenv(k, v)
	}
}

// Empty strings are treated as "set"; these mirror the built-in defaults.
var defaultsForTest = map[string]string{
	"APP_ENV":                    "development",
	"DATABASE_DRIVER":            "postgres",
	"API_ADDR":                   ":8443",
	"GRPC_ADDR":                  ":50051",
	"OAUTH_ISSUER":               "bank-api",
	"PUBLISHER_BREAKER_FAILURES": "5",
}

func TestFromEnvDefaults(t *testing.T) {
	setEnv(t, map[string]string{"DATABASE_URL": "postgres://bank@localhost/bank"})

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, DriverPostgres, cfg.DatabaseDriver)
	assert.Equal(t, int32(10), cfg.DatabaseMaxConns)
	assert.Equal(t, ":8443", cfg.APIAddr)
	assert.Equal(t, ":50051", cfg.GRPCAddr)
	assert.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
	assert.Equal(t, 20, cfg.RateLimitCapacity)
	assert.Equal(t, 10.0, cfg.RateLimitRefillPerSec)
	assert.Equal(t, 10*time.Second, cfg.SAPTimeout)
	assert.Equal(t, 5, cfg.PublisherBreakerFailures)
	assert.Equal(t, 15*time.Minute, cfg.OAuthTokenTTL)
	assert.False(t, cfg.TLSEnabled())
	assert.False(t, cfg.IsProduction())
	assert.Empty(t, cfg.IPAllowlist)
}

func TestFromEnvOverrides(t *testing.T) {
	setEnv(t, map[string]string{
		"DATABASE_DRIVER":               "sqlite3",
		"DATABASE_URL":                  "bank.db",
		"LOG_LEVEL":                     "debug",
		"API_IP_ALLOWLIST":              "10.0.0.0/8, 192.168.1.7 ,",
		"API_RATE_LIMIT_REFILL_PER_SEC": "2.5",
		"SAP_ODATA_URL":                 "https://sap.example/odata",
		"SAP_USER":                      "bank",
		"SAP_PASSWORD":                  "secret",
		"SAP_TIMEOUT":                   "3s",
		"OAUTH_SIGNING_KEY_FILE":        "/etc/bank/oauth.pem",
		"OAUTH_RETIRED_KEY_FILES":       "/etc/bank/old.pem,/etc/bank/older.pem",
		"OAUTH_TOKEN_TTL":               "5m",
	})

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DriverSQLite, cfg.DatabaseDriver)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.7"}, cfg.IPAllowlist)
	assert.Equal(t, 2.5, cfg.RateLimitRefillPerSec)
	assert.Equal(t, 3*time.Second, cfg.SAPTimeout)
	assert.Equal(t, "/etc/bank/oauth.pem", cfg.OAuthSigningKeyFile)
	assert.Equal(t, []string{"/etc/bank/old.pem", "/etc/bank/older.pem"}, cfg.OAuthRetiredKeyFiles)
	assert.Equal(t, 5*time.Minute, cfg.OAuthTokenTTL)
}

func TestFromEnvMalformed(t *testing.T) {
	setEnv(t, map[string]string{
		"DATABASE_URL":            "x",
		"API_RATE_LIMIT_CAPACITY": "lots",
		"SAP_TIMEOUT":             "soon",
		"LOG_LEVEL":               "loud",
	})

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API_RATE_LIMIT_CAPACITY")
	assert.Contains(t, err.Error(), "SAP_TIMEOUT")
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Environment:              "development",
			DatabaseDriver:           DriverPostgres,
			DatabaseURL:              "postgres://localhost/bank",
			MaxBodyBytes:             1024,
			PublisherBreakerFailures: 5,
		}
	}

	require.NoError(t, valid().Validate())

	c := valid()
	c.DatabaseURL = ""
	assert.ErrorContains(t, c.Validate(), "DATABASE_URL")

	c = valid()
	c.DatabaseDriver = "mysql"
	assert.ErrorContains(t, c.Validate(), "DATABASE_DRIVER")

	c = valid()
	c.TLSCertFile = "server.crt"
	assert.ErrorContains(t, c.Validate(), "API_TLS_KEY")

	c = valid()
	c.SAPODataURL = "https://sap.example/odata"
	assert.ErrorContains(t, c.Validate(), "SAP_PASSWORD")

	c = valid()
	c.OAuthRetiredKeyFiles = []string{"old.pem"}
	assert.ErrorContains(t, c.Validate(), "OAUTH_SIGNING_KEY_FILE")

	c = valid()
	c.PublisherBreakerFailures = 0
	assert.Error(t, c.Validate())

	c = valid()
	c.Environment = "production"
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API_TLS_CERT")
	assert.Contains(t, err.Error(), "SAP_ODATA_URL")

	c.TLSCertFile, c.TLSKeyFile = "server.crt", "server.key"
	c.SAPODataURL, c.SAPUser, c.SAPPassword = "https://sap.example/odata", "bank", "secret"
	require.NoError(t, c.Validate())

	c.OAuthClients = "erp:hash:payments:write"
	assert.ErrorContains(t, c.Validate(), "OAUTH_SIGNING_KEY_FILE")
	c.OAuthSigningKeyFile = "oauth.pem"
	require.NoError(t, c.Validate())

	c.DatabaseDriver = DriverSQLite
	assert.ErrorContains(t, c.Validate(), "sqlite3")
}
