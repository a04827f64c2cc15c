package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultIdempotencyTTL, cfg.IdempotencyTTL)
	assert.Equal(t, time.Hour, cfg.IdempotencySweepInterval)
	assert.Equal(t, time.Minute, cfg.ReturnWindow)
	assert.Equal(t, 2*time.Minute, cfg.RefundWindow)
	assert.Equal(t, int64(50), cfg.RefundCapPercent)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.CacheTTL)
	assert.Equal(t, DefaultRateLimitPerMinute, cfg.RateLimitPerMinute)
	assert.Equal(t, 1.0, cfg.TraceSampleRatio)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_EnvOverrides(t *testing.T) {
	setEnv(t, "REFUND_WINDOW", "5m")
	setEnv(t, "CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	setEnv(t, "RETRY_MAX_ATTEMPTS", "5")
	setEnv(t, "AUTO_MIGRATE", "true")
	setEnv(t, "OTEL_TRACES_SAMPLER_ARG", "0.25")
	setEnv(t, "EXTERNAL_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.RefundWindow)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, 0.25, cfg.TraceSampleRatio)
	assert.Equal(t, DefaultExternalTimeout, cfg.ExternalTimeout, "unparseable values fall back to defaults")
}

func TestLoad_YAMLFileWithEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creditsaga.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 7070
log_format: json
refund_cap_percent: 40
product_api_url: http://products.internal:3002
`), 0o600))

	setEnv(t, "CONFIG_FILE", path)
	setEnv(t, "LOG_FORMAT", "text")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, int64(40), cfg.RefundCapPercent)
	assert.Equal(t, "http://products.internal:3002", cfg.ProductAPIURL)
	assert.Equal(t, "text", cfg.LogFormat, "environment must win over the file")
}

func TestLoad_MissingConfigFile(t *testing.T) {
	setEnv(t, "CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Port:             "8080",
			Env:              "development",
			ReturnWindow:     time.Minute,
			RefundWindow:     2 * time.Minute,
			RefundCapPercent: 50,
			RetryMaxAttempts: 3,
			IdempotencyTTL:   24 * time.Hour,
			ExternalTimeout:  5 * time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"missing port", func(c *Config) { c.Port = "" }, "PORT is required"},
		{"zero window", func(c *Config) { c.RefundWindow = 0 }, "must be positive"},
		{"cap too high", func(c *Config) { c.RefundCapPercent = 120 }, "REFUND_CAP_PERCENT"},
		{"negative retries", func(c *Config) { c.RetryMaxAttempts = -1 }, "RETRY_MAX_ATTEMPTS"},
		{"negative rate limit", func(c *Config) { c.RateLimitBurst = -1 }, "RATE_LIMIT_BURST"},
		{"sample ratio above one", func(c *Config) { c.TraceSampleRatio = 1.5 }, "OTEL_TRACES_SAMPLER_ARG"},
		{"production without database", func(c *Config) { c.Env = "production" }, "DATABASE_URL is required"},
		{"production without collaborators", func(c *Config) {
			c.Env = "production"
			c.DatabaseURL = "postgres://localhost/creditsaga"
		}, "PRODUCT_API_URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_EnvironmentChecks(t *testing.T) {
	assert.True(t, (&Config{Env: "development"}).IsDevelopment())
	assert.False(t, (&Config{Env: "development"}).IsProduction())
	assert.True(t, (&Config{Env: "production"}).IsProduction())
}
