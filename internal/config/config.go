// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Logging output
	LogFormat     string // "text" or "json"
	LogFile       string // rotated file instead of stdout when set
	LogMaxSizeMB  int
	LogMaxBackups int

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // apply embedded goose migrations on startup

	// Cache for product/customer lookups (disabled if not set)
	RedisAddr string
	CacheTTL  time.Duration

	// External collaborators (in-memory fakes in development when empty)
	ProductAPIURL   string
	CustomerAPIURL  string
	ShipmentAPIURL  string
	PromoAPIURL     string
	ExternalTimeout time.Duration

	// Idempotency
	IdempotencyTTL           time.Duration
	IdempotencySweepInterval time.Duration
	IdempotencyBoltPath      string // embedded store for single-node in-memory mode

	// Refund policy
	ReturnWindow     time.Duration
	RefundWindow     time.Duration
	RefundCapPercent int64

	// Retry dispatcher
	RetryMaxAttempts  int
	RetryBaseDelay    time.Duration
	RetryPollInterval time.Duration

	ReconcileInterval time.Duration

	// Browser origins allowed to call the API ("*" for any)
	CORSAllowedOrigins []string

	// Per-client rate limit (disabled when RateLimitPerMinute is 0)
	RateLimitPerMinute int
	RateLimitBurst     int

	// Tracing (disabled when OTLPEndpoint is empty)
	OTLPEndpoint     string
	TraceSampleRatio float64
}

const (
	DefaultPort                     = "8080"
	DefaultEnv                      = "development"
	DefaultLogLevel                 = "info"
	DefaultLogFormat                = "text"
	DefaultLogMaxSizeMB             = 100
	DefaultLogMaxBackups            = 5
	DefaultCacheTTL                 = 60 * time.Second
	DefaultExternalTimeout          = 5 * time.Second
	DefaultIdempotencyTTL           = 24 * time.Hour
	DefaultIdempotencySweepInterval = time.Hour
	DefaultReturnWindow             = time.Minute
	DefaultRefundWindow             = 2 * time.Minute
	DefaultRefundCapPercent         = 50
	DefaultRetryMaxAttempts         = 3
	DefaultRetryBaseDelay           = 2 * time.Second
	DefaultRetryPollInterval        = time.Second
	DefaultReconcileInterval        = 5 * time.Minute
	DefaultRateLimitPerMinute       = 600
	DefaultRateLimitBurst           = 50
)

// Load reads configuration from environment variables.
// It loads .env if present, then the optional YAML file named by CONFIG_FILE.
// Environment variables always win over file values.
func Load() (*Config, error) {
	_ = godotenv.Load()

	src := source{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}

	cfg := &Config{
		Port:                     src.get("PORT", DefaultPort),
		Env:                      src.get("ENV", DefaultEnv),
		LogLevel:                 src.get("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                src.get("LOG_FORMAT", DefaultLogFormat),
		LogFile:                  src.get("LOG_FILE", ""),
		LogMaxSizeMB:             int(src.getInt64("LOG_MAX_SIZE_MB", DefaultLogMaxSizeMB)),
		LogMaxBackups:            int(src.getInt64("LOG_MAX_BACKUPS", DefaultLogMaxBackups)),
		DatabaseURL:              src.get("DATABASE_URL", ""),
		AutoMigrate:              src.getBool("AUTO_MIGRATE", false),
		RedisAddr:                src.get("REDIS_ADDR", ""),
		CacheTTL:                 src.getDuration("CACHE_TTL", DefaultCacheTTL),
		ProductAPIURL:            src.get("PRODUCT_API_URL", ""),
		CustomerAPIURL:           src.get("CUSTOMER_API_URL", ""),
		ShipmentAPIURL:           src.get("SHIPMENT_API_URL", ""),
		PromoAPIURL:              src.get("PROMO_API_URL", ""),
		ExternalTimeout:          src.getDuration("EXTERNAL_TIMEOUT", DefaultExternalTimeout),
		IdempotencyTTL:           src.getDuration("IDEMPOTENCY_TTL", DefaultIdempotencyTTL),
		IdempotencySweepInterval: src.getDuration("IDEMPOTENCY_SWEEP_INTERVAL", DefaultIdempotencySweepInterval),
		IdempotencyBoltPath:      src.get("IDEMPOTENCY_BOLT_PATH", ""),
		ReturnWindow:             src.getDuration("RETURN_WINDOW", DefaultReturnWindow),
		RefundWindow:             src.getDuration("REFUND_WINDOW", DefaultRefundWindow),
		RefundCapPercent:         src.getInt64("REFUND_CAP_PERCENT", DefaultRefundCapPercent),
		RetryMaxAttempts:         int(src.getInt64("RETRY_MAX_ATTEMPTS", DefaultRetryMaxAttempts)),
		RetryBaseDelay:           src.getDuration("RETRY_BASE_DELAY", DefaultRetryBaseDelay),
		RetryPollInterval:        src.getDuration("RETRY_POLL_INTERVAL", DefaultRetryPollInterval),
		ReconcileInterval:        src.getDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		CORSAllowedOrigins:       src.getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		RateLimitPerMinute:       int(src.getInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMinute)),
		RateLimitBurst:           int(src.getInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		OTLPEndpoint:             src.get("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		TraceSampleRatio:         src.getFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.ReturnWindow <= 0 || c.RefundWindow <= 0 {
		return fmt.Errorf("RETURN_WINDOW and REFUND_WINDOW must be positive")
	}
	if c.RefundCapPercent <= 0 || c.RefundCapPercent > 100 {
		return fmt.Errorf("REFUND_CAP_PERCENT must be between 1 and 100")
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must not be negative")
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must be positive")
	}
	if c.RateLimitPerMinute < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must not be negative")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.ExternalTimeout <= 0 {
		return fmt.Errorf("EXTERNAL_TIMEOUT must be positive")
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.ProductAPIURL == "" || c.CustomerAPIURL == "" || c.ShipmentAPIURL == "" {
			return fmt.Errorf("PRODUCT_API_URL, CUSTOMER_API_URL and SHIPMENT_API_URL are required in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

// source resolves a key from the environment first, then the YAML file.
// File keys are the lower-cased environment names (port, database_url, ...).
type source struct {
	file map[string]string
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[strings.ToLower(k)] = fmt.Sprint(v)
	}
	return out, nil
}

func (s source) lookup(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return s.file[strings.ToLower(key)]
}

func (s source) get(key, defaultValue string) string {
	if value := s.lookup(key); value != "" {
		return value
	}
	return defaultValue
}

func (s source) getList(key string, defaultValue []string) []string {
	value := s.lookup(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (s source) getInt64(key string, defaultValue int64) int64 {
	if value := s.lookup(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func (s source) getFloat(key string, defaultValue float64) float64 {
	if value := s.lookup(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func (s source) getBool(key string, defaultValue bool) bool {
	if value := s.lookup(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func (s source) getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := s.lookup(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
