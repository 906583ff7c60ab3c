package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/platinummonkey/meter/pkg/providers/paypal"
	"github.com/platinummonkey/meter/pkg/providers/razorpay"
	"github.com/platinummonkey/meter/pkg/providers/stripe"
	"github.com/robfig/cron/v3"
)

// EnvProduction is the METER_ENV value that enables strict validation
const EnvProduction = "production"

// Config holds all application configuration
type Config struct {
	// Env is the deployment environment, e.g. "development" or "production"
	Env string

	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Observability ObservabilityConfig
	Billing       BillingConfig

	PayPal   paypal.Config
	Razorpay razorpay.Config
	Stripe   stripe.Config
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string

	// Requests per minute for callers without an organization and per organization
	RateLimitAnonymous    int
	RateLimitOrganization int
	// RateLimitFailOpen lets requests through while the limiter backend is down
	RateLimitFailOpen bool
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL      string
	MaxConns int
	MinConns int
	Timeout  time.Duration
	// Migrate applies the schema at startup
	Migrate bool
}

// RedisConfig holds Redis settings. An empty URL disables Redis and the
// service falls back to in-process locking and rate limiting.
type RedisConfig struct {
	URL        string
	PoolSize   int
	MaxRetries int
}

// Enabled reports whether a Redis URL is configured
func (r RedisConfig) Enabled() bool {
	return r.URL != ""
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string
	MetricsEnabled bool
}

// BillingConfig holds reconciliation and webhook settings
type BillingConfig struct {
	PlanFetchTimeout time.Duration
	PlanCacheTTL     time.Duration
	LockTTL          time.Duration
	LockWait         time.Duration
	SweepSchedule    string
	// WebhookInsecureSkipVerify accepts unsigned webhooks; development only
	WebhookInsecureSkipVerify bool
	// Webhook deliveries accepted per provider per minute
	WebhookRateLimit int
}

// LoadConfig loads configuration from environment variables, after reading
// an optional .env file from the working directory
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{
		Env:           getEnv("METER_ENV", "development"),
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Observability: loadObservabilityConfig(),
		Billing:       loadBillingConfig(),
		PayPal:        loadPayPalConfig(),
		Razorpay:      loadRazorpayConfig(),
		Stripe:        loadStripeConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:                  getEnv("METER_HOST", "0.0.0.0"),
		Port:                  getEnv("METER_PORT", "8080"),
		ReadTimeout:           getEnvDuration("METER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:          getEnvDuration("METER_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:           getEnvDuration("METER_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:       getEnvDuration("METER_SHUTDOWN_TIMEOUT", 30*time.Second),
		CORSOrigins:           getEnvList("METER_CORS_ORIGINS"),
		RateLimitAnonymous:    getEnvInt("METER_RATE_LIMIT_ANONYMOUS", 100),
		RateLimitOrganization: getEnvInt("METER_RATE_LIMIT_ORGANIZATION", 1000),
		RateLimitFailOpen:     getEnvBool("METER_RATE_LIMIT_FAIL_OPEN", true),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:      getEnv("METER_DATABASE_URL", ""),
		MaxConns: getEnvInt("METER_DATABASE_MAX_CONNS", 20),
		MinConns: getEnvInt("METER_DATABASE_MIN_CONNS", 5),
		Timeout:  getEnvDuration("METER_DATABASE_TIMEOUT", 10*time.Second),
		Migrate:  getEnvBool("METER_DATABASE_MIGRATE", true),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("METER_REDIS_URL", ""),
		PoolSize:   getEnvInt("METER_REDIS_POOL_SIZE", 10),
		MaxRetries: getEnvInt("METER_REDIS_MAX_RETRIES", 3),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       getEnv("METER_LOG_LEVEL", "info"),
		MetricsEnabled: getEnvBool("METER_METRICS_ENABLED", true),
	}
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		PlanFetchTimeout:          getEnvDuration("METER_PLAN_FETCH_TIMEOUT", 5*time.Second),
		PlanCacheTTL:              getEnvDuration("METER_PLAN_CACHE_TTL", 10*time.Minute),
		LockTTL:                   getEnvDuration("METER_RECONCILE_LOCK_TTL", 30*time.Second),
		LockWait:                  getEnvDuration("METER_RECONCILE_LOCK_WAIT", 10*time.Second),
		SweepSchedule:             getEnv("METER_SWEEP_SCHEDULE", "@every 15m"),
		WebhookInsecureSkipVerify: getEnvBool("METER_WEBHOOK_INSECURE_SKIP_VERIFY", false),
		WebhookRateLimit:          getEnvInt("METER_WEBHOOK_RATE_LIMIT", 600),
	}
}

func loadPayPalConfig() paypal.Config {
	return paypal.Config{
		BaseURL:   getEnv("METER_PAYPAL_BASE_URL", "https://api-m.sandbox.paypal.com"),
		ClientID:  getEnv("METER_PAYPAL_CLIENT_ID", ""),
		Secret:    getEnv("METER_PAYPAL_SECRET", ""),
		WebhookID: getEnv("METER_PAYPAL_WEBHOOK_ID", ""),
		Timeout:   getEnvDuration("METER_PAYPAL_TIMEOUT", 10*time.Second),
	}
}

func loadRazorpayConfig() razorpay.Config {
	return razorpay.Config{
		BaseURL:       getEnv("METER_RAZORPAY_BASE_URL", "https://api.razorpay.com"),
		KeyID:         getEnv("METER_RAZORPAY_KEY_ID", ""),
		KeySecret:     getEnv("METER_RAZORPAY_KEY_SECRET", ""),
		WebhookSecret: getEnv("METER_RAZORPAY_WEBHOOK_SECRET", ""),
		Currency:      getEnv("METER_RAZORPAY_CURRENCY", "INR"),
		Timeout:       getEnvDuration("METER_RAZORPAY_TIMEOUT", 10*time.Second),
	}
}

func loadStripeConfig() stripe.Config {
	return stripe.Config{
		APIKey:        getEnv("METER_STRIPE_API_KEY", ""),
		WebhookSecret: getEnv("METER_STRIPE_WEBHOOK_SECRET", ""),
		BaseURL:       getEnv("METER_STRIPE_BASE_URL", ""),
	}
}

// PayPalEnabled reports whether PayPal credentials are configured
func (c *Config) PayPalEnabled() bool {
	return c.PayPal.ClientID != "" && c.PayPal.Secret != ""
}

// RazorpayEnabled reports whether Razorpay credentials are configured
func (c *Config) RazorpayEnabled() bool {
	return c.Razorpay.KeyID != "" && c.Razorpay.KeySecret != ""
}

// StripeEnabled reports whether a Stripe API key is configured
func (c *Config) StripeEnabled() bool {
	return c.Stripe.APIKey != ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database min connections (%d) cannot exceed max connections (%d)",
			c.Database.MinConns, c.Database.MaxConns)
	}

	if c.Billing.PlanFetchTimeout <= 0 {
		return fmt.Errorf("plan fetch timeout must be positive")
	}
	if c.Billing.LockTTL <= 0 {
		return fmt.Errorf("reconcile lock TTL must be positive")
	}
	if c.Billing.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.Billing.SweepSchedule); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", c.Billing.SweepSchedule, err)
		}
	}

	if c.Env == EnvProduction {
		if c.Billing.WebhookInsecureSkipVerify {
			return fmt.Errorf("webhook signature verification cannot be disabled in production")
		}
		if c.PayPalEnabled() && c.PayPal.WebhookID == "" {
			return fmt.Errorf("PayPal webhook ID is required in production")
		}
		if c.RazorpayEnabled() && c.Razorpay.WebhookSecret == "" {
			return fmt.Errorf("Razorpay webhook secret is required in production")
		}
		if c.StripeEnabled() && c.Stripe.WebhookSecret == "" {
			return fmt.Errorf("Stripe webhook secret is required in production")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty entries
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
