package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "custom")
	t.Setenv("TEST_BOOL_TRUE", "TRUE")
	t.Setenv("TEST_BOOL_ONE", "1")
	t.Setenv("TEST_BOOL_NO", "no")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INT_BAD", "forty")
	t.Setenv("TEST_DUR", "90s")
	t.Setenv("TEST_DUR_BAD", "soon")
	t.Setenv("TEST_LIST", " a, ,b ,")

	assert.Equal(t, "custom", getEnv("TEST_STR", "default"))
	assert.Equal(t, "default", getEnv("TEST_STR_UNSET", "default"))

	assert.True(t, getEnvBool("TEST_BOOL_TRUE", false))
	assert.True(t, getEnvBool("TEST_BOOL_ONE", false))
	assert.False(t, getEnvBool("TEST_BOOL_NO", true))
	assert.True(t, getEnvBool("TEST_BOOL_UNSET", true))

	assert.Equal(t, 42, getEnvInt("TEST_INT", 1))
	assert.Equal(t, 1, getEnvInt("TEST_INT_BAD", 1))

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_DUR_BAD", time.Second))

	assert.Equal(t, []string{"a", "b"}, getEnvList("TEST_LIST"))
	assert.Nil(t, getEnvList("TEST_LIST_UNSET"))
}

func validConfig() *Config {
	return &Config{
		Env:      "development",
		Server:   loadServerConfig(),
		Database: DatabaseConfig{URL: "postgres://localhost/meter", MaxConns: 10, MinConns: 2},
		Billing: BillingConfig{
			PlanFetchTimeout: 5 * time.Second,
			LockTTL:          30 * time.Second,
			SweepSchedule:    "@every 15m",
		},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing port", mutate: func(c *Config) { c.Server.Port = "" }, wantErr: "server port"},
		{name: "missing database", mutate: func(c *Config) { c.Database.URL = "" }, wantErr: "database URL"},
		{name: "bad pool", mutate: func(c *Config) { c.Database.MinConns = 20 }, wantErr: "cannot exceed"},
		{name: "zero plan timeout", mutate: func(c *Config) { c.Billing.PlanFetchTimeout = 0 }, wantErr: "plan fetch timeout"},
		{name: "bad schedule", mutate: func(c *Config) { c.Billing.SweepSchedule = "every now and then" }, wantErr: "sweep schedule"},
		{
			name:   "insecure webhooks allowed outside production",
			mutate: func(c *Config) { c.Billing.WebhookInsecureSkipVerify = true },
		},
		{
			name: "insecure webhooks rejected in production",
			mutate: func(c *Config) {
				c.Env = EnvProduction
				c.Billing.WebhookInsecureSkipVerify = true
			},
			wantErr: "cannot be disabled in production",
		},
		{
			name: "stripe without webhook secret in production",
			mutate: func(c *Config) {
				c.Env = EnvProduction
				c.Stripe.APIKey = "sk_live_x"
			},
			wantErr: "Stripe webhook secret",
		},
		{
			name: "razorpay without webhook secret in production",
			mutate: func(c *Config) {
				c.Env = EnvProduction
				c.Razorpay.KeyID = "rzp_live"
				c.Razorpay.KeySecret = "secret"
			},
			wantErr: "Razorpay webhook secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("METER_DATABASE_URL", "postgres://db/meter")
	t.Setenv("METER_PORT", "9000")
	t.Setenv("METER_STRIPE_API_KEY", "sk_test_123")
	t.Setenv("METER_PLAN_FETCH_TIMEOUT", "2s")
	t.Setenv("METER_RATE_LIMIT_FAIL_OPEN", "false")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "postgres://db/meter", cfg.Database.URL)
	assert.Equal(t, 2*time.Second, cfg.Billing.PlanFetchTimeout)
	assert.Equal(t, "@every 15m", cfg.Billing.SweepSchedule)
	assert.False(t, cfg.Redis.Enabled())
	assert.True(t, cfg.StripeEnabled())
	assert.False(t, cfg.PayPalEnabled())
	assert.False(t, cfg.RazorpayEnabled())
	assert.Equal(t, "INR", cfg.Razorpay.Currency)
	assert.False(t, cfg.Server.RateLimitFailOpen)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("METER_DATABASE_URL=postgres://dotenv/meter\nMETER_REDIS_URL=redis://cache:6379/0\n"), 0o600))

	// godotenv does not override variables that are already set
	t.Setenv("METER_REDIS_URL", "redis://env:6379/1")
	t.Cleanup(func() { os.Unsetenv("METER_DATABASE_URL") })

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "postgres://dotenv/meter", cfg.Database.URL)
	assert.Equal(t, "redis://env:6379/1", cfg.Redis.URL)
	assert.True(t, cfg.Redis.Enabled())
}

func TestLoadConfig_Invalid(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("METER_DATABASE_URL", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database URL is required")
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
