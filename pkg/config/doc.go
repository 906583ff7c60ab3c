// Package config loads the service configuration from METER_* environment
// variables. A .env file in the working directory is read first when present;
// variables already set in the environment win.
//
// Server settings:
//
//	METER_HOST="0.0.0.0"
//	METER_PORT="8080"
//	METER_CORS_ORIGINS="https://app.example.com"
//
// Storage settings:
//
//	METER_DATABASE_URL="postgres://localhost/meter?sslmode=disable"
//	METER_REDIS_URL="redis://localhost:6379/0"  # optional
//
// Billing settings:
//
//	METER_PLAN_FETCH_TIMEOUT="5s"
//	METER_PLAN_CACHE_TTL="10m"
//	METER_SWEEP_SCHEDULE="@every 15m"
//	METER_WEBHOOK_INSECURE_SKIP_VERIFY="false"  # rejected when METER_ENV=production
//
// Provider credentials use METER_PAYPAL_*, METER_RAZORPAY_* and
// METER_STRIPE_*. A provider without credentials is not registered.
package config
