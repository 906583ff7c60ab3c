package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/meter/pkg/api"
	"github.com/platinummonkey/meter/pkg/billing"
	"github.com/platinummonkey/meter/pkg/config"
	"github.com/platinummonkey/meter/pkg/middleware"
	"github.com/platinummonkey/meter/pkg/observability"
	"github.com/platinummonkey/meter/pkg/orgs"
	"github.com/platinummonkey/meter/pkg/pricing"
	"github.com/platinummonkey/meter/pkg/providers"
	"github.com/platinummonkey/meter/pkg/providers/paypal"
	"github.com/platinummonkey/meter/pkg/providers/razorpay"
	"github.com/platinummonkey/meter/pkg/providers/stripe"
	"github.com/platinummonkey/meter/pkg/quota"
	"github.com/platinummonkey/meter/pkg/storage/postgres"
	"github.com/platinummonkey/meter/pkg/webhooks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.ParseLevel(cfg.Observability.LogLevel), os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Server exited with error")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	db, err := postgres.Open(ctx, postgres.ConnectionConfig{
		URL:         cfg.Database.URL,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
		MaxLifetime: 30 * time.Minute,
		MaxIdleTime: 5 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("Connected to PostgreSQL")

	if cfg.Database.Migrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("Database schema is up to date")
	}

	var redisClient *redis.Client
	var locker billing.Locker = billing.NewLocalLocker()
	if cfg.Redis.Enabled() {
		redisClient, err = postgres.NewRedisClient(postgres.RedisConfig{
			URL:        cfg.Redis.URL,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
		})
		if err != nil {
			db.Close()
			return err
		}
		locker = postgres.NewRedisLocker(redisClient, cfg.Billing.LockTTL, cfg.Billing.LockWait)
		logger.Info("Connected to Redis, using distributed locks and rate limits")
	} else {
		logger.Warn("Redis is not configured, locks and rate limits are per instance")
	}

	table := pricing.Default()
	store := billing.NewPostgresStore(db)
	dir := orgs.NewPostgresDirectory(db)

	reconciler := billing.NewReconciler(store, dir, table, locker, logger, metrics)
	guard := quota.NewGuard(table, billing.NewTierSource(store), store, logger, metrics)
	service := billing.NewService(store, reconciler, guard, table, dir, logger, metrics)

	plans := webhooks.NewCachedPlanLookup(cfg.Billing.PlanCacheTTL, cfg.Billing.PlanFetchTimeout, metrics, logger)
	processor := webhooks.NewProcessor(store, reconciler, table, plans, logger, metrics)
	webhookHandler := webhooks.NewHandler(processor, store, webhooks.HandlerConfig{
		InsecureSkipVerify: cfg.Billing.WebhookInsecureSkipVerify,
		RateLimit:          cfg.Billing.WebhookRateLimit,
		RatePeriod:         time.Minute,
	}, logger, metrics)
	if cfg.Billing.WebhookInsecureSkipVerify {
		logger.Warn("Webhook signature verification is disabled")
	}

	registerProviders(cfg, logger, service, plans, webhookHandler)

	health := observability.NewHealthChecker(db, redisClient)
	health.SetVersion(version)

	server := api.NewServer(api.ServerConfig{
		Logger:        logger,
		Metrics:       metrics,
		Registry:      metricsRegistry(cfg, registry),
		Health:        health,
		Organizations: store,
		Quota:         middleware.NewQuotaMiddleware(guard, store, logger),
		RateLimit:     newRateLimit(ctx, cfg, redisClient, logger),
		CORSOrigins:   cfg.Server.CORSOrigins,
	})
	server.RegisterRoutes(api.NewBillingHandlers(service, table, logger))
	server.RegisterRoutes(webhookHandler)

	scheduler := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(logger.WithField("component", "cron"))))
	sweeper := billing.NewCancellationSweeper(store, reconciler, logger)
	if _, err := sweeper.Schedule(scheduler, cfg.Billing.SweepSchedule); err != nil {
		return fmt.Errorf("failed to schedule cancellation sweep: %w", err)
	}
	scheduler.Start()

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.Register("cron", func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.Register("background", func(context.Context) error {
		cancel()
		return nil
	})
	shutdown.Register("database", func(context.Context) error {
		return db.Close()
	})
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error {
			return redisClient.Close()
		})
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":    httpServer.Addr,
			"version": version,
			"env":     cfg.Env,
		}).Info("Starting meter billing server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdownErr := make(chan error, 1)
	go func() {
		shutdownErr <- shutdown.WaitForSignal()
	}()

	select {
	case err := <-serverErr:
		stopCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer stop()
		shutdown.Shutdown(stopCtx)
		return fmt.Errorf("server failed: %w", err)
	case err := <-shutdownErr:
		return err
	}
}

// registerProviders wires every provider with credentials into the billing
// service, the plan lookup and the webhook handler. A provider without
// credentials still accepts webhooks when verification is disabled.
func registerProviders(cfg *config.Config, logger *logrus.Logger, service *billing.Service,
	plans *webhooks.CachedPlanLookup, handler *webhooks.Handler) {
	var paypalVerifier, razorpayVerifier, stripeVerifier webhooks.Verifier

	if cfg.PayPalEnabled() {
		client := paypal.NewClient(cfg.PayPal, logger)
		service.SetRetrier(providers.PayPal, client)
		service.SetCanceller(providers.PayPal, client)
		plans.Register(providers.PayPal, client)
		paypalVerifier = client
		logger.WithField("provider", providers.PayPal).Info("Payment provider enabled")
	}
	if cfg.RazorpayEnabled() {
		client := razorpay.NewClient(cfg.Razorpay, logger)
		service.SetCanceller(providers.Razorpay, client)
		plans.Register(providers.Razorpay, client)
		razorpayVerifier = client
		logger.WithField("provider", providers.Razorpay).Info("Payment provider enabled")
	}
	if cfg.StripeEnabled() {
		client := stripe.NewClient(cfg.Stripe, logger)
		service.SetRetrier(providers.Stripe, client)
		service.SetCanceller(providers.Stripe, client)
		plans.Register(providers.Stripe, client)
		stripeVerifier = client
		logger.WithField("provider", providers.Stripe).Info("Payment provider enabled")
	}

	if paypalVerifier != nil || cfg.Billing.WebhookInsecureSkipVerify {
		handler.Register(webhooks.PayPalMapper{}, paypalVerifier)
	}
	if razorpayVerifier != nil || cfg.Billing.WebhookInsecureSkipVerify {
		handler.Register(webhooks.RazorpayMapper{}, razorpayVerifier)
	}
	if stripeVerifier != nil || cfg.Billing.WebhookInsecureSkipVerify {
		handler.Register(webhooks.StripeMapper{}, stripeVerifier)
	}
}

// newRateLimit keys limits by organization, or by client IP for anonymous
// callers. Redis gives every instance the same counters.
func newRateLimit(ctx context.Context, cfg *config.Config, client *redis.Client, logger *logrus.Logger) *middleware.RateLimitMiddleware {
	orgConfig := middleware.PerOrganizationRateLimitConfig()
	orgConfig.RequestsPerWindow = cfg.Server.RateLimitOrganization
	anonConfig := middleware.DefaultRateLimitConfig()
	anonConfig.RequestsPerWindow = cfg.Server.RateLimitAnonymous

	var orgLimiter, anonLimiter middleware.Limiter
	if client != nil {
		orgLimiter = middleware.NewDistributedRateLimiter(client, orgConfig, "meter:ratelimit:org")
		anonLimiter = middleware.NewDistributedRateLimiter(client, anonConfig, "meter:ratelimit:anon")
	} else {
		orgMemory := middleware.NewRateLimiter(orgConfig)
		anonMemory := middleware.NewRateLimiter(anonConfig)
		orgMemory.StartCleanup(ctx)
		anonMemory.StartCleanup(ctx)
		orgLimiter, anonLimiter = orgMemory, anonMemory
	}

	rl := middleware.NewRateLimitMiddleware(orgLimiter, anonLimiter, logger)
	rl.SetFailOpen(cfg.Server.RateLimitFailOpen)
	rl.Skip("/webhooks/", "/health", "/metrics")
	return rl
}

func metricsRegistry(cfg *config.Config, registry *prometheus.Registry) *prometheus.Registry {
	if !cfg.Observability.MetricsEnabled {
		return nil
	}
	return registry
}
