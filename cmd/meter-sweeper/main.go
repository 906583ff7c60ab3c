package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/platinummonkey/meter/pkg/billing"
	"github.com/platinummonkey/meter/pkg/observability"
	"github.com/platinummonkey/meter/pkg/orgs"
	"github.com/platinummonkey/meter/pkg/pricing"
	"github.com/platinummonkey/meter/pkg/storage/postgres"
	"github.com/robfig/cron/v3"
)

var (
	dbURL         = flag.String("db-url", getEnv("METER_DATABASE_URL", "postgres://localhost/meter?sslmode=disable"), "PostgreSQL connection URL")
	redisURL      = flag.String("redis-url", getEnv("METER_REDIS_URL", ""), "Redis URL for cross-instance locks; empty locks in-process")
	sweepSchedule = flag.String("schedule", getEnv("METER_SWEEP_SCHEDULE", "@every 15m"), "Cron schedule for expiring cancelled subscriptions")
	logLevel      = flag.String("log-level", getEnv("METER_LOG_LEVEL", "info"), "Log level")
	runOnce       = flag.Bool("run-once", false, "Sweep once and exit")
)

func main() {
	flag.Parse()

	logger := observability.NewLogger(observability.ParseLevel(*logLevel), os.Stdout)
	ctx := context.Background()

	db, err := postgres.Open(ctx, postgres.DefaultConnectionConfig(*dbURL))
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	var locker billing.Locker
	if *redisURL != "" {
		client, err := postgres.NewRedisClient(postgres.RedisConfig{URL: *redisURL})
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to redis")
		}
		defer client.Close()
		locker = postgres.NewRedisLocker(client, 30*time.Second, 10*time.Second)
	}

	store := billing.NewPostgresStore(db)
	reconciler := billing.NewReconciler(store, orgs.NewPostgresDirectory(db), pricing.Default(), locker, logger, nil)
	sweeper := billing.NewCancellationSweeper(store, reconciler, logger)

	if *runOnce {
		n, err := sweeper.Run(ctx)
		if err != nil {
			logger.WithError(err).WithField("expired", n).Fatal("Sweep failed")
		}
		logger.WithField("expired", n).Info("Sweep completed")
		return
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(logger.WithField("component", "cron"))))
	if _, err := sweeper.Schedule(c, *sweepSchedule); err != nil {
		logger.WithError(err).Fatal("Failed to schedule sweep")
	}
	c.Start()
	logger.WithField("schedule", *sweepSchedule).Info("Cancellation sweeper started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down gracefully...")

	stopped := c.Stop()
	<-stopped.Done()
	logger.Info("Sweeper stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

