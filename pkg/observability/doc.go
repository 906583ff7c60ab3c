// Package observability provides structured logging, Prometheus metrics,
// health checks and graceful shutdown for the billing service.
//
// # Logging
//
//	logger := observability.NewLogger(observability.ParseLevel(cfg.LogLevel), os.Stdout)
//	observability.FromContext(ctx, logger).WithField("organization_id", id).Info("reconciled")
//
// # Metrics
//
// Record methods are no-ops on a nil *Metrics:
//
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordWebhook("STRIPE", "invoice.paid", "processed", elapsed)
//
// # Health
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	checker.AddCheck("stripe", stripeClient.Ping, false)
//	observability.RegisterHealthRoutes(router, checker)
package observability
