// Package api assembles the HTTP surface of the billing service.
//
// Server owns a gorilla/mux router with the shared middleware stack:
// panic recovery, request ids, request logging, Prometheus
// instrumentation, organization scoping, rate limiting and quota
// enforcement. Handler groups attach through RegisterRoutes:
//
//	server := api.NewServer(api.ServerConfig{Logger: logger, Metrics: metrics, Registry: registry})
//	server.RegisterRoutes(api.NewBillingHandlers(service, table, logger))
//	server.RegisterRoutes(webhookHandler)
//	http.ListenAndServe(":8080", server)
//
// # Billing endpoints
//
// The organization comes from the X-Organization-ID header.
//
//	GET    /billing/plans                        tier table
//	GET    /billing/subscription                 active subscription or 404
//	POST   /billing/subscription                 provision FREE when there is none
//	PUT    /billing/subscription                 {tier, period, channels}
//	DELETE /billing/subscription                 cancel and downgrade to FREE
//	POST   /billing/lifetime                     {code, tier}
//	GET    /billing/upgrade/validate?tier=PRO    downgrade warnings and cost
//	GET    /billing/usage                        current month usage and limits
//	GET    /billing/limits/{feature}?units=1     quota decision
//	GET    /billing/transactions?limit=&offset=  ledger page
//	GET    /billing/payments/failed              failed payments
//	POST   /billing/payments/{payment_id}/retry  retry at the provider
//	GET    /admin/billing/stats                  counts per tier, sums per status
//
// Errors are JSON {"error": "..."}: 400 for bad input or unknown tiers,
// 403 with usage details when a quota is exceeded, 404 when nothing was
// found and 409 for lifetime-locked subscriptions or reused codes.
package api
