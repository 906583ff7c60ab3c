// Package middleware provides HTTP middleware for organization scoping,
// quota enforcement and rate limiting.
//
// # Middleware Components
//
// OrgContextMiddleware: reads the organization from the org_id route
// variable or the X-Organization-ID header
//
//	router.Use(middleware.OrgContextMiddleware(store))
//
// QuotaMiddleware: denies metered requests over the tier's monthly limit
// with 403 and records a usage unit after each successful one
//
//	qm := middleware.NewQuotaMiddleware(guard, store, logger)
//	router.Use(qm.Handler)
//
// RateLimitMiddleware: per-organization limits, falling back to the client
// IP. Limiters are in-process token buckets or Redis fixed windows.
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, middleware.PerOrganizationRateLimitConfig(), "")
//	rl := middleware.NewRateLimitMiddleware(limiter, nil, logger)
//	router.Use(rl.Handler)
//
// # Rate Limiting
//
// Default (no organization): 100 req/min, 10 burst
// Per organization: 1000 req/min, 50 burst
package middleware
