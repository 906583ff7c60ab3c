// Package webhooks ingests payment provider webhooks and applies them to
// subscriptions and the payment ledger.
//
// # Overview
//
// Each provider has a Mapper that turns its native payload into an Event
// with one of a handful of kinds: activated, cancelled, payment completed
// and payment failed. Everything else is acknowledged and ignored. The
// Processor holds the provider-independent semantics: organization
// resolution, tier and period inference, reconciliation and the ledger row.
//
// # Delivery contract
//
// Providers retry anything that is not a 2xx, so the Handler answers:
//
//	200  processed, duplicate, ignored, malformed or unmapped
//	401  signature verification failed
//	429  per-provider rate limit reached
//	500  store or provider failure; the dedup claim is released
//
// # Deduplication
//
// Events are claimed in the EventLog by (provider, event id) before
// processing. When a provider sends no event id the SHA-256 of the body is
// used instead.
//
// # Usage Example
//
//	processor := webhooks.NewProcessor(store, reconciler, pricing.Default(), plans, logger, metrics)
//	handler := webhooks.NewHandler(processor, store, webhooks.HandlerConfig{RateLimit: 600}, logger, metrics)
//	handler.Register(webhooks.PayPalMapper{}, paypalClient)
//	handler.Register(webhooks.RazorpayMapper{}, razorpayClient)
//	handler.Register(webhooks.StripeMapper{}, stripeClient)
//	handler.RegisterRoutes(router)
//
// # Related Packages
//
//   - pkg/billing: Reconciler and the ledger
//   - pkg/providers: provider API clients and signature verification
package webhooks
