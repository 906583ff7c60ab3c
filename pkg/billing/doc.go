// Package billing keeps an organization's subscription, ledger and usage
// counters consistent with what the payment providers report.
//
// The Reconciler is the single write path for tier changes: it disables
// integrations above the new channel allotment, toggles team members when
// the team feature flips, stops schedules on FREE and upserts the
// subscription row. Lifetime subscriptions are never changed by it.
//
//	reconciler := billing.NewReconciler(store, directory, pricing.Default(), locker, logger, metrics)
//	svc := billing.NewService(store, reconciler, guard, pricing.Default(), directory, logger, metrics)
//	sub, err := svc.ReconcileTier(ctx, orgID, pricing.TierPro, pricing.PeriodYearly, 0)
//
// PostgresStore implements Store; the dedup methods it also carries back
// the webhook event log.
package billing
